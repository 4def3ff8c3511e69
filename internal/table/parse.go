package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// Table is a parsed CSV file: a header and one map per data row
type Table struct {
	Name   string
	Header []string
	Rows   []map[string]string
}

// ParseError reports malformed CSV in a named table
type ParseError struct {
	Table string
	Line  int
	Err   error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("failed to parse CSV %s (line %d): %v", e.Table, e.Line, e.Err)
	}
	return fmt.Sprintf("failed to parse CSV %s: %v", e.Table, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ID is the table's identity for joins: the lower-cased base name
// without extension, with dashes and spaces turned into underscores
func (t *Table) ID() string {
	base := path.Base(strings.ReplaceAll(t.Name, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.ToLower(strings.TrimSpace(base))
	return strings.NewReplacer("-", "_", " ", "_").Replace(base)
}

// Parse reads text as CSV with a header row. Empty cells map to "".
func Parse(text, name string) (*Table, error) {
	text = strings.TrimPrefix(text, "\ufeff")

	r := csv.NewReader(strings.NewReader(text))

	header, err := r.Read()
	if err == io.EOF {
		return &Table{Name: name}, nil
	}
	if err != nil {
		return nil, wrapParseError(name, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	t := &Table{Name: name, Header: header}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wrapParseError(name, err)
		}

		row := make(map[string]string, len(header))
		for i, col := range header {
			row[col] = record[i]
		}
		t.Rows = append(t.Rows, row)
	}

	return t, nil
}

func wrapParseError(name string, err error) error {
	pe := &ParseError{Table: name, Err: err}
	var csvErr *csv.ParseError
	if errors.As(err, &csvErr) {
		pe.Line = csvErr.Line
	}
	return pe
}
