package store

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"unicode"

	"github.com/franz/pbs-search/internal/fuzzy"
	"modernc.org/sqlite"
)

func init() {
	// similarity(a, b) mirrors pg_trgm so the ranking SQL reads the same
	// on both backends
	err := sqlite.RegisterDeterministicScalarFunction("similarity", 2,
		func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return fuzzy.Similarity(textArg(args[0]), textArg(args[1])), nil
		})
	if err != nil {
		panic(fmt.Sprintf("register similarity function: %v", err))
	}
}

func textArg(v driver.Value) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

// FullTextSearch ranks documents matching the FTS5 index.
// Relevance r = -bm25 is squashed into [0,1) as r/(1+r) before blending
// with trigram similarity.
func (s *Store) FullTextSearch(ctx context.Context, q TextQuery) ([]*Hit, error) {
	match := ftsMatch(q)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+docFields+`,
			       (-bm25(pbs_doc_fts)) / (1.0 - bm25(pbs_doc_fts)) AS text_rank,
			       max(similarity(d.title, ?), similarity(d.body, ?)) AS trigram
			FROM pbs_doc_fts
			JOIN pbs_doc d ON d.seq = pbs_doc_fts.rowid
			WHERE pbs_doc_fts MATCH ?
			  AND (? = '' OR d.schedule_code = ?)
		)
		ORDER BY text_rank * ? + trigram * ? DESC, title
		LIMIT ?
	`, q.Query, q.Query, match, q.Schedule, q.Schedule,
		q.TextWeight, q.SimilarityWeight, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("full-text search failed: %w", err)
	}
	defer rows.Close()

	var hits []*Hit
	for rows.Next() {
		h := &Hit{}
		d, err := scanDoc(rows, &h.Text, &h.Similarity)
		if err != nil {
			return nil, err
		}
		h.Doc = d
		h.Score = h.Text*q.TextWeight + h.Similarity*q.SimilarityWeight
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// FuzzySearch ranks documents purely by trigram similarity, keeping
// anything with a similarity above zero
func (s *Store) FuzzySearch(ctx context.Context, q FuzzyQuery) ([]*Hit, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+docFields+`,
			       max(similarity(d.title, ?), similarity(d.body, ?)) AS trigram
			FROM pbs_doc d
			WHERE (? = '' OR d.schedule_code = ?)
		)
		WHERE trigram > 0
		ORDER BY trigram DESC, title
		LIMIT ?
	`, q.Query, q.Query, q.Schedule, q.Schedule, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("fuzzy search failed: %w", err)
	}
	defer rows.Close()

	var hits []*Hit
	for rows.Next() {
		h := &Hit{}
		d, err := scanDoc(rows, &h.Similarity)
		if err != nil {
			return nil, err
		}
		h.Doc = d
		h.Score = h.Similarity
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ftsMatch builds an FTS5 MATCH expression. Plain queries quote every
// token as a string (implicit AND); prefix queries AND together
// "term*" for each sanitised term.
func ftsMatch(q TextQuery) string {
	var parts []string
	if q.Prefix {
		for _, term := range q.Terms {
			if isAlnum(term) {
				parts = append(parts, term+"*")
			}
		}
		return strings.Join(parts, " AND ")
	}

	for _, tok := range strings.Fields(q.Query) {
		if !strings.ContainsFunc(tok, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) {
			continue
		}
		parts = append(parts, `"`+strings.ReplaceAll(tok, `"`, `""`)+`"`)
	}
	return strings.Join(parts, " ")
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
