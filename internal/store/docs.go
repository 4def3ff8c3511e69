package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// docColumns is the insert column order; docValues must match it
var docColumns = []string{
	"id", "schedule_code", "doc_key", "pbs_code", "res_code", "drug_name",
	"brand_name", "formulation", "program_code", "hospital_type",
	"authority_method", "treatment_phase", "streamlined_code",
	"title", "body", "source_json",
}

// docFields reads a pbs_doc row aliased as d, in scanDoc order
const docFields = `d.id, d.schedule_code, d.doc_key, d.pbs_code, d.res_code, d.drug_name,
	COALESCE(d.brand_name, '') AS brand_name, COALESCE(d.formulation, '') AS formulation,
	COALESCE(d.program_code, '') AS program_code, COALESCE(d.hospital_type, '') AS hospital_type,
	COALESCE(d.authority_method, '') AS authority_method, COALESCE(d.treatment_phase, '') AS treatment_phase,
	COALESCE(d.streamlined_code, '') AS streamlined_code, d.title, d.body, d.source_json`

const docSelect = `SELECT ` + docFields

// ReplaceSchedule upserts the schedule row, deletes its documents and
// inserts docs in chunks, all in one transaction
func (s *Store) ReplaceSchedule(ctx context.Context, schedule *Schedule, docs []*Doc) (int, error) {
	if schedule == nil || schedule.Code == "" {
		return 0, fmt.Errorf("schedule code is required")
	}

	ingestedAt := schedule.IngestedAt
	if ingestedAt.IsZero() {
		ingestedAt = time.Now().UTC()
	}

	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pbs_schedule (schedule_code, effective_date, source_url, ingested_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(schedule_code) DO UPDATE SET
				effective_date = excluded.effective_date,
				source_url = excluded.source_url,
				ingested_at = excluded.ingested_at
		`, schedule.Code, schedule.EffectiveDate.UTC().Format(DateLayout), schedule.SourceURL,
			ingestedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to upsert schedule %s: %w", schedule.Code, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM pbs_doc WHERE schedule_code = ?`, schedule.Code); err != nil {
			return fmt.Errorf("failed to clear documents for %s: %w", schedule.Code, err)
		}

		for start := 0; start < len(docs); start += insertChunkSize {
			end := start + insertChunkSize
			if end > len(docs) {
				end = len(docs)
			}
			if err := insertDocChunk(ctx, tx, docs[start:end]); err != nil {
				return fmt.Errorf("failed to insert documents %d-%d: %w", start, end, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	schedule.IngestedAt = ingestedAt
	return len(docs), nil
}

func insertDocChunk(ctx context.Context, tx *sql.Tx, docs []*Doc) error {
	if len(docs) == 0 {
		return nil
	}

	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(docColumns)), ", ") + ")"
	placeholders := make([]string, len(docs))
	args := make([]interface{}, 0, len(docs)*len(docColumns))
	for i, d := range docs {
		placeholders[i] = row
		args = append(args, docValues(d)...)
	}

	query := `INSERT INTO pbs_doc (` + strings.Join(docColumns, ", ") + `)
		VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT(schedule_code, doc_key) DO UPDATE SET
			id = excluded.id,
			pbs_code = excluded.pbs_code,
			res_code = excluded.res_code,
			drug_name = excluded.drug_name,
			brand_name = excluded.brand_name,
			formulation = excluded.formulation,
			program_code = excluded.program_code,
			hospital_type = excluded.hospital_type,
			authority_method = excluded.authority_method,
			treatment_phase = excluded.treatment_phase,
			streamlined_code = excluded.streamlined_code,
			title = excluded.title,
			body = excluded.body,
			source_json = excluded.source_json`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func docValues(d *Doc) []interface{} {
	source := string(d.SourceJSON)
	if source == "" {
		source = "{}"
	}
	return []interface{}{
		d.ID, d.ScheduleCode, d.Key, d.PbsCode, d.ResCode, d.DrugName,
		nullString(d.BrandName), nullString(d.Formulation), nullString(d.ProgramCode),
		nullString(d.HospitalType), nullString(d.AuthorityMethod),
		nullString(d.TreatmentPhase), nullString(d.StreamlinedCode),
		d.Title, d.Body, source,
	}
}

// nullString maps "" to SQL NULL
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDoc(row scanner, extra ...interface{}) (*Doc, error) {
	var d Doc
	var source string
	dest := []interface{}{
		&d.ID, &d.ScheduleCode, &d.Key, &d.PbsCode, &d.ResCode, &d.DrugName,
		&d.BrandName, &d.Formulation, &d.ProgramCode, &d.HospitalType,
		&d.AuthorityMethod, &d.TreatmentPhase, &d.StreamlinedCode,
		&d.Title, &d.Body, &source,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	d.SourceJSON = []byte(source)
	return &d, nil
}

// GetDoc returns the document with the given id, or nil if there is none
func (s *Store) GetDoc(ctx context.Context, id string) (*Doc, error) {
	row := s.db.QueryRowContext(ctx, docSelect+` FROM pbs_doc d WHERE d.id = ?`, id)
	d, err := scanDoc(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// DocsBySchedule returns a schedule's documents ordered by key
func (s *Store) DocsBySchedule(ctx context.Context, code string) ([]*Doc, error) {
	rows, err := s.db.QueryContext(ctx, docSelect+`
		FROM pbs_doc d
		WHERE d.schedule_code = ?
		ORDER BY d.doc_key
	`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Doc
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// CountDocs counts documents in one schedule, or all when code is ""
func (s *Store) CountDocs(ctx context.Context, code string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pbs_doc WHERE (? = '' OR schedule_code = ?)
	`, code, code).Scan(&count)
	return count, err
}
