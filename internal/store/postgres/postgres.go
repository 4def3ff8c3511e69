// Package postgres implements store.Repository on PostgreSQL with a
// generated tsvector column and pg_trgm similarity.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/franz/pbs-search/internal/store"
	"github.com/franz/pbs-search/internal/util"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	currentSchemaVersion = 1
	insertChunkSize      = 500
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Store is a store.Repository backed by a pgx pool
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Repository = (*Store)(nil)

// Open connects to url, checks the connection and applies migrations
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The server may still be starting when pbs comes up next to it
	if err := util.Retry(ctx, util.DefaultRetryConfig(), func() error { return pool.Ping(ctx) }, "postgres ping"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

// Close releases the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CheckIntegrity verifies the trigram extension and that every document
// carries a full-text vector
func (s *Store) CheckIntegrity(ctx context.Context) error {
	var ext int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pg_extension WHERE extname = 'pg_trgm'`).Scan(&ext); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if ext != 1 {
		return fmt.Errorf("integrity check failed: pg_trgm extension missing")
	}

	var missing int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pbs_doc WHERE body_tsv IS NULL`).Scan(&missing); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if missing > 0 {
		return fmt.Errorf("integrity check failed: %d documents without a text vector", missing)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialise concurrent migrators
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('pbs_schema'))`); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
			return err
		}

		var version int
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
			return err
		}

		if version < 1 {
			if _, err := tx.Exec(ctx, schemaV1); err != nil {
				return fmt.Errorf("failed to apply schema v1: %w", err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES (1)`); err != nil {
				return err
			}
		}
		return nil
	})
}

const schemaV1 = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS pbs_schedule (
  schedule_code TEXT PRIMARY KEY,
  effective_date DATE NOT NULL,
  source_url TEXT NOT NULL,
  ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pbs_doc (
  id TEXT PRIMARY KEY,
  schedule_code TEXT NOT NULL REFERENCES pbs_schedule(schedule_code),
  doc_key TEXT NOT NULL,
  pbs_code TEXT NOT NULL,
  res_code TEXT NOT NULL,
  drug_name TEXT NOT NULL,
  brand_name TEXT,
  formulation TEXT,
  program_code TEXT,
  hospital_type TEXT,
  authority_method TEXT,
  treatment_phase TEXT,
  streamlined_code TEXT,
  title TEXT NOT NULL CHECK (title <> ''),
  body TEXT NOT NULL,
  source_json JSONB NOT NULL DEFAULT '{}'::jsonb,
  body_tsv TSVECTOR GENERATED ALWAYS AS (
    setweight(to_tsvector('english', coalesce(title, '')), 'A') ||
    setweight(to_tsvector('english', coalesce(body, '')), 'B')
  ) STORED,
  UNIQUE (schedule_code, doc_key)
);

CREATE INDEX IF NOT EXISTS idx_pbs_doc_schedule ON pbs_doc(schedule_code);
CREATE INDEX IF NOT EXISTS idx_pbs_doc_tsv ON pbs_doc USING GIN (body_tsv);
CREATE INDEX IF NOT EXISTS idx_pbs_doc_title_trgm ON pbs_doc USING GIN (title gin_trgm_ops);

CREATE TABLE IF NOT EXISTS ingest_runs (
  id BIGSERIAL PRIMARY KEY,
  origin TEXT NOT NULL,
  schedule_code TEXT,
  status TEXT NOT NULL DEFAULT 'running',
  docs INTEGER NOT NULL DEFAULT 0,
  index_written BOOLEAN NOT NULL DEFAULT false,
  error TEXT,
  started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  finished_at TIMESTAMPTZ
);
`

var docColumns = []string{
	"id", "schedule_code", "doc_key", "pbs_code", "res_code", "drug_name",
	"brand_name", "formulation", "program_code", "hospital_type",
	"authority_method", "treatment_phase", "streamlined_code",
	"title", "body", "source_json",
}

const docCols = `d.id, d.schedule_code, d.doc_key, d.pbs_code, d.res_code, d.drug_name,
	COALESCE(d.brand_name, ''), COALESCE(d.formulation, ''), COALESCE(d.program_code, ''),
	COALESCE(d.hospital_type, ''), COALESCE(d.authority_method, ''), COALESCE(d.treatment_phase, ''),
	COALESCE(d.streamlined_code, ''), d.title, d.body, d.source_json::text`

func scanDoc(row pgx.Row, extra ...interface{}) (*store.Doc, error) {
	var d store.Doc
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

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// ReplaceSchedule upserts the schedule, deletes its documents and inserts
// docs in chunks inside one transaction
func (s *Store) ReplaceSchedule(ctx context.Context, schedule *store.Schedule, docs []*store.Doc) (int, error) {
	if schedule == nil || schedule.Code == "" {
		return 0, fmt.Errorf("schedule code is required")
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO pbs_schedule (schedule_code, effective_date, source_url)
			VALUES ($1, $2, $3)
			ON CONFLICT (schedule_code) DO UPDATE SET
				effective_date = EXCLUDED.effective_date,
				source_url = EXCLUDED.source_url,
				ingested_at = now()
			RETURNING ingested_at
		`, schedule.Code, schedule.EffectiveDate.UTC(), schedule.SourceURL).Scan(&schedule.IngestedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert schedule %s: %w", schedule.Code, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM pbs_doc WHERE schedule_code = $1`, schedule.Code); err != nil {
			return fmt.Errorf("failed to clear documents for %s: %w", schedule.Code, err)
		}

		for start := 0; start < len(docs); start += insertChunkSize {
			end := min(start+insertChunkSize, len(docs))
			if err := insertChunk(ctx, tx, docs[start:end]); err != nil {
				return fmt.Errorf("failed to insert documents %d-%d: %w", start, end, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func insertChunk(ctx context.Context, tx pgx.Tx, docs []*store.Doc) error {
	if len(docs) == 0 {
		return nil
	}

	var sb strings.Builder
	args := make([]interface{}, 0, len(docs)*len(docColumns))

	sb.WriteString(`INSERT INTO pbs_doc (` + strings.Join(docColumns, ", ") + `) VALUES `)
	for i, d := range docs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := range docColumns {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+c+1)
		}
		sb.WriteString(")")

		source := string(d.SourceJSON)
		if source == "" {
			source = "{}"
		}
		args = append(args,
			d.ID, d.ScheduleCode, d.Key, d.PbsCode, d.ResCode, d.DrugName,
			nullString(d.BrandName), nullString(d.Formulation), nullString(d.ProgramCode),
			nullString(d.HospitalType), nullString(d.AuthorityMethod),
			nullString(d.TreatmentPhase), nullString(d.StreamlinedCode),
			d.Title, d.Body, source,
		)
	}
	sb.WriteString(`
		ON CONFLICT (schedule_code, doc_key) DO UPDATE SET
			id = EXCLUDED.id,
			pbs_code = EXCLUDED.pbs_code,
			res_code = EXCLUDED.res_code,
			drug_name = EXCLUDED.drug_name,
			brand_name = EXCLUDED.brand_name,
			formulation = EXCLUDED.formulation,
			program_code = EXCLUDED.program_code,
			hospital_type = EXCLUDED.hospital_type,
			authority_method = EXCLUDED.authority_method,
			treatment_phase = EXCLUDED.treatment_phase,
			streamlined_code = EXCLUDED.streamlined_code,
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			source_json = EXCLUDED.source_json`)

	_, err := tx.Exec(ctx, sb.String(), args...)
	return err
}

// GetDoc returns the document with the given id, or nil if there is none
func (s *Store) GetDoc(ctx context.Context, id string) (*store.Doc, error) {
	d, err := scanDoc(s.pool.QueryRow(ctx, `SELECT `+docCols+` FROM pbs_doc d WHERE d.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// DocsBySchedule returns a schedule's documents ordered by key
func (s *Store) DocsBySchedule(ctx context.Context, code string) ([]*store.Doc, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+docCols+` FROM pbs_doc d WHERE d.schedule_code = $1 ORDER BY d.doc_key`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*store.Doc
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
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pbs_doc WHERE ($1::text = '' OR schedule_code = $1)`, code).Scan(&n)
	return n, err
}

const scheduleCols = `schedule_code, effective_date, source_url, ingested_at`

func scanSchedule(row pgx.Row) (*store.Schedule, error) {
	var sc store.Schedule
	if err := row.Scan(&sc.Code, &sc.EffectiveDate, &sc.SourceURL, &sc.IngestedAt); err != nil {
		return nil, err
	}
	return &sc, nil
}

// ListSchedules returns every schedule, newest effective date first
func (s *Store) ListSchedules(ctx context.Context) ([]*store.Schedule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scheduleCols+` FROM pbs_schedule ORDER BY effective_date DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// LatestSchedule returns the schedule with the greatest effective date
func (s *Store) LatestSchedule(ctx context.Context) (*store.Schedule, error) {
	sc, err := scanSchedule(s.pool.QueryRow(ctx, `SELECT `+scheduleCols+` FROM pbs_schedule ORDER BY effective_date DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sc, err
}

// FullTextSearch ranks with ts_rank over body_tsv blended with pg_trgm
// similarity. Plain queries go through websearch_to_tsquery, prefix
// queries through to_tsquery with "term:*" joined by "&".
func (s *Store) FullTextSearch(ctx context.Context, q store.TextQuery) ([]*store.Hit, error) {
	tsFunc := "websearch_to_tsquery"
	tsInput := strings.TrimSpace(q.Query)
	if q.Prefix {
		tsFunc = "to_tsquery"
		tsInput = PrefixTSQuery(q.Terms)
	}
	if tsInput == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		WITH query AS (SELECT `+tsFunc+`('english', $1) AS ts_query)
		SELECT `+docCols+`,
		       ts_rank(d.body_tsv, query.ts_query)::float8 AS text_rank,
		       greatest(similarity(d.title, $2), similarity(d.body, $2))::float8 AS trigram
		FROM pbs_doc d, query
		WHERE ($3::text = '' OR d.schedule_code = $3)
		  AND d.body_tsv @@ query.ts_query
		ORDER BY ts_rank(d.body_tsv, query.ts_query) * $4::float8
		       + greatest(similarity(d.title, $2), similarity(d.body, $2)) * $5::float8 DESC,
		         d.title
		LIMIT $6
	`, tsInput, q.Query, q.Schedule, q.TextWeight, q.SimilarityWeight, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("full-text search failed: %w", err)
	}
	defer rows.Close()

	var hits []*store.Hit
	for rows.Next() {
		h := &store.Hit{}
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

// FuzzySearch ranks purely by trigram similarity
func (s *Store) FuzzySearch(ctx context.Context, q store.FuzzyQuery) ([]*store.Hit, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+docCols+`,
			       greatest(similarity(d.title, $1), similarity(d.body, $1))::float8 AS trigram
			FROM pbs_doc d
			WHERE ($2::text = '' OR d.schedule_code = $2)
		) ranked
		WHERE trigram > 0
		ORDER BY trigram DESC, title
		LIMIT $3
	`, q.Query, q.Schedule, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("fuzzy search failed: %w", err)
	}
	defer rows.Close()

	var hits []*store.Hit
	for rows.Next() {
		h := &store.Hit{}
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

// PrefixTSQuery renders sanitised terms as "a:* & b:*". Terms that are
// not purely alphanumeric are dropped so the result always parses.
func PrefixTSQuery(terms []string) string {
	var parts []string
	for _, t := range terms {
		if t == "" || strings.IndexFunc(t, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }) >= 0 {
			continue
		}
		parts = append(parts, t+":*")
	}
	return strings.Join(parts, " & ")
}

// StartRun records a new ingest attempt
func (s *Store) StartRun(ctx context.Context, origin string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ingest_runs (origin, status) VALUES ($1, $2) RETURNING id
	`, origin, store.RunRunning).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record run start: %w", err)
	}
	return id, nil
}

// FinishRun stores the outcome of a run
func (s *Store) FinishRun(ctx context.Context, run *store.Run) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE ingest_runs
		SET schedule_code = $2, status = $3, docs = $4, index_written = $5, error = $6, finished_at = $7
		WHERE id = $1
	`, run.ID, nullString(run.ScheduleCode), run.Status, run.Docs, run.Indexed, nullString(run.Error), run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record run %d outcome: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns the most recent runs first
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*store.Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, origin, COALESCE(schedule_code, ''), status, docs, index_written,
		       COALESCE(error, ''), started_at, finished_at
		FROM ingest_runs
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		var run store.Run
		var finished *time.Time
		if err := rows.Scan(&run.ID, &run.Origin, &run.ScheduleCode, &run.Status, &run.Docs,
			&run.Indexed, &run.Error, &run.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished != nil {
			run.FinishedAt = *finished
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
