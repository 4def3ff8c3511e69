package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StartRun records a new ingest attempt and returns its id
func (s *Store) StartRun(ctx context.Context, origin string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (origin, status, started_at)
		VALUES (?, ?, ?)
	`, origin, RunRunning, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to record run start: %w", err)
	}
	return result.LastInsertId()
}

// FinishRun stores the outcome of a run started with StartRun
func (s *Store) FinishRun(ctx context.Context, run *Run) error {
	finished := run.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}

	indexed := 0
	if run.Indexed {
		indexed = 1
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs
		SET schedule_code = ?, status = ?, docs = ?, index_written = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, nullString(run.ScheduleCode), run.Status, run.Docs, indexed, nullString(run.Error),
		finished.UTC().Format(time.RFC3339Nano), run.ID)
	if err != nil {
		return fmt.Errorf("failed to record run %d outcome: %w", run.ID, err)
	}

	run.FinishedAt = finished
	return nil
}

// ListRuns returns the most recent runs first
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, origin, COALESCE(schedule_code, ''), status, docs, index_written,
		       COALESCE(error, ''), started_at, COALESCE(finished_at, '')
		FROM ingest_runs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func scanRun(rows *sql.Rows) (*Run, error) {
	var run Run
	var indexed int
	var started, finished string

	err := rows.Scan(&run.ID, &run.Origin, &run.ScheduleCode, &run.Status, &run.Docs,
		&indexed, &run.Error, &started, &finished)
	if err != nil {
		return nil, err
	}

	run.Indexed = indexed == 1
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("run %d has bad start time %q: %w", run.ID, started, err)
	}
	if finished != "" {
		if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("run %d has bad finish time %q: %w", run.ID, finished, err)
		}
	}
	return &run, nil
}
