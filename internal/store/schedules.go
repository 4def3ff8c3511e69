package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const scheduleSelect = `SELECT schedule_code, effective_date, source_url, ingested_at FROM pbs_schedule`

func scanSchedule(row scanner) (*Schedule, error) {
	var sc Schedule
	var effective, ingested string
	if err := row.Scan(&sc.Code, &effective, &sc.SourceURL, &ingested); err != nil {
		return nil, err
	}

	var err error
	if sc.EffectiveDate, err = time.Parse(DateLayout, effective); err != nil {
		return nil, fmt.Errorf("schedule %s has bad effective date %q: %w", sc.Code, effective, err)
	}
	if sc.IngestedAt, err = time.Parse(time.RFC3339, ingested); err != nil {
		return nil, fmt.Errorf("schedule %s has bad ingest time %q: %w", sc.Code, ingested, err)
	}
	return &sc, nil
}

// ListSchedules returns every schedule, newest effective date first
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+` ORDER BY effective_date DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

// LatestSchedule returns the schedule with the greatest effective date,
// or nil when nothing has been ingested
func (s *Store) LatestSchedule(ctx context.Context) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelect+` ORDER BY effective_date DESC LIMIT 1`)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sc, err
}
