package pg

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/toralehq/torale/internal/schedule"
)

// ScheduleStore implements schedule.Store backed by Postgres.
type ScheduleStore struct {
	db *sql.DB
}

func NewScheduleStore(db *sql.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

func (s *ScheduleStore) LoadEntries(ctx context.Context) ([]schedule.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, cron_expr, paused, next_run_at, last_run_at, updated_at
		 FROM schedules`)
	if err != nil {
		return nil, wrapDB("load schedules", err)
	}
	defer rows.Close()

	var out []schedule.Entry
	for rows.Next() {
		var e schedule.Entry
		if err := rows.Scan(&e.TaskID, &e.CronExpr, &e.Paused,
			&e.NextRunAt, &e.LastRunAt, &e.UpdatedAt); err != nil {
			return nil, wrapDB("scan schedule", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *ScheduleStore) UpsertEntry(ctx context.Context, e schedule.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (task_id, cron_expr, paused, next_run_at, last_run_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (task_id) DO UPDATE
		 SET cron_expr = EXCLUDED.cron_expr, paused = EXCLUDED.paused,
		     next_run_at = EXCLUDED.next_run_at, last_run_at = EXCLUDED.last_run_at,
		     updated_at = EXCLUDED.updated_at`,
		e.TaskID, e.CronExpr, e.Paused, e.NextRunAt, e.LastRunAt, e.UpdatedAt)
	if err != nil {
		return wrapDB("upsert schedule", err)
	}
	return nil
}

func (s *ScheduleStore) DeleteEntry(ctx context.Context, taskID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE task_id = $1`, taskID)
	if err != nil {
		return wrapDB("delete schedule", err)
	}
	return nil
}

var _ schedule.Store = (*ScheduleStore)(nil)
