// Package schedule is the in-process durable scheduler. It registers one
// cron entry per task, fires task workflows on due ticks, and serializes
// runs per task so overlapping ticks queue instead of running in parallel.
package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Entry is one persisted schedule registration.
type Entry struct {
	TaskID    uuid.UUID  `json:"task_id"`
	CronExpr  string     `json:"cron_expr"`
	Paused    bool       `json:"paused"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Store persists schedule entries across restarts.
type Store interface {
	LoadEntries(ctx context.Context) ([]Entry, error)
	UpsertEntry(ctx context.Context, e Entry) error
	// DeleteEntry is idempotent; deleting a missing entry is not an error.
	DeleteEntry(ctx context.Context, taskID uuid.UUID) error
}
