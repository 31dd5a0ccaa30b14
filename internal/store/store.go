package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskStore is the transactional persistence port for tasks, executions,
// and delivery records. Mutations that must be consistent (finishing an
// execution together with the task's last-known-state pointers) happen in
// a single transaction inside the implementation.
type TaskStore interface {
	// CreateTask inserts t, assigning an ID if unset.
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	// UpdateTask applies the patch atomically and touches updated_at.
	UpdateTask(ctx context.Context, id uuid.UUID, patch TaskPatch) (*Task, error)
	// DeleteTask is idempotent; deleting a missing task is not an error.
	DeleteTask(ctx context.Context, id uuid.UUID) error
	// ListTasks returns tasks matching the filter, newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	// SetTaskActive flips is_active without touching other fields.
	SetTaskActive(ctx context.Context, id uuid.UUID, active bool) error

	// CreateExecution inserts a pending execution row.
	CreateExecution(ctx context.Context, e *Execution) error
	// MarkExecutionRunning advances pending → running.
	MarkExecutionRunning(ctx context.Context, id uuid.UUID) error
	// FinishExecution writes the terminal execution and, when newState is
	// non-nil, updates the task's last_execution_id and last_known_state
	// in the same transaction.
	FinishExecution(ctx context.Context, e *Execution, newState json.RawMessage) error
	GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error)
	// ListExecutions returns the most recent executions of a task,
	// newest first.
	ListExecutions(ctx context.Context, taskID uuid.UUID, limit int) ([]Execution, error)

	// RecordDelivery inserts a pending delivery record. If a delivered
	// record already exists for (execution_id, channel) it returns
	// ErrAlreadyDelivered and inserts nothing.
	RecordDelivery(ctx context.Context, d *DeliveryRecord) error
	// ResolveDelivery finalizes a delivery attempt.
	ResolveDelivery(ctx context.Context, id uuid.UUID, status DeliveryStatus, providerMessageID, errMsg string) error
	ListDeliveries(ctx context.Context, executionID uuid.UUID) ([]DeliveryRecord, error)
}

// TouchTimestamps fills CreatedAt/UpdatedAt on a new task.
func TouchTimestamps(t *Task, now time.Time) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}
