package workflow

import (
	"context"

	"github.com/google/uuid"

	"github.com/toralehq/torale/internal/store"
)

// Runtime is the durable scheduler port. Implementations guarantee
// at-least-once workflow invocation per cron tick, serialize runs per
// task, and survive process restarts via their schedule store.
type Runtime interface {
	// RegisterSchedule arranges for future cron ticks to run the task's
	// workflow.
	RegisterSchedule(ctx context.Context, taskID uuid.UUID, cronExpr string) error
	// Pause stops firing without losing the registration.
	Pause(ctx context.Context, taskID uuid.UUID) error
	// Resume re-enables a paused schedule.
	Resume(ctx context.Context, taskID uuid.UUID) error
	// Unregister stops firing and removes the registration. Idempotent.
	Unregister(ctx context.Context, taskID uuid.UUID) error
	// RunNow invokes the workflow out of band and returns the execution id.
	RunNow(ctx context.Context, taskID uuid.UUID, suppressNotifications bool) (uuid.UUID, error)
}

// Pauser is the narrow slice of Runtime the workflow needs to apply a
// once-behavior pause.
type Pauser interface {
	Pause(ctx context.Context, taskID uuid.UUID) error
}

// ExecutionPublisher receives completed executions for fan-out (events,
// dashboards). Implementations must not block the workflow.
type ExecutionPublisher interface {
	PublishExecution(ctx context.Context, exec *store.Execution)
}
