// Package store defines the persistent domain model for monitoring tasks,
// their executions, and notification delivery records, plus the TaskStore
// port implemented by the pg, sqlite, and memory backends.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotifyBehavior controls when a successful execution produces a
// notification and whether the task pauses itself afterwards.
type NotifyBehavior string

const (
	// NotifyOnce delivers on the first condition-met execution, then
	// deactivates the task ("announce and stop").
	NotifyOnce NotifyBehavior = "once"

	// NotifyAlways delivers on every condition-met execution.
	NotifyAlways NotifyBehavior = "always"

	// NotifyTrackState delivers whenever the observed state changed,
	// regardless of the condition predicate.
	NotifyTrackState NotifyBehavior = "track_state"
)

// Valid reports whether b is a recognized notify behavior.
func (b NotifyBehavior) Valid() bool {
	switch b {
	case NotifyOnce, NotifyAlways, NotifyTrackState:
		return true
	}
	return false
}

// ExecutionStatus is the lifecycle state of one task run.
// Transitions are monotonic: pending → running → success|failed.
type ExecutionStatus string

const (
	ExecPending ExecutionStatus = "pending"
	ExecRunning ExecutionStatus = "running"
	ExecSuccess ExecutionStatus = "success"
	ExecFailed  ExecutionStatus = "failed"
)

// Terminal reports whether s is a terminal execution status.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecSuccess || s == ExecFailed
}

// Task is a user-declared monitoring intent: a natural-language search
// query plus a condition, checked on a cron schedule.
type Task struct {
	ID          uuid.UUID         `json:"id"`
	UserID      string            `json:"user_id"`
	Name        string            `json:"name"`
	Schedule    string            `json:"schedule"` // 5-field cron expression, UTC
	SearchQuery string            `json:"search_query"`
	Condition   string            `json:"condition_description"`
	Behavior    NotifyBehavior    `json:"notify_behavior"`
	Config      map[string]string `json:"config,omitempty"`
	IsActive    bool              `json:"is_active"`

	// LastExecutionID references the most recent completed execution.
	LastExecutionID *uuid.UUID `json:"last_execution_id,omitempty"`

	// LastKnownState is the opaque JSON world snapshot as of the last
	// successful execution. The engine never interprets its shape.
	LastKnownState json.RawMessage `json:"last_known_state,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GroundingSource is one cited URL from the grounded search tool.
// Both fields are preserved verbatim as returned upstream.
type GroundingSource struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// ExecutionResult holds the LLM outputs of a successful run.
type ExecutionResult struct {
	Answer       string          `json:"answer"`
	Evaluation   string          `json:"evaluation"`
	CurrentState json.RawMessage `json:"current_state,omitempty"`
}

// Execution is one run of a task, recorded immutably once terminal.
type Execution struct {
	ID          uuid.UUID       `json:"id"`
	TaskID      uuid.UUID       `json:"task_id"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`

	Result       *ExecutionResult `json:"result,omitempty"`
	ConditionMet bool             `json:"condition_met"`

	// ChangeSummary is nil on the first observation, empty when the
	// state was unchanged, and a human-readable diff otherwise.
	ChangeSummary *string           `json:"change_summary,omitempty"`
	Sources       []GroundingSource `json:"grounding_sources,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
}

// DeliveryStatus is the state of a notification delivery attempt.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryRecord is the idempotency token and audit row for one
// notification attempt, unique on (execution_id, channel).
type DeliveryRecord struct {
	ID                uuid.UUID      `json:"id"`
	ExecutionID       uuid.UUID      `json:"execution_id"`
	Channel           string         `json:"channel"`
	Status            DeliveryStatus `json:"status"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// TaskPatch holds optional fields for updating a task.
// Only non-nil fields are applied.
type TaskPatch struct {
	Name        *string            `json:"name,omitempty"`
	Schedule    *string            `json:"schedule,omitempty"`
	SearchQuery *string            `json:"search_query,omitempty"`
	Condition   *string            `json:"condition_description,omitempty"`
	Behavior    *NotifyBehavior    `json:"notify_behavior,omitempty"`
	Config      *map[string]string `json:"config,omitempty"`
	IsActive    *bool              `json:"is_active,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Name == nil && p.Schedule == nil && p.SearchQuery == nil &&
		p.Condition == nil && p.Behavior == nil && p.Config == nil && p.IsActive == nil
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	UserID   string
	IsActive *bool
}

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
