// Package events publishes completed executions to Redis pub/sub so
// dashboards and downstream consumers can follow runs live. Publishing is
// best effort: a missing or unreachable broker never affects the workflow.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/toralehq/torale/internal/store"
)

const publishTimeout = 2 * time.Second

// Publisher sends execution events to a Redis channel.
type Publisher struct {
	rdb     *redis.Client
	channel string
}

// New creates a publisher. channel defaults to "torale.executions".
func New(rdb *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = "torale.executions"
	}
	return &Publisher{rdb: rdb, channel: channel}
}

// executionEvent is the wire shape of one published execution.
type executionEvent struct {
	ExecutionID   string                  `json:"execution_id"`
	TaskID        string                  `json:"task_id"`
	Status        store.ExecutionStatus   `json:"status"`
	ConditionMet  bool                    `json:"condition_met"`
	ChangeSummary *string                 `json:"change_summary,omitempty"`
	Sources       []store.GroundingSource `json:"grounding_sources,omitempty"`
	Error         string                  `json:"error,omitempty"`
	StartedAt     time.Time               `json:"started_at"`
	CompletedAt   *time.Time              `json:"completed_at,omitempty"`
}

// PublishExecution emits the execution on the configured channel. Failures
// are logged and swallowed.
func (p *Publisher) PublishExecution(ctx context.Context, exec *store.Execution) {
	if p == nil || p.rdb == nil {
		return
	}

	ev := executionEvent{
		ExecutionID:   exec.ID.String(),
		TaskID:        exec.TaskID.String(),
		Status:        exec.Status,
		ConditionMet:  exec.ConditionMet,
		ChangeSummary: exec.ChangeSummary,
		Sources:       exec.Sources,
		Error:         exec.ErrorMessage,
		StartedAt:     exec.StartedAt,
		CompletedAt:   exec.CompletedAt,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("execution event marshal failed", "execution", exec.ID, "error", err)
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.rdb.Publish(pctx, p.channel, data).Err(); err != nil {
		slog.Warn("execution event publish failed", "execution", exec.ID, "error", err)
	}
}

// Close releases the Redis connection.
func (p *Publisher) Close() error {
	if p == nil || p.rdb == nil {
		return nil
	}
	return p.rdb.Close()
}
