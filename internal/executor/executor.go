// Package executor reduces a task plus its last known state to a complete
// execution record: grounded search, condition evaluation, and state diff
// against the previous run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/toralehq/torale/internal/clock"
	"github.com/toralehq/torale/internal/grounded"
	"github.com/toralehq/torale/internal/store"
)

// Options tunes the executor.
type Options struct {
	// DefaultModel is used when the task config does not name one.
	DefaultModel string
	// CanonicalHash enables the fast path: when the canonical hashes of
	// the previous and current states match, CompareStates is skipped.
	CanonicalHash bool
	// HashCacheSize bounds the canonical-hash LRU (default 1024).
	HashCacheSize int
	// UnavailableRetries is the number of retries after an ErrUnavailable.
	// Zero means the default of 2 (3 attempts total), negative disables
	// retries.
	UnavailableRetries int
	// InvalidResponseRetries is the number of retries after an
	// ErrInvalidResponse. Zero means the default of 1, negative disables
	// retries.
	InvalidResponseRetries int
	// RetryBaseDelay seeds the backoff between attempts (default 2s).
	RetryBaseDelay time.Duration
}

func (o *Options) applyDefaults() {
	switch {
	case o.UnavailableRetries == 0:
		o.UnavailableRetries = 2
	case o.UnavailableRetries < 0:
		o.UnavailableRetries = 0
	}
	switch {
	case o.InvalidResponseRetries == 0:
		o.InvalidResponseRetries = 1
	case o.InvalidResponseRetries < 0:
		o.InvalidResponseRetries = 0
	}
	if o.RetryBaseDelay == 0 {
		o.RetryBaseDelay = 2 * time.Second
	}
}

// Executor runs one grounded-search execution for a task.
type Executor struct {
	search grounded.Searcher
	clk    clock.Clock
	opts   Options
	hasher *stateHasher
}

// New creates an executor over the grounded-search port.
func New(search grounded.Searcher, clk clock.Clock, opts Options) *Executor {
	opts.applyDefaults()
	return &Executor{
		search: search,
		clk:    clk,
		opts:   opts,
		hasher: newStateHasher(opts.HashCacheSize),
	}
}

// callWithRetry runs one grounded operation under the LLM retry policy:
// ErrUnavailable retries with exponential backoff, ErrInvalidResponse
// retries a limited number of times, everything else is fatal immediately.
func (e *Executor) callWithRetry(ctx context.Context, op string, fn func() error) error {
	unavailableLeft := e.opts.UnavailableRetries
	invalidLeft := e.opts.InvalidResponseRetries
	delay := e.opts.RetryBaseDelay

	for {
		err := fn()
		if err == nil {
			return nil
		}

		switch {
		case errors.Is(err, grounded.ErrUnavailable) && unavailableLeft > 0:
			unavailableLeft--
		case errors.Is(err, grounded.ErrInvalidResponse) && invalidLeft > 0:
			invalidLeft--
		default:
			return err
		}

		slog.Debug("llm call retrying", "op", op, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// Execute runs one execution of task. lastRunAt is the start time of the
// task's previous execution, nil on the first run. It never returns an
// error: failures are encoded in the returned execution with status failed
// and a populated error message. A failed execution carries no result and
// leaves the task's last known state untouched.
func (e *Executor) Execute(ctx context.Context, task *store.Task, lastRunAt *time.Time) *store.Execution {
	started := e.clk.Now()
	exec := &store.Execution{
		TaskID:    task.ID,
		Status:    store.ExecRunning,
		StartedAt: started,
	}

	cfg := grounded.ConfigFromTask(task.Config, e.opts.DefaultModel)
	query := temporalContext(started, lastRunAt) + " " + task.SearchQuery

	var sr *grounded.SearchResult
	err := e.callWithRetry(ctx, "search", func() error {
		var callErr error
		sr, callErr = e.search.Search(ctx, query, cfg)
		return callErr
	})
	if err != nil {
		return e.fail(ctx, exec, fmt.Errorf("search: %w", err))
	}

	var ev *grounded.Evaluation
	err = e.callWithRetry(ctx, "evaluate", func() error {
		var callErr error
		ev, callErr = e.search.EvaluateCondition(ctx, sr.Answer, task.Condition, cfg)
		return callErr
	})
	if err != nil {
		return e.fail(ctx, exec, fmt.Errorf("evaluate condition: %w", err))
	}

	// The evaluation snapshot wins when both steps returned one; it is
	// the freshest state the model committed to.
	currentState := ev.CurrentState
	if len(currentState) == 0 {
		currentState = sr.CurrentState
	}

	changeSummary, err := e.diffStates(ctx, task, currentState, cfg)
	if err != nil {
		return e.fail(ctx, exec, fmt.Errorf("compare states: %w", err))
	}

	now := e.clk.Now()
	exec.Status = store.ExecSuccess
	exec.CompletedAt = &now
	exec.ConditionMet = ev.ConditionMet
	exec.ChangeSummary = changeSummary
	exec.Sources = sr.Sources
	exec.Result = &store.ExecutionResult{
		Answer:       sr.Answer,
		Evaluation:   ev.Evaluation,
		CurrentState: currentState,
	}
	return exec
}

// diffStates compares the task's last known state with the current one.
// Returns nil on the first observation, a pointer to "" when unchanged,
// and a pointer to the summary text otherwise.
func (e *Executor) diffStates(ctx context.Context, task *store.Task, current []byte, cfg grounded.Config) (*string, error) {
	if len(task.LastKnownState) == 0 {
		// First observation, nothing to diff against.
		return nil, nil
	}
	if len(current) == 0 {
		empty := ""
		return &empty, nil
	}

	if e.opts.CanonicalHash {
		prevHash, errPrev := e.hasher.Hash(task.LastKnownState)
		currHash, errCurr := e.hasher.Hash(current)
		if errPrev == nil && errCurr == nil && prevHash == currHash {
			slog.Debug("state unchanged, compare skipped", "task", task.ID)
			empty := ""
			return &empty, nil
		}
	}

	var cmp *grounded.Comparison
	err := e.callWithRetry(ctx, "compare", func() error {
		var callErr error
		cmp, callErr = e.search.CompareStates(ctx, task.LastKnownState, current, task.SearchQuery, cfg)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if !cmp.Changed {
		empty := ""
		return &empty, nil
	}
	summary := cmp.ChangeSummary
	return &summary, nil
}

func (e *Executor) fail(ctx context.Context, exec *store.Execution, err error) *store.Execution {
	now := e.clk.Now()
	exec.Status = store.ExecFailed
	exec.CompletedAt = &now
	// A deadline can surface either in the call's error chain or only on
	// the context, depending on where the transport noticed it.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		exec.ErrorMessage = "timeout"
	} else {
		exec.ErrorMessage = err.Error()
	}
	slog.Warn("execution failed", "task", exec.TaskID, "error", err)
	return exec
}

// temporalContext renders the time preamble prepended to the search query.
func temporalContext(now time.Time, lastRunAt *time.Time) string {
	if lastRunAt == nil {
		return fmt.Sprintf("Current time is %s. First execution.", now.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("Current time is %s. Last execution was %s ago.",
		now.UTC().Format(time.RFC3339), lastRunAt.UTC().Format(time.RFC3339))
}
