// Package workflow sequences one task execution: load, execute, persist,
// decide, deliver, pause. Every external side effect is an activity with
// its own timeout and retry policy, so a crashed worker can replay the run
// without duplicating notifications.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/toralehq/torale/internal/clock"
	"github.com/toralehq/torale/internal/executor"
	"github.com/toralehq/torale/internal/notify"
	"github.com/toralehq/torale/internal/store"
)

// ErrCancelled is returned when the workflow context is cancelled between
// activities. No state mutation happens after the cancellation point.
var ErrCancelled = errors.New("workflow cancelled")

// Timeouts bounds each activity by wall clock.
type Timeouts struct {
	Load    time.Duration
	Execute time.Duration
	Persist time.Duration
	Deliver time.Duration
}

// DefaultTimeouts mirrors the engine's defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Load:    30 * time.Second,
		Execute: 5 * time.Minute,
		Persist: 30 * time.Second,
		Deliver: time.Minute,
	}
}

func (t *Timeouts) applyDefaults() {
	d := DefaultTimeouts()
	if t.Load <= 0 {
		t.Load = d.Load
	}
	if t.Execute <= 0 {
		t.Execute = d.Execute
	}
	if t.Persist <= 0 {
		t.Persist = d.Persist
	}
	if t.Deliver <= 0 {
		t.Deliver = d.Deliver
	}
}

// RunOptions modify a single workflow run.
type RunOptions struct {
	// Manual marks an out-of-band run; it proceeds even when the task is
	// paused.
	Manual bool
	// SuppressNotifications skips the deliver activity. The notify
	// decision is still computed, logged, and applied (a once-behavior
	// pause still happens).
	SuppressNotifications bool
}

// TaskWorkflow runs executions for tasks. One instance is shared by the
// schedule runtime and the service layer; per-task serialization is the
// runtime's job.
type TaskWorkflow struct {
	st       store.TaskStore
	exec     *executor.Executor
	router   *notify.Router
	clk      clock.Clock
	timeouts Timeouts

	storageRetry  RetryConfig
	notifierRetry RetryConfig

	pauser Pauser
	events ExecutionPublisher
}

// New creates the workflow. SetPauser must be called before runs that can
// pause (the runtime is constructed after the workflow and injected here).
func New(st store.TaskStore, exec *executor.Executor, router *notify.Router, clk clock.Clock, timeouts Timeouts) *TaskWorkflow {
	timeouts.applyDefaults()
	return &TaskWorkflow{
		st:            st,
		exec:          exec,
		router:        router,
		clk:           clk,
		timeouts:      timeouts,
		storageRetry:  DefaultStorageRetry(),
		notifierRetry: DefaultNotifierRetry(),
	}
}

// SetPauser injects the schedule runtime's pause capability.
func (w *TaskWorkflow) SetPauser(p Pauser) { w.pauser = p }

// SetEvents injects an optional execution event sink.
func (w *TaskWorkflow) SetEvents(e ExecutionPublisher) { w.events = e }

// Run executes one workflow for the task. It returns the execution id, or
// uuid.Nil when the tick was a no-op (stale tick against a paused task).
func (w *TaskWorkflow) Run(ctx context.Context, taskID uuid.UUID, opts RunOptions) (uuid.UUID, error) {
	task, err := w.loadTask(ctx, taskID)
	if err != nil {
		return uuid.Nil, err
	}

	// A stale runtime may fire a tick against a task paused in the store.
	// Scheduled ticks no-op; manual runs proceed.
	if !task.IsActive && !opts.Manual {
		slog.Debug("stale tick against paused task, skipping", "task", taskID)
		return uuid.Nil, nil
	}

	priorRunAt, err := w.priorRunTime(ctx, task)
	if err != nil {
		return uuid.Nil, err
	}

	execID, err := w.createPending(ctx, taskID)
	if err != nil {
		return uuid.Nil, err
	}

	if err := ctx.Err(); err != nil {
		return execID, fmt.Errorf("%w: before execute", ErrCancelled)
	}

	result := w.runExecutor(ctx, task, priorRunAt)
	result.ID = execID

	if err := ctx.Err(); err != nil {
		// Cancellation between activities: nothing further runs and the
		// task's last known state stays untouched.
		return execID, fmt.Errorf("%w: before persist", ErrCancelled)
	}

	if err := w.persistResult(ctx, result); err != nil {
		return execID, err
	}

	decision := Decide(task.Behavior, result)
	slog.Info("notify decision",
		"task", taskID,
		"execution", execID,
		"deliver", decision.Deliver,
		"pause", decision.PauseAfter,
		"reason", decision.Reason,
	)

	if decision.Deliver {
		if opts.SuppressNotifications {
			slog.Info("delivery suppressed by caller", "task", taskID, "execution", execID)
		} else {
			w.deliver(ctx, task, result)
		}
	}

	if decision.PauseAfter {
		if err := w.pauseTask(ctx, taskID); err != nil {
			return execID, err
		}
	}

	if w.events != nil {
		w.events.PublishExecution(ctx, result)
	}
	return execID, nil
}

// --- activities ---

func (w *TaskWorkflow) loadTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	actx, cancel := context.WithTimeout(ctx, w.timeouts.Load)
	defer cancel()

	var task *store.Task
	_, err := retryDo(actx, w.storageRetry, isStorageRetryable, func() error {
		var loadErr error
		task, loadErr = w.st.GetTask(actx, id)
		return loadErr
	})
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return task, nil
}

func (w *TaskWorkflow) priorRunTime(ctx context.Context, task *store.Task) (*time.Time, error) {
	if task.LastExecutionID == nil {
		return nil, nil
	}
	actx, cancel := context.WithTimeout(ctx, w.timeouts.Load)
	defer cancel()

	var prev *store.Execution
	_, err := retryDo(actx, w.storageRetry, isStorageRetryable, func() error {
		var getErr error
		prev, getErr = w.st.GetExecution(actx, *task.LastExecutionID)
		return getErr
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Dangling pointer; treat as first run rather than failing.
			return nil, nil
		}
		return nil, fmt.Errorf("load prior execution: %w", err)
	}
	t := prev.StartedAt
	return &t, nil
}

func (w *TaskWorkflow) createPending(ctx context.Context, taskID uuid.UUID) (uuid.UUID, error) {
	actx, cancel := context.WithTimeout(ctx, w.timeouts.Persist)
	defer cancel()

	exec := &store.Execution{
		ID:        store.GenNewID(),
		TaskID:    taskID,
		Status:    store.ExecPending,
		StartedAt: w.clk.Now(),
	}
	_, err := retryDo(actx, w.storageRetry, isStorageRetryable, func() error {
		return w.st.CreateExecution(actx, exec)
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("create pending execution: %w", err)
	}

	if err := w.st.MarkExecutionRunning(actx, exec.ID); err != nil {
		slog.Warn("mark running failed", "execution", exec.ID, "error", err)
	}
	return exec.ID, nil
}

func (w *TaskWorkflow) runExecutor(ctx context.Context, task *store.Task, priorRunAt *time.Time) *store.Execution {
	actx, cancel := context.WithTimeout(ctx, w.timeouts.Execute)
	defer cancel()
	return w.exec.Execute(actx, task, priorRunAt)
}

func (w *TaskWorkflow) persistResult(ctx context.Context, result *store.Execution) error {
	actx, cancel := context.WithTimeout(ctx, w.timeouts.Persist)
	defer cancel()

	var newState []byte
	if result.Status == store.ExecSuccess && result.Result != nil {
		newState = result.Result.CurrentState
	}
	_, err := retryDo(actx, w.storageRetry, isStorageRetryable, func() error {
		return w.st.FinishExecution(actx, result, newState)
	})
	if err != nil {
		return fmt.Errorf("persist result: %w", err)
	}
	return nil
}

// deliver sends the notification for the execution with at-most-once
// semantics: the pending delivery record is written first, and a replayed
// workflow seeing AlreadyDelivered skips the notifier call entirely.
// Delivery failures never fail the workflow.
func (w *TaskWorkflow) deliver(ctx context.Context, task *store.Task, result *store.Execution) {
	actx, cancel := context.WithTimeout(ctx, w.timeouts.Deliver)
	defer cancel()

	channel := w.router.ChannelFor(task.Config)
	record := &store.DeliveryRecord{
		ID:          store.GenNewID(),
		ExecutionID: result.ID,
		Channel:     channel,
		Status:      store.DeliveryPending,
		CreatedAt:   w.clk.Now(),
	}

	if err := w.st.RecordDelivery(actx, record); err != nil {
		if errors.Is(err, store.ErrAlreadyDelivered) {
			slog.Info("delivery already recorded, skipping", "execution", result.ID, "channel", channel)
			return
		}
		slog.Error("record delivery failed", "execution", result.ID, "error", err)
		return
	}

	payload := buildPayload(task, result)
	var delivered *notify.Result
	_, err := retryDo(actx, w.notifierRetry, func(err error) bool {
		return errors.Is(err, notify.ErrUnavailable)
	}, func() error {
		var dErr error
		delivered, dErr = w.router.Deliver(actx, channel, result.ID, payload)
		return dErr
	})

	if err != nil {
		slog.Warn("delivery failed", "execution", result.ID, "channel", channel, "error", err)
		if rErr := w.st.ResolveDelivery(actx, record.ID, store.DeliveryFailed, "", err.Error()); rErr != nil {
			slog.Error("resolve delivery failed", "execution", result.ID, "error", rErr)
		}
		return
	}

	msgID := ""
	if delivered != nil {
		msgID = delivered.ProviderMessageID
	}
	if rErr := w.st.ResolveDelivery(actx, record.ID, store.DeliveryDelivered, msgID, ""); rErr != nil {
		slog.Error("resolve delivery failed", "execution", result.ID, "error", rErr)
	}
	slog.Info("notification delivered", "execution", result.ID, "channel", channel)
}

// pauseTask applies the once-behavior pause: runtime first, then the
// store flag, so a half-applied pause manifests as a stale tick the
// workflow already tolerates.
func (w *TaskWorkflow) pauseTask(ctx context.Context, taskID uuid.UUID) error {
	if w.pauser != nil {
		if err := w.pauser.Pause(ctx, taskID); err != nil {
			return fmt.Errorf("pause schedule: %w", err)
		}
	}
	actx, cancel := context.WithTimeout(ctx, w.timeouts.Persist)
	defer cancel()
	_, err := retryDo(actx, w.storageRetry, isStorageRetryable, func() error {
		return w.st.SetTaskActive(actx, taskID, false)
	})
	if err != nil {
		return fmt.Errorf("deactivate task: %w", err)
	}
	slog.Info("task paused after delivery", "task", taskID)
	return nil
}

func buildPayload(task *store.Task, result *store.Execution) notify.Payload {
	p := notify.Payload{
		TaskID:        task.ID,
		TaskName:      task.Name,
		UserID:        task.UserID,
		SearchQuery:   task.SearchQuery,
		Condition:     task.Condition,
		ConditionMet:  result.ConditionMet,
		ChangeSummary: result.ChangeSummary,
		Sources:       result.Sources,
		ExecutedAt:    result.StartedAt,
	}
	if result.Result != nil {
		p.Answer = result.Result.Answer
	}
	return p
}

func isStorageRetryable(err error) bool {
	return errors.Is(err, store.ErrUnavailable)
}
