// Package service is the task management façade. It validates input,
// persists through the task store, and keeps the schedule runtime in sync,
// compensating when the second half of a two-step change fails.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/toralehq/torale/internal/clock"
	"github.com/toralehq/torale/internal/store"
	"github.com/toralehq/torale/internal/workflow"
)

// ErrValidation wraps all input validation failures.
var ErrValidation = errors.New("validation")

// DefaultMinInterval is the tightest schedule accepted unless configured
// otherwise.
const DefaultMinInterval = time.Minute

// CreateTaskInput carries the caller-supplied fields for a new task.
type CreateTaskInput struct {
	UserID      string
	Name        string
	Schedule    string
	SearchQuery string
	Condition   string
	Behavior    store.NotifyBehavior
	Config      map[string]string
}

// TaskService exposes task CRUD and manual runs. All task reads and writes
// are scoped to the calling user; a foreign task behaves as missing.
type TaskService struct {
	st          store.TaskStore
	runtime     workflow.Runtime
	clk         clock.Clock
	minInterval time.Duration
}

func New(st store.TaskStore, runtime workflow.Runtime, clk clock.Clock, minInterval time.Duration) *TaskService {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &TaskService{st: st, runtime: runtime, clk: clk, minInterval: minInterval}
}

// Create validates the input, persists the task, and registers its
// schedule. If registration fails the stored task is deleted again so no
// task exists without a schedule.
func (s *TaskService) Create(ctx context.Context, in CreateTaskInput) (*store.Task, error) {
	if err := s.validateCreate(in); err != nil {
		return nil, err
	}

	task := &store.Task{
		ID:          store.GenNewID(),
		UserID:      in.UserID,
		Name:        strings.TrimSpace(in.Name),
		Schedule:    strings.TrimSpace(in.Schedule),
		SearchQuery: strings.TrimSpace(in.SearchQuery),
		Condition:   strings.TrimSpace(in.Condition),
		Behavior:    in.Behavior,
		Config:      in.Config,
		IsActive:    true,
	}
	if task.Name == "" {
		task.Name = truncate(task.SearchQuery, 80)
	}

	if err := s.st.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := s.runtime.RegisterSchedule(ctx, task.ID, task.Schedule); err != nil {
		if delErr := s.st.DeleteTask(ctx, task.ID); delErr != nil {
			slog.Error("compensating delete failed, task left without schedule",
				"task", task.ID, "error", delErr)
		}
		return nil, fmt.Errorf("register schedule: %w", err)
	}

	slog.Info("task created", "task", task.ID, "user", task.UserID, "schedule", task.Schedule)
	return task, nil
}

// Get returns the task if it belongs to userID.
func (s *TaskService) Get(ctx context.Context, userID string, taskID uuid.UUID) (*store.Task, error) {
	return s.owned(ctx, userID, taskID)
}

// List returns the user's tasks, newest first.
func (s *TaskService) List(ctx context.Context, userID string, activeOnly bool) ([]store.Task, error) {
	filter := store.TaskFilter{UserID: userID}
	if activeOnly {
		active := true
		filter.IsActive = &active
	}
	return s.st.ListTasks(ctx, filter)
}

// Update applies the patch and propagates schedule and pause changes to
// the runtime. The store is written first; the runtime follows, and the
// reconciliation sweep covers a crash between the two.
func (s *TaskService) Update(ctx context.Context, userID string, taskID uuid.UUID, patch store.TaskPatch) (*store.Task, error) {
	if patch.Empty() {
		return nil, fmt.Errorf("%w: empty patch", ErrValidation)
	}
	if err := s.validatePatch(patch); err != nil {
		return nil, err
	}

	before, err := s.owned(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}

	task, err := s.st.UpdateTask(ctx, taskID, patch)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	if patch.Schedule != nil && *patch.Schedule != before.Schedule {
		if err := s.runtime.RegisterSchedule(ctx, taskID, task.Schedule); err != nil {
			return nil, fmt.Errorf("reschedule: %w", err)
		}
	}
	if patch.IsActive != nil && *patch.IsActive != before.IsActive {
		var rtErr error
		if *patch.IsActive {
			rtErr = s.runtime.Resume(ctx, taskID)
		} else {
			rtErr = s.runtime.Pause(ctx, taskID)
		}
		if rtErr != nil && !errors.Is(rtErr, store.ErrNotFound) {
			return nil, fmt.Errorf("toggle schedule: %w", rtErr)
		}
	}

	slog.Info("task updated", "task", taskID, "user", userID)
	return task, nil
}

// Pause deactivates the task and its schedule.
func (s *TaskService) Pause(ctx context.Context, userID string, taskID uuid.UUID) error {
	return s.setActive(ctx, userID, taskID, false)
}

// Resume reactivates the task; the schedule fires at the next future tick.
func (s *TaskService) Resume(ctx context.Context, userID string, taskID uuid.UUID) error {
	return s.setActive(ctx, userID, taskID, true)
}

func (s *TaskService) setActive(ctx context.Context, userID string, taskID uuid.UUID, active bool) error {
	if _, err := s.owned(ctx, userID, taskID); err != nil {
		return err
	}
	if err := s.st.SetTaskActive(ctx, taskID, active); err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	var rtErr error
	if active {
		rtErr = s.runtime.Resume(ctx, taskID)
	} else {
		rtErr = s.runtime.Pause(ctx, taskID)
	}
	if rtErr != nil && !errors.Is(rtErr, store.ErrNotFound) {
		return fmt.Errorf("toggle schedule: %w", rtErr)
	}
	slog.Info("task active toggled", "task", taskID, "active", active)
	return nil
}

// Delete unregisters the schedule first so no tick can fire against a
// half-deleted task, then removes the task. Idempotent.
func (s *TaskService) Delete(ctx context.Context, userID string, taskID uuid.UUID) error {
	if _, err := s.owned(ctx, userID, taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.runtime.Unregister(ctx, taskID); err != nil {
		return fmt.Errorf("unregister schedule: %w", err)
	}
	if err := s.st.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	slog.Info("task deleted", "task", taskID, "user", userID)
	return nil
}

// RunNow triggers an immediate out-of-band execution. It works on paused
// tasks and does not shift the cron schedule.
func (s *TaskService) RunNow(ctx context.Context, userID string, taskID uuid.UUID, suppressNotifications bool) (uuid.UUID, error) {
	if _, err := s.owned(ctx, userID, taskID); err != nil {
		return uuid.Nil, err
	}
	execID, err := s.runtime.RunNow(ctx, taskID, suppressNotifications)
	if err != nil {
		return uuid.Nil, fmt.Errorf("run now: %w", err)
	}
	return execID, nil
}

// ListExecutions returns the task's execution history, newest first.
func (s *TaskService) ListExecutions(ctx context.Context, userID string, taskID uuid.UUID, limit int) ([]store.Execution, error) {
	if _, err := s.owned(ctx, userID, taskID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.st.ListExecutions(ctx, taskID, limit)
}

// GetExecution returns one execution, scoped through its task's owner.
func (s *TaskService) GetExecution(ctx context.Context, userID string, executionID uuid.UUID) (*store.Execution, error) {
	exec, err := s.st.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.owned(ctx, userID, exec.TaskID); err != nil {
		return nil, err
	}
	return exec, nil
}

// --- validation ---

func (s *TaskService) validateCreate(in CreateTaskInput) error {
	if strings.TrimSpace(in.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if strings.TrimSpace(in.SearchQuery) == "" {
		return fmt.Errorf("%w: search_query is required", ErrValidation)
	}
	if strings.TrimSpace(in.Condition) == "" {
		return fmt.Errorf("%w: condition_description is required", ErrValidation)
	}
	if !in.Behavior.Valid() {
		return fmt.Errorf("%w: unknown notify behavior %q", ErrValidation, in.Behavior)
	}
	return s.validateSchedule(in.Schedule)
}

func (s *TaskService) validatePatch(p store.TaskPatch) error {
	if p.Schedule != nil {
		if err := s.validateSchedule(*p.Schedule); err != nil {
			return err
		}
	}
	if p.Behavior != nil && !p.Behavior.Valid() {
		return fmt.Errorf("%w: unknown notify behavior %q", ErrValidation, *p.Behavior)
	}
	if p.SearchQuery != nil && strings.TrimSpace(*p.SearchQuery) == "" {
		return fmt.Errorf("%w: search_query cannot be empty", ErrValidation)
	}
	if p.Condition != nil && strings.TrimSpace(*p.Condition) == "" {
		return fmt.Errorf("%w: condition_description cannot be empty", ErrValidation)
	}
	return nil
}

func (s *TaskService) validateSchedule(expr string) error {
	if err := clock.Validate(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := clock.CheckMinInterval(expr, s.clk.Now(), s.minInterval); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// owned loads the task and hides tasks that belong to someone else.
func (s *TaskService) owned(ctx context.Context, userID string, taskID uuid.UUID) (*store.Task, error) {
	task, err := s.st.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, store.ErrNotFound
	}
	return task, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
