package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/toralehq/torale/internal/store"
)

func newTask() *store.Task {
	return &store.Task{
		ID:          store.GenNewID(),
		UserID:      "u1",
		Name:        "watch",
		Schedule:    "*/5 * * * *",
		SearchQuery: "anything",
		Condition:   "something",
		Behavior:    store.NotifyAlways,
		IsActive:    true,
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.CreateTask(ctx, task); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("duplicate create = %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set on create")
	}

	name := "renamed"
	updated, err := s.UpdateTask(ctx, task.ID, store.TaskPatch{Name: &name})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Name != "renamed" || updated.Schedule != task.Schedule {
		t.Errorf("patch applied wrong: %+v", updated)
	}

	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask twice: %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetTask after delete = %v, want ErrNotFound", err)
	}
}

func TestListTasksFilters(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := newTask()
	b := newTask()
	b.UserID = "u2"
	c := newTask()
	c.IsActive = false
	for _, task := range []*store.Task{a, b, c} {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	mine, err := s.ListTasks(ctx, store.TaskFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("user tasks = %d, want 2", len(mine))
	}

	active := true
	activeOnly, err := s.ListTasks(ctx, store.TaskFilter{UserID: "u1", IsActive: &active})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(activeOnly) != 1 {
		t.Errorf("active tasks = %d, want 1", len(activeOnly))
	}
}

func TestFinishExecutionAdvancesTaskState(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask()
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	exec := &store.Execution{
		ID:        store.GenNewID(),
		TaskID:    task.ID,
		Status:    store.ExecPending,
		StartedAt: time.Now().UTC(),
	}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.MarkExecutionRunning(ctx, exec.ID); err != nil {
		t.Fatalf("MarkExecutionRunning: %v", err)
	}

	now := time.Now().UTC()
	exec.Status = store.ExecSuccess
	exec.CompletedAt = &now
	exec.Result = &store.ExecutionResult{Answer: "a", CurrentState: json.RawMessage(`{"v":1}`)}
	if err := s.FinishExecution(ctx, exec, json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("FinishExecution: %v", err)
	}

	after, _ := s.GetTask(ctx, task.ID)
	if after.LastExecutionID == nil || *after.LastExecutionID != exec.ID {
		t.Error("last execution pointer not advanced")
	}
	if string(after.LastKnownState) != `{"v":1}` {
		t.Errorf("last known state = %s", after.LastKnownState)
	}
}

func TestFinishExecutionFailedLeavesTaskUntouched(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask()
	task.LastKnownState = json.RawMessage(`{"v":0}`)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	exec := &store.Execution{
		ID:        store.GenNewID(),
		TaskID:    task.ID,
		Status:    store.ExecPending,
		StartedAt: time.Now().UTC(),
	}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	exec.Status = store.ExecFailed
	exec.ErrorMessage = "timeout"
	if err := s.FinishExecution(ctx, exec, nil); err != nil {
		t.Fatalf("FinishExecution: %v", err)
	}

	after, _ := s.GetTask(ctx, task.ID)
	if after.LastExecutionID != nil {
		t.Error("failed execution must not advance the pointer")
	}
	if string(after.LastKnownState) != `{"v":0}` {
		t.Errorf("state mutated: %s", after.LastKnownState)
	}
}

func TestFinishExecutionFirstTerminalWriteWins(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask()
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	exec := &store.Execution{
		ID:        store.GenNewID(),
		TaskID:    task.ID,
		Status:    store.ExecPending,
		StartedAt: time.Now().UTC(),
	}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	now := time.Now().UTC()
	first := *exec
	first.Status = store.ExecSuccess
	first.CompletedAt = &now
	first.Result = &store.ExecutionResult{Answer: "first"}
	if err := s.FinishExecution(ctx, &first, nil); err != nil {
		t.Fatalf("FinishExecution: %v", err)
	}

	// A replay tries to finish the same execution with a different result.
	replay := *exec
	replay.Status = store.ExecFailed
	replay.ErrorMessage = "replay"
	if err := s.FinishExecution(ctx, &replay, nil); err != nil {
		t.Fatalf("replayed FinishExecution: %v", err)
	}

	got, _ := s.GetExecution(ctx, exec.ID)
	if got.Status != store.ExecSuccess || got.Result == nil || got.Result.Answer != "first" {
		t.Errorf("replay overwrote terminal execution: %+v", got)
	}
}

func TestRecordDeliveryIdempotency(t *testing.T) {
	s := New()
	ctx := context.Background()
	execID := store.GenNewID()

	rec := &store.DeliveryRecord{
		ExecutionID: execID,
		Channel:     "slack",
		Status:      store.DeliveryPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.RecordDelivery(ctx, rec); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if err := s.ResolveDelivery(ctx, rec.ID, store.DeliveryDelivered, "m1", ""); err != nil {
		t.Fatalf("ResolveDelivery: %v", err)
	}

	// Replay against the delivered slot.
	again := &store.DeliveryRecord{
		ExecutionID: execID,
		Channel:     "slack",
		Status:      store.DeliveryPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.RecordDelivery(ctx, again); !errors.Is(err, store.ErrAlreadyDelivered) {
		t.Fatalf("replayed RecordDelivery = %v, want ErrAlreadyDelivered", err)
	}

	// A different channel for the same execution is its own slot.
	other := &store.DeliveryRecord{
		ExecutionID: execID,
		Channel:     "telegram",
		Status:      store.DeliveryPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.RecordDelivery(ctx, other); err != nil {
		t.Fatalf("other channel RecordDelivery: %v", err)
	}

	recs, err := s.ListDeliveries(ctx, execID)
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("delivery records = %d, want 2", len(recs))
	}
}

func TestRecordDeliveryRetakesFailedSlot(t *testing.T) {
	s := New()
	ctx := context.Background()
	execID := store.GenNewID()

	rec := &store.DeliveryRecord{
		ExecutionID: execID,
		Channel:     "slack",
		Status:      store.DeliveryPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.RecordDelivery(ctx, rec); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if err := s.ResolveDelivery(ctx, rec.ID, store.DeliveryFailed, "", "boom"); err != nil {
		t.Fatalf("ResolveDelivery: %v", err)
	}

	retry := &store.DeliveryRecord{
		ExecutionID: execID,
		Channel:     "slack",
		Status:      store.DeliveryPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.RecordDelivery(ctx, retry); err != nil {
		t.Fatalf("retry RecordDelivery: %v", err)
	}
	if retry.ID != rec.ID {
		t.Error("retry should reuse the existing slot")
	}

	recs, _ := s.ListDeliveries(ctx, execID)
	if len(recs) != 1 {
		t.Errorf("delivery records = %d, want 1", len(recs))
	}
}

func TestGetTaskReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	task := newTask()
	task.Config = map[string]string{"notify.channel": "slack"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	got.Config["notify.channel"] = "mutated"
	got.Name = "mutated"

	fresh, _ := s.GetTask(ctx, task.ID)
	if fresh.Config["notify.channel"] != "slack" || fresh.Name != "watch" {
		t.Error("stored task aliased by returned copy")
	}
}
