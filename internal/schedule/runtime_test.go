package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/toralehq/torale/internal/clock"
	"github.com/toralehq/torale/internal/store"
	"github.com/toralehq/torale/internal/store/memory"
	"github.com/toralehq/torale/internal/workflow"
)

type recordedRun struct {
	taskID uuid.UUID
	opts   workflow.RunOptions
}

// fakeWorkflow records invocations and can block runs on a gate channel.
type fakeWorkflow struct {
	mu         sync.Mutex
	runs       []recordedRun
	gate       chan struct{}
	started    chan struct{}
	concurrent atomic.Int32
	maxConc    atomic.Int32
}

func newFakeWorkflow() *fakeWorkflow {
	return &fakeWorkflow{started: make(chan struct{}, 16)}
}

func (f *fakeWorkflow) Run(_ context.Context, taskID uuid.UUID, opts workflow.RunOptions) (uuid.UUID, error) {
	cur := f.concurrent.Add(1)
	for {
		max := f.maxConc.Load()
		if cur <= max || f.maxConc.CompareAndSwap(max, cur) {
			break
		}
	}
	defer f.concurrent.Add(-1)

	f.started <- struct{}{}
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	f.runs = append(f.runs, recordedRun{taskID: taskID, opts: opts})
	f.mu.Unlock()
	return store.GenNewID(), nil
}

func (f *fakeWorkflow) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeWorkflow) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for workflow run to start")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newTestService(t *testing.T, wf Workflow, clk clock.Clock) (*Service, *MemStore) {
	t.Helper()
	st := NewMemStore()
	svc := NewService(st, nil, wf, clk, Options{SweepInterval: -1})
	return svc, st
}

func TestRegisterScheduleComputesNextFire(t *testing.T) {
	fixed := &clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)}
	wf := newFakeWorkflow()
	svc, st := newTestService(t, wf, fixed)

	taskID := store.GenNewID()
	if err := svc.RegisterSchedule(context.Background(), taskID, "* * * * *"); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	entries, err := st.LoadEntries(context.Background())
	if err != nil {
		t.Fatalf("LoadEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	want := time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC)
	if entries[0].NextRunAt == nil || !entries[0].NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %v, want %v", entries[0].NextRunAt, want)
	}
}

func TestRegisterScheduleRejectsInvalidExpression(t *testing.T) {
	fixed := &clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, newFakeWorkflow(), fixed)

	err := svc.RegisterSchedule(context.Background(), store.GenNewID(), "not a cron")
	if err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestFireDueRunsWorkflow(t *testing.T) {
	fixed := &clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)}
	wf := newFakeWorkflow()
	svc, _ := newTestService(t, wf, fixed)

	taskID := store.GenNewID()
	if err := svc.RegisterSchedule(context.Background(), taskID, "* * * * *"); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	fixed.Advance(time.Minute)
	svc.fireDue()
	waitFor(t, func() bool { return wf.runCount() == 1 })

	wf.mu.Lock()
	run := wf.runs[0]
	wf.mu.Unlock()
	if run.taskID != taskID {
		t.Errorf("ran task %s, want %s", run.taskID, taskID)
	}
	if run.opts.Manual {
		t.Error("scheduled run must not be marked manual")
	}

	// The entry advanced past the fired tick.
	svc.mu.Lock()
	next := svc.entries[taskID].NextRunAt
	svc.mu.Unlock()
	if next == nil || !next.After(fixed.Now()) {
		t.Errorf("NextRunAt = %v, want after %v", next, fixed.Now())
	}
}

func TestPauseStopsFiringAndResumeSkipsMissedTicks(t *testing.T) {
	fixed := &clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)}
	wf := newFakeWorkflow()
	svc, _ := newTestService(t, wf, fixed)

	taskID := store.GenNewID()
	ctx := context.Background()
	if err := svc.RegisterSchedule(ctx, taskID, "* * * * *"); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}
	if err := svc.Pause(ctx, taskID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// Several ticks elapse while paused; none fire.
	fixed.Advance(10 * time.Minute)
	svc.fireDue()
	time.Sleep(20 * time.Millisecond)
	if got := wf.runCount(); got != 0 {
		t.Fatalf("runs while paused = %d, want 0", got)
	}

	if err := svc.Resume(ctx, taskID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// Resume points at the next future tick, not the missed ones.
	svc.fireDue()
	time.Sleep(20 * time.Millisecond)
	if got := wf.runCount(); got != 0 {
		t.Fatalf("runs right after resume = %d, want 0", got)
	}

	fixed.Advance(time.Minute)
	svc.fireDue()
	waitFor(t, func() bool { return wf.runCount() == 1 })
}

func TestReregisterKeepsPausedSchedulePaused(t *testing.T) {
	fixed := &clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)}
	wf := newFakeWorkflow()
	svc, st := newTestService(t, wf, fixed)

	taskID := store.GenNewID()
	ctx := context.Background()
	if err := svc.RegisterSchedule(ctx, taskID, "* * * * *"); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}
	if err := svc.Pause(ctx, taskID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// Editing the expression of a paused task must not resurrect it.
	if err := svc.RegisterSchedule(ctx, taskID, "*/10 * * * *"); err != nil {
		t.Fatalf("re-RegisterSchedule: %v", err)
	}

	svc.mu.Lock()
	entry := svc.entries[taskID]
	paused, next, expr := entry.Paused, entry.NextRunAt, entry.CronExpr
	svc.mu.Unlock()
	if !paused {
		t.Error("entry paused = false after re-registering a paused schedule")
	}
	if next != nil {
		t.Errorf("NextRunAt = %v while paused, want nil", next)
	}
	if expr != "*/10 * * * *" {
		t.Errorf("CronExpr = %q, want the new expression", expr)
	}

	entries, _ := st.LoadEntries(ctx)
	if len(entries) != 1 || !entries[0].Paused {
		t.Errorf("persisted entry = %+v, want paused", entries)
	}

	// No ticks fire while paused, and Resume picks up the new expression.
	fixed.Advance(30 * time.Minute)
	svc.fireDue()
	time.Sleep(20 * time.Millisecond)
	if got := wf.runCount(); got != 0 {
		t.Fatalf("runs while paused = %d, want 0", got)
	}

	if err := svc.Resume(ctx, taskID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	fixed.Advance(10 * time.Minute)
	svc.fireDue()
	waitFor(t, func() bool { return wf.runCount() == 1 })
}

func TestPauseOnMissingEntry(t *testing.T) {
	fixed := &clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(t, newFakeWorkflow(), fixed)

	if err := svc.Pause(context.Background(), store.GenNewID()); err != store.ErrNotFound {
		t.Fatalf("Pause on missing entry = %v, want ErrNotFound", err)
	}
}

func TestOverlappingTicksQueueNotParallel(t *testing.T) {
	fixed := &clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)}
	wf := newFakeWorkflow()
	wf.gate = make(chan struct{})
	svc, _ := newTestService(t, wf, fixed)

	taskID := store.GenNewID()
	if err := svc.RegisterSchedule(context.Background(), taskID, "* * * * *"); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	fixed.Advance(time.Minute)
	svc.fireDue()
	wf.waitStarted(t)

	// Two more ticks while the first run is still going; they coalesce
	// into one queued follow-up.
	fixed.Advance(time.Minute)
	svc.fireDue()
	fixed.Advance(time.Minute)
	svc.fireDue()

	close(wf.gate)
	waitFor(t, func() bool { return wf.runCount() == 2 })

	time.Sleep(20 * time.Millisecond)
	if got := wf.runCount(); got != 2 {
		t.Errorf("runs = %d, want 2 (queued ticks coalesce)", got)
	}
	if max := wf.maxConc.Load(); max > 1 {
		t.Errorf("max concurrent runs for one task = %d, want 1", max)
	}
}

func TestRunNowPassesManualOptions(t *testing.T) {
	fixed := &clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	wf := newFakeWorkflow()
	svc, _ := newTestService(t, wf, fixed)

	taskID := store.GenNewID()
	execID, err := svc.RunNow(context.Background(), taskID, true)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if execID == uuid.Nil {
		t.Error("RunNow returned nil execution id")
	}
	wf.mu.Lock()
	run := wf.runs[0]
	wf.mu.Unlock()
	if !run.opts.Manual {
		t.Error("RunNow must mark the run manual")
	}
	if !run.opts.SuppressNotifications {
		t.Error("RunNow must forward the suppress flag")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	fixed := &clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc, st := newTestService(t, newFakeWorkflow(), fixed)

	taskID := store.GenNewID()
	ctx := context.Background()
	if err := svc.RegisterSchedule(ctx, taskID, "*/5 * * * *"); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}
	if err := svc.Unregister(ctx, taskID); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := svc.Unregister(ctx, taskID); err != nil {
		t.Fatalf("second Unregister: %v", err)
	}
	entries, _ := st.LoadEntries(ctx)
	if len(entries) != 0 {
		t.Errorf("entries after unregister = %d, want 0", len(entries))
	}
}

func TestStartRecomputesStaleNextFire(t *testing.T) {
	fixed := &clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)}
	wf := newFakeWorkflow()
	st := NewMemStore()

	// An entry persisted by a previous process, long overdue.
	stale := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	if err := st.UpsertEntry(context.Background(), Entry{
		TaskID:    store.GenNewID(),
		CronExpr:  "0 * * * *",
		NextRunAt: &stale,
	}); err != nil {
		t.Fatalf("UpsertEntry: %v", err)
	}

	svc := NewService(st, nil, wf, fixed, Options{SweepInterval: -1})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	svc.mu.Lock()
	var next *time.Time
	for _, e := range svc.entries {
		next = e.NextRunAt
	}
	svc.mu.Unlock()

	want := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	if next == nil || !next.Equal(want) {
		t.Errorf("NextRunAt after restart = %v, want %v (missed ticks skipped)", next, want)
	}
}

func TestReconcileTrustsTaskStore(t *testing.T) {
	fixed := &clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	wf := newFakeWorkflow()
	tasks := memory.New()
	st := NewMemStore()
	svc := NewService(st, tasks, wf, fixed, Options{SweepInterval: -1})
	ctx := context.Background()

	// Active task whose schedule is wrongly paused.
	active := &store.Task{
		ID:          store.GenNewID(),
		UserID:      "u1",
		Name:        "active",
		Schedule:    "*/5 * * * *",
		SearchQuery: "q",
		Condition:   "c",
		Behavior:    store.NotifyAlways,
		IsActive:    true,
	}
	if err := tasks.CreateTask(ctx, active); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := svc.RegisterSchedule(ctx, active.ID, active.Schedule); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}
	if err := svc.Pause(ctx, active.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// Inactive task whose schedule is still firing.
	inactive := &store.Task{
		ID:          store.GenNewID(),
		UserID:      "u1",
		Name:        "inactive",
		Schedule:    "*/5 * * * *",
		SearchQuery: "q",
		Condition:   "c",
		Behavior:    store.NotifyAlways,
		IsActive:    false,
	}
	if err := tasks.CreateTask(ctx, inactive); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := svc.RegisterSchedule(ctx, inactive.ID, inactive.Schedule); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	// Entry for a task deleted from the store.
	orphan := store.GenNewID()
	if err := svc.RegisterSchedule(ctx, orphan, "*/5 * * * *"); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	if err := svc.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if st, ok := svc.entries[active.ID]; !ok || st.Paused {
		t.Error("active task's schedule should be resumed")
	}
	if st, ok := svc.entries[inactive.ID]; !ok || !st.Paused {
		t.Error("inactive task's schedule should be paused")
	}
	if _, ok := svc.entries[orphan]; ok {
		t.Error("orphan entry should be unregistered")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := t.TempDir() + "/schedules.json"
	fs := NewFileStore(path)
	ctx := context.Background()

	id := store.GenNewID()
	next := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	e := Entry{TaskID: id, CronExpr: "*/5 * * * *", NextRunAt: &next, UpdatedAt: next}
	if err := fs.UpsertEntry(ctx, e); err != nil {
		t.Fatalf("UpsertEntry: %v", err)
	}

	reopened := NewFileStore(path)
	entries, err := reopened.LoadEntries(ctx)
	if err != nil {
		t.Fatalf("LoadEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].TaskID != id || entries[0].CronExpr != "*/5 * * * *" {
		t.Fatalf("round trip mismatch: %+v", entries)
	}

	if err := reopened.DeleteEntry(ctx, id); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	if err := reopened.DeleteEntry(ctx, id); err != nil {
		t.Fatalf("DeleteEntry twice: %v", err)
	}
	entries, _ = reopened.LoadEntries(ctx)
	if len(entries) != 0 {
		t.Errorf("entries after delete = %d, want 0", len(entries))
	}
}
