package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toralehq/torale/internal/clock"
	"github.com/toralehq/torale/internal/store"
	"github.com/toralehq/torale/internal/workflow"
)

// Workflow is the slice of the task workflow the runtime drives.
type Workflow interface {
	Run(ctx context.Context, taskID uuid.UUID, opts workflow.RunOptions) (uuid.UUID, error)
}

// entryState is an Entry plus in-memory run bookkeeping.
type entryState struct {
	Entry
	// inflight is true while a scheduled run is executing.
	inflight bool
	// queued coalesces ticks that fired while a run was inflight.
	queued bool
}

// Service is the durable in-process scheduler. Registrations are persisted
// through a Store; ticks that come due while the process is down are
// skipped, the next future tick fires instead.
type Service struct {
	st    Store
	tasks store.TaskStore
	wf    Workflow
	clk   clock.Clock
	tick  time.Duration
	sweep time.Duration

	mu      sync.Mutex
	entries map[uuid.UUID]*entryState
	lanes   map[uuid.UUID]*sync.Mutex

	runCtx  context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// Options tunes the scheduler loop.
type Options struct {
	// TickInterval is the due-check period (default 1s).
	TickInterval time.Duration
	// SweepInterval is the store reconciliation period (default 1m, 0 to
	// disable).
	SweepInterval time.Duration
}

// NewService creates the scheduler. tasks may be nil, which disables the
// reconciliation sweep.
func NewService(st Store, tasks store.TaskStore, wf Workflow, clk clock.Clock, opts Options) *Service {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Minute
	}
	return &Service{
		st:      st,
		tasks:   tasks,
		wf:      wf,
		clk:     clk,
		tick:    opts.TickInterval,
		sweep:   opts.SweepInterval,
		entries: make(map[uuid.UUID]*entryState),
		lanes:   make(map[uuid.UUID]*sync.Mutex),
		runCtx:  context.Background(),
		cancel:  func() {},
	}
}

// Start loads persisted entries and begins the tick loop. Next fire times
// are recomputed from now, so ticks missed during downtime do not replay.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	loaded, err := s.st.LoadEntries(ctx)
	if err != nil {
		return fmt.Errorf("load schedule entries: %w", err)
	}
	now := s.clk.Now()
	for _, e := range loaded {
		st := &entryState{Entry: e}
		if !e.Paused {
			next, err := clock.NextFire(e.CronExpr, now)
			if err != nil {
				slog.Error("schedule entry has invalid expression, pausing", "task", e.TaskID, "expr", e.CronExpr, "error", err)
				st.Paused = true
				st.NextRunAt = nil
			} else {
				st.NextRunAt = &next
			}
		}
		s.entries[e.TaskID] = st
		if err := s.st.UpsertEntry(ctx, st.Entry); err != nil {
			slog.Warn("schedule entry persist failed on start", "task", e.TaskID, "error", err)
		}
	}

	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(1)
	go s.loop()
	if s.sweep > 0 && s.tasks != nil {
		s.wg.Add(1)
		go s.sweepLoop()
	}

	slog.Info("schedule runtime started", "entries", len(s.entries))
	return nil
}

// Stop halts the loops and waits for them. Inflight workflow runs are
// cancelled through the run context.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("schedule runtime stopped")
}

// --- workflow.Runtime ---

func (s *Service) RegisterSchedule(ctx context.Context, taskID uuid.UUID, cronExpr string) error {
	if err := clock.Validate(cronExpr); err != nil {
		return err
	}
	now := s.clk.Now()
	next, err := clock.NextFire(cronExpr, now)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := &entryState{Entry: Entry{
		TaskID:    taskID,
		CronExpr:  cronExpr,
		NextRunAt: &next,
		UpdatedAt: now,
	}}
	prev, existed := s.entries[taskID]
	if existed {
		// A re-registration changes the expression, not the pause state:
		// a paused entry stays paused until an explicit Resume.
		st.LastRunAt = prev.LastRunAt
		st.Paused = prev.Paused
		st.inflight = prev.inflight
		st.queued = prev.queued
		if st.Paused {
			st.NextRunAt = nil
			st.queued = false
		}
	}
	s.entries[taskID] = st
	if err := s.st.UpsertEntry(ctx, st.Entry); err != nil {
		if existed {
			s.entries[taskID] = prev
		} else {
			delete(s.entries, taskID)
		}
		return fmt.Errorf("persist schedule: %w", err)
	}
	slog.Info("schedule registered", "task", taskID, "expr", cronExpr, "paused", st.Paused)
	return nil
}

func (s *Service) Pause(ctx context.Context, taskID uuid.UUID) error {
	return s.setPaused(ctx, taskID, true)
}

func (s *Service) Resume(ctx context.Context, taskID uuid.UUID) error {
	return s.setPaused(ctx, taskID, false)
}

func (s *Service) setPaused(ctx context.Context, taskID uuid.UUID, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.entries[taskID]
	if !ok {
		return store.ErrNotFound
	}
	st.Paused = paused
	st.UpdatedAt = s.clk.Now()
	if paused {
		st.NextRunAt = nil
		st.queued = false
	} else {
		next, err := clock.NextFire(st.CronExpr, s.clk.Now())
		if err != nil {
			return err
		}
		st.NextRunAt = &next
	}
	if err := s.st.UpsertEntry(ctx, st.Entry); err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}
	slog.Info("schedule pause toggled", "task", taskID, "paused", paused)
	return nil
}

func (s *Service) Unregister(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	delete(s.entries, taskID)
	s.mu.Unlock()

	if err := s.st.DeleteEntry(ctx, taskID); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	slog.Info("schedule unregistered", "task", taskID)
	return nil
}

// RunNow runs the task's workflow out of band. It shares the task's lane
// with scheduled runs, so a concurrent scheduled run finishes first.
func (s *Service) RunNow(ctx context.Context, taskID uuid.UUID, suppressNotifications bool) (uuid.UUID, error) {
	lane := s.laneFor(taskID)
	lane.Lock()
	defer lane.Unlock()

	return s.wf.Run(ctx, taskID, workflow.RunOptions{
		Manual:                true,
		SuppressNotifications: suppressNotifications,
	})
}

var _ workflow.Runtime = (*Service)(nil)

// --- loops ---

func (s *Service) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			s.fireDue()
		}
	}
}

// fireDue collects due entries, advances their next fire time, and runs
// each one on its lane. An entry with an inflight run is marked queued
// instead; the follow-up run starts as soon as the current one finishes.
func (s *Service) fireDue() {
	now := s.clk.Now()

	s.mu.Lock()
	var due []uuid.UUID
	for id, st := range s.entries {
		if st.Paused || st.NextRunAt == nil || st.NextRunAt.After(now) {
			continue
		}
		next, err := clock.NextFire(st.CronExpr, now)
		if err != nil {
			slog.Error("next fire computation failed, pausing entry", "task", id, "error", err)
			st.Paused = true
			st.NextRunAt = nil
			continue
		}
		st.NextRunAt = &next
		if st.inflight {
			st.queued = true
			continue
		}
		st.inflight = true
		due = append(due, id)
	}
	for _, id := range due {
		if err := s.st.UpsertEntry(s.runCtx, s.entries[id].Entry); err != nil {
			slog.Warn("schedule entry persist failed", "task", id, "error", err)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		s.wg.Add(1)
		go s.runScheduled(id)
	}
}

func (s *Service) runScheduled(taskID uuid.UUID) {
	defer s.wg.Done()

	lane := s.laneFor(taskID)
	lane.Lock()
	execID, err := s.wf.Run(s.runCtx, taskID, workflow.RunOptions{})
	lane.Unlock()

	if err != nil {
		slog.Error("scheduled run failed", "task", taskID, "error", err)
	} else if execID != uuid.Nil {
		slog.Debug("scheduled run completed", "task", taskID, "execution", execID)
	}

	s.mu.Lock()
	st, ok := s.entries[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := s.clk.Now()
	st.LastRunAt = &now
	st.inflight = false
	again := st.queued && !st.Paused
	if again {
		st.queued = false
		st.inflight = true
	}
	if err := s.st.UpsertEntry(s.runCtx, st.Entry); err != nil {
		slog.Warn("schedule entry persist failed", "task", taskID, "error", err)
	}
	s.mu.Unlock()

	if again {
		s.wg.Add(1)
		go s.runScheduled(taskID)
	}
}

func (s *Service) laneFor(taskID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lane, ok := s.lanes[taskID]
	if !ok {
		lane = &sync.Mutex{}
		s.lanes[taskID] = lane
	}
	return lane
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			if err := s.Reconcile(s.runCtx); err != nil {
				slog.Warn("schedule reconciliation failed", "error", err)
			}
		}
	}
}

// Reconcile aligns the runtime with the task store, which is the source of
// truth: active tasks get firing schedules, inactive tasks get paused ones,
// deleted tasks lose their entries.
func (s *Service) Reconcile(ctx context.Context) error {
	tasks, err := s.tasks.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return err
	}
	byID := make(map[uuid.UUID]store.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	s.mu.Lock()
	type fix struct {
		id     uuid.UUID
		action string
		expr   string
	}
	var fixes []fix
	for id, st := range s.entries {
		t, ok := byID[id]
		switch {
		case !ok:
			fixes = append(fixes, fix{id: id, action: "unregister"})
		case t.IsActive && st.Paused:
			fixes = append(fixes, fix{id: id, action: "resume"})
		case !t.IsActive && !st.Paused:
			fixes = append(fixes, fix{id: id, action: "pause"})
		case t.Schedule != st.CronExpr:
			fixes = append(fixes, fix{id: id, action: "reregister", expr: t.Schedule})
		}
	}
	tracked := make(map[uuid.UUID]bool, len(s.entries))
	for id := range s.entries {
		tracked[id] = true
	}
	s.mu.Unlock()

	for _, t := range tasks {
		if t.IsActive && !tracked[t.ID] {
			fixes = append(fixes, fix{id: t.ID, action: "reregister", expr: t.Schedule})
		}
	}

	for _, f := range fixes {
		var err error
		switch f.action {
		case "unregister":
			err = s.Unregister(ctx, f.id)
		case "resume":
			err = s.Resume(ctx, f.id)
		case "pause":
			err = s.Pause(ctx, f.id)
		case "reregister":
			err = s.RegisterSchedule(ctx, f.id, f.expr)
		}
		if err != nil {
			slog.Warn("schedule reconciliation step failed", "task", f.id, "action", f.action, "error", err)
			continue
		}
		slog.Info("schedule reconciled", "task", f.id, "action", f.action)
	}
	return nil
}
