// Package memory provides an in-process TaskStore used by tests and by
// standalone mode when no database is configured. Semantics mirror the
// pg backend, including the delivery-record idempotency contract.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toralehq/torale/internal/store"
)

type Store struct {
	mu         sync.RWMutex
	tasks      map[uuid.UUID]*store.Task
	executions map[uuid.UUID]*store.Execution
	deliveries map[uuid.UUID]*store.DeliveryRecord
	// deliveryKey indexes deliveries by (execution_id, channel).
	deliveryKey map[string]uuid.UUID
}

func New() *Store {
	return &Store{
		tasks:       make(map[uuid.UUID]*store.Task),
		executions:  make(map[uuid.UUID]*store.Execution),
		deliveries:  make(map[uuid.UUID]*store.DeliveryRecord),
		deliveryKey: make(map[string]uuid.UUID),
	}
}

func deliveryIdx(executionID uuid.UUID, channel string) string {
	return executionID.String() + "|" + channel
}

// --- tasks ---

func (s *Store) CreateTask(_ context.Context, t *store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == uuid.Nil {
		t.ID = store.GenNewID()
	}
	if _, ok := s.tasks[t.ID]; ok {
		return store.ErrAlreadyExists
	}
	store.TouchTimestamps(t, time.Now().UTC())
	cp := cloneTask(t)
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) GetTask(_ context.Context, id uuid.UUID) (*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := cloneTask(t)
	return &cp, nil
}

func (s *Store) UpdateTask(_ context.Context, id uuid.UUID, patch store.TaskPatch) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	applyPatch(t, patch)
	t.UpdatedAt = time.Now().UTC()
	cp := cloneTask(t)
	return &cp, nil
}

func (s *Store) DeleteTask(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *Store) ListTasks(_ context.Context, filter store.TaskFilter) ([]store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Task
	for _, t := range s.tasks {
		if filter.UserID != "" && t.UserID != filter.UserID {
			continue
		}
		if filter.IsActive != nil && t.IsActive != *filter.IsActive {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SetTaskActive(_ context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.IsActive = active
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// --- executions ---

func (s *Store) CreateExecution(_ context.Context, e *store.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == uuid.Nil {
		e.ID = store.GenNewID()
	}
	if _, ok := s.executions[e.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *e
	s.executions[e.ID] = &cp
	return nil
}

func (s *Store) MarkExecutionRunning(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	if e.Status == store.ExecPending {
		e.Status = store.ExecRunning
	}
	return nil
}

func (s *Store) FinishExecution(_ context.Context, e *store.Execution, newState json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.executions[e.ID]
	if !ok {
		return store.ErrNotFound
	}
	if row.Status.Terminal() {
		// Replayed workflow; the first terminal write wins.
		return nil
	}
	cp := *e
	s.executions[e.ID] = &cp

	if newState != nil {
		t, ok := s.tasks[e.TaskID]
		if !ok {
			return store.ErrNotFound
		}
		id := e.ID
		t.LastExecutionID = &id
		t.LastKnownState = append(json.RawMessage(nil), newState...)
		t.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Store) GetExecution(_ context.Context, id uuid.UUID) (*store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListExecutions(_ context.Context, taskID uuid.UUID, limit int) ([]store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Execution
	for _, e := range s.executions {
		if e.TaskID == taskID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- deliveries ---

func (s *Store) RecordDelivery(_ context.Context, d *store.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deliveryIdx(d.ExecutionID, d.Channel)
	if existingID, ok := s.deliveryKey[key]; ok {
		existing := s.deliveries[existingID]
		if existing.Status == store.DeliveryDelivered {
			return store.ErrAlreadyDelivered
		}
		// Retry of a pending/failed attempt reuses the row.
		d.ID = existing.ID
		cp := *d
		s.deliveries[existing.ID] = &cp
		return nil
	}

	if d.ID == uuid.Nil {
		d.ID = store.GenNewID()
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	s.deliveryKey[key] = d.ID
	return nil
}

func (s *Store) ResolveDelivery(_ context.Context, id uuid.UUID, status store.DeliveryStatus, providerMessageID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = status
	d.ProviderMessageID = providerMessageID
	d.Error = errMsg
	if status == store.DeliveryDelivered {
		now := time.Now().UTC()
		d.DeliveredAt = &now
	}
	return nil
}

func (s *Store) ListDeliveries(_ context.Context, executionID uuid.UUID) ([]store.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.DeliveryRecord
	for _, d := range s.deliveries {
		if d.ExecutionID == executionID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- helpers ---

func cloneTask(t *store.Task) store.Task {
	cp := *t
	if t.Config != nil {
		cp.Config = make(map[string]string, len(t.Config))
		for k, v := range t.Config {
			cp.Config[k] = v
		}
	}
	if t.LastKnownState != nil {
		cp.LastKnownState = append(json.RawMessage(nil), t.LastKnownState...)
	}
	if t.LastExecutionID != nil {
		id := *t.LastExecutionID
		cp.LastExecutionID = &id
	}
	return cp
}

func applyPatch(t *store.Task, p store.TaskPatch) {
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Schedule != nil {
		t.Schedule = *p.Schedule
	}
	if p.SearchQuery != nil {
		t.SearchQuery = *p.SearchQuery
	}
	if p.Condition != nil {
		t.Condition = *p.Condition
	}
	if p.Behavior != nil {
		t.Behavior = *p.Behavior
	}
	if p.Config != nil {
		t.Config = *p.Config
	}
	if p.IsActive != nil {
		t.IsActive = *p.IsActive
	}
}

var _ store.TaskStore = (*Store)(nil)
