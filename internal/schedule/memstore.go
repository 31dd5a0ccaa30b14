package schedule

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemStore keeps entries in memory. Used by tests and by deployments that
// do not need schedule durability.
type MemStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]Entry
}

func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[uuid.UUID]Entry)}
}

func (m *MemStore) LoadEntries(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *MemStore) UpsertEntry(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.TaskID] = e
	return nil
}

func (m *MemStore) DeleteEntry(_ context.Context, taskID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, taskID)
	return nil
}

var _ Store = (*MemStore)(nil)
