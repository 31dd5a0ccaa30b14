package schedule

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// fileDoc is the on-disk shape of the schedule file.
type fileDoc struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// FileStore persists schedule entries to a single JSON file. It serves
// standalone mode; deployments with Postgres use the pg schedule store.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) LoadEntries(_ context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

func (f *FileStore) UpsertEntry(_ context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}
	replaced := false
	for i := range doc.Entries {
		if doc.Entries[i].TaskID == e.TaskID {
			doc.Entries[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Entries = append(doc.Entries, e)
	}
	return f.write(doc)
}

func (f *FileStore) DeleteEntry(_ context.Context, taskID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}
	for i := range doc.Entries {
		if doc.Entries[i].TaskID == taskID {
			doc.Entries = append(doc.Entries[:i], doc.Entries[i+1:]...)
			return f.write(doc)
		}
	}
	return nil
}

func (f *FileStore) read() (*fileDoc, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileDoc{Version: 1}, nil
		}
		return nil, err
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (f *FileStore) write(doc *fileDoc) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o644)
}

var _ Store = (*FileStore)(nil)
