package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/toralehq/torale/internal/store"
)

// TaskStore implements store.TaskStore backed by Postgres.
type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

const taskSelectCols = `id, user_id, name, schedule, search_query, condition_description,
	 notify_behavior, config, is_active, last_execution_id, last_known_state,
	 created_at, updated_at`

func (s *TaskStore) CreateTask(ctx context.Context, t *store.Task) error {
	if t.ID == uuid.Nil {
		t.ID = store.GenNewID()
	}
	store.TouchTimestamps(t, time.Now().UTC())

	cfg, err := json.Marshal(configOrEmpty(t.Config))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, user_id, name, schedule, search_query, condition_description,
		 notify_behavior, config, is_active, last_known_state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.UserID, t.Name, t.Schedule, t.SearchQuery, t.Condition,
		t.Behavior, cfg, t.IsActive, nullableJSON(t.LastKnownState), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return wrapDB("insert task", err)
	}
	return nil
}

func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskSelectCols+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *TaskStore) UpdateTask(ctx context.Context, id uuid.UUID, patch store.TaskPatch) (*store.Task, error) {
	set := "updated_at = NOW()"
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Schedule != nil {
		add("schedule", *patch.Schedule)
	}
	if patch.SearchQuery != nil {
		add("search_query", *patch.SearchQuery)
	}
	if patch.Condition != nil {
		add("condition_description", *patch.Condition)
	}
	if patch.Behavior != nil {
		add("notify_behavior", *patch.Behavior)
	}
	if patch.Config != nil {
		cfg, err := json.Marshal(configOrEmpty(*patch.Config))
		if err != nil {
			return nil, fmt.Errorf("marshal config: %w", err)
		}
		add("config", cfg)
	}
	if patch.IsActive != nil {
		add("is_active", *patch.IsActive)
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE tasks SET `+set+` WHERE id = $1 RETURNING `+taskSelectCols, args...)
	return scanTask(row)
}

func (s *TaskStore) DeleteTask(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return wrapDB("delete task", err)
	}
	return nil
}

func (s *TaskStore) ListTasks(ctx context.Context, filter store.TaskFilter) ([]store.Task, error) {
	query := `SELECT ` + taskSelectCols + ` FROM tasks`
	var where []string
	var args []any
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		where = append(where, fmt.Sprintf("is_active = $%d", len(args)))
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDB("list tasks", err)
	}
	defer rows.Close()

	var out []store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *TaskStore) SetTaskActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return wrapDB("set task active", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	var t store.Task
	var cfg []byte
	var lastExec uuid.NullUUID
	var lastState []byte
	err := row.Scan(
		&t.ID, &t.UserID, &t.Name, &t.Schedule, &t.SearchQuery, &t.Condition,
		&t.Behavior, &cfg, &t.IsActive, &lastExec, &lastState,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrapDB("scan task", err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &t.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if lastExec.Valid {
		id := lastExec.UUID
		t.LastExecutionID = &id
	}
	if len(lastState) > 0 {
		t.LastKnownState = json.RawMessage(lastState)
	}
	return &t, nil
}

func configOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

