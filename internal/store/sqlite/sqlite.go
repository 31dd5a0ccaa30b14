// Package sqlite implements the task store and the schedule store on a
// local SQLite database for standalone single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/toralehq/torale/internal/schedule"
	"github.com/toralehq/torale/internal/store"
)

// Store implements store.TaskStore and schedule.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent workflows.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			schedule TEXT NOT NULL,
			search_query TEXT NOT NULL,
			condition_description TEXT NOT NULL,
			notify_behavior TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			is_active INTEGER NOT NULL DEFAULT 1,
			last_execution_id TEXT,
			last_known_state TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			answer TEXT NOT NULL DEFAULT '',
			evaluation TEXT NOT NULL DEFAULT '',
			current_state TEXT,
			condition_met INTEGER NOT NULL DEFAULT 0,
			change_summary TEXT,
			grounding_sources TEXT NOT NULL DEFAULT '[]',
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_task_started
			ON executions(task_id, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS delivery_records (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			provider_message_id TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			delivered_at DATETIME,
			created_at DATETIME NOT NULL,
			UNIQUE (execution_id, channel)
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			task_id TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
			cron_expr TEXT NOT NULL,
			paused INTEGER NOT NULL DEFAULT 0,
			next_run_at DATETIME,
			last_run_at DATETIME,
			updated_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

// --- tasks ---

const taskSelectCols = `id, user_id, name, schedule, search_query, condition_description,
	 notify_behavior, config, is_active, last_execution_id, last_known_state,
	 created_at, updated_at`

func (s *Store) CreateTask(ctx context.Context, t *store.Task) error {
	if t.ID == uuid.Nil {
		t.ID = store.GenNewID()
	}
	store.TouchTimestamps(t, time.Now().UTC())

	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, user_id, name, schedule, search_query, condition_description,
		 notify_behavior, config, is_active, last_known_state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Name, t.Schedule, t.SearchQuery, t.Condition,
		t.Behavior, string(cfg), t.IsActive, nullableText(t.LastKnownState), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isConstraintViolation(err) {
			return store.ErrAlreadyExists
		}
		return wrapDB("insert task", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskSelectCols+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *Store) UpdateTask(ctx context.Context, id uuid.UUID, patch store.TaskPatch) (*store.Task, error) {
	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	add := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
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
		cfg, err := json.Marshal(*patch.Config)
		if err != nil {
			return nil, fmt.Errorf("marshal config: %w", err)
		}
		add("config", string(cfg))
	}
	if patch.IsActive != nil {
		add("is_active", *patch.IsActive)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, wrapDB("update task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetTask(ctx, id)
}

func (s *Store) DeleteTask(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return wrapDB("delete task", err)
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]store.Task, error) {
	query := `SELECT ` + taskSelectCols + ` FROM tasks`
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.IsActive != nil {
		where = append(where, "is_active = ?")
		args = append(args, *filter.IsActive)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
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

func (s *Store) SetTaskActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id)
	if err != nil {
		return wrapDB("set task active", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- executions ---

const executionSelectCols = `id, task_id, status, started_at, completed_at,
	 answer, evaluation, current_state, condition_met, change_summary,
	 grounding_sources, error_message`

func (s *Store) CreateExecution(ctx context.Context, e *store.Execution) error {
	if e.ID == uuid.Nil {
		e.ID = store.GenNewID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, task_id, status, started_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.TaskID, e.Status, e.StartedAt)
	if err != nil {
		if isConstraintViolation(err) {
			return store.ErrAlreadyExists
		}
		return wrapDB("insert execution", err)
	}
	return nil
}

func (s *Store) MarkExecutionRunning(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ? WHERE id = ? AND status = ?`,
		store.ExecRunning, id, store.ExecPending)
	if err != nil {
		return wrapDB("mark running", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) FinishExecution(ctx context.Context, e *store.Execution, newState json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB("begin", err)
	}
	defer tx.Rollback()

	sources, err := json.Marshal(e.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	var answer, evaluation string
	var currentState json.RawMessage
	if e.Result != nil {
		answer = e.Result.Answer
		evaluation = e.Result.Evaluation
		currentState = e.Result.CurrentState
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, completed_at = ?, answer = ?,
		 evaluation = ?, current_state = ?, condition_met = ?,
		 change_summary = ?, grounding_sources = ?, error_message = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		e.Status, e.CompletedAt, answer,
		evaluation, nullableText(currentState), e.ConditionMet,
		e.ChangeSummary, string(sources), e.ErrorMessage, e.ID)
	if err != nil {
		return wrapDB("finish execution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM executions WHERE id = ?)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		return nil
	}

	if newState != nil {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET last_execution_id = ?, last_known_state = ?, updated_at = ?
			 WHERE id = ?`,
			e.ID, string(newState), time.Now().UTC(), e.TaskID)
		if err != nil {
			return wrapDB("advance task state", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
	}

	return tx.Commit()
}

func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionSelectCols+` FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

func (s *Store) ListExecutions(ctx context.Context, taskID uuid.UUID, limit int) ([]store.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionSelectCols+` FROM executions
		 WHERE task_id = ? ORDER BY started_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, wrapDB("list executions", err)
	}
	defer rows.Close()

	var out []store.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// --- deliveries ---

func (s *Store) RecordDelivery(ctx context.Context, d *store.DeliveryRecord) error {
	if d.ID == uuid.Nil {
		d.ID = store.GenNewID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	var id uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO delivery_records (id, execution_id, channel, status, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (execution_id, channel) DO UPDATE
		 SET status = excluded.status, error = ''
		 WHERE delivery_records.status <> 'delivered'
		 RETURNING id`,
		d.ID, d.ExecutionID, d.Channel, d.Status, d.CreatedAt).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrAlreadyDelivered
		}
		return wrapDB("record delivery", err)
	}
	d.ID = id
	return nil
}

func (s *Store) ResolveDelivery(ctx context.Context, id uuid.UUID, status store.DeliveryStatus, providerMessageID, errMsg string) error {
	var deliveredAt any
	if status == store.DeliveryDelivered {
		deliveredAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records SET status = ?, provider_message_id = ?,
		 error = ?, delivered_at = ? WHERE id = ?`,
		status, providerMessageID, errMsg, deliveredAt, id)
	if err != nil {
		return wrapDB("resolve delivery", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListDeliveries(ctx context.Context, executionID uuid.UUID) ([]store.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, channel, status, provider_message_id, error,
		 delivered_at, created_at
		 FROM delivery_records WHERE execution_id = ? ORDER BY created_at`, executionID)
	if err != nil {
		return nil, wrapDB("list deliveries", err)
	}
	defer rows.Close()

	var out []store.DeliveryRecord
	for rows.Next() {
		var d store.DeliveryRecord
		if err := rows.Scan(&d.ID, &d.ExecutionID, &d.Channel, &d.Status,
			&d.ProviderMessageID, &d.Error, &d.DeliveredAt, &d.CreatedAt); err != nil {
			return nil, wrapDB("scan delivery", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- schedules ---

func (s *Store) LoadEntries(ctx context.Context) ([]schedule.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, cron_expr, paused, next_run_at, last_run_at, updated_at FROM schedules`)
	if err != nil {
		return nil, wrapDB("load schedules", err)
	}
	defer rows.Close()

	var out []schedule.Entry
	for rows.Next() {
		var e schedule.Entry
		if err := rows.Scan(&e.TaskID, &e.CronExpr, &e.Paused,
			&e.NextRunAt, &e.LastRunAt, &e.UpdatedAt); err != nil {
			return nil, wrapDB("scan schedule", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpsertEntry(ctx context.Context, e schedule.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (task_id, cron_expr, paused, next_run_at, last_run_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (task_id) DO UPDATE
		 SET cron_expr = excluded.cron_expr, paused = excluded.paused,
		     next_run_at = excluded.next_run_at, last_run_at = excluded.last_run_at,
		     updated_at = excluded.updated_at`,
		e.TaskID, e.CronExpr, e.Paused, e.NextRunAt, e.LastRunAt, e.UpdatedAt)
	if err != nil {
		return wrapDB("upsert schedule", err)
	}
	return nil
}

func (s *Store) DeleteEntry(ctx context.Context, taskID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE task_id = ?`, taskID); err != nil {
		return wrapDB("delete schedule", err)
	}
	return nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	var t store.Task
	var cfg string
	var lastExec uuid.NullUUID
	var lastState sql.NullString
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
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &t.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if lastExec.Valid {
		id := lastExec.UUID
		t.LastExecutionID = &id
	}
	if lastState.Valid && lastState.String != "" {
		t.LastKnownState = json.RawMessage(lastState.String)
	}
	return &t, nil
}

func scanExecution(row rowScanner) (*store.Execution, error) {
	var e store.Execution
	var answer, evaluation string
	var currentState, summary sql.NullString
	var sources string
	err := row.Scan(
		&e.ID, &e.TaskID, &e.Status, &e.StartedAt, &e.CompletedAt,
		&answer, &evaluation, &currentState, &e.ConditionMet, &summary,
		&sources, &e.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrapDB("scan execution", err)
	}
	if summary.Valid {
		v := summary.String
		e.ChangeSummary = &v
	}
	if sources != "" {
		if err := json.Unmarshal([]byte(sources), &e.Sources); err != nil {
			return nil, fmt.Errorf("unmarshal sources: %w", err)
		}
	}
	if e.Status == store.ExecSuccess {
		e.Result = &store.ExecutionResult{Answer: answer, Evaluation: evaluation}
		if currentState.Valid && currentState.String != "" {
			e.Result.CurrentState = json.RawMessage(currentState.String)
		}
	}
	return &e, nil
}

func nullableText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}

// wrapDB annotates a driver error with the failed operation and maps lock
// contention and connection-level failures to store.ErrUnavailable so
// callers can retry them as transient.
func wrapDB(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "SQLITE_INTERRUPT") ||
		strings.Contains(msg, "database is locked")
}

var _ store.TaskStore = (*Store)(nil)
var _ schedule.Store = (*Store)(nil)
