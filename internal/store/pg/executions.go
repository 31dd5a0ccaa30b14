package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/toralehq/torale/internal/store"
)

const executionSelectCols = `id, task_id, status, started_at, completed_at,
	 answer, evaluation, current_state, condition_met, change_summary,
	 grounding_sources, error_message`

func (s *TaskStore) CreateExecution(ctx context.Context, e *store.Execution) error {
	if e.ID == uuid.Nil {
		e.ID = store.GenNewID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, task_id, status, started_at, grounding_sources)
		 VALUES ($1, $2, $3, $4, '[]')`,
		e.ID, e.TaskID, e.Status, e.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return wrapDB("insert execution", err)
	}
	return nil
}

func (s *TaskStore) MarkExecutionRunning(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = $2 WHERE id = $1 AND status = $3`,
		id, store.ExecRunning, store.ExecPending)
	if err != nil {
		return wrapDB("mark running", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already advanced past pending, or missing. Check which.
		var status store.ExecutionStatus
		err := s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return wrapDB("check execution status", err)
		}
		return nil
	}
	return nil
}

// FinishExecution records the terminal state of the execution and, when
// newState is non-nil, advances the task's last-execution pointer and last
// known state in the same transaction. A replayed workflow finishing an
// already-terminal execution is a no-op: the first terminal write wins.
func (s *TaskStore) FinishExecution(ctx context.Context, e *store.Execution, newState json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB("begin", err)
	}
	defer tx.Rollback()

	sources, err := json.Marshal(sourcesOrEmpty(e.Sources))
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
		`UPDATE executions SET status = $2, completed_at = $3, answer = $4,
		 evaluation = $5, current_state = $6, condition_met = $7,
		 change_summary = $8, grounding_sources = $9, error_message = $10
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		e.ID, e.Status, e.CompletedAt, answer,
		evaluation, nullableJSON(currentState), e.ConditionMet,
		e.ChangeSummary, sources, e.ErrorMessage)
	if err != nil {
		return wrapDB("finish execution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return wrapDB("check execution", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		// Already terminal; a replay changes nothing.
		return nil
	}

	if newState != nil {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET last_execution_id = $2, last_known_state = $3,
			 updated_at = NOW() WHERE id = $1`,
			e.TaskID, e.ID, []byte(newState))
		if err != nil {
			return wrapDB("advance task state", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
	}

	return tx.Commit()
}

func (s *TaskStore) GetExecution(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionSelectCols+` FROM executions WHERE id = $1`, id)
	return scanExecution(row)
}

func (s *TaskStore) ListExecutions(ctx context.Context, taskID uuid.UUID, limit int) ([]store.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionSelectCols+` FROM executions
		 WHERE task_id = $1 ORDER BY started_at DESC LIMIT $2`, taskID, limit)
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

func scanExecution(row rowScanner) (*store.Execution, error) {
	var e store.Execution
	var answer, evaluation string
	var currentState, sources []byte
	var summary sql.NullString
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
		s := summary.String
		e.ChangeSummary = &s
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &e.Sources); err != nil {
			return nil, fmt.Errorf("unmarshal sources: %w", err)
		}
	}
	if e.Status == store.ExecSuccess {
		e.Result = &store.ExecutionResult{
			Answer:       answer,
			Evaluation:   evaluation,
			CurrentState: json.RawMessage(currentState),
		}
	}
	return &e, nil
}

func sourcesOrEmpty(s []store.GroundingSource) []store.GroundingSource {
	if s == nil {
		return []store.GroundingSource{}
	}
	return s
}
