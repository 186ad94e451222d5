package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/loomhq/loom/internal/id"
)

// StartExecutionStep records the beginning of one audited sub-step.
func (s *Store) StartExecutionStep(ctx context.Context, taskID id.TaskID, status string, content json.RawMessage) (id.StepID, error) {
	stepID := id.NewStepID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_steps (step_id, task_id, status, content)
		VALUES ($1, $2, $3, $4)`,
		stepID, taskID, status, nullableJSON(content))
	if err != nil {
		return "", fmt.Errorf("start execution step for task %s: %w", taskID, err)
	}
	return stepID, nil
}

// FinishExecutionStep stamps completion, duration, and an optional error on
// a step started earlier.
func (s *Store) FinishExecutionStep(ctx context.Context, stepID id.StepID, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_steps SET
			status = $2,
			error_message = $3,
			completed_at = now(),
			duration_ms = EXTRACT(EPOCH FROM (now() - started_at)) * 1000
		WHERE step_id = $1`,
		stepID, status, errMsg)
	if err != nil {
		return fmt.Errorf("finish execution step %s: %w", stepID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution step %s: %w", stepID, ErrNotFound)
	}
	return nil
}

// ListExecutionSteps returns a task's steps in start order.
func (s *Store) ListExecutionSteps(ctx context.Context, taskID id.TaskID) ([]ExecutionStep, error) {
	return s.listStepsForTasks(ctx, []string{string(taskID)})
}

func (s *Store) listStepsForTasks(ctx context.Context, taskIDs []string) ([]ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, task_id, status, content, started_at, completed_at, duration_ms, error_message
		FROM execution_steps
		WHERE task_id = ANY($1)
		ORDER BY started_at, step_id`, taskIDs)
	if err != nil {
		return nil, fmt.Errorf("query execution steps: %w", err)
	}
	defer rows.Close()

	var out []ExecutionStep
	for rows.Next() {
		var (
			st          ExecutionStep
			content     []byte
			completedAt sql.NullTime
			durationMs  sql.NullInt64
		)
		if err := rows.Scan(&st.StepID, &st.TaskID, &st.Status, &content,
			&st.StartedAt, &completedAt, &durationMs, &st.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan execution step: %w", err)
		}
		st.Content = content
		st.StartedAt = st.StartedAt.UTC()
		if completedAt.Valid {
			v := completedAt.Time.UTC()
			st.CompletedAt = &v
		}
		if durationMs.Valid {
			st.DurationMs = &durationMs.Int64
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
