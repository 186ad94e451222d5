package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/id"
)

const taskColumns = `id, context_id, status, status_message, status_timestamp, agent_name,
	started_at, completed_at, execution_time_ms, metadata, created_at, updated_at`

// CreateTaskParams carries the fields of a new task row.
type CreateTaskParams struct {
	TaskID    id.TaskID
	ContextID id.ContextID
	AgentName string
	Metadata  json.RawMessage
}

// CreateTask inserts a task in the submitted state and publishes
// task.created after commit.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	if p.TaskID == "" {
		p.TaskID = id.NewTaskID()
	}
	if len(p.Metadata) == 0 {
		p.Metadata = json.RawMessage(`{}`)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, context_id, status, agent_name, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+taskColumns,
		p.TaskID, p.ContextID, TaskStatusSubmitted, p.AgentName, []byte(p.Metadata))
	var t Task
	if err := scanTask(row.Scan, &t); err != nil {
		return nil, fmt.Errorf("create task %s: %w", p.TaskID, err)
	}

	userID, _ := s.contextUser(ctx, t.ContextID)
	s.publish(bus.TopicTaskCreated, bus.TaskEvent{
		EventType:  "task_created",
		EntityID:   string(t.ID),
		TaskID:     string(t.ID),
		ContextID:  string(t.ContextID),
		UserID:     string(userID),
		TaskStatus: string(t.Status),
		TaskData:   t,
	})
	return &t, nil
}

// GetTask returns the bare task row, ErrNotFound if absent.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	var t Task
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return &t, nil
}

// ListTasksByContext returns all tasks in a context, oldest first.
func (s *Store) ListTasksByContext(ctx context.Context, ctxID id.ContextID) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE context_id = $1 ORDER BY created_at, id`, ctxID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for context %s: %w", ctxID, err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransitionTask moves a task along one state-machine edge and publishes the
// status change after commit. Illegal edges return ErrTerminalState with the
// current status preserved.
func (s *Store) TransitionTask(ctx context.Context, taskID id.TaskID, to TaskStatus, statusMessage string) (*Task, error) {
	var t Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return transitionTaskTx(ctx, tx, taskID, to, statusMessage, &t)
	})
	if err != nil {
		return nil, err
	}
	s.publishStatus(ctx, &t)
	return &t, nil
}

// transitionTaskTx locks the task row, validates the edge, and applies the
// status update with lifecycle timestamps.
func transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID id.TaskID, to TaskStatus, statusMessage string, out *Task) error {
	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
	var t Task
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return fmt.Errorf("lock task %s: %w", taskID, err)
	}
	if t.Status != to && !CanTransition(t.Status, to) {
		return fmt.Errorf("task %s: %s -> %s: %w", taskID, t.Status, to, ErrTerminalState)
	}

	now := time.Now().UTC()
	startedAt := t.StartedAt
	if to == TaskStatusWorking && startedAt == nil {
		startedAt = &now
	}
	var completedAt *time.Time
	var execMs *int64
	if to.IsTerminal() {
		completedAt = &now
		origin := t.CreatedAt
		if startedAt != nil {
			origin = *startedAt
		}
		ms := now.Sub(origin).Milliseconds()
		execMs = &ms
	}

	row = tx.QueryRowContext(ctx, `
		UPDATE tasks SET
			status = $2,
			status_message = $3,
			status_timestamp = $4,
			started_at = $5,
			completed_at = $6,
			execution_time_ms = $7,
			updated_at = $4
		WHERE id = $1
		RETURNING `+taskColumns,
		taskID, to, statusMessage, now, nullableTime(startedAt), nullableTime(completedAt), execMs)
	if err := scanTask(row.Scan, &t); err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	*out = t
	return nil
}

// MergeTaskMetadata deep-merges top-level keys into the task's metadata.
func (s *Store) MergeTaskMetadata(ctx context.Context, taskID id.TaskID, patch json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET metadata = metadata || $2::jsonb, updated_at = now() WHERE id = $1`,
		taskID, []byte(patch))
	if err != nil {
		return fmt.Errorf("merge task metadata %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// DeleteTask removes the task and its dependents in child-first order.
// Deleting an absent task is a no-op.
func (s *Store) DeleteTask(ctx context.Context, taskID id.TaskID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM message_parts WHERE message_id IN (SELECT id FROM messages WHERE task_id = $1)`,
			`DELETE FROM messages WHERE task_id = $1`,
			`DELETE FROM artifact_parts WHERE artifact_id IN (SELECT id FROM artifacts WHERE task_id = $1)`,
			`DELETE FROM artifacts WHERE task_id = $1`,
			`DELETE FROM execution_steps WHERE task_id = $1`,
			`DELETE FROM tasks WHERE id = $1`,
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q, taskID); err != nil {
				return fmt.Errorf("delete task %s: %w", taskID, err)
			}
		}
		return nil
	})
}

// FailAbandonedTasks force-fails working tasks whose last status change is
// older than timeout. Returns the ids it failed.
func (s *Store) FailAbandonedTasks(ctx context.Context, timeout time.Duration, reason string) ([]id.TaskID, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	rows, err := s.db.QueryContext(ctx, `
		UPDATE tasks SET
			status = 'failed',
			status_message = $2,
			status_timestamp = now(),
			completed_at = now(),
			execution_time_ms = EXTRACT(EPOCH FROM (now() - COALESCE(started_at, created_at))) * 1000,
			updated_at = now()
		WHERE status = 'working' AND status_timestamp < $1
		RETURNING id`, cutoff, reason)
	if err != nil {
		return nil, fmt.Errorf("fail abandoned tasks: %w", err)
	}
	defer rows.Close()

	var failed []id.TaskID
	for rows.Next() {
		var taskID id.TaskID
		if err := rows.Scan(&taskID); err != nil {
			return nil, fmt.Errorf("scan abandoned task id: %w", err)
		}
		failed = append(failed, taskID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, taskID := range failed {
		if t, err := s.GetTask(ctx, taskID); err == nil {
			s.publishStatus(ctx, t)
		}
	}
	return failed, nil
}

// FailStalledSubmissions force-fails submitted tasks that never started
// working within timeout. Returns the ids it failed.
func (s *Store) FailStalledSubmissions(ctx context.Context, timeout time.Duration, reason string) ([]id.TaskID, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	rows, err := s.db.QueryContext(ctx, `
		UPDATE tasks SET
			status = 'failed',
			status_message = $2,
			status_timestamp = now(),
			completed_at = now(),
			execution_time_ms = EXTRACT(EPOCH FROM (now() - created_at)) * 1000,
			updated_at = now()
		WHERE status = 'submitted' AND created_at < $1
		RETURNING id`, cutoff, reason)
	if err != nil {
		return nil, fmt.Errorf("fail stalled submissions: %w", err)
	}
	defer rows.Close()

	var failed []id.TaskID
	for rows.Next() {
		var taskID id.TaskID
		if err := rows.Scan(&taskID); err != nil {
			return nil, fmt.Errorf("scan stalled task id: %w", err)
		}
		failed = append(failed, taskID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, taskID := range failed {
		if t, err := s.GetTask(ctx, taskID); err == nil {
			s.publishStatus(ctx, t)
		}
	}
	return failed, nil
}

func (s *Store) publishStatus(ctx context.Context, t *Task) {
	userID, _ := s.contextUser(ctx, t.ContextID)
	topic := bus.TopicTaskStatusUpdate
	eventType := "task_status_update"
	if t.Status == TaskStatusCompleted {
		topic = bus.TopicTaskCompleted
		eventType = "task_completed"
	}
	s.publish(topic, bus.TaskEvent{
		EventType:  eventType,
		EntityID:   string(t.ID),
		TaskID:     string(t.ID),
		ContextID:  string(t.ContextID),
		UserID:     string(userID),
		TaskStatus: string(t.Status),
		TaskData:   *t,
	})
}

func (s *Store) contextUser(ctx context.Context, ctxID id.ContextID) (id.UserID, error) {
	var userID id.UserID
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM contexts WHERE id = $1`, ctxID).Scan(&userID)
	return userID, err
}

func scanTask(scanFn func(dest ...any) error, t *Task) error {
	var (
		startedAt   sql.NullTime
		completedAt sql.NullTime
		execMs      sql.NullInt64
		metadata    []byte
	)
	if err := scanFn(&t.ID, &t.ContextID, &t.Status, &t.StatusMessage, &t.StatusTimestamp,
		&t.AgentName, &startedAt, &completedAt, &execMs, &metadata, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return err
	}
	if startedAt.Valid {
		v := startedAt.Time.UTC()
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time.UTC()
		t.CompletedAt = &v
	}
	if execMs.Valid {
		t.ExecutionTimeMs = &execMs.Int64
	}
	t.Metadata = json.RawMessage(metadata)
	t.StatusTimestamp = t.StatusTimestamp.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return nil
}
