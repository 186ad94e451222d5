package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/id"
)

// UpdateTaskParams is the atomic end-of-turn write: one status transition
// plus the messages and artifacts produced by that turn, committed together
// or not at all.
type UpdateTaskParams struct {
	TaskID        id.TaskID
	Status        TaskStatus
	StatusMessage string

	// MetadataPatch, when set, is merged into the task metadata top-level
	// keys in the same transaction.
	MetadataPatch json.RawMessage

	Messages  []NewMessage
	Artifacts []NewArtifact
}

// UpdateTaskAndSaveMessages applies the turn result in one transaction: the
// task row is locked first, the transition validated, sequence numbers
// allocated under the lock, then messages, parts, and artifacts inserted.
// Events are published only after commit.
func (s *Store) UpdateTaskAndSaveMessages(ctx context.Context, p UpdateTaskParams) (*TaskBundle, error) {
	var (
		task        Task
		artifactIDs []id.ArtifactID
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := transitionTaskTx(ctx, tx, p.TaskID, p.Status, p.StatusMessage, &task); err != nil {
			return err
		}
		if len(p.MetadataPatch) > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET metadata = metadata || $2::jsonb WHERE id = $1`,
				p.TaskID, []byte(p.MetadataPatch)); err != nil {
				return fmt.Errorf("merge task metadata %s: %w", p.TaskID, err)
			}
		}

		// The task row is locked, so MAX+1 is race-free for this task.
		seq, err := nextSequenceNumberTx(ctx, tx, p.TaskID)
		if err != nil {
			return err
		}
		for i, m := range p.Messages {
			if _, err := insertMessageTx(ctx, tx, p.TaskID, task.ContextID, seq+i, m); err != nil {
				return err
			}
		}
		for _, a := range p.Artifacts {
			artID, err := insertArtifactTx(ctx, tx, p.TaskID, task.ContextID, a)
			if err != nil {
				return err
			}
			artifactIDs = append(artifactIDs, artID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Subscribers must see every artifact before the terminal status event.
	userID, _ := s.contextUser(ctx, task.ContextID)
	for _, artID := range artifactIDs {
		s.publish(bus.TopicArtifactCreated, bus.TaskEvent{
			EventType:  "artifact_created",
			EntityID:   string(artID),
			TaskID:     string(task.ID),
			ContextID:  string(task.ContextID),
			UserID:     string(userID),
			TaskStatus: string(task.Status),
		})
	}
	s.publishStatus(ctx, &task)
	return s.GetTaskBundle(ctx, p.TaskID)
}

// GetTaskBundle returns the task with messages, artifacts, and execution
// steps hydrated. Children are loaded in batches, not per-row.
func (s *Store) GetTaskBundle(ctx context.Context, taskID id.TaskID) (*TaskBundle, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	messages, err := s.ListMessagesByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.ListArtifactsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	steps, err := s.ListExecutionSteps(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskBundle{
		Task:      *task,
		Messages:  messages,
		Artifacts: artifacts,
		Steps:     steps,
	}, nil
}

// GetContextBundle hydrates every task in a context with one query per
// child table instead of one per task.
func (s *Store) GetContextBundle(ctx context.Context, ctxID id.ContextID) ([]TaskBundle, error) {
	tasks, err := s.ListTasksByContext(ctx, ctxID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	messages, err := s.ListMessagesByContext(ctx, ctxID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.ListArtifactsByContext(ctx, ctxID)
	if err != nil {
		return nil, err
	}

	taskIDs := make([]string, len(tasks))
	for i := range tasks {
		taskIDs[i] = string(tasks[i].ID)
	}
	steps, err := s.listStepsForTasks(ctx, taskIDs)
	if err != nil {
		return nil, err
	}

	byTask := make(map[id.TaskID]*TaskBundle, len(tasks))
	bundles := make([]TaskBundle, len(tasks))
	for i := range tasks {
		bundles[i].Task = tasks[i]
		byTask[tasks[i].ID] = &bundles[i]
	}
	for _, m := range messages {
		if b := byTask[m.TaskID]; b != nil {
			b.Messages = append(b.Messages, m)
		}
	}
	for _, a := range artifacts {
		if b := byTask[a.TaskID]; b != nil {
			b.Artifacts = append(b.Artifacts, a)
		}
	}
	for _, st := range steps {
		if b := byTask[st.TaskID]; b != nil {
			b.Steps = append(b.Steps, st)
		}
	}
	return bundles, nil
}
