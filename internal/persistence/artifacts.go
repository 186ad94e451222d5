package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/id"
)

// NewArtifact carries one artifact to persist against a task.
type NewArtifact struct {
	ArtifactID     id.ArtifactID
	Name           string
	Description    string
	ArtifactType   string
	Source         string
	ToolName       string
	McpExecutionID string
	Fingerprint    string
	SkillID        string
	SkillName      string
	Metadata       json.RawMessage
	Parts          []NewPart
}

// insertArtifactTx writes one artifact plus its parts. The artifact's
// context is taken from the owning task; supplying a different context id
// elsewhere is rejected at the call sites with ErrIntegrity.
func insertArtifactTx(ctx context.Context, tx *sql.Tx, taskID id.TaskID, ctxID id.ContextID, a NewArtifact) (id.ArtifactID, error) {
	artID := a.ArtifactID
	if artID == "" {
		artID = id.NewArtifactID()
	}
	meta := a.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts (id, task_id, context_id, name, description, artifact_type,
			source, tool_name, mcp_execution_id, fingerprint, skill_id, skill_name, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		artID, taskID, ctxID, a.Name, a.Description, a.ArtifactType,
		a.Source, a.ToolName, a.McpExecutionID, a.Fingerprint, a.SkillID, a.SkillName, []byte(meta))
	if err != nil {
		return "", fmt.Errorf("insert artifact %s: %w", artID, err)
	}
	for i, p := range a.Parts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO artifact_parts (id, artifact_id, sequence_number, kind, content, data)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(), artID, i, p.Kind, p.Content, nullableJSON(p.Data))
		if err != nil {
			return "", fmt.Errorf("insert artifact part %d of %s: %w", i, artID, err)
		}
	}
	return artID, nil
}

// SaveArtifact persists one artifact against a task. The context id is read
// from the task row so an artifact can never land in a foreign context.
func (s *Store) SaveArtifact(ctx context.Context, taskID id.TaskID, a NewArtifact) (*Artifact, error) {
	var artID id.ArtifactID
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var ctxID id.ContextID
		err := tx.QueryRowContext(ctx,
			`SELECT context_id FROM tasks WHERE id = $1`, taskID).Scan(&ctxID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("resolve task %s: %w", taskID, err)
		}
		artID, err = insertArtifactTx(ctx, tx, taskID, ctxID, a)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetArtifact(ctx, artID)
}

// GetArtifact returns a hydrated artifact, ErrNotFound if absent.
func (s *Store) GetArtifact(ctx context.Context, artID id.ArtifactID) (*Artifact, error) {
	arts, err := s.loadArtifacts(ctx, `WHERE id = $1`, artID)
	if err != nil {
		return nil, err
	}
	if len(arts) == 0 {
		return nil, fmt.Errorf("artifact %s: %w", artID, ErrNotFound)
	}
	return &arts[0], nil
}

// ListArtifactsByTask returns the task's artifacts in creation order.
func (s *Store) ListArtifactsByTask(ctx context.Context, taskID id.TaskID) ([]Artifact, error) {
	return s.loadArtifacts(ctx, `WHERE task_id = $1`, taskID)
}

// ListArtifactsByContext returns all artifacts across the context's tasks.
func (s *Store) ListArtifactsByContext(ctx context.Context, ctxID id.ContextID) ([]Artifact, error) {
	return s.loadArtifacts(ctx, `WHERE context_id = $1`, ctxID)
}

func (s *Store) loadArtifacts(ctx context.Context, where string, arg any) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, context_id, name, description, artifact_type,
			source, tool_name, mcp_execution_id, fingerprint, skill_id, skill_name,
			metadata, created_at
		FROM artifacts `+where+`
		ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	var ids []string
	for rows.Next() {
		var a Artifact
		var meta []byte
		if err := rows.Scan(&a.ID, &a.TaskID, &a.ContextID, &a.Name, &a.Description,
			&a.ArtifactType, &a.Source, &a.ToolName, &a.McpExecutionID, &a.Fingerprint,
			&a.SkillID, &a.SkillName, &meta, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Metadata = meta
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
		ids = append(ids, string(a.ID))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	parts, err := s.loadArtifactParts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Parts = parts[out[i].ID]
	}
	return out, nil
}

// loadArtifactParts hydrates parts for a batch of artifacts in one query.
func (s *Store) loadArtifactParts(ctx context.Context, artifactIDs []string) (map[id.ArtifactID][]ArtifactPart, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, artifact_id, sequence_number, kind, content, data
		FROM artifact_parts
		WHERE artifact_id = ANY($1)
		ORDER BY artifact_id, sequence_number`, artifactIDs)
	if err != nil {
		return nil, fmt.Errorf("query artifact parts: %w", err)
	}
	defer rows.Close()

	parts := make(map[id.ArtifactID][]ArtifactPart)
	for rows.Next() {
		var p ArtifactPart
		var data []byte
		if err := rows.Scan(&p.ID, &p.ArtifactID, &p.SequenceNumber, &p.Kind, &p.Content, &data); err != nil {
			return nil, fmt.Errorf("scan artifact part: %w", err)
		}
		p.Data = data
		parts[p.ArtifactID] = append(parts[p.ArtifactID], p)
	}
	return parts, rows.Err()
}
