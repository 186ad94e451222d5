package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/id"
)

// NewMessage carries one message to persist. SequenceNumber is allocated by
// the store; callers never supply it.
type NewMessage struct {
	MessageID        id.MessageID
	Role             MessageRole
	UserID           id.UserID
	SessionID        id.SessionID
	TraceID          id.TraceID
	ClientMessageID  string
	ReferenceTaskIDs []string
	Parts            []NewPart
}

// NewPart is one ordered chunk of a message or artifact.
type NewPart struct {
	Kind     PartKind
	Content  string
	MimeType string
	Data     []byte
}

// nextSequenceNumberTx allocates the next per-task sequence number. The
// first message of a task gets 0. The caller must already hold the task row
// lock (SELECT ... FOR UPDATE) so two writers cannot read the same MAX.
func nextSequenceNumberTx(ctx context.Context, tx *sql.Tx, taskID id.TaskID) (int, error) {
	var next int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), -1) + 1 FROM messages WHERE task_id = $1`,
		taskID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("allocate sequence number for task %s: %w", taskID, err)
	}
	return next, nil
}

// insertMessageTx writes one message plus its parts at the given sequence
// number and bumps the context message counter.
func insertMessageTx(ctx context.Context, tx *sql.Tx, taskID id.TaskID, ctxID id.ContextID, seq int, m NewMessage) (id.MessageID, error) {
	msgID := m.MessageID
	if msgID == "" {
		msgID = id.NewMessageID()
	}
	refs := m.ReferenceTaskIDs
	if refs == nil {
		refs = []string{}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, task_id, context_id, role, sequence_number,
			user_id, session_id, trace_id, client_message_id, reference_task_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msgID, taskID, ctxID, m.Role, seq,
		m.UserID, m.SessionID, m.TraceID, m.ClientMessageID, refs)
	if err != nil {
		return "", fmt.Errorf("insert message %s: %w", msgID, err)
	}
	for i, p := range m.Parts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_parts (id, message_id, sequence_number, kind, content, mime_type, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.NewString(), msgID, i, p.Kind, p.Content, p.MimeType, nullableJSON(p.Data))
		if err != nil {
			return "", fmt.Errorf("insert message part %d of %s: %w", i, msgID, err)
		}
	}
	if err := incrementMessageCountTx(ctx, tx, ctxID, 1); err != nil {
		return "", err
	}
	return msgID, nil
}

// SaveMessage persists one message against a task, allocating its sequence
// number under the task row lock.
func (s *Store) SaveMessage(ctx context.Context, taskID id.TaskID, m NewMessage) (*Message, error) {
	var msgID id.MessageID
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var ctxID id.ContextID
		err := tx.QueryRowContext(ctx,
			`SELECT context_id FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&ctxID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock task %s: %w", taskID, err)
		}
		seq, err := nextSequenceNumberTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		msgID, err = insertMessageTx(ctx, tx, taskID, ctxID, seq, m)
		return err
	})
	if err != nil {
		return nil, err
	}
	msgs, err := s.loadMessages(ctx, `WHERE m.id = $1`, msgID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %s: %w", msgID, ErrNotFound)
	}
	return &msgs[0], nil
}

// ListMessagesByTask returns the task's messages in sequence order with
// parts hydrated.
func (s *Store) ListMessagesByTask(ctx context.Context, taskID id.TaskID) ([]Message, error) {
	return s.loadMessages(ctx, `WHERE m.task_id = $1`, taskID)
}

// ListMessagesByContext returns all messages in a context in chronological
// order, spanning tasks. Used to rebuild conversation history for planning.
func (s *Store) ListMessagesByContext(ctx context.Context, ctxID id.ContextID) ([]Message, error) {
	return s.loadMessages(ctx, `WHERE m.context_id = $1`, ctxID)
}

func (s *Store) loadMessages(ctx context.Context, where string, arg any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.task_id, m.context_id, m.role, m.sequence_number,
			m.user_id, m.session_id, m.trace_id, m.client_message_id,
			m.reference_task_ids, m.created_at
		FROM messages m `+where+`
		ORDER BY m.created_at, m.sequence_number`, arg)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	var ids []string
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TaskID, &m.ContextID, &m.Role, &m.SequenceNumber,
			&m.UserID, &m.SessionID, &m.TraceID, &m.ClientMessageID,
			&m.ReferenceTaskIDs, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
		ids = append(ids, string(m.ID))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	parts, err := s.loadMessageParts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Parts = parts[out[i].ID]
	}
	return out, nil
}

// loadMessageParts hydrates parts for a batch of messages in one query.
func (s *Store) loadMessageParts(ctx context.Context, messageIDs []string) (map[id.MessageID][]MessagePart, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, sequence_number, kind, content, mime_type, data
		FROM message_parts
		WHERE message_id = ANY($1)
		ORDER BY message_id, sequence_number`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("query message parts: %w", err)
	}
	defer rows.Close()

	parts := make(map[id.MessageID][]MessagePart)
	for rows.Next() {
		var p MessagePart
		var data []byte
		if err := rows.Scan(&p.ID, &p.MessageID, &p.SequenceNumber, &p.Kind, &p.Content, &p.MimeType, &data); err != nil {
			return nil, fmt.Errorf("scan message part: %w", err)
		}
		p.Data = data
		parts[p.MessageID] = append(parts[p.MessageID], p)
	}
	return parts, rows.Err()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
