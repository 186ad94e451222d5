package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/id"
)

// EnsureContext creates the context row if it does not exist, or refreshes
// updated_at and session_id if it does. Idempotent. A context owned by a
// different user is reported as ErrNotFound, never updated.
func (s *Store) EnsureContext(ctx context.Context, ctxID id.ContextID, userID id.UserID, sessionID id.SessionID) (*Context, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO contexts (id, user_id, session_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
			SET session_id = EXCLUDED.session_id, updated_at = now()
			WHERE contexts.user_id = EXCLUDED.user_id
		RETURNING id, user_id, session_id, name, message_count, created_at, updated_at`,
		ctxID, userID, sessionID)
	var c Context
	if err := scanContext(row.Scan, &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The id exists under another user. Do not reveal that.
			return nil, fmt.Errorf("context %s: %w", ctxID, ErrNotFound)
		}
		return nil, fmt.Errorf("ensure context %s: %w", ctxID, err)
	}
	return &c, nil
}

// GetContext returns the context row, ErrNotFound if absent.
func (s *Store) GetContext(ctx context.Context, ctxID id.ContextID) (*Context, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_id, name, message_count, created_at, updated_at
		FROM contexts WHERE id = $1`, ctxID)
	var c Context
	if err := scanContext(row.Scan, &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("context %s: %w", ctxID, ErrNotFound)
		}
		return nil, fmt.Errorf("get context %s: %w", ctxID, err)
	}
	return &c, nil
}

// RenameContext sets the display name.
func (s *Store) RenameContext(ctx context.Context, ctxID id.ContextID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contexts SET name = $2, updated_at = now() WHERE id = $1`, ctxID, name)
	if err != nil {
		return fmt.Errorf("rename context %s: %w", ctxID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("context %s: %w", ctxID, ErrNotFound)
	}
	return nil
}

// ListContextsByUser returns the user's contexts, most recently active first.
func (s *Store) ListContextsByUser(ctx context.Context, userID id.UserID, limit int) ([]Context, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, name, message_count, created_at, updated_at
		FROM contexts WHERE user_id = $1
		ORDER BY updated_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()

	var out []Context
	for rows.Next() {
		var c Context
		if err := scanContext(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// incrementMessageCountTx bumps the denormalized message counter by n, once
// per message persisted in the surrounding transaction.
func incrementMessageCountTx(ctx context.Context, tx *sql.Tx, ctxID id.ContextID, n int) error {
	if n == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE contexts SET message_count = message_count + $2, updated_at = now() WHERE id = $1`,
		ctxID, n)
	if err != nil {
		return fmt.Errorf("increment message count for %s: %w", ctxID, err)
	}
	return nil
}

func scanContext(scanFn func(dest ...any) error, c *Context) error {
	var sessionID sql.NullString
	if err := scanFn(&c.ID, &c.UserID, &sessionID, &c.Name, &c.MessageCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return err
	}
	c.SessionID = id.SessionID(sessionID.String)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
