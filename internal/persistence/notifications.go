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

// SaveNotification persists an inbound sub-agent notification. Replays with
// the same id are ignored so processing stays idempotent; the returned bool
// reports whether the row was new.
func (s *Store) SaveNotification(ctx context.Context, notifID string, ctxID id.ContextID, method string, params json.RawMessage) (bool, error) {
	if notifID == "" {
		notifID = uuid.NewString()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_notifications (id, context_id, method, params)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		notifID, ctxID, method, nullableJSON(params))
	if err != nil {
		return false, fmt.Errorf("save notification %s: %w", notifID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkNotificationProcessed stamps the processed flag after domain effects
// have been applied.
func (s *Store) MarkNotificationProcessed(ctx context.Context, notifID string) error {
	return s.setNotificationFlag(ctx, notifID, "processed")
}

// MarkNotificationBroadcasted stamps the broadcasted flag after fanout.
func (s *Store) MarkNotificationBroadcasted(ctx context.Context, notifID string) error {
	return s.setNotificationFlag(ctx, notifID, "broadcasted")
}

func (s *Store) setNotificationFlag(ctx context.Context, notifID, column string) error {
	// column is one of two compile-time constants, never user input.
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_notifications SET `+column+` = TRUE WHERE id = $1`, notifID)
	if err != nil {
		return fmt.Errorf("mark notification %s %s: %w", notifID, column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s: %w", notifID, ErrNotFound)
	}
	return nil
}

// GetNotification returns one notification row.
func (s *Store) GetNotification(ctx context.Context, notifID string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, context_id, method, params, processed, broadcasted, created_at
		FROM agent_notifications WHERE id = $1`, notifID)
	var n Notification
	var params []byte
	err := row.Scan(&n.ID, &n.ContextID, &n.Method, &params, &n.Processed, &n.Broadcasted, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", notifID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification %s: %w", notifID, err)
	}
	n.Params = params
	n.CreatedAt = n.CreatedAt.UTC()
	return &n, nil
}

// ListUnprocessedNotifications returns pending notifications oldest first,
// for the recovery sweep after a crash between persist and process.
func (s *Store) ListUnprocessedNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, context_id, method, params, processed, broadcasted, created_at
		FROM agent_notifications
		WHERE processed = FALSE
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var params []byte
		if err := rows.Scan(&n.ID, &n.ContextID, &n.Method, &params, &n.Processed, &n.Broadcasted, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Params = params
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}
