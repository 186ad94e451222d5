package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertService records a supervised tool-server as running on port/pid.
// When duplicate rows exist for the name, the oldest is updated and the rest
// removed.
func (s *Store) UpsertService(ctx context.Context, name string, port, pid int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := dedupeServiceTx(ctx, tx, name); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE mcp_services SET
				port = $2, pid = $3, status = 'running',
				last_health_check = now(), updated_at = now()
			WHERE name = $1`, name, port, pid)
		if err != nil {
			return fmt.Errorf("update service %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO mcp_services (name, port, pid, status, last_health_check)
				VALUES ($1, $2, $3, 'running', now())`, name, port, pid)
			if err != nil {
				return fmt.Errorf("insert service %s: %w", name, err)
			}
		}
		return nil
	})
}

// MarkServiceStatus sets the service status, touching last_health_check.
func (s *Store) MarkServiceStatus(ctx context.Context, name string, status ServiceStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mcp_services SET status = $2, last_health_check = now(), updated_at = now()
		WHERE name = $1`, name, status)
	if err != nil {
		return fmt.Errorf("mark service %s %s: %w", name, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("service %s: %w", name, ErrNotFound)
	}
	return nil
}

// GetService returns the row for one supervised service.
func (s *Store) GetService(ctx context.Context, name string) (*McpService, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, port, pid, status, last_health_check, created_at, updated_at
		FROM mcp_services WHERE name = $1 ORDER BY id LIMIT 1`, name)
	var svc McpService
	if err := scanService(row.Scan, &svc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("service %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get service %s: %w", name, err)
	}
	return &svc, nil
}

// ListServices returns all service rows ordered by name.
func (s *Store) ListServices(ctx context.Context) ([]McpService, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, port, pid, status, last_health_check, created_at, updated_at
		FROM mcp_services ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var out []McpService
	for rows.Next() {
		var svc McpService
		if err := scanService(rows.Scan, &svc); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// DeleteServicesNotIn removes rows whose name is no longer configured.
// Returns the names removed.
func (s *Store) DeleteServicesNotIn(ctx context.Context, keep []string) ([]string, error) {
	if keep == nil {
		keep = []string{}
	}
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM mcp_services WHERE NOT (name = ANY($1)) RETURNING name`, keep)
	if err != nil {
		return nil, fmt.Errorf("delete stale services: %w", err)
	}
	defer rows.Close()

	var removed []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan removed service: %w", err)
		}
		removed = append(removed, name)
	}
	return removed, rows.Err()
}

// DedupeServices collapses duplicate rows per name, keeping the oldest.
func (s *Store) DedupeServices(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mcp_services a USING mcp_services b
		WHERE a.name = b.name AND a.id > b.id`)
	if err != nil {
		return 0, fmt.Errorf("dedupe services: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func dedupeServiceTx(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM mcp_services
		WHERE name = $1 AND id <> (SELECT MIN(id) FROM mcp_services WHERE name = $1)`, name)
	if err != nil {
		return fmt.Errorf("dedupe service %s: %w", name, err)
	}
	return nil
}

func scanService(scanFn func(dest ...any) error, svc *McpService) error {
	var lastCheck sql.NullTime
	if err := scanFn(&svc.RowID, &svc.Name, &svc.Port, &svc.PID, &svc.Status,
		&lastCheck, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
		return err
	}
	if lastCheck.Valid {
		v := lastCheck.Time.UTC()
		svc.LastHealthCheck = &v
	}
	svc.CreatedAt = svc.CreatedAt.UTC()
	svc.UpdatedAt = svc.UpdatedAt.UTC()
	return nil
}
