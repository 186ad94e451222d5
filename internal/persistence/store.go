// Package persistence is the Postgres storage layer for contexts, tasks,
// messages, artifacts, execution steps, AI request accounting, supervised
// tool-server rows, and inbound notifications.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loomhq/loom/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "loom-v1-2026-07-02-core-schema"

	// v2 adds artifact skill provenance columns and ai_request pricing
	// snapshot columns.
	schemaVersionV2  = 2
	schemaChecksumV2 = "loom-v2-2026-07-21-provenance-pricing"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
)

// Sentinel errors callers branch on. Wrapped with %w throughout.
var (
	// ErrNotFound means the addressed row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTerminalState means a transition was attempted out of a sink state
	// or along an edge the state machine does not allow.
	ErrTerminalState = errors.New("illegal task state transition")

	// ErrIntegrity means a write would violate a cross-entity invariant,
	// such as an artifact whose context disagrees with its task's context.
	ErrIntegrity = errors.New("integrity violation")
)

// Store wraps the Postgres pool. Mutations that observers care about are
// published on the event bus after commit, never inside the transaction.
type Store struct {
	db     *sql.DB
	bus    *bus.Bus
	logger *slog.Logger
}

// Open connects to Postgres, verifies connectivity, and bootstraps the
// schema. The eventBus may be nil for tools that only read.
func Open(ctx context.Context, databaseURL string, eventBus *bus.Bus, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, bus: eventBus, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying pool for operations not covered by Store.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// withTx runs f in a transaction, rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := f(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version     INTEGER PRIMARY KEY,
	checksum    TEXT NOT NULL,
	applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
			return fmt.Errorf("create migration ledger: %w", err)
		}

		var version int
		var checksum string
		err := tx.QueryRowContext(ctx,
			`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &checksum)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			version = 0
		case err != nil:
			return fmt.Errorf("read migration ledger: %w", err)
		}
		if version > schemaVersionLatest {
			return fmt.Errorf("database schema v%d is newer than this binary (v%d)", version, schemaVersionLatest)
		}
		if version == schemaVersionLatest {
			if checksum != schemaChecksumLatest {
				return fmt.Errorf("schema v%d checksum mismatch: db has %q, binary expects %q", version, checksum, schemaChecksumLatest)
			}
			return nil
		}

		if version < schemaVersionV1 {
			if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
				return fmt.Errorf("apply schema v1: %w", err)
			}
			if err := recordMigration(ctx, tx, schemaVersionV1, schemaChecksumV1); err != nil {
				return err
			}
		}
		if version < schemaVersionV2 {
			if _, err := tx.ExecContext(ctx, schemaV2); err != nil {
				return fmt.Errorf("apply schema v2: %w", err)
			}
			if err := recordMigration(ctx, tx, schemaVersionV2, schemaChecksumV2); err != nil {
				return err
			}
		}
		s.logger.Info("schema migrated", "from", version, "to", schemaVersionLatest)
		return nil
	})
}

func recordMigration(ctx context.Context, tx *sql.Tx, version int, checksum string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)`,
		version, checksum)
	if err != nil {
		return fmt.Errorf("record migration v%d: %w", version, err)
	}
	return nil
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS contexts (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	session_id     TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL DEFAULT '',
	message_count  INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_contexts_user ON contexts (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	context_id         TEXT NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
	status             TEXT NOT NULL CHECK (status IN (
		'submitted','working','input-required','auth-required',
		'completed','canceled','failed','rejected')),
	status_message     TEXT NOT NULL DEFAULT '',
	status_timestamp   TIMESTAMPTZ NOT NULL DEFAULT now(),
	agent_name         TEXT NOT NULL DEFAULT '',
	started_at         TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ,
	execution_time_ms  BIGINT,
	metadata           JSONB NOT NULL DEFAULT '{}',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tasks_context ON tasks (context_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status) WHERE status IN ('submitted','working');

CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY,
	task_id             TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	context_id          TEXT NOT NULL,
	role                TEXT NOT NULL CHECK (role IN ('user','agent')),
	sequence_number     INTEGER NOT NULL,
	user_id             TEXT NOT NULL DEFAULT '',
	session_id          TEXT NOT NULL DEFAULT '',
	trace_id            TEXT NOT NULL DEFAULT '',
	client_message_id   TEXT NOT NULL DEFAULT '',
	reference_task_ids  TEXT[] NOT NULL DEFAULT '{}',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (task_id, sequence_number)
);
CREATE INDEX IF NOT EXISTS idx_messages_context ON messages (context_id, created_at);

CREATE TABLE IF NOT EXISTS message_parts (
	id               TEXT PRIMARY KEY,
	message_id       TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	sequence_number  INTEGER NOT NULL,
	kind             TEXT NOT NULL CHECK (kind IN ('text','file','data')),
	content          TEXT NOT NULL DEFAULT '',
	mime_type        TEXT NOT NULL DEFAULT '',
	data             JSONB,
	UNIQUE (message_id, sequence_number)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id                TEXT PRIMARY KEY,
	task_id           TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	context_id        TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	artifact_type     TEXT NOT NULL DEFAULT '',
	source            TEXT NOT NULL DEFAULT '',
	tool_name         TEXT NOT NULL DEFAULT '',
	mcp_execution_id  TEXT NOT NULL DEFAULT '',
	fingerprint       TEXT NOT NULL DEFAULT '',
	metadata          JSONB NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts (task_id, created_at);
CREATE INDEX IF NOT EXISTS idx_artifacts_context ON artifacts (context_id, created_at);

CREATE TABLE IF NOT EXISTS artifact_parts (
	id               TEXT PRIMARY KEY,
	artifact_id      TEXT NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
	sequence_number  INTEGER NOT NULL,
	kind             TEXT NOT NULL CHECK (kind IN ('text','file','data')),
	content          TEXT NOT NULL DEFAULT '',
	data             JSONB,
	UNIQUE (artifact_id, sequence_number)
);

CREATE TABLE IF NOT EXISTS execution_steps (
	step_id        TEXT PRIMARY KEY,
	task_id        TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	status         TEXT NOT NULL,
	content        JSONB,
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at   TIMESTAMPTZ,
	duration_ms    BIGINT,
	error_message  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_steps_task ON execution_steps (task_id, started_at);

CREATE TABLE IF NOT EXISTS ai_requests (
	request_id     TEXT PRIMARY KEY,
	provider       TEXT NOT NULL,
	model          TEXT NOT NULL,
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	cost_microdollars BIGINT NOT NULL DEFAULT 0,
	latency_ms     BIGINT NOT NULL DEFAULT 0,
	status         TEXT NOT NULL CHECK (status IN ('pending','completed','failed')),
	task_id        TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_ai_requests_task ON ai_requests (task_id, created_at);

CREATE TABLE IF NOT EXISTS ai_request_messages (
	id               BIGSERIAL PRIMARY KEY,
	request_id       TEXT NOT NULL REFERENCES ai_requests(request_id) ON DELETE CASCADE,
	sequence_number  INTEGER NOT NULL,
	role             TEXT NOT NULL,
	content          TEXT NOT NULL DEFAULT '',
	UNIQUE (request_id, sequence_number)
);

CREATE TABLE IF NOT EXISTS ai_request_tool_calls (
	ai_tool_call_id   TEXT PRIMARY KEY,
	request_id        TEXT NOT NULL REFERENCES ai_requests(request_id) ON DELETE CASCADE,
	sequence_number   INTEGER NOT NULL,
	tool_name         TEXT NOT NULL,
	arguments         JSONB,
	mcp_execution_id  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_request ON ai_request_tool_calls (request_id, sequence_number);

CREATE TABLE IF NOT EXISTS mcp_services (
	id                 BIGSERIAL PRIMARY KEY,
	name               TEXT NOT NULL,
	port               INTEGER NOT NULL DEFAULT 0,
	pid                INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL CHECK (status IN ('running','stopped','error')),
	last_health_check  TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_mcp_services_name ON mcp_services (name);

CREATE TABLE IF NOT EXISTS agent_notifications (
	id           TEXT PRIMARY KEY,
	context_id   TEXT NOT NULL,
	method       TEXT NOT NULL,
	params       JSONB,
	processed    BOOLEAN NOT NULL DEFAULT FALSE,
	broadcasted  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_notifications_context ON agent_notifications (context_id, created_at);
`

const schemaV2 = `
ALTER TABLE artifacts ADD COLUMN IF NOT EXISTS skill_id TEXT NOT NULL DEFAULT '';
ALTER TABLE artifacts ADD COLUMN IF NOT EXISTS skill_name TEXT NOT NULL DEFAULT '';
ALTER TABLE ai_requests ADD COLUMN IF NOT EXISTS input_price_per_1k DOUBLE PRECISION NOT NULL DEFAULT 0;
ALTER TABLE ai_requests ADD COLUMN IF NOT EXISTS output_price_per_1k DOUBLE PRECISION NOT NULL DEFAULT 0;
`
