package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var postgresMigrations = []string{
	// 1: rules, evaluation state, fires, deliveries
	`CREATE TABLE IF NOT EXISTS rules (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL DEFAULT '',
		symbol      TEXT NOT NULL,
		operator    TEXT NOT NULL CHECK (operator IN ('crosses_above', 'crosses_below')),
		threshold   NUMERIC NOT NULL,
		cooldown_ns BIGINT,
		channels    JSONB NOT NULL DEFAULT '[]'::jsonb,
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		version     BIGINT NOT NULL DEFAULT 1,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_rules_active_symbol ON rules (symbol) WHERE active;

	CREATE TABLE IF NOT EXISTS evaluation_states (
		rule_id        TEXT PRIMARY KEY REFERENCES rules (id) ON DELETE CASCADE,
		side           TEXT NOT NULL,
		observed_side  TEXT NOT NULL,
		last_quote_at  TIMESTAMPTZ,
		last_value     NUMERIC,
		last_fired_at  TIMESTAMPTZ,
		cooldown_until TIMESTAMPTZ,
		rule_version   BIGINT NOT NULL,
		version        BIGINT NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fire_events (
		id            TEXT PRIMARY KEY,
		rule_id       TEXT NOT NULL REFERENCES rules (id) ON DELETE CASCADE,
		rule_version  BIGINT NOT NULL,
		symbol        TEXT NOT NULL,
		operator      TEXT NOT NULL,
		threshold     NUMERIC NOT NULL,
		value         NUMERIC NOT NULL,
		quote_at      TIMESTAMPTZ NOT NULL,
		fired_at      TIMESTAMPTZ NOT NULL,
		dispatched_at TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fire_events_fired_at ON fire_events (fired_at);
	CREATE INDEX IF NOT EXISTS idx_fire_events_undispatched ON fire_events (created_at) WHERE dispatched_at IS NULL;

	CREATE TABLE IF NOT EXISTS delivery_attempts (
		id            TEXT PRIMARY KEY,
		fire_id       TEXT NOT NULL REFERENCES fire_events (id) ON DELETE CASCADE,
		channel_id    TEXT NOT NULL,
		channel_kind  TEXT NOT NULL,
		status        TEXT NOT NULL CHECK (status IN ('pending', 'sent', 'failed', 'exhausted')),
		attempts      INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMPTZ NOT NULL,
		last_error    TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		UNIQUE (fire_id, channel_id)
	);

	CREATE INDEX IF NOT EXISTS idx_delivery_attempts_due ON delivery_attempts (next_retry_at)
		WHERE status IN ('pending', 'failed');`,
	// 2: previous close carried on fires for the change line
	`ALTER TABLE fire_events ADD COLUMN IF NOT EXISTS previous_close NUMERIC;`,
}

var sqliteMigrations = []string{
	// 1: rules, evaluation state, fires, deliveries
	`CREATE TABLE IF NOT EXISTS rules (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL DEFAULT '',
		symbol      TEXT NOT NULL,
		operator    TEXT NOT NULL CHECK (operator IN ('crosses_above', 'crosses_below')),
		threshold   TEXT NOT NULL,
		cooldown_ns INTEGER,
		channels    TEXT NOT NULL DEFAULT '[]',
		active      INTEGER NOT NULL DEFAULT 1,
		version     INTEGER NOT NULL DEFAULT 1,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_active_symbol ON rules (active, symbol);

	CREATE TABLE IF NOT EXISTS evaluation_states (
		rule_id        TEXT PRIMARY KEY REFERENCES rules (id) ON DELETE CASCADE,
		side           TEXT NOT NULL,
		observed_side  TEXT NOT NULL,
		last_quote_at  INTEGER,
		last_value     TEXT,
		last_fired_at  INTEGER,
		cooldown_until INTEGER,
		rule_version   INTEGER NOT NULL,
		version        INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fire_events (
		id            TEXT PRIMARY KEY,
		rule_id       TEXT NOT NULL REFERENCES rules (id) ON DELETE CASCADE,
		rule_version  INTEGER NOT NULL,
		symbol        TEXT NOT NULL,
		operator      TEXT NOT NULL,
		threshold     TEXT NOT NULL,
		value         TEXT NOT NULL,
		quote_at      INTEGER NOT NULL,
		fired_at      INTEGER NOT NULL,
		dispatched_at INTEGER,
		created_at    INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fire_events_fired_at ON fire_events (fired_at);
	CREATE INDEX IF NOT EXISTS idx_fire_events_dispatched ON fire_events (dispatched_at, created_at);

	CREATE TABLE IF NOT EXISTS delivery_attempts (
		id            TEXT PRIMARY KEY,
		fire_id       TEXT NOT NULL REFERENCES fire_events (id) ON DELETE CASCADE,
		channel_id    TEXT NOT NULL,
		channel_kind  TEXT NOT NULL,
		status        TEXT NOT NULL CHECK (status IN ('pending', 'sent', 'failed', 'exhausted')),
		attempts      INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		last_error    TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		UNIQUE (fire_id, channel_id)
	);

	CREATE INDEX IF NOT EXISTS idx_delivery_attempts_due ON delivery_attempts (status, next_retry_at);`,
	// 2: previous close carried on fires for the change line
	`ALTER TABLE fire_events ADD COLUMN previous_close TEXT;`,
}

const createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// Migrate applies pending schema migrations to PostgreSQL.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var current int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := current; i < len(postgresMigrations); i++ {
		version := i + 1
		err := s.inTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, postgresMigrations[i]); err != nil {
				return fmt.Errorf("run migration %d: %w", version, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
				return fmt.Errorf("record migration %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func runSQLiteMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := current; i < len(sqliteMigrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, sqliteMigrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("run migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}
