package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_history (
	session_id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	unit_id TEXT NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('log','exec')),
	shell TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	ended_at TEXT,
	end_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS session_history_unit_started
ON session_history(unit_id, started_at DESC);
`,
		DownSQL: `
DROP INDEX IF EXISTS session_history_unit_started;
DROP TABLE IF EXISTS session_history;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE TABLE IF NOT EXISTS relaunches (
	relaunch_id TEXT PRIMARY KEY,
	ref TEXT NOT NULL,
	unit_id TEXT NOT NULL DEFAULT '',
	args_json TEXT NOT NULL DEFAULT '[]',
	exit_code INTEGER NOT NULL DEFAULT 0,
	result_code TEXT NOT NULL,
	requested_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS relaunches_unit_requested
ON relaunches(unit_id, requested_at DESC);
`,
		DownSQL: `
DROP INDEX IF EXISTS relaunches_unit_requested;
DROP TABLE IF EXISTS relaunches;
`,
	},
	{
		Version: 3,
		UpSQL: `
CREATE INDEX IF NOT EXISTS session_history_open
ON session_history(ended_at)
WHERE ended_at IS NULL;
`,
		DownSQL: `
DROP INDEX IF EXISTS session_history_open;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// RollbackAll reverts every migration, newest first.
func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
