package store

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	Version int
	UpSQL   string
}

// migrations is Karl's "second log of mutations" (spec.md §4.2): the keyed
// store is reconstructable by replaying SQLite's own write-ahead log, so the
// mutation log the spec asks for is the database file itself rather than a
// bespoke format (see DESIGN.md's Open Question decision).
var migrations = []migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS claires (
	codename TEXT PRIMARY KEY,
	service TEXT NOT NULL,
	ip TEXT NOT NULL,
	port INTEGER NOT NULL,
	prefix TEXT NOT NULL,
	reported_timestamp_us INTEGER NOT NULL,
	url_status_page_direct TEXT NOT NULL,
	registered_state TEXT NOT NULL CHECK(registered_state IN ('Active','DisconnectedByTimeout','Deregistered')),
	updated_at_us INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS claire_builds (
	codename TEXT PRIMARY KEY,
	build_time TEXT NOT NULL,
	git_commit_hash TEXT NOT NULL,
	git_dirty_flag INTEGER NOT NULL,
	git_branch TEXT NOT NULL,
	updated_at_us INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS servers (
	ip TEXT PRIMARY KEY,
	behind_this_by_us INTEGER NOT NULL,
	updated_at_us INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS karl_launches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	launch_id TEXT NOT NULL,
	codename TEXT NOT NULL,
	up INTEGER NOT NULL,
	persisted_index INTEGER,
	persisted_timestamp_us INTEGER,
	recorded_at_us INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS karl_launches_launch_id_idx ON karl_launches(launch_id);
`,
	},
}

// applyMigrations brings db up to the latest schema version, continuing the
// teacher's versioned-migration-slice pattern.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);`); err != nil {
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
