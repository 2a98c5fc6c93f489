// Package schema owns memento's on-disk DDL: a monotonic sequence of
// numbered migration scripts applied inside a single transaction, a
// schema_version table recording the current version, and the
// integrity check run on every open.
package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/openclaw/memento/internal/errs"
)

// Version is the schema version this build of memento expects on disk.
// Opening an older database applies migrations[v+1..Version]; opening
// a newer one is refused as a schema error.
const Version = 1

// migration is one monotonic, idempotent-by-construction DDL step.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS memories (
				id         BLOB PRIMARY KEY,
				text       TEXT NOT NULL,
				ts         INTEGER NOT NULL,
				source     TEXT NOT NULL,
				session    TEXT NOT NULL,
				importance REAL NOT NULL,
				tags       TEXT NOT NULL,
				collection TEXT NOT NULL,
				embedding  BLOB NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_memories_collection_ts ON memories(collection, ts DESC)`,
			`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
				id UNINDEXED,
				text,
				tokenize = 'unicode61'
			)`,
			`CREATE TABLE IF NOT EXISTS embed_cache (
				h   BLOB PRIMARY KEY,
				vec BLOB NOT NULL,
				ts  INTEGER NOT NULL
			)`,
		},
	},
}

// Open runs integrity_check and applies any pending migrations,
// returning the schema version the database is left at. It refuses to
// touch a database whose on-disk version is newer than Version.
func Open(ctx context.Context, db *sql.DB) (int, error) {
	if err := integrityCheck(ctx, db); err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.NewStorage(errs.StorageIO, fmt.Errorf("begin migration tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (v INTEGER NOT NULL)`); err != nil {
		return 0, errs.NewStorage(errs.StorageSchema, fmt.Errorf("create schema_version: %w", err))
	}

	current, err := currentVersion(ctx, tx)
	if err != nil {
		return 0, err
	}
	if current > Version {
		return 0, errs.NewStorage(errs.StorageSchema, fmt.Errorf("database schema v%d is newer than this build supports (v%d)", current, Version))
	}

	applied := current
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return 0, errs.NewStorage(errs.StorageSchema, fmt.Errorf("migration v%d: %w", m.version, err))
			}
		}
		applied = m.version
	}

	if applied != current {
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
			return 0, errs.NewStorage(errs.StorageSchema, fmt.Errorf("reset schema_version: %w", err))
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(v) VALUES (?)`, applied); err != nil {
			return 0, errs.NewStorage(errs.StorageSchema, fmt.Errorf("record schema_version: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.NewStorage(errs.StorageIO, fmt.Errorf("commit migration tx: %w", err))
	}
	return applied, nil
}

func currentVersion(ctx context.Context, tx *sql.Tx) (int, error) {
	var v int
	err := tx.QueryRowContext(ctx, `SELECT v FROM schema_version ORDER BY v DESC LIMIT 1`).Scan(&v)
	switch {
	case err == sql.ErrNoRows:
		return 0, nil
	case err != nil:
		return 0, errs.NewStorage(errs.StorageSchema, fmt.Errorf("read schema_version: %w", err))
	default:
		return v, nil
	}
}

// integrityCheck runs SQLite's integrity_check pragma. A non-"ok"
// result means the file is corrupt; memento surfaces StorageError{Corrupt}
// and the caller (internal/store) refuses writes until the database is
// replaced or restored from backup.
func integrityCheck(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return errs.NewStorage(errs.StorageCorrupt, fmt.Errorf("integrity_check: %w", err))
	}
	if result != "ok" {
		return errs.NewStorage(errs.StorageCorrupt, fmt.Errorf("integrity_check reported: %s", result))
	}
	return nil
}
