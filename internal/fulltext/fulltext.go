// Package fulltext maintains memento's FTS5 auxiliary index in
// lock-step with the primary memories table. Every insert and delete
// goes through the same transaction as the primary-table write, using
// the memory's own id as the FTS row key instead of relying on
// SQLite's last-insert-rowid — the source bug spec.md §9 calls out.
package fulltext

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/openclaw/memento/internal/errs"
)

// Execer is the subset of *sql.Tx (or *sql.DB) fulltext needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queryer is the subset of *sql.DB (or *sql.Tx) fulltext needs to search.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Insert adds text under id to the FTS index. Must run in the same
// transaction as the corresponding memories insert.
func Insert(ctx context.Context, exec Execer, id [16]byte, text string) error {
	_, err := exec.ExecContext(ctx, `INSERT INTO memories_fts(id, text) VALUES (?, ?)`, id[:], text)
	if err != nil {
		return errs.NewStorage(errs.StorageIO, fmt.Errorf("fulltext: insert: %w", err))
	}
	return nil
}

// Delete removes id's FTS row, if any. Must run in the same
// transaction as the corresponding memories delete.
func Delete(ctx context.Context, exec Execer, id [16]byte) error {
	_, err := exec.ExecContext(ctx, `DELETE FROM memories_fts WHERE id = ?`, id[:])
	if err != nil {
		return errs.NewStorage(errs.StorageIO, fmt.Errorf("fulltext: delete: %w", err))
	}
	return nil
}

// Search runs an FTS5 MATCH query and returns matching ids, most
// relevant first, per SQLite's built-in bm25 ranking.
func Search(ctx context.Context, q Queryer, query string, limit int) ([][16]byte, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM memories_fts WHERE memories_fts MATCH ? ORDER BY bm25(memories_fts) LIMIT ?`,
		query, limit,
	)
	if err != nil {
		return nil, errs.NewStorage(errs.StorageIO, fmt.Errorf("fulltext: search: %w", err))
	}
	defer rows.Close()

	var ids [][16]byte
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errs.NewStorage(errs.StorageIO, fmt.Errorf("fulltext: scan: %w", err))
		}
		var id [16]byte
		copy(id[:], raw)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStorage(errs.StorageIO, fmt.Errorf("fulltext: rows: %w", err))
	}
	return ids, nil
}
