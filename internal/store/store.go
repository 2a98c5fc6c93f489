// Package store implements memento's persistence and index layer: a
// single-writer, WAL-journaled SQLite database holding memory
// records, their embeddings, and an FTS5 auxiliary index, fronted by
// an in-memory vector index kept in lock-step with every commit.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	_ "modernc.org/sqlite"

	"github.com/openclaw/memento/internal/deadline"
	"github.com/openclaw/memento/internal/embedcache"
	"github.com/openclaw/memento/internal/errs"
	"github.com/openclaw/memento/internal/fulltext"
	"github.com/openclaw/memento/internal/schema"
	"github.com/openclaw/memento/internal/vectorindex"
)

// Config configures a Store.
type Config struct {
	DBPath         string
	RateLimit      rate.Limit // requests/sec; 0 means unlimited (rate.Inf)
	RateBurst      int
	GraphThreshold int // see vectorindex.GraphThreshold
	Log            zerolog.Logger
}

// Store owns the database handle and every index structure derived
// from it — the single writer for its database file (spec.md §4.6).
type Store struct {
	cfg     Config
	db      *sql.DB
	writeMu sync.Mutex
	limiter *rate.Limiter
	idx     *vectorindex.Index
	log     zerolog.Logger

	corruptMu sync.RWMutex
	corrupt   bool
}

// Open opens (creating if absent) the database at cfg.DBPath, runs
// schema migrations and an integrity check, and rehydrates the
// in-memory vector index from the memories table.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errs.NewValidation("db_path", "must not be empty")
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.NewStorage(errs.StorageIO, fmt.Errorf("mkdir %s: %w", dir, err))
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, errs.NewStorage(errs.StorageIO, fmt.Errorf("open db: %w", err))
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, errs.NewStorage(errs.StorageIO, fmt.Errorf("enable WAL: %w", err))
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=1000`); err != nil {
		db.Close()
		return nil, errs.NewStorage(errs.StorageIO, fmt.Errorf("set busy_timeout: %w", err))
	}

	if _, err := schema.Open(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	limit := cfg.RateLimit
	if limit == 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	s := &Store{
		cfg:     cfg,
		db:      db,
		limiter: rate.NewLimiter(limit, burst),
		idx:     vectorindex.New(cfg.GraphThreshold, cfg.Log),
		log:     cfg.Log,
	}

	if err := s.rehydrateIndex(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// graphCachePath is where the vector index's HNSW graph, once built
// and validated, is snapshotted so the next Open can skip rebuilding
// it from scratch. Sits alongside the database file itself.
func (s *Store) graphCachePath() string {
	return s.cfg.DBPath + ".hnsw"
}

// Close saves the vector index's graph cache, if active, then
// releases the database handle. Safe to call once.
func (s *Store) Close() error {
	if err := s.idx.SaveGraph(s.graphCachePath()); err != nil {
		s.log.Warn().Str("component", "store").Err(err).Msg("failed to save graph cache on close")
	}
	return s.db.Close()
}

func (s *Store) rehydrateIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM memories ORDER BY rowid`)
	if err != nil {
		return errs.NewStorage(errs.StorageIO, fmt.Errorf("rehydrate: query: %w", err))
	}
	defer rows.Close()

	var ids []vectorindex.ID
	var vecs [][]float32
	for rows.Next() {
		var idBuf, vecBuf []byte
		if err := rows.Scan(&idBuf, &vecBuf); err != nil {
			return errs.NewStorage(errs.StorageIO, fmt.Errorf("rehydrate: scan: %w", err))
		}
		vec, err := decodeVector(vecBuf)
		if err != nil {
			return err
		}
		var id vectorindex.ID
		copy(id[:], idBuf)
		ids = append(ids, id)
		vecs = append(vecs, vec)
	}
	if err := rows.Err(); err != nil {
		return errs.NewStorage(errs.StorageIO, fmt.Errorf("rehydrate: rows: %w", err))
	}

	s.idx.Reset(ids, vecs)
	if err := s.idx.LoadGraphCache(s.graphCachePath()); err != nil {
		s.log.Debug().Str("component", "store").Err(err).Msg("no usable graph cache, will rebuild from threshold if crossed")
	}
	s.log.Debug().Str("component", "store").Int("n", len(ids)).Msg("vector index rehydrated")
	return nil
}

// isCorrupt reports whether the store is in read-only, corrupt mode.
func (s *Store) isCorrupt() bool {
	s.corruptMu.RLock()
	defer s.corruptMu.RUnlock()
	return s.corrupt
}

func (s *Store) markCorrupt(err error) error {
	s.corruptMu.Lock()
	s.corrupt = true
	s.corruptMu.Unlock()
	s.log.Error().Str("component", "store").Err(err).Msg("database marked corrupt, refusing writes")
	return errs.NewStorage(errs.StorageCorrupt, err)
}

// withWriteGate serializes writers (the single-writer discipline),
// applies the per-instance rate limiter, and retries `database is
// locked` failures with bounded back-off before surfacing
// StorageError{Locked}, per spec.md §7.
func (s *Store) withWriteGate(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.isCorrupt() {
		return errs.NewStorage(errs.StorageCorrupt, fmt.Errorf("database is in read-only corrupt mode"))
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return errs.NewStorage(errs.StorageIO, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	const maxBackoff = 250 * time.Millisecond
	backoff := 5 * time.Millisecond
	giveUpAt := time.Now().Add(maxBackoff)

	for {
		err := s.attemptWrite(ctx, fn)
		if err == nil {
			return nil
		}
		if isCorruptErr(err) {
			return s.markCorrupt(err)
		}
		if !isLockedErr(err) || time.Now().After(giveUpAt) {
			if isLockedErr(err) {
				return errs.NewStorage(errs.StorageLocked, err)
			}
			return err
		}
		time.Sleep(backoff)
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Store) attemptWrite(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func isLockedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

func isCorruptErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt") || strings.Contains(msg, "not a database")
}

// Remember inserts a memory with a precomputed embedding. The caller
// (memento.Engine) is responsible for calling the Embedder first — the
// store package has no dependency on the embedding layer. Re-inserting
// the same (text, source, session, timestamp) tuple is idempotent:
// the existing id is returned with no write.
func (s *Store) Remember(ctx context.Context, text string, vec []float32, opts RememberOptions) (ID, error) {
	opts = normalizeOptions(opts)
	if err := validateRemember(text, opts); err != nil {
		return ID{}, err
	}

	ts := opts.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	tsUnix := ts.Unix()

	id := DeriveID(text, opts.Source, opts.SessionID, tsUnix)

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM memories WHERE id = ?`, id[:]).Scan(&exists); err == nil {
		return id, nil
	} else if err != sql.ErrNoRows {
		return ID{}, errs.NewStorage(errs.StorageIO, fmt.Errorf("remember: lookup: %w", err))
	}

	tagsJSON, err := encodeTags(opts.Tags)
	if err != nil {
		return ID{}, err
	}
	vecBlob := encodeVector(vec)

	writeErr := s.withWriteGate(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO memories(id, text, ts, source, session, importance, tags, collection, embedding)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id[:], text, tsUnix, opts.Source, opts.SessionID, *opts.Importance, tagsJSON, opts.Collection, vecBlob,
		)
		if err != nil {
			return errs.NewStorage(errs.StorageIO, fmt.Errorf("remember: insert: %w", err))
		}
		if err := fulltext.Insert(ctx, tx, id, text); err != nil {
			return err
		}
		return nil
	})
	if writeErr != nil {
		return ID{}, writeErr
	}

	var vidx vectorindex.ID
	copy(vidx[:], id[:])
	s.idx.Append(vidx, vec)

	return id, nil
}

// GetRecent returns the n most recent memories in collection,
// descending by timestamp then by id, per spec.md §4.6.
func (s *Store) GetRecent(ctx context.Context, collection string, n int) ([]Memory, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, ts, source, session, importance, tags, collection, embedding
		 FROM memories WHERE collection = ? ORDER BY ts DESC, id ASC LIMIT ?`,
		collection, n,
	)
	if err != nil {
		return nil, errs.NewStorage(errs.StorageIO, fmt.Errorf("get_recent: %w", err))
	}
	defer rows.Close()
	return scanMemories(rows)
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		m, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStorage(errs.StorageIO, fmt.Errorf("scan rows: %w", err))
	}
	return out, nil
}

func scanMemoryRow(rows *sql.Rows) (Memory, error) {
	var (
		idBuf, vecBuf []byte
		m             Memory
		tagsJSON      string
	)
	if err := rows.Scan(&idBuf, &m.Text, &m.Timestamp, &m.Source, &m.SessionID, &m.Importance, &tagsJSON, &m.Collection, &vecBuf); err != nil {
		return Memory{}, errs.NewStorage(errs.StorageIO, fmt.Errorf("scan: %w", err))
	}
	copy(m.ID[:], idBuf)
	tags, err := decodeTags(tagsJSON)
	if err != nil {
		return Memory{}, err
	}
	m.Tags = tags
	vec, err := decodeVector(vecBuf)
	if err != nil {
		return Memory{}, err
	}
	m.Embedding = vec
	return m, nil
}

// Hydrate fetches full Memory rows for the given ids, in no
// particular order — callers re-rank by score themselves.
func (s *Store) Hydrate(ctx context.Context, ids []vectorindex.ID) ([]Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id[:]
	}
	query := fmt.Sprintf(
		`SELECT id, text, ts, source, session, importance, tags, collection, embedding
		 FROM memories WHERE id IN (%s)`, strings.Join(placeholders, ","),
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.NewStorage(errs.StorageIO, fmt.Errorf("hydrate: %w", err))
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchVector asks the in-memory vector index for the top-k
// candidates for vec.
func (s *Store) SearchVector(vec []float32, k int, dl deadline.Deadline) ([]vectorindex.Hit, error) {
	return s.idx.Search(vec, k, dl)
}

// SearchFullText runs an FTS5 MATCH query over stored memory text.
func (s *Store) SearchFullText(ctx context.Context, query string, limit int) ([]ID, error) {
	raw, err := fulltext.Search(ctx, s.db, query, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]ID, len(raw))
	for i, r := range raw {
		ids[i] = ID(r)
	}
	return ids, nil
}

// Delete removes a memory from the primary table, the FTS index, and
// the vector index atomically. A missing id returns (false, nil), not
// an error, per spec.md §4.6.
func (s *Store) Delete(ctx context.Context, id ID) (bool, error) {
	var deleted bool
	err := s.withWriteGate(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id[:])
		if err != nil {
			return errs.NewStorage(errs.StorageIO, fmt.Errorf("delete: %w", err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errs.NewStorage(errs.StorageIO, fmt.Errorf("delete: rows_affected: %w", err))
		}
		if n == 0 {
			return nil
		}
		deleted = true
		return fulltext.Delete(ctx, tx, id)
	})
	if err != nil {
		return false, err
	}
	if deleted {
		var vidx vectorindex.ID
		copy(vidx[:], id[:])
		s.idx.Delete(vidx)
	}
	return deleted, nil
}

// Stats summarizes the store's contents, per spec.md §4.6.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT collection, COUNT(*) FROM memories GROUP BY collection`)
	if err != nil {
		return Stats{}, errs.NewStorage(errs.StorageIO, fmt.Errorf("stats: %w", err))
	}
	defer rows.Close()

	perCollection := make(map[string]int)
	total := 0
	for rows.Next() {
		var collection string
		var n int
		if err := rows.Scan(&collection, &n); err != nil {
			return Stats{}, errs.NewStorage(errs.StorageIO, fmt.Errorf("stats: scan: %w", err))
		}
		perCollection[collection] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, errs.NewStorage(errs.StorageIO, fmt.Errorf("stats: rows: %w", err))
	}

	return Stats{PerCollection: perCollection, TotalVectors: total, Backend: "modernc.org/sqlite"}, nil
}

// GetEmbedding implements embedcache.Backend, backed by the
// embed_cache table.
func (s *Store) GetEmbedding(h embedcache.Hash) ([]float32, bool, error) {
	var vecBuf []byte
	err := s.db.QueryRow(`SELECT vec FROM embed_cache WHERE h = ?`, h[:]).Scan(&vecBuf)
	switch {
	case err == sql.ErrNoRows:
		return nil, false, nil
	case err != nil:
		return nil, false, errs.NewStorage(errs.StorageIO, fmt.Errorf("embed_cache get: %w", err))
	}
	vec, err := decodeVector(vecBuf)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// PutEmbedding implements embedcache.Backend. Insertion is
// last-writer-wins, per spec.md §3 — safe since the embedding for a
// given text is deterministic.
func (s *Store) PutEmbedding(h embedcache.Hash, vec []float32) error {
	return s.withWriteGate(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO embed_cache(h, vec, ts) VALUES (?, ?, ?)
			 ON CONFLICT(h) DO UPDATE SET vec = excluded.vec, ts = excluded.ts`,
			h[:], encodeVector(vec), time.Now().Unix(),
		)
		if err != nil {
			return errs.NewStorage(errs.StorageIO, fmt.Errorf("embed_cache put: %w", err))
		}
		return nil
	})
}

// Backup writes a consistent snapshot to path (default: under
// backups/<timestamp>.db next to the primary database) with the
// VACUUM INTO statement, used in place of SQLite's online-backup API,
// which database/sql does not expose.
func (s *Store) Backup(ctx context.Context, path string) (string, error) {
	if path == "" {
		dir := filepath.Join(filepath.Dir(s.cfg.DBPath), "backups")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errs.NewStorage(errs.StorageIO, fmt.Errorf("backup: mkdir: %w", err))
		}
		path = filepath.Join(dir, fmt.Sprintf("%s.db", time.Now().UTC().Format("20060102-150405")))
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", errs.NewStorage(errs.StorageIO, fmt.Errorf("backup: vacuum into: %w", err))
	}
	return path, nil
}

// ExportJSON streams every memory row to a JSON-lines file at path.
func (s *Store) ExportJSON(ctx context.Context, path string) (string, error) {
	if path == "" {
		path = filepath.Join(filepath.Dir(s.cfg.DBPath), "export.jsonl")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, ts, source, session, importance, tags, collection, embedding
		 FROM memories ORDER BY ts ASC, id ASC`,
	)
	if err != nil {
		return "", errs.NewStorage(errs.StorageIO, fmt.Errorf("export: query: %w", err))
	}
	defer rows.Close()

	f, err := os.Create(path)
	if err != nil {
		return "", errs.NewStorage(errs.StorageIO, fmt.Errorf("export: create %s: %w", path, err))
	}
	defer f.Close()

	if err := writeExportRows(rows, f); err != nil {
		return "", err
	}
	return path, nil
}

// exportRecord is the JSON-lines shape ExportJSON writes, one object
// per line. Embeddings are base64-free: exported as an array, since
// exports are meant to be human-auditable, not a second binary format.
type exportRecord struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Timestamp  int64     `json:"ts"`
	Source     string    `json:"source"`
	SessionID  string    `json:"session_id"`
	Importance float64   `json:"importance"`
	Tags       []string  `json:"tags"`
	Collection string    `json:"collection"`
	Embedding  []float32 `json:"embedding"`
}

func writeExportRows(rows *sql.Rows, w io.Writer) error {
	enc := json.NewEncoder(w)
	for rows.Next() {
		m, err := scanMemoryRow(rows)
		if err != nil {
			return err
		}
		rec := exportRecord{
			ID:         fmt.Sprintf("%x", m.ID[:]),
			Text:       m.Text,
			Timestamp:  m.Timestamp,
			Source:     m.Source,
			SessionID:  m.SessionID,
			Importance: m.Importance,
			Tags:       m.Tags,
			Collection: m.Collection,
			Embedding:  m.Embedding,
		}
		if err := enc.Encode(rec); err != nil {
			return errs.NewStorage(errs.StorageIO, fmt.Errorf("export: write row: %w", err))
		}
	}
	if err := rows.Err(); err != nil {
		return errs.NewStorage(errs.StorageIO, fmt.Errorf("export: rows: %w", err))
	}
	return nil
}

// Recover restores the most recent backup over the primary database
// file, per spec.md §7's Corrupt recovery path. The store must be
// closed by the caller before calling Recover and reopened afterward.
func Recover(dbPath, backupDir string) (string, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return "", errs.NewStorage(errs.StorageIO, fmt.Errorf("recover: read backups dir: %w", err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", errs.NewStorage(errs.StorageIO, fmt.Errorf("recover: no backups found in %s", backupDir))
	}
	sort.Strings(names)
	latest := filepath.Join(backupDir, names[len(names)-1])

	data, err := os.ReadFile(latest)
	if err != nil {
		return "", errs.NewStorage(errs.StorageIO, fmt.Errorf("recover: read %s: %w", latest, err))
	}
	if err := os.WriteFile(dbPath, data, 0o644); err != nil {
		return "", errs.NewStorage(errs.StorageIO, fmt.Errorf("recover: write %s: %w", dbPath, err))
	}
	for _, sidecar := range []string{"-wal", "-shm"} {
		_ = os.Remove(dbPath + sidecar)
	}
	return latest, nil
}
