package memento

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/memento/internal/query"
	"github.com/openclaw/memento/internal/store"
)

// newTestEngine writes a minimal TOML config pointing at a temp db file
// and a nonexistent model directory, then opens an Engine against it.
// The embedder's warm-up always fails fast and falls back to
// blake2b-derived vectors, per the same pattern used in
// internal/query's tests — real ranking logic, no ONNX model needed.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "memento.toml")
	body := fmt.Sprintf(`
[storage]
db_path = %q

[embedding]
model_path = %q
warmup_timeout_ms = 20
allow_fallback = true
`, filepath.Join(dir, "memento.db"), filepath.Join(dir, "no-such-model"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))

	e, err := Open(context.Background(), Options{ConfigPath: cfgPath, Log: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestOpenRememberRecallRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Remember(ctx, "Deploy new model to staging", store.RememberOptions{Collection: "work", Tags: []string{"deploy"}})
	require.NoError(t, err)
	_, err = e.Remember(ctx, "Team standup at 9am", store.RememberOptions{Collection: "work"})
	require.NoError(t, err)

	results, err := e.Recall(ctx, "deployment", query.Options{TopK: 2})
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestGetRecentReturnsNewestFirst(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first := time.Unix(1_700_000_000, 0)
	_, err := e.Remember(ctx, "first note", store.RememberOptions{Collection: "notes", Timestamp: first})
	require.NoError(t, err)
	_, err = e.Remember(ctx, "second note", store.RememberOptions{Collection: "notes", Timestamp: first.Add(time.Hour)})
	require.NoError(t, err)

	recent, err := e.GetRecent(ctx, "notes", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "second note", recent[0].Text)
}

func TestDeleteThenRecallOmitsMemory(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Remember(ctx, "temporary memory to remove", store.RememberOptions{})
	require.NoError(t, err)

	ok, err := e.Delete(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.TotalVectors)

	results, err := e.Recall(ctx, "temporary memory to remove", query.Options{})
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, id, r.Memory.ID)
	}
}

func TestBackupAndExportProduceFiles(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Remember(ctx, "something worth backing up", store.RememberOptions{})
	require.NoError(t, err)

	dir := t.TempDir()
	backupPath, err := e.Backup(ctx, filepath.Join(dir, "snapshot.db"))
	require.NoError(t, err)
	require.FileExists(t, backupPath)

	exportPath, err := e.ExportJSON(ctx, filepath.Join(dir, "export.jsonl"))
	require.NoError(t, err)
	require.FileExists(t, exportPath)
}
