package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/memento/internal/deadline"
	"github.com/openclaw/memento/internal/embedcache"
	"github.com/openclaw/memento/internal/vectorindex"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), Config{
		DBPath:         filepath.Join(dir, "memento.db"),
		GraphThreshold: 10_000,
		Log:            zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func unitVec(dim int, hot int) []float32 {
	v := make([]float32, dim)
	v[hot%dim] = 1
	return v
}

func TestRememberThenGetRecentRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Remember(ctx, "remember the milk", unitVec(8, 0), RememberOptions{
		Collection: "errands",
		Source:     "test",
		SessionID:  "s1",
		Tags:       []string{"groceries"},
	})
	require.NoError(t, err)
	require.NotEqual(t, ID{}, id)

	recent, err := s.GetRecent(ctx, "errands", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "remember the milk", recent[0].Text)
	require.Equal(t, []string{"groceries"}, recent[0].Tags)
	require.InDelta(t, 0.5, recent[0].Importance, 1e-9)
}

func TestRememberIsIdempotentForIdenticalTuple(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ts := time.Unix(1_700_000_000, 0)
	opts := RememberOptions{Source: "test", SessionID: "s1", Timestamp: ts}

	id1, err := s.Remember(ctx, "same text", unitVec(8, 1), opts)
	require.NoError(t, err)
	id2, err := s.Remember(ctx, "same text", unitVec(8, 1), opts)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalVectors)
}

func TestRememberRejectsEmptyText(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Remember(context.Background(), "   ", unitVec(8, 0), RememberOptions{})
	require.Error(t, err)
}

func TestRememberClampsImportanceInsteadOfRejecting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tooHigh := 5.0
	id, err := s.Remember(ctx, "too important", unitVec(8, 2), RememberOptions{Importance: &tooHigh})
	require.NoError(t, err)

	rows, err := s.Hydrate(ctx, []vectorindex.ID{vectorindex.ID(id)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.InDelta(t, 1.0, rows[0].Importance, 1e-9)
}

func TestRememberPreservesExplicitZeroImportance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	zero := 0.0
	id, err := s.Remember(ctx, "not important at all", unitVec(8, 3), RememberOptions{Importance: &zero})
	require.NoError(t, err)

	rows, err := s.Hydrate(ctx, []vectorindex.ID{vectorindex.ID(id)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.InDelta(t, 0.0, rows[0].Importance, 1e-9)
}

func TestDeleteRemovesFromAllIndexes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Remember(ctx, "ephemeral note", unitVec(8, 3), RememberOptions{Collection: "scratch"})
	require.NoError(t, err)

	hits, err := s.SearchVector(unitVec(8, 3), 5, deadline.None())
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	deleted, err := s.Delete(ctx, id)
	require.NoError(t, err)
	require.True(t, deleted)

	deletedAgain, err := s.Delete(ctx, id)
	require.NoError(t, err)
	require.False(t, deletedAgain)

	recent, err := s.GetRecent(ctx, "scratch", 10)
	require.NoError(t, err)
	require.Empty(t, recent)

	hits, err = s.SearchVector(unitVec(8, 3), 5, deadline.None())
	require.NoError(t, err)
	for _, h := range hits {
		require.NotEqual(t, vectorindex.ID(id), h.ID)
	}

	ftsHits, err := s.SearchFullText(ctx, "ephemeral", 10)
	require.NoError(t, err)
	require.Empty(t, ftsHits)
}

func TestSearchFullTextFindsInsertedText(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Remember(ctx, "the quick brown fox", unitVec(8, 4), RememberOptions{})
	require.NoError(t, err)

	ids, err := s.SearchFullText(ctx, "brown", 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestEmbedCacheBackendRoundTrips(t *testing.T) {
	s := openTestStore(t)

	h := embedcache.HashText("hello world")
	_, hit, err := s.GetEmbedding(h)
	require.NoError(t, err)
	require.False(t, hit)

	vec := unitVec(16, 1)
	require.NoError(t, s.PutEmbedding(h, vec))

	got, hit, err := s.GetEmbedding(h)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, vec, got)
}

func TestStatsCountsPerCollection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Remember(ctx, "a", unitVec(8, 0), RememberOptions{Collection: "x"})
	require.NoError(t, err)
	_, err = s.Remember(ctx, "b", unitVec(8, 1), RememberOptions{Collection: "x"})
	require.NoError(t, err)
	_, err = s.Remember(ctx, "c", unitVec(8, 2), RememberOptions{Collection: "y"})
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.PerCollection["x"])
	require.Equal(t, 1, stats.PerCollection["y"])
	require.Equal(t, 3, stats.TotalVectors)
}

func TestBackupProducesOpenableSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Remember(ctx, "backed up", unitVec(8, 0), RememberOptions{})
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "snap.db")
	got, err := s.Backup(ctx, path)
	require.NoError(t, err)
	require.Equal(t, path, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestExportJSONWritesOneLinePerMemory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Remember(ctx, "one", unitVec(8, 0), RememberOptions{})
	require.NoError(t, err)
	_, err = s.Remember(ctx, "two", unitVec(8, 1), RememberOptions{})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.jsonl")
	got, err := s.ExportJSON(ctx, path)
	require.NoError(t, err)
	require.Equal(t, path, got)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, splitLines(string(data)), 2)
}

func TestRehydrationRebuildsVectorIndexOnReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "memento.db")

	s1, err := Open(context.Background(), Config{DBPath: dbPath, GraphThreshold: 10_000, Log: zerolog.Nop()})
	require.NoError(t, err)
	_, err = s1.Remember(context.Background(), "persisted", unitVec(8, 5), RememberOptions{})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(context.Background(), Config{DBPath: dbPath, GraphThreshold: 10_000, Log: zerolog.Nop()})
	require.NoError(t, err)
	defer s2.Close()

	hits, err := s2.SearchVector(unitVec(8, 5), 5, deadline.None())
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
