package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/memento/internal/embedcache"
	"github.com/openclaw/memento/internal/embedder"
	"github.com/openclaw/memento/internal/store"
)

// newTestPipeline wires a real Store against a temp sqlite file and a
// real Embedder pointed at a nonexistent model directory. With a short
// warm-up timeout and fallback enabled, Embed deterministically falls
// back to blake2b-derived vectors instead of ever touching ONNX — the
// fallback is still a real (if low-quality) unit vector, so Recall's
// ranking/filtering logic gets exercised end to end.
func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, *embedder.Embedder) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), store.Config{
		DBPath:         filepath.Join(dir, "memento.db"),
		GraphThreshold: 10_000,
		Log:            zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cache, err := embedcache.New(100, st, "sqlite")
	require.NoError(t, err)

	emb := embedder.New(embedder.Config{
		ModelDir:      filepath.Join(dir, "no-such-model"),
		WarmupTimeout: 20 * time.Millisecond,
		AllowFallback: true,
	}, cache, zerolog.Nop())
	t.Cleanup(func() { _ = emb.Close() })

	return New(st, emb, zerolog.Nop()), st, emb
}

func rememberFixtures(t *testing.T, st *store.Store, emb *embedder.Embedder) {
	t.Helper()
	ctx := context.Background()
	texts := []struct {
		text       string
		collection string
		tags       []string
	}{
		{"Deploy new model", "work", []string{"todo", "deploy"}},
		{"Team meeting at 3pm", "work", []string{"work"}},
		{"Fix wifi driver", "home", []string{"todo", "bug"}},
	}
	for _, f := range texts {
		vec, err := emb.Embed(f.text, embedder.EmbedOptions{})
		require.NoError(t, err)
		_, err = st.Remember(ctx, f.text, vec, store.RememberOptions{Collection: f.collection, Tags: f.tags})
		require.NoError(t, err)
	}
}

func TestRecallReturnsRankedResults(t *testing.T) {
	p, st, emb := newTestPipeline(t)
	rememberFixtures(t, st, emb)

	results, err := p.Recall(context.Background(), "deployment", Options{TopK: 2})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for i := 1; i < len(results); i++ {
		require.LessOrEqual(t, results[i].Score, results[i-1].Score)
	}
}

func TestRecallAppliesTagFilter(t *testing.T) {
	p, st, emb := newTestPipeline(t)
	rememberFixtures(t, st, emb)

	results, err := p.Recall(context.Background(), "meeting", Options{Filters: map[string]any{"tags": []any{"work"}}})
	require.NoError(t, err)
	for _, r := range results {
		found := false
		for _, tag := range r.Memory.Tags {
			if tag == "work" {
				found = true
			}
		}
		require.True(t, found, "expected every result to carry the work tag")
	}
}

func TestRecallRejectsUnknownFilterKey(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	_, err := p.Recall(context.Background(), "x", Options{Filters: map[string]any{"nope": 1}})
	require.Error(t, err)
}

func TestRecallOnEmptyStoreReturnsEmptyNotError(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	results, err := p.Recall(context.Background(), "anything", Options{})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestRecallHonorsTinyDeadline(t *testing.T) {
	// The test embedder's model load always fails (no real ONNX model
	// on disk), so every Embed call spends its full 20ms warm-up
	// retry budget before falling back — comfortably longer than the
	// 1ms deadline below, so the post-embed deadline check must fire.
	p, _, _ := newTestPipeline(t)

	_, err := p.Recall(context.Background(), "anything", Options{TimeoutMS: 1})
	require.Error(t, err)
}

func TestOptionsWithDefaultsAppliesDefaultTimeout(t *testing.T) {
	o := Options{}.withDefaults()
	require.EqualValues(t, 5000, o.TimeoutMS)
}

func TestOptionsWithDefaultsHonorsNoDeadline(t *testing.T) {
	o := Options{TimeoutMS: NoDeadline}.withDefaults()
	require.EqualValues(t, 0, o.TimeoutMS)
}

func TestBatchRecallPreservesOrder(t *testing.T) {
	p, st, emb := newTestPipeline(t)
	rememberFixtures(t, st, emb)

	queries := []string{"deployment", "meeting", "wifi"}
	out, err := p.BatchRecall(context.Background(), queries, Options{TopK: 5})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, q := range queries {
		single, err := p.Recall(context.Background(), q, Options{TopK: 5})
		require.NoError(t, err)
		require.Equal(t, single, out[i], "batch result %d should match a single recall of %q", i, q)
	}
}

func randomishText(i int) string {
	words := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	return words[i%len(words)] + " " + words[(i*7)%len(words)]
}
