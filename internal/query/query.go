// Package query implements memento's read path: embed a query text,
// ask the vector index for approximate nearest neighbours, apply the
// closed-set metadata/time predicate, hydrate, rank, and return within
// a wall-clock deadline.
package query

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/memento/internal/deadline"
	"github.com/openclaw/memento/internal/embedder"
	"github.com/openclaw/memento/internal/errs"
	"github.com/openclaw/memento/internal/store"
	"github.com/openclaw/memento/internal/vectorindex"
)

// defaultExpansion and maxExpansion are spec.md §4.7's F default/clamp.
const (
	defaultExpansion = 3
	maxExpansion      = 20
	retryExpansion    = 10
)

// Result is one ranked recall hit.
type Result struct {
	Memory store.Memory
	Score  float32
}

// Options configures a single Recall call, per spec.md §4.8.
type Options struct {
	Collection    string
	TopK          int // default 5
	Filters       map[string]any
	TimeoutMS     int64 // default 5000; NoDeadline opts out explicitly
	Expansion     int   // default 3, clamped to 20
	Bypass        bool  // bypass the embed cache for the query embedding
	AllowFallback bool  // allow the embedder's deterministic fallback vector if the encoder is unavailable
}

// NoDeadline is TimeoutMS's explicit "run with no deadline" escape
// hatch. The bare zero value instead takes the 5000ms default, per
// spec.md §6 — a caller who merely forgets to set TimeoutMS must not
// silently get unlimited execution time.
const NoDeadline int64 = -1

func (o Options) withDefaults() Options {
	if o.TopK <= 0 {
		o.TopK = 5
	}
	if o.Expansion <= 0 {
		o.Expansion = defaultExpansion
	}
	if o.Expansion > maxExpansion {
		o.Expansion = maxExpansion
	}
	if o.TimeoutMS == 0 {
		o.TimeoutMS = 5000
	}
	if o.TimeoutMS == NoDeadline {
		o.TimeoutMS = 0
	}
	return o
}

// Pipeline composes an Embedder and a Store into the recall operation.
type Pipeline struct {
	store *store.Store
	emb   *embedder.Embedder
	log   zerolog.Logger
}

// New constructs a Pipeline over an already-open Store and Embedder.
func New(st *store.Store, emb *embedder.Embedder, log zerolog.Logger) *Pipeline {
	return &Pipeline{store: st, emb: emb, log: log}
}

// Recall implements spec.md §4.8's algorithm.
func (p *Pipeline) Recall(ctx context.Context, query string, opts Options) ([]Result, error) {
	opts = opts.withDefaults()
	dl := deadline.New(opts.TimeoutMS)
	since := time.Now()

	filters, err := ParseFilters(opts.Filters)
	if err != nil {
		return nil, err
	}

	if err := dl.Check(since); err != nil {
		return nil, err
	}
	vec, err := p.emb.Embed(query, embedder.EmbedOptions{Bypass: opts.Bypass, AllowFallback: opts.AllowFallback})
	if err != nil {
		return nil, err
	}

	if err := dl.Check(since); err != nil {
		return nil, err
	}

	results, err := p.searchAndRank(ctx, vec, opts, filters, dl, since)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// searchAndRank asks VectorIndex for k×expansion candidates, hydrates,
// filters, and ranks; if the filtered set is short of k it retries
// once with expansion widened to retryExpansion, per spec.md §4.7.
func (p *Pipeline) searchAndRank(ctx context.Context, vec []float32, opts Options, filters Filters, dl deadline.Deadline, since time.Time) ([]Result, error) {
	expansion := opts.Expansion
	for attempt := 0; attempt < 2; attempt++ {
		if err := dl.Check(since); err != nil {
			return nil, err
		}

		hits, err := p.store.SearchVector(vec, opts.TopK*expansion, dl)
		if err != nil {
			return nil, err
		}

		if err := dl.Check(since); err != nil {
			return nil, err
		}
		memories, err := p.store.Hydrate(ctx, hitIDs(hits))
		if err != nil {
			return nil, err
		}

		results, err := p.rankResults(hits, memories, opts.Collection, filters)
		if err != nil {
			return nil, err
		}
		if len(results) >= opts.TopK || expansion >= retryExpansion {
			if len(results) > opts.TopK {
				results = results[:opts.TopK]
			}
			return results, nil
		}
		expansion = retryExpansion
	}
	return nil, nil
}

func hitIDs(hits []vectorindex.Hit) []vectorindex.ID {
	ids := make([]vectorindex.ID, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids
}

// rankResults composes the collection/filter predicate, joins scores
// back to hydrated rows, and applies spec.md §4.8 step 5's tie-break:
// descending score, then descending ts, then ascending id.
func (p *Pipeline) rankResults(hits []vectorindex.Hit, memories []store.Memory, collection string, filters Filters) ([]Result, error) {
	byID := make(map[vectorindex.ID]store.Memory, len(memories))
	for _, m := range memories {
		byID[vectorindex.ID(m.ID)] = m
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		m, ok := byID[h.ID]
		if !ok {
			continue
		}
		if collection != "" && m.Collection != collection {
			continue
		}
		if !filters.Match(m) {
			continue
		}
		if err := assertNormalized(p.log, h.Score); err != nil {
			return nil, err
		}
		results = append(results, Result{Memory: m, Score: h.Score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Memory.Timestamp != b.Memory.Timestamp {
			return a.Memory.Timestamp > b.Memory.Timestamp
		}
		return lessID(a.Memory.ID, b.Memory.ID)
	})
	return results, nil
}

func lessID(a, b store.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// BatchRecall embeds all queries in one batch call and recalls each,
// preserving input order, per spec.md §4.6/§8 scenario 2.
func (p *Pipeline) BatchRecall(ctx context.Context, queries []string, opts Options) ([][]Result, error) {
	opts = opts.withDefaults()
	dl := deadline.New(opts.TimeoutMS)
	since := time.Now()

	filters, err := ParseFilters(opts.Filters)
	if err != nil {
		return nil, err
	}
	if err := dl.Check(since); err != nil {
		return nil, err
	}

	vecs, err := p.emb.EmbedBatch(queries, embedder.EmbedOptions{Bypass: opts.Bypass, AllowFallback: opts.AllowFallback})
	if err != nil {
		return nil, err
	}

	out := make([][]Result, len(queries))
	for i, vec := range vecs {
		if err := dl.Check(since); err != nil {
			return nil, err
		}
		results, err := p.searchAndRank(ctx, vec, opts, filters, dl, since)
		if err != nil {
			return nil, err
		}
		out[i] = results
	}
	return out, nil
}

// assertNormalized guards spec.md §8's I3: a non-unit score surfacing
// at the pipeline boundary is an invariant violation, not a query bug,
// and is surfaced to the caller rather than silently dropped.
func assertNormalized(log zerolog.Logger, score float32) error {
	if score < -1.0001 || score > 1.0001 {
		log.Error().Str("component", "query").Float32("score", score).Msg("similarity score outside [-1,1], embedding invariant violated")
		return errs.NewInternal("similarity score outside unit range")
	}
	return nil
}
