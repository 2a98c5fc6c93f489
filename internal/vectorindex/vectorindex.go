// Package vectorindex is memento's nearest-neighbour backend: a
// brute-force dot-product scan over an in-memory N×384 buffer by
// default, with an optional graph-based approximate backend
// (internal/hnsw) that takes over once the collection grows past a
// size threshold and has been validated against brute-force recall.
package vectorindex

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/memento/internal/deadline"
	"github.com/openclaw/memento/internal/hnsw"
	"github.com/openclaw/memento/internal/vectorops"
)

// ID is memento's 128-bit memory identifier.
type ID [16]byte

// Hit is one scored candidate returned by Search, keyed by the
// memory id rather than the index's internal sequential position.
type Hit struct {
	ID    ID
	Score float32
}

// GraphThreshold is the default collection size at which the graph
// backend is built and starts serving queries (spec.md §4.7, "T = 10^4").
const GraphThreshold = 10_000

// scanCheckInterval is how often the brute-force scan checks the
// deadline, per spec.md §5 ("every 4096 candidates").
const scanCheckInterval = 4096

// Index holds every stored embedding in memory, addressable both by
// sequential position (for the graph backend, which requires
// append-only sequential ids) and by memory id (for deletion and
// hydration). Index only ever appends positions; deletion is a
// tombstone, never a physical removal, so the graph's sequential id
// space stays valid.
type Index struct {
	mu sync.RWMutex

	ids       []ID
	vecs      [][]float32
	tombstone []bool
	posOf     map[ID]int

	graph          *hnsw.Graph
	graphReady     bool
	graphThreshold int

	log zerolog.Logger
}

// New constructs an empty Index. threshold <= 0 uses GraphThreshold.
func New(threshold int, log zerolog.Logger) *Index {
	if threshold <= 0 {
		threshold = GraphThreshold
	}
	return &Index{
		posOf:          make(map[ID]int),
		graphThreshold: threshold,
		log:            log,
	}
}

// Len returns the number of live (non-tombstoned) entries.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.posOf)
}

// Append adds id/vec as a new entry. Callers must ensure vec is already
// L2-normalized (spec.md §3's unit-embedding invariant). Append is the
// only way new entries enter the index — spec.md §4.7 requires the
// graph backend's sequential id space to only grow.
func (idx *Index) Append(id ID, vec []float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	pos := len(idx.ids)
	idx.ids = append(idx.ids, id)
	idx.vecs = append(idx.vecs, vec)
	idx.tombstone = append(idx.tombstone, false)
	idx.posOf[id] = pos

	if idx.graphReady {
		idx.graph.Insert(vec)
	}
	idx.maybeBuildGraphLocked()
}

// Delete tombstones id so future scans and searches skip it. Reports
// whether id was present.
func (idx *Index) Delete(id ID) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	pos, ok := idx.posOf[id]
	if !ok {
		return false
	}
	idx.tombstone[pos] = true
	delete(idx.posOf, id)
	return true
}

// Reset clears the index and rebuilds it from the given id/vector
// pairs, in order. Store calls this once on open to rehydrate the
// buffer from the memories table.
func (idx *Index) Reset(ids []ID, vecs [][]float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.ids = append([]ID(nil), ids...)
	idx.vecs = append([][]float32(nil), vecs...)
	idx.tombstone = make([]bool, len(ids))
	idx.posOf = make(map[ID]int, len(ids))
	for i, id := range ids {
		idx.posOf[id] = i
	}
	idx.graphReady = false
	idx.graph = nil
}

// maybeBuildGraphLocked builds the graph backend once the live entry
// count crosses the threshold, validating its recall against brute
// force on a sample before trusting it to serve queries. Callers must
// hold idx.mu for writing.
func (idx *Index) maybeBuildGraphLocked() {
	if idx.graphReady || len(idx.posOf) < idx.graphThreshold {
		return
	}

	g := hnsw.New(hnsw.DefaultM, hnsw.DefaultEfConstruction, hnsw.DefaultEfSearch)
	for _, vec := range idx.vecs {
		g.Insert(vec)
	}

	if !validateRecall(g, idx.ids, idx.vecs, idx.tombstone) {
		idx.log.Warn().Str("component", "vectorindex").Msg("graph backend failed recall validation, staying on brute force")
		// Never retry: raising the threshold out of reach keeps later
		// appends from paying for another O(N) rebuild.
		idx.graphThreshold = int(^uint(0) >> 1)
		return
	}

	idx.graph = g
	idx.graphReady = true
	idx.log.Info().Str("component", "vectorindex").Int("n", len(idx.posOf)).Msg("graph backend activated")
}

// validateRecall checks the graph's top-10 agreement with brute force
// over a small fixed sample, per spec.md §4.7's recall@10 >= 0.95 bar.
func validateRecall(g *hnsw.Graph, ids []ID, vecs [][]float32, tombstone []bool) bool {
	const sampleSize = 20
	const topN = 10
	const minRecall = 0.95

	if len(vecs) == 0 {
		return true
	}
	step := len(vecs) / sampleSize
	if step == 0 {
		step = 1
	}

	var totalMatched, totalExpected int
	for i := 0; i < len(vecs); i += step {
		if tombstone[i] {
			continue
		}
		query := vecs[i]

		bruteTop := bruteForceTopN(ids, vecs, tombstone, query, topN)
		graphHits := g.Search(query, topN)

		expected := make(map[ID]bool, len(bruteTop))
		for _, h := range bruteTop {
			expected[h.ID] = true
		}
		totalExpected += len(expected)

		for _, gh := range graphHits {
			if int(gh.ID) >= len(ids) {
				continue
			}
			if expected[ids[gh.ID]] {
				totalMatched++
			}
		}
	}
	if totalExpected == 0 {
		return true
	}
	return float64(totalMatched)/float64(totalExpected) >= minRecall
}

func bruteForceTopN(ids []ID, vecs [][]float32, tombstone []bool, query []float32, n int) []Hit {
	scored := make([]vectorops.Scored, 0, len(vecs))
	for i, vec := range vecs {
		if tombstone[i] {
			continue
		}
		scored = append(scored, vectorops.Scored{ID: uint64(i), Score: vectorops.Dot(query, vec)})
	}
	top := vectorops.TopK(scored, n)
	hits := make([]Hit, len(top))
	for i, s := range top {
		hits[i] = Hit{ID: ids[s.ID], Score: s.Score}
	}
	return hits
}

// SaveGraph persists the graph backend to path so a future process
// can skip the rebuild-and-revalidate cost of maybeBuildGraphLocked.
// A no-op, returning nil, if the graph backend isn't active.
func (idx *Index) SaveGraph(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if !idx.graphReady {
		return nil
	}
	return idx.graph.Save(path)
}

// LoadGraphCache attempts to adopt a graph previously written by
// SaveGraph instead of rebuilding one from scratch. It only trusts the
// cached graph if its node count matches the number of live entries
// currently held — any mismatch (entries appended, deleted, or
// reordered since the snapshot was taken) falls through to the normal
// threshold-triggered rebuild-and-validate path on the next Append.
func (idx *Index) LoadGraphCache(path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	g, err := hnsw.Load(path)
	if err != nil {
		return err
	}
	live := 0
	for _, t := range idx.tombstone {
		if !t {
			live++
		}
	}
	if g.Len() != live {
		idx.log.Warn().Str("component", "vectorindex").Int("cached", g.Len()).Int("live", live).Msg("graph cache out of date, ignoring")
		return nil
	}
	idx.graph = g
	idx.graphReady = true
	idx.log.Info().Str("component", "vectorindex").Int("n", live).Msg("graph backend restored from cache")
	return nil
}

// Search returns the top-k candidates for query, using the graph
// backend when active, otherwise an exhaustive brute-force scan. dl
// is checked periodically during the brute-force path, per spec.md §5.
func (idx *Index) Search(query []float32, k int, dl deadline.Deadline) ([]Hit, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.graphReady {
		results := idx.graph.Search(query, k)
		hits := make([]Hit, 0, len(results))
		for _, r := range results {
			if int(r.ID) >= len(idx.ids) || idx.tombstone[r.ID] {
				continue
			}
			hits = append(hits, Hit{ID: idx.ids[r.ID], Score: r.Score})
		}
		return hits, nil
	}

	scored := make([]vectorops.Scored, 0, len(idx.vecs))
	since := time.Now()
	for i, vec := range idx.vecs {
		if err := deadline.CheckEvery(dl, since, i, scanCheckInterval); err != nil {
			return nil, err
		}
		if idx.tombstone[i] {
			continue
		}
		scored = append(scored, vectorops.Scored{ID: uint64(i), Score: vectorops.Dot(query, vec)})
	}

	top := vectorops.TopK(scored, k)
	hits := make([]Hit, len(top))
	for i, s := range top {
		hits[i] = Hit{ID: idx.ids[s.ID], Score: s.Score}
	}
	return hits, nil
}
