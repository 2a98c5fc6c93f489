// Package embedcache implements memento's two-tier, content-addressed
// embedding cache: an in-memory LRU in front of a persistent table
// owned by the storage layer. Keys are blake2b-256 of the NFC form of
// the input text, so re-embedding the same text — even across process
// restarts — is a cache hit rather than a fresh encoder call.
package embedcache

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/openclaw/memento/internal/textnorm"
)

// Hash identifies a cache entry: blake2b-256 of NFC(text).
type Hash [32]byte

// HashText computes the cache key for text.
func HashText(text string) Hash {
	return blake2b.Sum256([]byte(textnorm.NFC(text)))
}

// Backend is the persistent tier embedcache reads through and writes
// through to. internal/store implements it; embedcache never touches
// database/sql directly, keeping the two-tier contract narrow and
// independently testable.
type Backend interface {
	GetEmbedding(h Hash) (vec []float32, ok bool, err error)
	PutEmbedding(h Hash, vec []float32) error
}

// Stats summarizes cache performance since construction.
type Stats struct {
	Hits        int64
	Misses      int64
	LRUHits     int64
	DiskHits    int64
	HitRate     float64
	BackendName string
}

// Cache is memento's two-tier embed cache: LRU front, persistent
// table behind. It is safe for concurrent use.
type Cache struct {
	lru         *lru.Cache
	backend     Backend
	backendName string
	group       singleflight.Group

	hits, misses, lruHits, diskHits atomic.Int64
}

// New constructs a Cache with an LRU front of the given capacity
// (spec.md default 1000) over backend.
func New(capacity int, backend Backend, backendName string) (*Cache, error) {
	if capacity <= 0 {
		capacity = 1000
	}
	l, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("embedcache: new lru: %w", err)
	}
	return &Cache{lru: l, backend: backend, backendName: backendName}, nil
}

// Get looks up text's embedding. bypass disables both the LRU and the
// persistent tier for this call, per spec.md's per-call bypass flag.
func (c *Cache) Get(text string, bypass bool) (vec []float32, hit bool, err error) {
	if bypass {
		return nil, false, nil
	}
	h := HashText(text)
	return c.getHash(h)
}

func (c *Cache) getHash(h Hash) ([]float32, bool, error) {
	if v, ok := c.lru.Get(h); ok {
		c.hits.Add(1)
		c.lruHits.Add(1)
		return v.([]float32), true, nil
	}

	vec, ok, err := c.backend.GetEmbedding(h)
	if err != nil {
		return nil, false, fmt.Errorf("embedcache: backend get: %w", err)
	}
	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}

	// Promote disk hit into the LRU.
	c.lru.Add(h, vec)
	c.hits.Add(1)
	c.diskHits.Add(1)
	return vec, true, nil
}

// Put inserts text's embedding into both tiers. bypass disables both
// writes for this call; the embedding is still returned to the caller
// by the embedder layer, it simply never enters the cache.
func (c *Cache) Put(text string, vec []float32, bypass bool) error {
	if bypass {
		return nil
	}
	h := HashText(text)
	return c.putHash(h, vec)
}

func (c *Cache) putHash(h Hash, vec []float32) error {
	c.lru.Add(h, vec)
	if err := c.backend.PutEmbedding(h, vec); err != nil {
		return fmt.Errorf("embedcache: backend put: %w", err)
	}
	return nil
}

// GetOrCompute de-duplicates concurrent misses for the same text: if N
// goroutines call GetOrCompute for the same text at once and it is not
// cached, compute runs exactly once and every caller observes its
// result — spec.md §4.3's "N concurrent callers cause exactly one
// encoder call." bypass skips the cache entirely (both read and
// write) but still de-duplicates concurrent computation of the same
// text, since that's a property of the call, not of the cache tiers.
func (c *Cache) GetOrCompute(text string, bypass bool, compute func() ([]float32, error)) (vec []float32, hit bool, err error) {
	if !bypass {
		if v, ok, err := c.Get(text, false); err != nil {
			return nil, false, err
		} else if ok {
			return v, true, nil
		}
	}

	h := HashText(text)
	key := string(h[:])
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the singleflight key in case another goroutine
		// already populated the cache while we were queued behind it.
		if !bypass {
			if cached, ok, err := c.getHash(h); err != nil {
				return nil, err
			} else if ok {
				return cached, nil
			}
		}
		computed, err := compute()
		if err != nil {
			return nil, err
		}
		if !bypass {
			if err := c.putHash(h, computed); err != nil {
				return nil, err
			}
		}
		return computed, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]float32), false, nil
}

// Stats returns a snapshot of cache hit/miss counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	var rate float64
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:        hits,
		Misses:      misses,
		LRUHits:     c.lruHits.Load(),
		DiskHits:    c.diskHits.Load(),
		HitRate:     rate,
		BackendName: c.backendName,
	}
}

// Clear evicts every entry from the in-memory LRU tier only. The
// persistent tier is untouched — per spec.md's Lifecycle rule,
// persistent entries are only removed by an explicit clear_cache on
// the backend or a wholesale vacuum, never implicitly.
func (c *Cache) Clear() {
	c.lru.Purge()
}
