package vectorindex

import (
	"math/rand"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openclaw/memento/internal/deadline"
	"github.com/openclaw/memento/internal/vectorops"
)

func unit(dim int, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

func idOf(b byte) ID {
	var id ID
	id[0] = b
	return id
}

func TestAppendAndSearchBruteForce(t *testing.T) {
	idx := New(1000, zerolog.Nop())
	idx.Append(idOf(1), unit(vectorops.Dim, 0))
	idx.Append(idOf(2), unit(vectorops.Dim, 1))
	idx.Append(idOf(3), unit(vectorops.Dim, 2))

	hits, err := idx.Search(unit(vectorops.Dim, 1), 2, deadline.None())
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ID != idOf(2) {
		t.Fatalf("expected exact match id=2 to rank first, got %+v", hits[0])
	}
}

func TestDeleteTombstonesEntry(t *testing.T) {
	idx := New(1000, zerolog.Nop())
	idx.Append(idOf(1), unit(vectorops.Dim, 0))
	idx.Append(idOf(2), unit(vectorops.Dim, 1))

	if !idx.Delete(idOf(1)) {
		t.Fatal("expected delete to report true for a present id")
	}
	if idx.Delete(idOf(1)) {
		t.Fatal("expected second delete of the same id to report false")
	}
	if idx.Len() != 1 {
		t.Fatalf("expected 1 live entry after delete, got %d", idx.Len())
	}

	hits, err := idx.Search(unit(vectorops.Dim, 0), 5, deadline.None())
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if h.ID == idOf(1) {
			t.Fatal("expected deleted id to never appear in search results")
		}
	}
}

func TestResetRehydratesFromScratch(t *testing.T) {
	idx := New(1000, zerolog.Nop())
	idx.Append(idOf(9), unit(vectorops.Dim, 0))

	ids := []ID{idOf(1), idOf(2)}
	vecs := [][]float32{unit(vectorops.Dim, 0), unit(vectorops.Dim, 1)}
	idx.Reset(ids, vecs)

	if idx.Len() != 2 {
		t.Fatalf("expected 2 entries after reset, got %d", idx.Len())
	}
	hits, err := idx.Search(unit(vectorops.Dim, 1), 1, deadline.None())
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != idOf(2) {
		t.Fatalf("unexpected hits after reset: %+v", hits)
	}
}

func TestGraphBackendActivatesPastThreshold(t *testing.T) {
	const threshold = 50
	idx := New(threshold, zerolog.Nop())
	// Distinct random unit vectors: one-hot vectors would all score 0
	// against each other, and a graph cannot reproduce brute force's
	// order among that many ties, so recall validation would reject it.
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < threshold+5; i++ {
		var id ID
		id[0] = byte(i)
		id[1] = byte(i >> 8)
		v := make([]float32, vectorops.Dim)
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		v, _ = vectorops.Normalize(v)
		idx.Append(id, v)
	}
	if !idx.graphReady {
		t.Fatal("expected graph backend to activate once past threshold")
	}
}
