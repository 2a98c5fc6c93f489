package embedder

import (
	"math/rand"

	"golang.org/x/crypto/blake2b"

	"github.com/openclaw/memento/internal/textnorm"
	"github.com/openclaw/memento/internal/vectorops"
)

// fallbackVector derives a deterministic unit vector from text's
// blake2b-512 hash, used only when the encoder is unavailable and the
// caller opted into degraded service. It is never written to the
// embed cache and never mixed with encoder-produced vectors in the
// same collection without the caller's knowledge — callers that use
// it are expected to tag the resulting memory accordingly.
func fallbackVector(text string) []float32 {
	sum := blake2b.Sum512([]byte(textnorm.NFC(text)))

	var seed int64
	for i := 0; i < 8; i++ {
		seed = seed<<8 | int64(sum[i])
	}
	r := rand.New(rand.NewSource(seed))

	vec := make([]float32, vectorops.Dim)
	for i := range vec {
		vec[i] = r.Float32()*2 - 1
	}
	out, _ := vectorops.Normalize(vec)
	return out
}
