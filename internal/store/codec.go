package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/openclaw/memento/internal/errs"
)

// encodeVector serializes a float32 slice as little-endian IEEE-754
// bytes, the on-disk BLOB format spec.md §6 specifies for embeddings
// (and, reused here, for embed-cache vectors).
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector is encodeVector's inverse.
func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, errs.NewInternal(fmt.Sprintf("vector blob length %d is not a multiple of 4", len(buf)))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}

// encodeTags serializes tags as a JSON array, the on-disk format
// spec.md §6 specifies for the tags column.
func encodeTags(tags []string) (string, error) {
	b, err := json.Marshal(tags)
	if err != nil {
		return "", errs.NewInternal(fmt.Sprintf("marshal tags: %v", err))
	}
	return string(b), nil
}

// decodeTags is encodeTags's inverse.
func decodeTags(s string) ([]string, error) {
	var tags []string
	if s == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, errs.NewInternal(fmt.Sprintf("unmarshal tags: %v", err))
	}
	return tags, nil
}
