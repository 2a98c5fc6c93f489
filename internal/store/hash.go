package store

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/openclaw/memento/internal/textnorm"
)

// ID is memento's 128-bit memory identifier: a blake2b truncation,
// not the source's 16-hex-character SHA truncation (spec.md §9 flags
// that as collision-prone at moderate scale).
type ID [16]byte

// String renders id as lowercase hex, the form accepted by ParseID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseID parses the hex form String produces.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse id: %w", err)
	}
	if len(b) != 16 {
		return ID{}, fmt.Errorf("parse id: want 16 bytes, got %d", len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// DeriveID computes a memory's id from its (NFC-normalized text,
// source, session, timestamp) tuple, per spec.md §3. Two rememberers
// of the same tuple derive the same id, which is what makes
// re-remembering idempotent.
func DeriveID(text, source, session string, ts int64) ID {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(textnorm.NFC(text)))
	h.Write([]byte{0})
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(session))
	h.Write([]byte{0})
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(ts))
	h.Write(tsBuf[:])

	var id ID
	copy(id[:], h.Sum(nil))
	return id
}
