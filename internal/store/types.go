package store

import "time"

// Memory is the atomic record memento stores, per spec.md §3.
type Memory struct {
	ID         ID
	Text       string
	Timestamp  int64 // seconds since epoch
	Source     string
	SessionID  string
	Importance float64
	Tags       []string
	Collection string
	Embedding  []float32
}

// RememberOptions are the caller-supplied fields for Remember; zero
// values take spec.md §3's defaults.
type RememberOptions struct {
	Collection string
	// Importance is clamped to [0,1] if set; nil takes spec.md §3's
	// default of 0.5. A pointer so an explicit, legal Importance: 0 is
	// distinguishable from "caller didn't set it" — a plain float64
	// zero value can't carry that distinction.
	Importance *float64
	Source     string
	SessionID  string
	Tags       []string
	Timestamp  time.Time // zero value means "now"

	// AllowFallback opts this call into the embedder's deterministic
	// fallback vector (spec.md §4.4) if the encoder is unavailable,
	// independent of the Embedder's own Config.AllowFallback. Store
	// itself never reads this field — it is plumbed through by
	// memento.Engine.Remember, which is the layer that calls Embed.
	AllowFallback bool
}

// Stats summarizes the store's contents, per spec.md §4.6.
type Stats struct {
	PerCollection map[string]int
	TotalVectors  int
	Backend       string
}
