// Package errs implements memento's closed error taxonomy. Every error
// that crosses a package boundary in this module is one of the kinds
// named here; there is no bare-except control flow and no silent
// catches beyond the two recoveries the taxonomy documents explicitly
// (Storage{Locked} back-off and opt-in embedding fallback).
package errs

import "fmt"

// ValidationError reports that caller input violated a data-model
// constraint (§3 of the spec). Never retryable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidation constructs a ValidationError.
func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StorageKind enumerates the ways the storage layer can fail.
type StorageKind int

const (
	StorageUnknown StorageKind = iota
	StorageCorrupt
	StorageLocked
	StorageIO
	StorageSchema
)

func (k StorageKind) String() string {
	switch k {
	case StorageCorrupt:
		return "corrupt"
	case StorageLocked:
		return "locked"
	case StorageIO:
		return "io"
	case StorageSchema:
		return "schema"
	default:
		return "unknown"
	}
}

// StorageError wraps a failure from the persistence layer.
type StorageError struct {
	Kind StorageKind
	Err  error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage[%s]: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("storage[%s]", e.Kind)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorage constructs a StorageError of the given kind.
func NewStorage(kind StorageKind, err error) error {
	return &StorageError{Kind: kind, Err: err}
}

// EmbeddingKind enumerates the ways the embedding layer can fail.
type EmbeddingKind int

const (
	EmbeddingUnknown EmbeddingKind = iota
	EmbeddingEncoder
	EmbeddingTokenizer
	EmbeddingUnavailable
)

func (k EmbeddingKind) String() string {
	switch k {
	case EmbeddingEncoder:
		return "encoder"
	case EmbeddingTokenizer:
		return "tokenizer"
	case EmbeddingUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// EmbeddingError wraps a failure from the encoder/embedder layer.
type EmbeddingError struct {
	Kind EmbeddingKind
	Err  error
}

func (e *EmbeddingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding[%s]: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("embedding[%s]", e.Kind)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// NewEmbedding constructs an EmbeddingError of the given kind.
func NewEmbedding(kind EmbeddingKind, err error) error {
	return &EmbeddingError{Kind: kind, Err: err}
}

// TimeoutError reports that a recall exceeded its deadline. The
// partial result set is always discarded by the caller — only this
// error is ever returned, per spec.md's "never partial results" rule.
type TimeoutError struct {
	ElapsedMS int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %dms", e.ElapsedMS)
}

// NewTimeout constructs a TimeoutError.
func NewTimeout(elapsedMS int64) error {
	return &TimeoutError{ElapsedMS: elapsedMS}
}

// NotFoundError reports that an id was not resolvable. Store.Delete
// reports this case as a plain `false` return instead of this error
// (spec.md §4.6); this type exists for lookup-style operations
// (get_by_id) where "not found" is exceptional rather than routine.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.ID)
}

// NewNotFound constructs a NotFoundError.
func NewNotFound(id string) error {
	return &NotFoundError{ID: id}
}

// InternalError reports an invariant violation: a non-unit embedding,
// an index/table mismatch, or similar state that should never occur.
// internal/errs never logs itself — it has no logger — so any log line
// comes from the caller: internal/query logs at Error level before
// returning one; the internal/store codec returns one without logging.
type InternalError struct {
	Reason string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal invariant violated: %s", e.Reason)
}

// NewInternal constructs an InternalError.
func NewInternal(reason string) error {
	return &InternalError{Reason: reason}
}
