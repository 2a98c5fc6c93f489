// Package deadline implements memento's wall-clock cancellation
// primitive. It is deliberately not built on process signals: a
// SIGALRM-based timeout only fires on the thread that installed it,
// which breaks the moment a query runs on any goroutine other than
// the one that issued the signal. A *Deadline is just a time.Time,
// passed down the call stack and checked explicitly — it works
// identically from any goroutine.
package deadline

import (
	"time"

	"github.com/openclaw/memento/internal/errs"
)

// Deadline is a wall-clock instant beyond which an operation must
// abort with a TimeoutError. The zero value (via None) never expires.
type Deadline struct {
	at      time.Time
	enabled bool
}

// New returns a Deadline timeoutMS milliseconds from now. timeoutMS
// <= 0 means "no deadline", matching spec.md's `timeout_ms = 0` rule.
func New(timeoutMS int64) Deadline {
	if timeoutMS <= 0 {
		return None()
	}
	return Deadline{at: time.Now().Add(time.Duration(timeoutMS) * time.Millisecond), enabled: true}
}

// None returns a Deadline that never expires.
func None() Deadline {
	return Deadline{}
}

// Check returns an *errs.TimeoutError if the deadline has passed, and
// nil otherwise. elapsed is measured from `since`, the instant the
// enclosing operation started — not from the deadline itself — so the
// error reports how long the caller actually waited.
func (d Deadline) Check(since time.Time) error {
	if !d.enabled {
		return nil
	}
	if time.Now().After(d.at) {
		elapsed := time.Since(since)
		return errs.NewTimeout(elapsed.Milliseconds())
	}
	return nil
}

// Remaining returns the time left before the deadline, or the maximum
// duration if there is no deadline. A negative result means the
// deadline has already passed.
func (d Deadline) Remaining() time.Duration {
	if !d.enabled {
		return time.Duration(1<<63 - 1)
	}
	return time.Until(d.at)
}

// Expired reports whether the deadline has passed. A Deadline with no
// expiry (None) never expires.
func (d Deadline) Expired() bool {
	if !d.enabled {
		return false
	}
	return time.Now().After(d.at)
}

// Enabled reports whether this Deadline carries a real expiry.
func (d Deadline) Enabled() bool {
	return d.enabled
}

// CheckEvery is a convenience for the brute-force scan loop: call it
// every `interval` iterations (e.g. every 4096 candidates per spec.md
// §5) and it checks the deadline only on the intervals that matter,
// avoiding a syscall-backed time.Now() call per candidate.
func CheckEvery(d Deadline, since time.Time, i, interval int) error {
	if interval <= 0 || i%interval != 0 {
		return nil
	}
	return d.Check(since)
}
