package store

import (
	"strings"

	"github.com/openclaw/memento/internal/errs"
)

const (
	maxTextBytes  = 100_000
	maxTags       = 50
	maxTagBytes   = 64
	maxShortField = 128
)

// normalizeOptions fills defaults and clamps out-of-range values,
// per spec.md §4.6's validation rules ("clamp rather than reject" for
// importance).
func normalizeOptions(opts RememberOptions) RememberOptions {
	if opts.Collection == "" {
		opts.Collection = "knowledge"
	}
	if opts.Source == "" {
		opts.Source = "unknown"
	}
	if opts.SessionID == "" {
		opts.SessionID = "default"
	}
	importance := 0.5
	if opts.Importance != nil {
		importance = *opts.Importance
	}
	if importance < 0 {
		importance = 0
	}
	if importance > 1 {
		importance = 1
	}
	opts.Importance = &importance
	opts.Tags = dedupTags(opts.Tags)
	return opts
}

func dedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// validateRemember rejects input that violates spec.md §3/§4.6's hard
// constraints. Importance is clamped upstream in normalizeOptions, not
// validated here — it is never rejected.
func validateRemember(text string, opts RememberOptions) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return errs.NewValidation("text", "empty after trimming whitespace")
	}
	if len(text) > maxTextBytes {
		return errs.NewValidation("text", "exceeds 100000 bytes")
	}
	if len(opts.Tags) > maxTags {
		return errs.NewValidation("tags", "more than 50 tags")
	}
	for _, t := range opts.Tags {
		if len(t) > maxTagBytes {
			return errs.NewValidation("tags", "a tag exceeds 64 bytes")
		}
		if !isValidTag(t) {
			return errs.NewValidation("tags", "tag contains characters outside [A-Za-z0-9_-]")
		}
	}
	if len(opts.Source) > maxShortField {
		return errs.NewValidation("source", "exceeds 128 bytes")
	}
	if len(opts.SessionID) > maxShortField {
		return errs.NewValidation("session_id", "exceeds 128 bytes")
	}
	return nil
}

func isValidTag(t string) bool {
	if t == "" {
		return false
	}
	for _, r := range t {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
