package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/memento/internal/errs"
	"github.com/openclaw/memento/internal/store"
)

// Filters is the parsed, closed-set predicate a Recall call composes,
// per spec.md §4.8 step 1/2.
type Filters struct {
	Tags          []string
	Source        string
	SessionID     string
	TextLike      string
	MinImportance *float64
	Since         *int64 // unix seconds, inclusive lower bound
	Before        *int64 // unix seconds, exclusive upper bound
}

var relativeDuration = regexp.MustCompile(`^(\d+)(d|h|m)$`)

// ParseFilters validates the incoming filter map against the closed
// key set spec.md §4.8 names. Any other key is a ValidationError.
func ParseFilters(raw map[string]any) (Filters, error) {
	var f Filters
	for key, val := range raw {
		var err error
		switch key {
		case "tags":
			f.Tags, err = asStringSlice(val)
		case "source":
			f.Source, err = asString(val)
		case "session_id":
			f.SessionID, err = asString(val)
		case "text_like":
			f.TextLike, err = asString(val)
		case "min_importance":
			f.MinImportance, err = asFloatPtr(val)
		case "since":
			f.Since, err = asTimeBound(val)
		case "before":
			f.Before, err = asTimeBound(val)
		default:
			err = errs.NewValidation("filters", fmt.Sprintf("unrecognized filter key %q", key))
		}
		if err != nil {
			return Filters{}, err
		}
	}
	return f, nil
}

// Match reports whether m satisfies f, the full composed predicate of
// spec.md §4.8 step 2 (minus the collection/time-window terms handled
// by the caller).
func (f Filters) Match(m store.Memory) bool {
	if len(f.Tags) > 0 && !anyTagMatches(f.Tags, m.Tags) {
		return false
	}
	if f.Source != "" && f.Source != m.Source {
		return false
	}
	if f.SessionID != "" && f.SessionID != m.SessionID {
		return false
	}
	if f.TextLike != "" && !strings.Contains(strings.ToLower(m.Text), strings.ToLower(f.TextLike)) {
		return false
	}
	if f.MinImportance != nil && m.Importance < *f.MinImportance {
		return false
	}
	if f.Since != nil && m.Timestamp < *f.Since {
		return false
	}
	if f.Before != nil && m.Timestamp >= *f.Before {
		return false
	}
	return true
}

func anyTagMatches(want, have []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, w := range want {
		if set[w] {
			return true
		}
	}
	return false
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errs.NewValidation("filters", "expected a string value")
	}
	return s, nil
}

func asStringSlice(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, errs.NewValidation("filters", "tags must be strings")
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, errs.NewValidation("filters", "tags must be a list of strings")
	}
}

func asFloatPtr(v any) (*float64, error) {
	switch t := v.(type) {
	case float64:
		return &t, nil
	case float32:
		f := float64(t)
		return &f, nil
	case int:
		f := float64(t)
		return &f, nil
	default:
		return nil, errs.NewValidation("filters", "min_importance must be numeric")
	}
}

// asTimeBound parses either a relative duration ("7d", "24h", "30m")
// or an ISO-8601 absolute timestamp, per spec.md §4.8 step 1.
// Relative durations resolve against time.Now() at parse time.
func asTimeBound(v any) (*int64, error) {
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	if m := relativeDuration.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		var d time.Duration
		switch m[2] {
		case "d":
			d = time.Duration(n) * 24 * time.Hour
		case "h":
			d = time.Duration(n) * time.Hour
		case "m":
			d = time.Duration(n) * time.Minute
		}
		ts := time.Now().Add(-d).Unix()
		return &ts, nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			ts := t.Unix()
			return &ts, nil
		}
	}
	return nil, errs.NewValidation("filters", fmt.Sprintf("unparseable time bound %q", s))
}
