package query

import (
	"testing"
	"time"

	"github.com/openclaw/memento/internal/store"
)

func TestParseFiltersRejectsUnknownKey(t *testing.T) {
	_, err := ParseFilters(map[string]any{"bogus": "x"})
	if err == nil {
		t.Fatal("expected a ValidationError for an unrecognized filter key")
	}
}

func TestParseFiltersTagsSourceSessionTextLike(t *testing.T) {
	f, err := ParseFilters(map[string]any{
		"tags":       []any{"work", "urgent"},
		"source":     "cli",
		"session_id": "s1",
		"text_like":  "MEETING",
	})
	if err != nil {
		t.Fatal(err)
	}

	match := store.Memory{Tags: []string{"work"}, Source: "cli", SessionID: "s1", Text: "team meeting at 3pm"}
	if !f.Match(match) {
		t.Error("expected match")
	}

	noTag := match
	noTag.Tags = []string{"other"}
	if f.Match(noTag) {
		t.Error("expected no match when tags don't intersect")
	}
}

func TestParseFiltersMinImportance(t *testing.T) {
	f, err := ParseFilters(map[string]any{"min_importance": 0.7})
	if err != nil {
		t.Fatal(err)
	}
	if f.Match(store.Memory{Importance: 0.5}) {
		t.Error("expected reject below threshold")
	}
	if !f.Match(store.Memory{Importance: 0.8}) {
		t.Error("expected accept above threshold")
	}
}

func TestParseFiltersRelativeSince(t *testing.T) {
	f, err := ParseFilters(map[string]any{"since": "1h"})
	if err != nil {
		t.Fatal(err)
	}
	if f.Since == nil {
		t.Fatal("expected Since to be set")
	}
	wantFloor := time.Now().Add(-61 * time.Minute).Unix()
	if *f.Since < wantFloor {
		t.Errorf("since bound too far in the past: %d < %d", *f.Since, wantFloor)
	}

	recent := store.Memory{Timestamp: time.Now().Unix()}
	if !f.Match(recent) {
		t.Error("expected recent memory to satisfy a 1h since bound")
	}
	old := store.Memory{Timestamp: time.Now().Add(-2 * time.Hour).Unix()}
	if f.Match(old) {
		t.Error("expected a 2h-old memory to fail a 1h since bound")
	}
}

func TestParseFiltersISO8601Before(t *testing.T) {
	f, err := ParseFilters(map[string]any{"before": "2020-01-01"})
	if err != nil {
		t.Fatal(err)
	}
	before := store.Memory{Timestamp: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC).Unix()}
	after := store.Memory{Timestamp: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC).Unix()}
	if !f.Match(before) {
		t.Error("expected 2019 memory to satisfy before=2020-01-01")
	}
	if f.Match(after) {
		t.Error("expected 2021 memory to fail before=2020-01-01")
	}
}
