package extract

import (
	"testing"
	"time"

	"github.com/hurttlocker/understory/internal/store"
)

func TestParseDueDate(t *testing.T) {
	got, err := parseDueDate("2026-03-15")
	if err != nil {
		t.Fatalf("parseDueDate: %v", err)
	}
	if want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	got, err = parseDueDate("2026-03-15T17:30")
	if err != nil {
		t.Fatalf("parseDueDate with time: %v", err)
	}
	if got.Hour() != 17 || got.Minute() != 30 {
		t.Errorf("got %v, want 17:30", got)
	}

	if _, err := parseDueDate("next-friday"); err == nil {
		t.Error("expected error for non-date value")
	}
	if _, err := parseDueDate("2026-13-40"); err == nil {
		t.Error("expected error for impossible date")
	}
}

func TestScanDirectives_DoneBeatsGoal(t *testing.T) {
	e := New()
	var res Result
	if !e.scanDirectives("[done] [goal] ship it", &res) {
		t.Fatal("line not consumed")
	}
	if len(res.Candidates) != 0 {
		t.Errorf("expected no candidates, got %d", len(res.Candidates))
	}
	if len(res.Done) != 1 {
		t.Fatalf("expected 1 done phrase, got %d", len(res.Done))
	}
}

func TestScanDirectives_GoalBeatsRemember(t *testing.T) {
	e := New()
	var res Result
	if !e.scanDirectives("[remember] [goal] ship the importer", &res) {
		t.Fatal("line not consumed")
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(res.Candidates))
	}
	if res.Candidates[0].FactType != store.FactTypeGoal {
		t.Errorf("fact type = %q, want goal", res.Candidates[0].FactType)
	}
}

// An empty directive body consumes the line without emitting anything.
func TestScanDirectives_EmptyBody(t *testing.T) {
	e := New()
	var res Result
	if !e.scanDirectives("[remember]   ", &res) {
		t.Fatal("line not consumed")
	}
	if !res.Empty() {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestScanDirectives_CaseInsensitive(t *testing.T) {
	e := New()
	var res Result
	if !e.scanDirectives("[GOAL DUE:2026-01-15] Renew the TLS cert", &res) {
		t.Fatal("line not consumed")
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(res.Candidates))
	}
	c := res.Candidates[0]
	if c.Deadline == nil {
		t.Fatal("expected a deadline")
	}
	if c.Deadline.Year() != 2026 || c.Deadline.Month() != time.January || c.Deadline.Day() != 15 {
		t.Errorf("deadline = %v", c.Deadline)
	}
}

func TestScanDirectives_PlainLineNotConsumed(t *testing.T) {
	e := New()
	var res Result
	if e.scanDirectives("I prefer dark mode in my editor.", &res) {
		t.Fatal("plain line should not be consumed")
	}
}
