package resolve

import (
	"context"
	"fmt"
	"testing"

	"github.com/hurttlocker/understory/internal/search"
	"github.com/hurttlocker/understory/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeSearcher hands back canned matches or a canned error.
type fakeSearcher struct {
	matches []search.Match
	err     error
	calls   int
}

func (f *fakeSearcher) Search(ctx context.Context, query string, count int, threshold float64) ([]search.Match, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

func insertFact(t *testing.T, s store.Store, f *store.Fact) int64 {
	t.Helper()
	id, err := s.InsertFact(context.Background(), f)
	if err != nil {
		t.Fatalf("inserting fixture fact: %v", err)
	}
	return id
}

func TestResolve_NoMatchAnywhere(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s, &fakeSearcher{}, nil, Options{})

	d, err := r.Resolve(context.Background(), "Prefers dark mode in the editor", store.FactTypePreference, "cli")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindNoMatch {
		t.Errorf("kind = %v, want no-match", d.Kind)
	}
}

func TestResolve_MergeAboveThreshold(t *testing.T) {
	s := newTestStore(t)
	id := insertFact(t, s, &store.Fact{
		Content:       "Prefers dark mode in the editor",
		FactType:      store.FactTypePreference,
		SourceChannel: "email",
	})
	searcher := &fakeSearcher{matches: []search.Match{
		{ID: id, FactType: store.FactTypePreference, Similarity: 0.95},
	}}
	r := NewResolver(s, searcher, nil, Options{})

	d, err := r.Resolve(context.Background(), "Prefers dark mode in every editor", store.FactTypePreference, "telegram")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindMerge {
		t.Fatalf("kind = %v, want merge", d.Kind)
	}
	if d.Target == nil || d.Target.ID != id {
		t.Errorf("target = %+v, want fact %d", d.Target, id)
	}
	if d.Similarity != 0.95 {
		t.Errorf("similarity = %v, want 0.95", d.Similarity)
	}
}

func TestResolve_ThresholdBoundary(t *testing.T) {
	s := newTestStore(t)
	id := insertFact(t, s, &store.Fact{
		Content:       "The standup moved to 9:30 on Mondays",
		SourceChannel: "email",
	})

	for _, tc := range []struct {
		similarity float64
		want       Kind
	}{
		{0.93, KindMerge},
		{0.92, KindConflict},
	} {
		searcher := &fakeSearcher{matches: []search.Match{
			{ID: id, FactType: store.FactTypeFact, Similarity: tc.similarity},
		}}
		r := NewResolver(s, searcher, nil, Options{})
		d, err := r.Resolve(context.Background(), "The standup now starts at 9:30 on Mondays", store.FactTypeFact, "telegram")
		if err != nil {
			t.Fatalf("Resolve at %v: %v", tc.similarity, err)
		}
		if d.Kind != tc.want {
			t.Errorf("similarity %v: kind = %v, want %v", tc.similarity, d.Kind, tc.want)
		}
	}
}

func TestResolve_PrefersSameTypeMatch(t *testing.T) {
	s := newTestStore(t)
	factID := insertFact(t, s, &store.Fact{
		Content:       "Works from the Berlin office most weeks",
		FactType:      store.FactTypeFact,
		SourceChannel: "email",
	})
	prefID := insertFact(t, s, &store.Fact{
		Content:       "Prefers working from the Berlin office",
		FactType:      store.FactTypePreference,
		SourceChannel: "email",
	})
	searcher := &fakeSearcher{matches: []search.Match{
		{ID: factID, FactType: store.FactTypeFact, Similarity: 0.96},
		{ID: prefID, FactType: store.FactTypePreference, Similarity: 0.90},
	}}
	r := NewResolver(s, searcher, nil, Options{})

	d, err := r.Resolve(context.Background(), "Prefers the Berlin office for deep work", store.FactTypePreference, "telegram")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Target == nil || d.Target.ID != prefID {
		t.Fatalf("target = %+v, want same-type fact %d", d.Target, prefID)
	}
	if d.Kind != KindConflict {
		t.Errorf("kind = %v, want conflict at 0.90", d.Kind)
	}
}

func TestResolve_SameChannelRepeatSkips(t *testing.T) {
	s := newTestStore(t)
	id := insertFact(t, s, &store.Fact{
		Content:       "Prefers dark mode in the editor",
		FactType:      store.FactTypePreference,
		SourceChannel: "telegram",
	})
	searcher := &fakeSearcher{matches: []search.Match{
		{ID: id, FactType: store.FactTypePreference, Similarity: 0.97},
	}}
	r := NewResolver(s, searcher, nil, Options{})

	d, err := r.Resolve(context.Background(), "Dark mode preferred in the editor", store.FactTypePreference, "telegram")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindSkip {
		t.Errorf("kind = %v, want skip", d.Kind)
	}
}

// A channel that corroborated the fact earlier counts the same as the
// original source channel.
func TestResolve_MergedChannelAlsoSkips(t *testing.T) {
	s := newTestStore(t)
	id := insertFact(t, s, &store.Fact{
		Content:       "Prefers dark mode in the editor",
		FactType:      store.FactTypePreference,
		SourceChannel: "email",
		Metadata:      &store.FactMetadata{Channels: []string{"email", "telegram"}},
	})
	searcher := &fakeSearcher{matches: []search.Match{
		{ID: id, FactType: store.FactTypePreference, Similarity: 0.97},
	}}
	r := NewResolver(s, searcher, nil, Options{})

	d, err := r.Resolve(context.Background(), "Dark mode preferred in the editor", store.FactTypePreference, "telegram")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindSkip {
		t.Errorf("kind = %v, want skip", d.Kind)
	}
}

func TestResolve_ConflictIgnoresChannel(t *testing.T) {
	s := newTestStore(t)
	id := insertFact(t, s, &store.Fact{
		Content:       "Uses the gym on 5th street after work",
		FactType:      store.FactTypeFact,
		SourceChannel: "telegram",
	})
	searcher := &fakeSearcher{matches: []search.Match{
		{ID: id, FactType: store.FactTypeFact, Similarity: 0.88},
	}}
	r := NewResolver(s, searcher, nil, Options{})

	d, err := r.Resolve(context.Background(), "No longer uses the gym on 5th street", store.FactTypeFact, "telegram")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindConflict {
		t.Errorf("kind = %v, want conflict even on the same channel", d.Kind)
	}
}

func TestResolve_BackendErrorFallsBack(t *testing.T) {
	s := newTestStore(t)
	insertFact(t, s, &store.Fact{
		Content:       "The quarterly planning doc lives in the shared drive folder",
		SourceChannel: "email",
	})
	searcher := &fakeSearcher{err: fmt.Errorf("connection refused")}
	r := NewResolver(s, searcher, nil, Options{})

	d, err := r.Resolve(context.Background(), "The quarterly planning doc lives in the shared drive folder", store.FactTypeFact, "telegram")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindMerge {
		t.Fatalf("kind = %v, want fallback merge", d.Kind)
	}
	if !d.Fallback {
		t.Error("expected Fallback to be set")
	}
	if d.Similarity != 0 {
		t.Errorf("fallback similarity = %v, want 0", d.Similarity)
	}
}

func TestResolve_EmptyBackendStillFallsBack(t *testing.T) {
	s := newTestStore(t)
	insertFact(t, s, &store.Fact{
		Content:       "The quarterly planning doc lives in the shared drive folder",
		SourceChannel: "email",
	})
	r := NewResolver(s, &fakeSearcher{}, nil, Options{})

	d, err := r.Resolve(context.Background(), "The quarterly planning doc lives in the shared drive folder", store.FactTypeFact, "telegram")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindMerge || !d.Fallback {
		t.Errorf("kind = %v fallback = %v, want fallback merge", d.Kind, d.Fallback)
	}
}

func TestResolve_StaleMatchFallsToNext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	oldID := insertFact(t, s, &store.Fact{
		Content:       "Uses the gym on 5th street",
		FactType:      store.FactTypeFact,
		SourceChannel: "email",
	})
	newID := insertFact(t, s, &store.Fact{
		Content:       "Uses the downtown gym now",
		FactType:      store.FactTypeFact,
		SourceChannel: "email",
	})
	if err := s.SupersedeFact(ctx, oldID, newID, "update"); err != nil {
		t.Fatalf("SupersedeFact: %v", err)
	}

	searcher := &fakeSearcher{matches: []search.Match{
		{ID: oldID, FactType: store.FactTypeFact, Similarity: 0.95},
		{ID: newID, FactType: store.FactTypeFact, Similarity: 0.94},
	}}
	r := NewResolver(s, searcher, nil, Options{})

	d, err := r.Resolve(ctx, "Goes to the downtown gym these days", store.FactTypeFact, "telegram")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindMerge {
		t.Fatalf("kind = %v, want merge", d.Kind)
	}
	if d.Target == nil || d.Target.ID != newID {
		t.Errorf("target = %+v, want live fact %d", d.Target, newID)
	}
}

func TestTextualNearMatch(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"prefers dark mode in the editor", "prefers dark mode in the editor", true},
		{"prefers dark mode in the editor", "prefers dark mode in the editor and terminal", true},
		{"the deploy pipeline", "the deploy pipeline for the analytics cluster runs every night", false}, // length ratio too low
		{"prefers dark mode", "allergic to shellfish", false},
		{"", "anything", false},
	}
	for _, tc := range cases {
		if got := textualNearMatch(tc.a, tc.b, 0.7, 60); got != tc.want {
			t.Errorf("textualNearMatch(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
