package resolve

import (
	"context"
	"math"
	"testing"

	"github.com/hurttlocker/understory/internal/extract"
	"github.com/hurttlocker/understory/internal/search"
	"github.com/hurttlocker/understory/internal/store"
)

func newTestEngine(t *testing.T, s store.Store, searcher Searcher) *Engine {
	t.Helper()
	return NewEngine(s, searcher, nil, Options{})
}

func prefCandidate(content string) extract.Candidate {
	return extract.Candidate{
		Content:    content,
		FactType:   store.FactTypePreference,
		Category:   store.CategoryTechnical,
		Confidence: 0.7,
		Method:     store.MethodPattern,
	}
}

func TestApply_InsertsNewFact(t *testing.T) {
	s := newTestStore(t)
	e := newTestEngine(t, s, &fakeSearcher{})
	ctx := context.Background()

	out, err := e.Apply(ctx, prefCandidate("Prefers dark mode in the editor"), "cli", "run-1")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Action != ActionInserted {
		t.Fatalf("action = %q, want inserted", out.Action)
	}
	if out.FactID == 0 {
		t.Fatal("expected a fact id")
	}

	f, err := s.GetFact(ctx, out.FactID)
	if err != nil || f == nil {
		t.Fatalf("GetFact: %v, %v", f, err)
	}
	if f.Confidence != 0.7 {
		t.Errorf("confidence = %v, want candidate confidence 0.7", f.Confidence)
	}
	if f.SourceChannel != "cli" {
		t.Errorf("source channel = %q", f.SourceChannel)
	}

	events, err := s.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 1 || events[0].EventType != store.EventCreated {
		t.Fatalf("events = %+v, want one created event", events)
	}
	if events[0].RunID != "run-1" {
		t.Errorf("run id = %q, want run-1", events[0].RunID)
	}
}

// A duplicate the resolver failed to catch still cannot double-insert; the
// unique index turns it into a logged no-op.
func TestApply_DuplicateInsertIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wide := newTestEngine(t, s, &fakeSearcher{})
	if _, err := wide.Apply(ctx, prefCandidate("Prefers dark mode in the editor"), "cli", "run-1"); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if _, err := wide.Apply(ctx, prefCandidate("Allergic to shellfish and peanuts"), "cli", "run-1"); err != nil {
		t.Fatalf("filler Apply: %v", err)
	}

	// A scan window of one sees only the filler, so resolution misses the
	// duplicate and the insert path has to absorb the unique violation.
	narrow := NewEngine(s, &fakeSearcher{}, nil, Options{FallbackScanLimit: 1})
	out, err := narrow.Apply(ctx, prefCandidate("Prefers dark mode in the editor"), "cli", "run-2")
	if err != nil {
		t.Fatalf("duplicate Apply: %v", err)
	}
	if out.Action != ActionSkipped {
		t.Fatalf("action = %q, want skipped", out.Action)
	}
	if out.FactID != 0 {
		t.Errorf("fact id = %d, want 0 for a no-op", out.FactID)
	}

	facts, err := s.ListFacts(ctx, store.ListOpts{Status: store.FactStatusActive})
	if err != nil {
		t.Fatalf("ListFacts: %v", err)
	}
	if len(facts) != 2 {
		t.Errorf("active facts = %d, want 2", len(facts))
	}
}

func TestApply_MergeCorroborates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newTestEngine(t, s, &fakeSearcher{})

	out, err := e.Apply(ctx, prefCandidate("Prefers dark mode in the editor"), "email", "run-1")
	if err != nil {
		t.Fatalf("seed Apply: %v", err)
	}
	seedID := out.FactID

	merging := newTestEngine(t, s, &fakeSearcher{matches: []search.Match{
		{ID: seedID, FactType: store.FactTypePreference, Similarity: 0.95},
	}})
	out, err = merging.Apply(ctx, prefCandidate("Dark mode preferred in the editor"), "telegram", "run-2")
	if err != nil {
		t.Fatalf("merge Apply: %v", err)
	}
	if out.Action != ActionMerged {
		t.Fatalf("action = %q, want merged", out.Action)
	}
	if out.FactID != seedID {
		t.Errorf("fact id = %d, want merge target %d", out.FactID, seedID)
	}

	f, err := s.GetFact(ctx, seedID)
	if err != nil || f == nil {
		t.Fatalf("GetFact: %v, %v", f, err)
	}
	if math.Abs(f.Confidence-0.75) > 1e-9 {
		t.Errorf("confidence = %v, want 0.75 after one corroboration", f.Confidence)
	}
	if f.Metadata == nil || f.Metadata.Corroborations != 1 {
		t.Errorf("metadata = %+v, want one corroboration", f.Metadata)
	}
	found := false
	if f.Metadata != nil {
		for _, ch := range f.Metadata.Channels {
			if ch == "telegram" {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("channels = %+v, want telegram unioned in", f.Metadata)
	}
}

func TestApply_SameChannelRepeatSkips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newTestEngine(t, s, &fakeSearcher{})

	out, err := e.Apply(ctx, prefCandidate("Prefers dark mode in the editor"), "email", "run-1")
	if err != nil {
		t.Fatalf("seed Apply: %v", err)
	}
	seedID := out.FactID

	repeat := newTestEngine(t, s, &fakeSearcher{matches: []search.Match{
		{ID: seedID, FactType: store.FactTypePreference, Similarity: 0.95},
	}})
	out, err = repeat.Apply(ctx, prefCandidate("Dark mode preferred in the editor"), "email", "run-2")
	if err != nil {
		t.Fatalf("repeat Apply: %v", err)
	}
	if out.Action != ActionSkipped {
		t.Fatalf("action = %q, want skipped", out.Action)
	}

	f, _ := s.GetFact(ctx, seedID)
	if math.Abs(f.Confidence-0.7) > 1e-9 {
		t.Errorf("confidence = %v, want unchanged 0.7", f.Confidence)
	}
}

func TestApply_UpdateSupersedes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newTestEngine(t, s, &fakeSearcher{})

	cand := extract.Candidate{
		Content:    "Uses the gym on 5th street after work",
		FactType:   store.FactTypeFact,
		Category:   store.CategoryPersonal,
		Confidence: 0.5,
		Method:     store.MethodPattern,
	}
	out, err := e.Apply(ctx, cand, "cli", "run-1")
	if err != nil {
		t.Fatalf("seed Apply: %v", err)
	}
	oldID := out.FactID

	updating := newTestEngine(t, s, &fakeSearcher{matches: []search.Match{
		{ID: oldID, FactType: store.FactTypeFact, Similarity: 0.88},
	}})
	incoming := extract.Candidate{
		Content:    "No longer uses the gym on 5th street",
		FactType:   store.FactTypeFact,
		Category:   store.CategoryPersonal,
		Confidence: 0.5,
		Method:     store.MethodPattern,
	}
	out, err = updating.Apply(ctx, incoming, "telegram", "run-2")
	if err != nil {
		t.Fatalf("update Apply: %v", err)
	}
	if out.Action != ActionSuperseded {
		t.Fatalf("action = %q, want superseded", out.Action)
	}
	if out.Verdict != store.ConflictUpdate {
		t.Errorf("verdict = %q, want update", out.Verdict)
	}
	if out.TargetID != oldID {
		t.Errorf("target = %d, want %d", out.TargetID, oldID)
	}

	oldFact, _ := s.GetFact(ctx, oldID)
	if oldFact.Status != store.FactStatusSuperseded {
		t.Errorf("old status = %q, want superseded", oldFact.Status)
	}
	if oldFact.SupersededBy == nil || *oldFact.SupersededBy != out.FactID {
		t.Errorf("superseded_by = %v, want %d", oldFact.SupersededBy, out.FactID)
	}

	newFact, _ := s.GetFact(ctx, out.FactID)
	if newFact.Status != store.FactStatusActive {
		t.Errorf("new status = %q, want active", newFact.Status)
	}
	if math.Abs(newFact.Confidence-0.8) > 1e-9 {
		t.Errorf("new confidence = %v, want 0.8", newFact.Confidence)
	}

	// The conflict record is born resolved.
	open, err := s.OpenConflicts(ctx, 10)
	if err != nil {
		t.Fatalf("OpenConflicts: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open conflicts = %d, want 0", len(open))
	}
	var status, resolution, resolvedBy string
	ss := s.(*store.SQLiteStore)
	err = ss.GetDB().QueryRow(
		"SELECT status, resolution, resolved_by FROM conflicts WHERE fact_a_id = ?", oldID,
	).Scan(&status, &resolution, &resolvedBy)
	if err != nil {
		t.Fatalf("reading conflict row: %v", err)
	}
	if status != store.ConflictStatusResolved || resolution != store.ResolutionKeepB || resolvedBy != "auto" {
		t.Errorf("conflict = %s/%s/%s, want resolved/keep_b/auto", status, resolution, resolvedBy)
	}
}

func TestApply_ContradictionFlags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newTestEngine(t, s, &fakeSearcher{})

	cand := extract.Candidate{
		Content:    "Prefers working from home on project days",
		FactType:   store.FactTypePreference,
		Confidence: 0.7,
		Method:     store.MethodPattern,
	}
	out, err := e.Apply(ctx, cand, "cli", "run-1")
	if err != nil {
		t.Fatalf("seed Apply: %v", err)
	}
	targetID := out.FactID

	flagging := newTestEngine(t, s, &fakeSearcher{matches: []search.Match{
		{ID: targetID, FactType: store.FactTypePreference, Similarity: 0.87},
	}})
	incoming := extract.Candidate{
		Content:    "Does not prefer working from home on project days",
		FactType:   store.FactTypePreference,
		Confidence: 0.7,
		Method:     store.MethodPattern,
	}
	out, err = flagging.Apply(ctx, incoming, "telegram", "run-2")
	if err != nil {
		t.Fatalf("contradiction Apply: %v", err)
	}
	if out.Action != ActionFlagged {
		t.Fatalf("action = %q, want flagged", out.Action)
	}
	if out.Verdict != store.ConflictContradiction {
		t.Errorf("verdict = %q, want contradiction", out.Verdict)
	}

	newFact, _ := s.GetFact(ctx, out.FactID)
	if newFact.Status != store.FactStatusNeedsReview {
		t.Errorf("status = %q, want needs_review", newFact.Status)
	}
	if math.Abs(newFact.Confidence-0.6) > 1e-9 {
		t.Errorf("confidence = %v, want 0.6", newFact.Confidence)
	}

	open, err := s.OpenConflicts(ctx, 10)
	if err != nil {
		t.Fatalf("OpenConflicts: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open conflicts = %d, want 1", len(open))
	}
	c := open[0]
	if c.ConflictType != store.ConflictContradiction {
		t.Errorf("conflict type = %q", c.ConflictType)
	}
	if c.FactAID != targetID || c.FactBID != out.FactID {
		t.Errorf("conflict pair = %d/%d, want %d/%d", c.FactAID, c.FactBID, targetID, out.FactID)
	}
	if c.Similarity != 0.87 {
		t.Errorf("similarity = %v, want 0.87", c.Similarity)
	}
}

func TestApply_ClarificationMergesWithDetail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newTestEngine(t, s, &fakeSearcher{})

	out, err := e.Apply(ctx, prefCandidate("Prefers dark mode"), "email", "run-1")
	if err != nil {
		t.Fatalf("seed Apply: %v", err)
	}
	seedID := out.FactID

	clarifying := newTestEngine(t, s, &fakeSearcher{matches: []search.Match{
		{ID: seedID, FactType: store.FactTypePreference, Similarity: 0.88},
	}})
	longer := "Prefers dark mode in the editor, the terminal, and every dashboard"
	out, err = clarifying.Apply(ctx, prefCandidate(longer), "telegram", "run-2")
	if err != nil {
		t.Fatalf("clarification Apply: %v", err)
	}
	if out.Action != ActionMerged {
		t.Fatalf("action = %q, want merged", out.Action)
	}
	if out.Verdict != store.ConflictClarification {
		t.Errorf("verdict = %q, want clarification", out.Verdict)
	}

	f, _ := s.GetFact(ctx, seedID)
	if f.Content != longer {
		t.Errorf("content = %q, want the longer clarification", f.Content)
	}
	if math.Abs(f.Confidence-0.75) > 1e-9 {
		t.Errorf("confidence = %v, want 0.75", f.Confidence)
	}

	facts, _ := s.ListFacts(ctx, store.ListOpts{})
	if len(facts) != 1 {
		t.Errorf("fact rows = %d, want 1 (no new rows on clarification)", len(facts))
	}
}

func TestCompleteGoalByPhrase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newTestEngine(t, s, &fakeSearcher{})

	goalID, err := s.InsertFact(ctx, &store.Fact{
		Content:       "Finish the quarterly report draft",
		FactType:      store.FactTypeGoal,
		SourceChannel: "cli",
		Confidence:    1.0,
	})
	if err != nil {
		t.Fatalf("inserting goal: %v", err)
	}

	goal, err := e.CompleteGoalByPhrase(ctx, "quarterly report", "run-1")
	if err != nil {
		t.Fatalf("CompleteGoalByPhrase: %v", err)
	}
	if goal == nil || goal.ID != goalID {
		t.Fatalf("goal = %+v, want id %d", goal, goalID)
	}

	f, _ := s.GetFact(ctx, goalID)
	if f.FactType != store.FactTypeCompletedGoal {
		t.Errorf("type = %q, want completed_goal", f.FactType)
	}
	if f.Status != store.FactStatusArchived {
		t.Errorf("status = %q, want archived", f.Status)
	}
	if f.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	again, err := e.CompleteGoalByPhrase(ctx, "quarterly report", "run-2")
	if err != nil {
		t.Fatalf("second CompleteGoalByPhrase: %v", err)
	}
	if again != nil {
		t.Errorf("expected nil once the goal is archived, got %+v", again)
	}

	events, _ := s.RecentEvents(ctx, 5)
	if len(events) == 0 || events[0].EventType != store.EventGoalCompleted {
		t.Errorf("events = %+v, want goal_completed first", events)
	}
}
