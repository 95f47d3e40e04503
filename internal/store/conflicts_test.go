package store

import (
	"context"
	"testing"
)

// reviewPair inserts an active fact and a needs_review challenger joined by
// an open contradiction conflict.
func reviewPair(t *testing.T, s Store) (factA, factB, conflictID int64) {
	t.Helper()
	ctx := context.Background()

	factA, err := s.InsertFact(ctx, &Fact{
		Content:       "Prefers working from home",
		Confidence:    0.7,
		SourceChannel: "telegram",
	})
	if err != nil {
		t.Fatalf("inserting fact A: %v", err)
	}

	c := &Conflict{FactAID: factA, Similarity: 0.8, ConflictType: ConflictContradiction}
	factB, err = s.InsertForReview(ctx, &Fact{
		Content:       "Does not prefer working from home",
		Confidence:    0.6,
		SourceChannel: "email",
	}, c)
	if err != nil {
		t.Fatalf("inserting fact B for review: %v", err)
	}
	return factA, factB, c.ID
}

func TestGetConflict_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetConflict(ctx, 99999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent conflict")
	}
}

func TestOpenConflicts_Empty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	open, err := s.OpenConflicts(ctx, 10)
	if err != nil {
		t.Fatalf("OpenConflicts failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no open conflicts, got %d", len(open))
	}
}

func TestResolveConflict_KeepA(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	factA, factB, conflictID := reviewPair(t, s)

	if err := s.ResolveConflict(ctx, conflictID, ResolutionKeepA); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}

	a, _ := s.GetFact(ctx, factA)
	if a.Status != FactStatusActive {
		t.Errorf("fact A should stay active, got %q", a.Status)
	}

	b, _ := s.GetFact(ctx, factB)
	if b.Status != FactStatusArchived {
		t.Errorf("fact B should be archived, got %q", b.Status)
	}

	c, _ := s.GetConflict(ctx, conflictID)
	if c.Status != ConflictStatusResolved {
		t.Errorf("conflict should be resolved, got %q", c.Status)
	}
	if c.Resolution != ResolutionKeepA {
		t.Errorf("expected keep_a, got %q", c.Resolution)
	}
	if c.ResolvedBy != "user" {
		t.Errorf("expected user resolver, got %q", c.ResolvedBy)
	}
	if c.ResolvedAt == nil {
		t.Error("resolved_at not set")
	}
}

func TestResolveConflict_KeepB(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	factA, factB, conflictID := reviewPair(t, s)

	if err := s.ResolveConflict(ctx, conflictID, ResolutionKeepB); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}

	a, _ := s.GetFact(ctx, factA)
	if a.Status != FactStatusSuperseded {
		t.Errorf("fact A should be superseded, got %q", a.Status)
	}
	if a.SupersededBy == nil || *a.SupersededBy != factB {
		t.Errorf("fact A superseded_by should be %d: %v", factB, a.SupersededBy)
	}

	b, _ := s.GetFact(ctx, factB)
	if b.Status != FactStatusActive {
		t.Errorf("fact B should be activated, got %q", b.Status)
	}
}

func TestResolveConflict_Merged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	factA, factB, conflictID := reviewPair(t, s)

	before, _ := s.GetFact(ctx, factA)

	if err := s.ResolveConflict(ctx, conflictID, ResolutionMerged); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}

	a, _ := s.GetFact(ctx, factA)
	if a.Status != FactStatusActive {
		t.Errorf("fact A should stay active, got %q", a.Status)
	}
	if a.Confidence <= before.Confidence {
		t.Errorf("merge should boost confidence: %f -> %f", before.Confidence, a.Confidence)
	}
	if a.Metadata == nil || a.Metadata.Corroborations != 1 {
		t.Errorf("merge should count as corroboration: %+v", a.Metadata)
	}

	b, _ := s.GetFact(ctx, factB)
	if b.Status != FactStatusArchived {
		t.Errorf("fact B should be archived after merge, got %q", b.Status)
	}
}

func TestResolveConflict_InvalidResolution(t *testing.T) {
	s := newTestStore(t)

	_, _, conflictID := reviewPair(t, s)

	if err := s.ResolveConflict(context.Background(), conflictID, "delete_both"); err == nil {
		t.Error("expected error for invalid resolution")
	}
}

func TestResolveConflict_AlreadyResolved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, conflictID := reviewPair(t, s)

	if err := s.ResolveConflict(ctx, conflictID, ResolutionKeepA); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if err := s.ResolveConflict(ctx, conflictID, ResolutionKeepB); err == nil {
		t.Error("expected error resolving twice")
	}
}

func TestResolveConflict_NotFound(t *testing.T) {
	s := newTestStore(t)

	if err := s.ResolveConflict(context.Background(), 99999, ResolutionKeepA); err == nil {
		t.Error("expected error for nonexistent conflict")
	}
}
