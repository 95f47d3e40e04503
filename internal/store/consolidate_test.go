package store

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestConsolidateFacts_MergesAcrossChannels(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)
	ctx := context.Background()

	loserID, _ := s.InsertFact(ctx, &Fact{
		Content:       "The standup moved to 9:30 on Mondays",
		Confidence:    0.6,
		SourceChannel: "telegram",
	})
	keeperID, _ := s.InsertFact(ctx, &Fact{
		Content:       "The standup moved to 9:30 on Mondays",
		Confidence:    0.9,
		SourceChannel: "email",
	})

	report, err := ss.ConsolidateFacts(ctx, ConsolidateOptions{RunID: "sweep-1"})
	if err != nil {
		t.Fatalf("ConsolidateFacts failed: %v", err)
	}
	if report.Scanned != 2 {
		t.Errorf("expected 2 scanned, got %d", report.Scanned)
	}
	if report.Buckets != 1 {
		t.Fatalf("expected 1 qualifying bucket, got %d", report.Buckets)
	}
	if report.Merged != 1 {
		t.Errorf("expected 1 merged fact, got %d", report.Merged)
	}

	// The newest member is the keeper
	if report.Merges[0].KeeperID != keeperID {
		t.Errorf("expected keeper %d, got %d", keeperID, report.Merges[0].KeeperID)
	}

	loser, _ := s.GetFact(ctx, loserID)
	if loser.Status != FactStatusSuperseded {
		t.Errorf("loser should be superseded, got %q", loser.Status)
	}
	if loser.SupersededBy == nil || *loser.SupersededBy != keeperID {
		t.Errorf("loser superseded_by should be %d: %v", keeperID, loser.SupersededBy)
	}

	keeper, _ := s.GetFact(ctx, keeperID)
	if math.Abs(keeper.Confidence-0.92) > 1e-9 {
		t.Errorf("keeper should absorb best confidence plus boost, got %f", keeper.Confidence)
	}
	if keeper.Metadata == nil || len(keeper.Metadata.Channels) != 2 {
		t.Errorf("keeper should union channels: %+v", keeper.Metadata)
	}

	events, _ := s.RecentEvents(ctx, 10)
	found := false
	for _, e := range events {
		if e.EventType == EventConsolidated && e.FactID == loserID && e.RunID == "sweep-1" {
			found = true
			if e.RelatedFactID == nil || *e.RelatedFactID != keeperID {
				t.Errorf("consolidated event missing keeper reference: %v", e.RelatedFactID)
			}
		}
	}
	if !found {
		t.Error("no consolidated event logged for loser")
	}
}

func TestConsolidateFacts_SkipsSingleChannel(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)
	ctx := context.Background()

	// Same 50-char normalized prefix, different full content, one channel.
	s.InsertFact(ctx, &Fact{
		Content:       "The deployment pipeline for the analytics service cluster runs at midnight",
		SourceChannel: "cli",
	})
	s.InsertFact(ctx, &Fact{
		Content:       "The deployment pipeline for the analytics service cluster needs a review",
		SourceChannel: "cli",
	})

	report, err := ss.ConsolidateFacts(ctx, ConsolidateOptions{})
	if err != nil {
		t.Fatalf("ConsolidateFacts failed: %v", err)
	}
	if report.Buckets != 0 {
		t.Errorf("single-channel bucket should not merge, buckets=%d", report.Buckets)
	}
	if report.Merged != 0 {
		t.Errorf("expected no merges, got %d", report.Merged)
	}
}

func TestConsolidateFacts_DryRun(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)
	ctx := context.Background()

	loserID, _ := s.InsertFact(ctx, &Fact{Content: "Repeated fact", SourceChannel: "telegram"})
	s.InsertFact(ctx, &Fact{Content: "Repeated fact", SourceChannel: "email"})

	report, err := ss.ConsolidateFacts(ctx, ConsolidateOptions{DryRun: true})
	if err != nil {
		t.Fatalf("ConsolidateFacts failed: %v", err)
	}
	if report.Buckets != 1 {
		t.Fatalf("expected 1 bucket in dry run, got %d", report.Buckets)
	}
	if report.Merged != 0 {
		t.Errorf("dry run should not merge, got %d", report.Merged)
	}

	loser, _ := s.GetFact(ctx, loserID)
	if loser.Status != FactStatusActive {
		t.Errorf("dry run should not change facts, got %q", loser.Status)
	}
}

func TestConsolidateFacts_IgnoresFactsOutsideWindow(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)
	ctx := context.Background()

	oldID, _ := s.InsertFact(ctx, &Fact{Content: "Repeated fact", SourceChannel: "telegram"})
	s.InsertFact(ctx, &Fact{Content: "Repeated fact", SourceChannel: "email"})

	// Age the first fact out of the window
	old := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := ss.db.Exec("UPDATE facts SET created_at = ? WHERE id = ?", old, oldID); err != nil {
		t.Fatalf("aging fact: %v", err)
	}

	report, err := ss.ConsolidateFacts(ctx, ConsolidateOptions{Window: 24 * time.Hour})
	if err != nil {
		t.Fatalf("ConsolidateFacts failed: %v", err)
	}
	if report.Scanned != 1 {
		t.Errorf("expected 1 scanned inside window, got %d", report.Scanned)
	}
	if report.Buckets != 0 {
		t.Errorf("expected no buckets, got %d", report.Buckets)
	}
}
