package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ConsolidateOptions controls a consolidation sweep over recent facts.
type ConsolidateOptions struct {
	Window    time.Duration // how far back to scan (default 24h)
	PrefixLen int           // normalized prefix length for bucketing (default 50)
	Boost     float64       // confidence increment per absorbed duplicate (default 0.02)
	DryRun    bool
	RunID     string
}

// ConsolidateMerge describes one bucket of near-identical facts collapsed
// into a single keeper.
type ConsolidateMerge struct {
	KeeperID      int64    `json:"keeper_id"`
	LoserIDs      []int64  `json:"loser_ids"`
	Prefix        string   `json:"prefix"`
	Channels      []string `json:"channels"`
	NewConfidence float64  `json:"new_confidence"`
	Error         string   `json:"error,omitempty"`
}

// ConsolidateReport summarizes a sweep.
type ConsolidateReport struct {
	Scanned int                `json:"scanned"`
	Buckets int                `json:"buckets"`
	Merged  int                `json:"merged"`
	Merges  []ConsolidateMerge `json:"merges,omitempty"`
	DryRun  bool               `json:"dry_run"`
}

// ConsolidateFacts collapses near-identical active facts that arrived within
// the window from at least two distinct channels. Facts bucket by a prefix of
// their normalized content; in each qualifying bucket the newest fact is kept,
// absorbs the bucket's best confidence plus a small boost per duplicate, and
// unions the channel sets. Older members are superseded by the keeper.
//
// Each loser is superseded in its own transaction, so an interrupted sweep
// leaves already-merged buckets merged and the rest untouched; re-running is
// safe because superseded facts no longer match the active scan.
func (s *SQLiteStore) ConsolidateFacts(ctx context.Context, opts ConsolidateOptions) (*ConsolidateReport, error) {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.PrefixLen <= 0 {
		opts.PrefixLen = 50
	}
	if opts.Boost <= 0 {
		opts.Boost = 0.02
	}

	cutoff := time.Now().UTC().Add(-opts.Window)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE status = ? AND created_at >= ?
		 ORDER BY created_at DESC, id DESC`,
		FactStatusActive, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning recent facts: %w", err)
	}
	facts, err := scanFacts(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	report := &ConsolidateReport{Scanned: len(facts), DryRun: opts.DryRun}

	buckets := make(map[string][]*Fact)
	var order []string
	for _, f := range facts {
		key := normalizedPrefix(f.Content, opts.PrefixLen)
		if key == "" {
			continue
		}
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], f)
	}

	for _, key := range order {
		group := buckets[key]
		if len(group) < 2 {
			continue
		}
		channels := groupChannels(group)
		if len(channels) < 2 {
			// Same-channel repetition is the dedup index's business,
			// not consolidation's.
			continue
		}

		keeper := group[0]
		losers := group[1:]

		maxConf := keeper.Confidence
		for _, f := range group {
			if f.Confidence > maxConf {
				maxConf = f.Confidence
			}
		}
		newConf := maxConf + opts.Boost*float64(len(losers))
		if newConf > 1 {
			newConf = 1
		}

		merge := ConsolidateMerge{
			KeeperID:      keeper.ID,
			Prefix:        key,
			Channels:      channels,
			NewConfidence: newConf,
		}
		for _, l := range losers {
			merge.LoserIDs = append(merge.LoserIDs, l.ID)
		}
		report.Buckets++

		if opts.DryRun {
			report.Merges = append(report.Merges, merge)
			continue
		}

		merged, err := s.applyConsolidation(ctx, keeper, losers, channels, newConf, opts.RunID)
		if err != nil {
			merge.Error = err.Error()
		}
		report.Merged += merged
		report.Merges = append(report.Merges, merge)
	}

	return report, nil
}

func (s *SQLiteStore) applyConsolidation(ctx context.Context, keeper *Fact, losers []*Fact, channels []string, newConf float64, runID string) (int, error) {
	meta := keeper.Metadata
	if meta == nil {
		meta = &FactMetadata{}
	}
	meta.AddChannel(keeper.SourceChannel)
	for _, c := range channels {
		meta.AddChannel(c)
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE facts SET confidence = ?, metadata = ?, updated_at = ? WHERE id = ? AND status = ?",
		newConf, marshalMetadata(meta), time.Now().UTC(), keeper.ID, FactStatusActive,
	)
	if err != nil {
		return 0, fmt.Errorf("updating keeper %d: %w", keeper.ID, err)
	}

	merged := 0
	var firstErr error
	for _, l := range losers {
		if err := s.SupersedeFact(ctx, l.ID, keeper.ID, "consolidated duplicate"); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		merged++
		keeperID := keeper.ID
		s.LogEvent(ctx, &FactEvent{
			EventType:     EventConsolidated,
			FactID:        l.ID,
			RelatedFactID: &keeperID,
			Detail:        "channels: " + strings.Join(channels, ","),
			RunID:         runID,
		})
	}
	return merged, firstErr
}

// groupChannels returns the sorted distinct channels across a bucket,
// including channels absorbed into metadata by earlier merges.
func groupChannels(group []*Fact) []string {
	seen := make(map[string]bool)
	for _, f := range group {
		if f.SourceChannel != "" {
			seen[f.SourceChannel] = true
		}
		if f.Metadata != nil {
			for _, c := range f.Metadata.Channels {
				if c != "" {
					seen[c] = true
				}
			}
		}
	}
	channels := make([]string, 0, len(seen))
	for c := range seen {
		channels = append(channels, c)
	}
	sort.Strings(channels)
	return channels
}

// normalizedPrefix returns the bucketing key for consolidation: the first n
// runes of the normalized content.
func normalizedPrefix(content string, n int) string {
	norm := NormalizeContent(content)
	r := []rune(norm)
	if len(r) > n {
		return string(r[:n])
	}
	return norm
}
