// Package observe computes store-wide health metrics for Understory.
//
// The scorer answers one question: how trustworthy is the fact store right
// now. It reads average confidence, staleness, conflict pressure, tag
// coverage, and archival sync progress with fresh queries at tick time and
// publishes an immutable snapshot for reporting surfaces. It never mutates
// a fact, and no fact-level decision ever consults a snapshot.
package observe

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hurttlocker/understory/internal/store"
)

// Scoring defaults.
const (
	// StaleDays is the age after which an unmodified active fact counts
	// as stale.
	StaleDays = 30

	// MinSyncConfidence is the confidence floor for archival eligibility.
	MinSyncConfidence = 0.8
)

// Health is one immutable snapshot of store-wide metrics.
type Health struct {
	AvgConfidence    float64   `json:"avg_confidence"`
	StaleFacts       int       `json:"stale_facts"`
	ConflictRate     float64   `json:"conflict_rate"`
	TagCoverage      float64   `json:"tag_coverage"`
	ArchivalSyncRate float64   `json:"archival_sync_rate"`
	TotalActive      int       `json:"total_active"`
	LastCheck        time.Time `json:"last_check"`
}

// Options tunes the scorer. Zero values select the package defaults.
type Options struct {
	StaleDays         int
	MinSyncConfidence float64
}

// Scorer computes Health snapshots over the fact store.
type Scorer struct {
	store  store.Store
	log    *zap.Logger
	opts   Options
	latest atomic.Pointer[Health]
}

// NewScorer creates a health scorer over the given store.
func NewScorer(s store.Store, log *zap.Logger, opts Options) *Scorer {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.StaleDays <= 0 {
		opts.StaleDays = StaleDays
	}
	if opts.MinSyncConfidence <= 0 {
		opts.MinSyncConfidence = MinSyncConfidence
	}
	return &Scorer{store: s, log: log, opts: opts}
}

// Score computes a fresh snapshot and publishes it as the latest.
func (sc *Scorer) Score(ctx context.Context) (*Health, error) {
	sq, ok := sc.store.(*store.SQLiteStore)
	if !ok {
		return nil, fmt.Errorf("health scoring requires the sqlite store")
	}
	db := sq.GetDB()

	h := &Health{LastCheck: time.Now().UTC()}

	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(confidence), 0)
		FROM facts
		WHERE status = 'active'
	`).Scan(&h.TotalActive, &h.AvgConfidence)
	if err != nil {
		return nil, fmt.Errorf("querying active facts: %w", err)
	}

	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM facts
		WHERE status = 'active'
		  AND updated_at < datetime('now', ?)
	`, fmt.Sprintf("-%d day", sc.opts.StaleDays)).Scan(&h.StaleFacts); err != nil {
		return nil, fmt.Errorf("querying stale facts: %w", err)
	}

	var openConflicts int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM conflicts
		WHERE status = 'open'
	`).Scan(&openConflicts); err != nil {
		return nil, fmt.Errorf("querying open conflicts: %w", err)
	}

	var tagged int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM facts
		WHERE status = 'active' AND tags != ''
	`).Scan(&tagged); err != nil {
		return nil, fmt.Errorf("querying tagged facts: %w", err)
	}

	var eligible, synced int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN archival_ref IS NOT NULL AND archival_ref != '' THEN 1 ELSE 0 END), 0)
		FROM facts
		WHERE status = 'active'
		  AND confidence >= ?
		  AND fact_type IN ('fact', 'preference', 'decision', 'constraint')
	`, sc.opts.MinSyncConfidence).Scan(&eligible, &synced); err != nil {
		return nil, fmt.Errorf("querying sync eligibility: %w", err)
	}

	if h.TotalActive > 0 {
		h.ConflictRate = float64(openConflicts) / float64(h.TotalActive)
		h.TagCoverage = float64(tagged) / float64(h.TotalActive)
	}
	// No eligible facts means nothing is waiting on the archival store.
	h.ArchivalSyncRate = 1.0
	if eligible > 0 {
		h.ArchivalSyncRate = float64(synced) / float64(eligible)
	}

	sc.latest.Store(h)
	sc.log.Debug("health snapshot",
		zap.Int("total_active", h.TotalActive),
		zap.Float64("avg_confidence", h.AvgConfidence),
		zap.Int("stale_facts", h.StaleFacts),
		zap.Float64("conflict_rate", h.ConflictRate),
		zap.Float64("sync_rate", h.ArchivalSyncRate))

	return h, nil
}

// Latest returns the most recently published snapshot, or nil before the
// first Score call.
func (sc *Scorer) Latest() *Health {
	return sc.latest.Load()
}

// Warnings flags metric values that deserve operator attention. An empty
// store produces no warnings.
func (h *Health) Warnings() []string {
	warnings := make([]string, 0)
	if h.TotalActive == 0 {
		return warnings
	}

	if h.AvgConfidence < 0.5 {
		warnings = append(warnings, "confidence_low: average confidence is below 0.5; review extraction quality")
	}
	if h.ConflictRate >= 0.1 {
		warnings = append(warnings, "conflict_rate_high: more than 10% of active facts have an open conflict; run `understory conflicts`")
	}
	if staleShare := float64(h.StaleFacts) / float64(h.TotalActive); staleShare >= 0.5 {
		warnings = append(warnings, "stale_heavy: over half the store has not been touched in the stale window")
	}
	if h.ArchivalSyncRate < 0.5 {
		warnings = append(warnings, "sync_lagging: under half the eligible facts have reached the archival store")
	}

	return warnings
}
