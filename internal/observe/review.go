package observe

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hurttlocker/understory/internal/store"
)

// confidenceGap is the spread beyond which the higher-confidence side is
// recommended outright.
const confidenceGap = 0.2

// Suggestion pairs an open conflict with a recommended resolution. The
// engine never applies these on its own; contradictions stay a human call.
type Suggestion struct {
	Detail     *store.ConflictDetail `json:"conflict"`
	Resolution string                `json:"resolution,omitempty"`
	Reason     string                `json:"reason"`
}

// Reviewer builds the review queue for open conflicts and applies operator
// decisions.
type Reviewer struct {
	store store.Store
	log   *zap.Logger
}

// NewReviewer creates a conflict reviewer over the given store.
func NewReviewer(s store.Store, log *zap.Logger) *Reviewer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reviewer{store: s, log: log}
}

// Queue returns open conflicts, newest first, each with a suggestion.
func (r *Reviewer) Queue(ctx context.Context, limit int) ([]Suggestion, error) {
	open, err := r.store.OpenConflicts(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing open conflicts: %w", err)
	}

	out := make([]Suggestion, 0, len(open))
	for _, d := range open {
		out = append(out, suggest(d))
	}
	return out, nil
}

// suggest recommends a resolution for one conflict: a clear confidence gap
// picks the stronger side, otherwise recency leans toward the newcomer.
func suggest(d *store.ConflictDetail) Suggestion {
	s := Suggestion{Detail: d}
	if d.FactA == nil || d.FactB == nil {
		s.Reason = "one side of the conflict is missing; resolve by hand"
		return s
	}

	gap := d.FactA.Confidence - d.FactB.Confidence
	switch {
	case gap >= confidenceGap:
		s.Resolution = store.ResolutionKeepA
		s.Reason = fmt.Sprintf("fact %d holds confidence %.2f against %.2f",
			d.FactA.ID, d.FactA.Confidence, d.FactB.Confidence)
	case -gap >= confidenceGap:
		s.Resolution = store.ResolutionKeepB
		s.Reason = fmt.Sprintf("fact %d holds confidence %.2f against %.2f",
			d.FactB.ID, d.FactB.Confidence, d.FactA.Confidence)
	case d.FactB.CreatedAt.After(d.FactA.CreatedAt):
		s.Resolution = store.ResolutionKeepB
		s.Reason = "confidences are close; the newer statement usually reflects current reality"
	default:
		s.Reason = "no clear winner; read both before deciding"
	}
	return s
}

// Apply resolves an open conflict with the operator's decision and records
// the outcome in the event log.
func (r *Reviewer) Apply(ctx context.Context, conflictID int64, resolution, runID string) error {
	c, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return fmt.Errorf("loading conflict %d: %w", conflictID, err)
	}
	if c == nil {
		return fmt.Errorf("conflict %d not found", conflictID)
	}

	if err := r.store.ResolveConflict(ctx, conflictID, resolution); err != nil {
		return err
	}
	r.log.Info("conflict resolved",
		zap.Int64("conflict_id", conflictID),
		zap.String("resolution", resolution))

	relatedID := c.FactBID
	event := &store.FactEvent{
		EventType:     store.EventResolved,
		FactID:        c.FactAID,
		RelatedFactID: &relatedID,
		Detail:        fmt.Sprintf("conflict %d resolved as %s", conflictID, resolution),
		RunID:         runID,
	}
	if err := r.store.LogEvent(ctx, event); err != nil {
		r.log.Warn("recording resolve event", zap.Error(err))
	}
	return nil
}
