// Package resolve decides what each extracted candidate does to the fact
// base.
//
// The Similarity Resolver places a candidate relative to existing facts
// (new, repeat, corroboration, or near-conflict), the Classifier buckets
// near-conflicts, and the Engine applies the resulting write: insert, merge,
// supersede-with-replacement, or flag for human review. Every candidate's
// fact-side effects commit atomically; the audit event follows after.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hurttlocker/understory/internal/extract"
	"github.com/hurttlocker/understory/internal/store"
)

// Options are the tunable thresholds of the resolution pipeline. Zero fields
// take the stock defaults.
type Options struct {
	DedupThreshold      float64 // backend match_threshold for neighbor queries
	MergeThreshold      float64 // similarity at or above merges outright
	MatchCount          int     // neighbors requested per query
	FallbackLengthRatio float64 // shorter/longer floor for the textual fallback
	FallbackPrefixLen   int     // normalized prefix length the fallback compares
	FallbackScanLimit   int     // recent active facts the fallback scans
	UpdateConfidence    float64 // confidence of update-path replacement facts
	ReviewConfidence    float64 // confidence of contradiction review facts
	CorroborationBoost  float64 // per-merge confidence increment
	LengthRatio         float64 // classifier: growth factor meaning added detail
	OverlapLow          float64 // classifier: same-topic band lower bound
	OverlapHigh         float64 // classifier: same-topic band upper bound
}

// DefaultOptions returns the stock thresholds.
func DefaultOptions() Options {
	return Options{
		DedupThreshold:      0.85,
		MergeThreshold:      0.93,
		MatchCount:          5,
		FallbackLengthRatio: 0.7,
		FallbackPrefixLen:   60,
		FallbackScanLimit:   200,
		UpdateConfidence:    0.8,
		ReviewConfidence:    0.6,
		CorroborationBoost:  0.05,
		LengthRatio:         1.5,
		OverlapLow:          0.5,
		OverlapHigh:         0.9,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.DedupThreshold <= 0 {
		o.DedupThreshold = def.DedupThreshold
	}
	if o.MergeThreshold <= 0 {
		o.MergeThreshold = def.MergeThreshold
	}
	if o.MatchCount <= 0 {
		o.MatchCount = def.MatchCount
	}
	if o.FallbackLengthRatio <= 0 {
		o.FallbackLengthRatio = def.FallbackLengthRatio
	}
	if o.FallbackPrefixLen <= 0 {
		o.FallbackPrefixLen = def.FallbackPrefixLen
	}
	if o.FallbackScanLimit <= 0 {
		o.FallbackScanLimit = def.FallbackScanLimit
	}
	if o.UpdateConfidence <= 0 {
		o.UpdateConfidence = def.UpdateConfidence
	}
	if o.ReviewConfidence <= 0 {
		o.ReviewConfidence = def.ReviewConfidence
	}
	if o.CorroborationBoost <= 0 {
		o.CorroborationBoost = def.CorroborationBoost
	}
	if o.LengthRatio <= 0 {
		o.LengthRatio = def.LengthRatio
	}
	if o.OverlapLow <= 0 {
		o.OverlapLow = def.OverlapLow
	}
	if o.OverlapHigh <= 0 {
		o.OverlapHigh = def.OverlapHigh
	}
}

// Action labels what the engine did with one candidate.
type Action string

const (
	ActionInserted   Action = "inserted"
	ActionSkipped    Action = "skipped"
	ActionMerged     Action = "merged"
	ActionSuperseded Action = "superseded"
	ActionFlagged    Action = "flagged"
)

// Outcome reports the applied effect for one candidate.
type Outcome struct {
	Action   Action `json:"action"`
	FactID   int64  `json:"fact_id,omitempty"`   // fact written or corroborated; zero when nothing was written
	TargetID int64  `json:"target_id,omitempty"` // pre-existing fact involved, when any
	Verdict  string `json:"verdict,omitempty"`   // classifier verdict when the conflict path ran
}

// Engine applies extraction candidates to the store.
type Engine struct {
	store      store.Store
	resolver   *Resolver
	classifier Classifier
	log        *zap.Logger
	opts       Options
}

// NewEngine builds an engine. searcher may be nil to run purely on the
// textual fallback; log may be nil.
func NewEngine(s store.Store, searcher Searcher, log *zap.Logger, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	opts.applyDefaults()
	return &Engine{
		store:    s,
		resolver: NewResolver(s, searcher, log, opts),
		classifier: Classifier{
			LengthRatio: opts.LengthRatio,
			OverlapLow:  opts.OverlapLow,
			OverlapHigh: opts.OverlapHigh,
		},
		log:  log,
		opts: opts,
	}
}

// Apply runs one candidate through resolution and writes the result. The
// returned error means the candidate was not applied; callers drop it and
// continue with its siblings.
func (e *Engine) Apply(ctx context.Context, cand extract.Candidate, channel, runID string) (Outcome, error) {
	decision, err := e.resolver.Resolve(ctx, cand.Content, cand.FactType, channel)
	if err != nil {
		return Outcome{}, err
	}

	switch decision.Kind {
	case KindSkip:
		e.logEvent(ctx, store.EventSkipped, decision.Target.ID, nil,
			"same-channel repeat: "+snippet(cand.Content), runID)
		return Outcome{Action: ActionSkipped, TargetID: decision.Target.ID}, nil
	case KindMerge:
		return e.merge(ctx, cand, decision.Target, channel, runID)
	case KindConflict:
		return e.applyConflict(ctx, cand, decision, channel, runID)
	default:
		return e.insert(ctx, cand, channel, runID)
	}
}

// insert writes a brand-new fact. A unique violation means the identical
// content already exists on this channel, which counts as success.
func (e *Engine) insert(ctx context.Context, cand extract.Candidate, channel, runID string) (Outcome, error) {
	f := factFromCandidate(cand, channel, cand.Confidence)
	id, err := e.store.InsertFact(ctx, f)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateFact) {
			e.logEvent(ctx, store.EventSkipped, 0, nil,
				"duplicate content: "+snippet(cand.Content), runID)
			return Outcome{Action: ActionSkipped}, nil
		}
		return Outcome{}, fmt.Errorf("inserting candidate: %w", err)
	}
	e.logEvent(ctx, store.EventCreated, id, nil, snippet(cand.Content), runID)
	return Outcome{Action: ActionInserted, FactID: id}, nil
}

// merge corroborates the target with the candidate's channel and content.
func (e *Engine) merge(ctx context.Context, cand extract.Candidate, target *store.Fact, channel, runID string) (Outcome, error) {
	err := e.store.CorroborateFact(ctx, target.ID, store.CorroborateOpts{
		Channel: channel,
		Content: cand.Content,
		Boost:   e.opts.CorroborationBoost,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("corroborating fact %d: %w", target.ID, err)
	}
	e.logEvent(ctx, store.EventMerged, target.ID, nil, snippet(cand.Content), runID)
	return Outcome{Action: ActionMerged, FactID: target.ID, TargetID: target.ID}, nil
}

// applyConflict classifies a near-match and writes the bucket's effect.
func (e *Engine) applyConflict(ctx context.Context, cand extract.Candidate, decision Decision, channel, runID string) (Outcome, error) {
	target := decision.Target
	verdict := e.classifier.Classify(target.Content, cand.Content)

	switch verdict {
	case store.ConflictUpdate:
		f := factFromCandidate(cand, channel, e.opts.UpdateConfidence)
		conflict := &store.Conflict{
			FactAID:      target.ID,
			Similarity:   decision.Similarity,
			ConflictType: store.ConflictUpdate,
		}
		newID, err := e.store.SupersedeWithReplacement(ctx, f, conflict)
		if err != nil {
			if errors.Is(err, store.ErrDuplicateFact) {
				e.logEvent(ctx, store.EventSkipped, target.ID, nil,
					"duplicate content: "+snippet(cand.Content), runID)
				return Outcome{Action: ActionSkipped, TargetID: target.ID, Verdict: verdict}, nil
			}
			return Outcome{}, fmt.Errorf("applying update: %w", err)
		}
		e.logEvent(ctx, store.EventCreated, newID, nil, snippet(cand.Content), runID)
		e.logEvent(ctx, store.EventSuperseded, target.ID, &newID, "updated by newer statement", runID)
		return Outcome{Action: ActionSuperseded, FactID: newID, TargetID: target.ID, Verdict: verdict}, nil

	case store.ConflictContradiction:
		f := factFromCandidate(cand, channel, e.opts.ReviewConfidence)
		conflict := &store.Conflict{
			FactAID:      target.ID,
			Similarity:   decision.Similarity,
			ConflictType: store.ConflictContradiction,
		}
		newID, err := e.store.InsertForReview(ctx, f, conflict)
		if err != nil {
			return Outcome{}, fmt.Errorf("flagging contradiction: %w", err)
		}
		e.logEvent(ctx, store.EventFlagged, newID, &target.ID,
			"contradicts: "+snippet(target.Content), runID)
		return Outcome{Action: ActionFlagged, FactID: newID, TargetID: target.ID, Verdict: verdict}, nil

	default:
		// Clarifications behave exactly like merges: added detail, no new rows.
		out, err := e.merge(ctx, cand, target, channel, runID)
		if err != nil {
			return Outcome{}, err
		}
		out.Verdict = verdict
		return out, nil
	}
}

// CompleteGoalByPhrase archives the newest active goal whose content
// contains phrase (case-insensitive). Returns the goal as it was before
// completion, or nil when nothing matched.
func (e *Engine) CompleteGoalByPhrase(ctx context.Context, phrase, runID string) (*store.Fact, error) {
	goal, err := e.store.FindActiveGoalContaining(ctx, phrase)
	if err != nil {
		return nil, fmt.Errorf("searching goals for %q: %w", phrase, err)
	}
	if goal == nil {
		e.log.Debug("no active goal matches done phrase", zap.String("phrase", phrase))
		return nil, nil
	}
	if err := e.store.CompleteGoal(ctx, goal.ID, phrase, 1.0); err != nil {
		return nil, fmt.Errorf("completing goal %d: %w", goal.ID, err)
	}
	e.logEvent(ctx, store.EventGoalCompleted, goal.ID, nil, "done: "+snippet(phrase), runID)
	return goal, nil
}

// logEvent records an audit event. Failures are logged and swallowed; the
// fact-side effect has already committed.
func (e *Engine) logEvent(ctx context.Context, eventType string, factID int64, relatedID *int64, detail, runID string) {
	err := e.store.LogEvent(ctx, &store.FactEvent{
		EventType:     eventType,
		FactID:        factID,
		RelatedFactID: relatedID,
		Detail:        detail,
		RunID:         runID,
	})
	if err != nil {
		e.log.Warn("recording fact event",
			zap.String("event", eventType), zap.Error(err))
	}
}

// factFromCandidate maps an extraction candidate onto a fact row.
func factFromCandidate(cand extract.Candidate, channel string, confidence float64) *store.Fact {
	return &store.Fact{
		Content:          cand.Content,
		FactType:         cand.FactType,
		Category:         cand.Category,
		Confidence:       confidence,
		ExtractionMethod: cand.Method,
		Tags:             cand.Tags,
		SourceChannel:    channel,
		Deadline:         cand.Deadline,
	}
}

// snippet shortens content for event details.
func snippet(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
