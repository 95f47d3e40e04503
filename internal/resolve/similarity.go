package resolve

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hurttlocker/understory/internal/search"
	"github.com/hurttlocker/understory/internal/store"
)

// Kind is the resolver's verdict for one candidate.
type Kind int

const (
	// KindNoMatch means nothing similar exists; insert as a new fact.
	KindNoMatch Kind = iota
	// KindSkip means the same channel is repeating itself; write nothing.
	KindSkip
	// KindMerge means the candidate corroborates an existing fact.
	KindMerge
	// KindConflict means a near match needs classification before writing.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindSkip:
		return "skip"
	case KindMerge:
		return "merge"
	case KindConflict:
		return "conflict"
	default:
		return "no-match"
	}
}

// Decision carries the verdict plus the fact it applies to.
type Decision struct {
	Kind       Kind
	Target     *store.Fact // set unless Kind is KindNoMatch
	Similarity float64     // backend similarity; zero on the textual fallback
	Fallback   bool        // true when the textual heuristic produced the match
}

// Searcher is the slice of the similarity backend the resolver needs.
type Searcher interface {
	Search(ctx context.Context, query string, count int, threshold float64) ([]search.Match, error)
}

// Resolver decides whether a candidate is new, a repeat, a corroboration, or
// a potential conflict. Backend trouble is never fatal: any search error
// drops to a textual heuristic over recent active facts.
type Resolver struct {
	store    store.Store
	searcher Searcher
	log      *zap.Logger
	opts     Options
}

// NewResolver builds a resolver. searcher may be nil, which forces the
// textual fallback on every call.
func NewResolver(s store.Store, searcher Searcher, log *zap.Logger, opts Options) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	opts.applyDefaults()
	return &Resolver{store: s, searcher: searcher, log: log, opts: opts}
}

// Resolve classifies one candidate against the existing fact base.
func (r *Resolver) Resolve(ctx context.Context, content, factType, channel string) (Decision, error) {
	decision, err := r.backendLookup(ctx, content, factType)
	if err != nil {
		r.log.Debug("similarity backend unavailable, using textual fallback",
			zap.Error(err))
		decision, err = r.textualFallback(ctx, content)
		if err != nil {
			return Decision{}, err
		}
	} else if decision.Kind == KindNoMatch {
		// An empty (or fully stale) backend result gets the same fallback as
		// an unreachable backend.
		decision, err = r.textualFallback(ctx, content)
		if err != nil {
			return Decision{}, err
		}
	}

	// A merge target the arrival channel already contributed to means the
	// same source is repeating itself; corroborating would inflate
	// confidence without new evidence.
	if decision.Kind == KindMerge && factHasChannel(decision.Target, channel) {
		decision.Kind = KindSkip
	}
	return decision, nil
}

// backendLookup queries the similarity backend and maps matches onto live
// facts. Errors mean "backend unavailable"; an empty result is a valid
// no-match.
func (r *Resolver) backendLookup(ctx context.Context, content, factType string) (Decision, error) {
	if r.searcher == nil {
		return Decision{}, fmt.Errorf("no similarity backend configured")
	}

	matches, err := r.searcher.Search(ctx, content, r.opts.MatchCount, r.opts.DedupThreshold)
	if err != nil {
		return Decision{}, err
	}
	if len(matches) == 0 {
		return Decision{Kind: KindNoMatch}, nil
	}

	best, ok := pickMatch(matches, factType)
	if !ok {
		return Decision{Kind: KindNoMatch}, nil
	}

	target, err := r.liveFact(ctx, best.ID)
	if err != nil {
		return Decision{}, err
	}
	if target == nil {
		// Stale backend index entry; try the remaining matches in order.
		for _, m := range matches {
			if m.ID == best.ID {
				continue
			}
			target, err = r.liveFact(ctx, m.ID)
			if err != nil {
				return Decision{}, err
			}
			if target != nil {
				best = m
				break
			}
		}
	}
	if target == nil {
		return Decision{Kind: KindNoMatch}, nil
	}

	kind := KindConflict
	if best.Similarity >= r.opts.MergeThreshold {
		kind = KindMerge
	}
	return Decision{Kind: kind, Target: target, Similarity: best.Similarity}, nil
}

// liveFact loads a fact and returns it only while it is still active.
func (r *Resolver) liveFact(ctx context.Context, id int64) (*store.Fact, error) {
	f, err := r.store.GetFact(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading match %d: %w", id, err)
	}
	if f == nil || f.Status != store.FactStatusActive {
		return nil, nil
	}
	return f, nil
}

// pickMatch prefers the best match of the same fact type, else the single
// best match overall. Matches arrive ranked best-first.
func pickMatch(matches []search.Match, factType string) (search.Match, bool) {
	for _, m := range matches {
		if m.FactType == factType {
			return m, true
		}
	}
	if len(matches) == 0 {
		return search.Match{}, false
	}
	return matches[0], true
}

// textualFallback scans recent active facts for a near-identical string:
// normalized length ratio at or above the floor and an equal normalized
// prefix. A hit is a degenerate merge with no similarity score and no
// conflict classification downstream.
func (r *Resolver) textualFallback(ctx context.Context, content string) (Decision, error) {
	normNew := store.NormalizeContent(content)
	if normNew == "" {
		return Decision{Kind: KindNoMatch}, nil
	}

	facts, err := r.store.ListFacts(ctx, store.ListOpts{
		Status: store.FactStatusActive,
		Limit:  r.opts.FallbackScanLimit,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("scanning facts for fallback match: %w", err)
	}

	for _, f := range facts {
		if textualNearMatch(normNew, store.NormalizeContent(f.Content), r.opts.FallbackLengthRatio, r.opts.FallbackPrefixLen) {
			return Decision{Kind: KindMerge, Target: f, Fallback: true}, nil
		}
	}
	return Decision{Kind: KindNoMatch}, nil
}

// textualNearMatch reports whether two normalized strings are close enough
// to treat as the same fact without a similarity backend.
func textualNearMatch(a, b string, lengthRatio float64, prefixLen int) bool {
	if a == "" || b == "" {
		return false
	}
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if float64(len(shorter)) < lengthRatio*float64(len(longer)) {
		return false
	}
	n := prefixLen
	if len(shorter) < n {
		n = len(shorter)
	}
	return strings.HasPrefix(longer, shorter[:n])
}

// factHasChannel reports whether channel already contributed to f, either as
// its source or through a prior merge.
func factHasChannel(f *store.Fact, channel string) bool {
	if f == nil || channel == "" {
		return false
	}
	if f.SourceChannel == channel {
		return true
	}
	if f.Metadata == nil {
		return false
	}
	for _, ch := range f.Metadata.Channels {
		if ch == channel {
			return true
		}
	}
	return false
}
