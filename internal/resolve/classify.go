package resolve

import (
	"strings"

	"github.com/hurttlocker/understory/internal/store"
)

// transitionMarkers signal that new content replaces the old outright.
var transitionMarkers = []string{
	"switched to",
	"switched from",
	"no longer",
	"changed to",
	"instead of",
	"moved to",
	"now using",
	"now prefer",
	"not anymore",
	"from now on",
	"going forward",
	"stopped using",
}

// negators flag negation polarity after normalization strips apostrophes
// ("don't" normalizes to "dont").
var negators = map[string]bool{
	"not": true, "no": true, "never": true, "none": true,
	"dont": true, "doesnt": true, "didnt": true, "wont": true,
	"cant": true, "cannot": true, "isnt": true, "arent": true,
	"without": true, "stopped": true,
}

// Classifier buckets a conflicting pair of contents into update,
// clarification, or contradiction. Closed and deterministic; it never calls
// an external model.
type Classifier struct {
	LengthRatio float64 // new/existing length above which new text is additive detail
	OverlapLow  float64 // exclusive lower bound of the same-topic band
	OverlapHigh float64 // exclusive upper bound of the same-topic band
}

// DefaultClassifier returns a classifier with the stock thresholds.
func DefaultClassifier() Classifier {
	return Classifier{LengthRatio: 1.5, OverlapLow: 0.5, OverlapHigh: 0.9}
}

// Classify applies the ordered rules: transition marker, material length
// growth, overlap band with negation check, then the clarification default.
func (c Classifier) Classify(existing, incoming string) string {
	lower := strings.ToLower(incoming)
	for _, marker := range transitionMarkers {
		if strings.Contains(lower, marker) {
			return store.ConflictUpdate
		}
	}

	if float64(len(incoming)) > c.LengthRatio*float64(len(existing)) {
		return store.ConflictClarification
	}

	overlap := wordOverlap(existing, incoming)
	if overlap > c.OverlapLow && overlap < c.OverlapHigh {
		if hasNegation(existing) != hasNegation(incoming) {
			return store.ConflictContradiction
		}
		return store.ConflictUpdate
	}

	return store.ConflictClarification
}

// wordOverlap is the intersection-over-union of the significant words
// (longer than 3 characters) in two contents.
func wordOverlap(a, b string) float64 {
	wordsA := significantWords(a)
	wordsB := significantWords(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	shared := 0
	for w := range wordsA {
		if wordsB[w] {
			shared++
		}
	}
	union := len(wordsA) + len(wordsB) - shared
	return float64(shared) / float64(union)
}

// significantWords returns the set of normalized words longer than 3 chars.
func significantWords(content string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(store.NormalizeContent(content)) {
		if len(w) > 3 {
			words[w] = true
		}
	}
	return words
}

// hasNegation reports whether content carries a negator token.
func hasNegation(content string) bool {
	for _, w := range strings.Fields(store.NormalizeContent(content)) {
		if negators[w] {
			return true
		}
	}
	return false
}
