// Package goals retires active goals when plain prose implies completion.
//
// The tracker is a second pass over each inbound message, independent of fact
// extraction: "finally shipped the billing dashboard" should archive the goal
// "Ship the billing dashboard" even though the sentence carries no directive.
package goals

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/hurttlocker/understory/internal/store"
)

// MinMatchScore is the word-overlap score an active goal must reach against
// the detected topic phrase before it is archived.
const MinMatchScore = 0.4

// completionRE captures the topic phrase trailing a completion verb. Bare
// "merged" is everyday git vocabulary, so it only counts with an article.
var completionRE = regexp.MustCompile(
	`(?i)\b(?:finished|completed|shipped|delivered|launched|wrapped\s+up|done\s+with|closed\s+out|knocked\s+out|merged\s+the)\s+(.+)`)

// Tracker matches completion phrasing against the active goal list.
type Tracker struct {
	store    store.Store
	log      *zap.Logger
	minScore float64
}

// NewTracker returns a Tracker over the given store. minScore <= 0 selects
// MinMatchScore.
func NewTracker(s store.Store, log *zap.Logger, minScore float64) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if minScore <= 0 {
		minScore = MinMatchScore
	}
	return &Tracker{store: s, log: log, minScore: minScore}
}

// Check scans a message for completion phrasing, scores the topic phrase
// against every active goal, and archives the best match when it clears the
// threshold. Returns the archived goal, or nil when nothing matched.
func (t *Tracker) Check(ctx context.Context, message, runID string) (*store.Fact, error) {
	topic := completionTopic(message)
	if topic == "" {
		return nil, nil
	}

	goals, err := t.store.ActiveGoals(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active goals: %w", err)
	}

	var best *store.Fact
	bestScore := 0.0
	for _, g := range goals {
		if score := topicOverlap(topic, g.Content); score > bestScore {
			best, bestScore = g, score
		}
	}
	if best == nil || bestScore < t.minScore {
		return nil, nil
	}

	if err := t.store.CompleteGoal(ctx, best.ID, topic, bestScore); err != nil {
		return nil, fmt.Errorf("completing goal %d: %w", best.ID, err)
	}
	t.log.Info("goal completed",
		zap.Int64("goal_id", best.ID),
		zap.Float64("score", bestScore),
		zap.String("trigger", topic))

	event := &store.FactEvent{
		EventType: store.EventGoalCompleted,
		FactID:    best.ID,
		Detail:    fmt.Sprintf("matched %q (%.2f)", topic, bestScore),
		RunID:     runID,
	}
	if err := t.store.LogEvent(ctx, event); err != nil {
		t.log.Warn("recording goal event", zap.Error(err))
	}
	return best, nil
}

// completionTopic returns the phrase trailing the first completion verb in
// the message, cut at the end of its sentence. Empty when no verb appears.
func completionTopic(message string) string {
	m := completionRE.FindStringSubmatch(message)
	if m == nil {
		return ""
	}
	topic := m[1]
	if i := strings.IndexAny(topic, ".!?\n"); i >= 0 {
		topic = topic[:i]
	}
	return strings.TrimSpace(topic)
}

// topicOverlap scores two phrases by the overlap of their significant words,
// meaning words longer than three characters after normalization.
func topicOverlap(a, b string) float64 {
	aw := significantWords(a)
	bw := significantWords(b)
	if len(aw) == 0 || len(bw) == 0 {
		return 0
	}
	intersection := 0
	for w := range aw {
		if bw[w] {
			intersection++
		}
	}
	union := len(aw) + len(bw) - intersection
	return float64(intersection) / float64(union)
}

func significantWords(content string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(store.NormalizeContent(content)) {
		if len(w) > 3 {
			words[w] = true
		}
	}
	return words
}
