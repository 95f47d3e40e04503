// Package ingest runs one message end to end: extraction, per-candidate
// resolution, and goal completion. One Process call is one message is one
// run id; the stream consumer and the CLI share the same path.
package ingest

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hurttlocker/understory/internal/extract"
	"github.com/hurttlocker/understory/internal/goals"
	"github.com/hurttlocker/understory/internal/resolve"
)

// Summary reports what one message produced.
type Summary struct {
	RunID          string            `json:"run_id"`
	Channel        string            `json:"channel"`
	Candidates     int               `json:"candidates"`
	Outcomes       []resolve.Outcome `json:"outcomes,omitempty"`
	CompletedGoals []int64           `json:"completed_goals,omitempty"`
	Errors         int               `json:"errors,omitempty"`
}

// Pipeline wires the extractor, the resolution engine, and the goal tracker.
type Pipeline struct {
	extractor *extract.Extractor
	engine    *resolve.Engine
	tracker   *goals.Tracker
	log       *zap.Logger
}

func NewPipeline(extractor *extract.Extractor, engine *resolve.Engine, tracker *goals.Tracker, log *zap.Logger) *Pipeline {
	if extractor == nil {
		extractor = extract.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{extractor: extractor, engine: engine, tracker: tracker, log: log}
}

// Process runs one message. A failing candidate is logged and counted; its
// siblings still run. The summary always comes back, even when everything
// in the message failed.
func (p *Pipeline) Process(ctx context.Context, content, channel string) *Summary {
	runID := uuid.NewString()
	res := p.extractor.Extract(content)
	sum := &Summary{RunID: runID, Channel: channel, Candidates: len(res.Candidates)}

	for _, cand := range res.Candidates {
		out, err := p.engine.Apply(ctx, cand, channel, runID)
		if err != nil {
			sum.Errors++
			p.log.Warn("candidate failed",
				zap.String("channel", channel),
				zap.String("fact_type", cand.FactType),
				zap.Error(err))
			continue
		}
		sum.Outcomes = append(sum.Outcomes, out)
	}

	for _, phrase := range res.Done {
		goal, err := p.engine.CompleteGoalByPhrase(ctx, phrase, runID)
		if err != nil {
			sum.Errors++
			p.log.Warn("done directive failed", zap.String("phrase", phrase), zap.Error(err))
			continue
		}
		if goal != nil {
			sum.CompletedGoals = append(sum.CompletedGoals, goal.ID)
		}
	}

	// Directives had their turn; now let plain prose retire goals too.
	if p.tracker != nil {
		goal, err := p.tracker.Check(ctx, content, runID)
		if err != nil {
			sum.Errors++
			p.log.Warn("goal completion check failed", zap.Error(err))
		} else if goal != nil {
			sum.CompletedGoals = append(sum.CompletedGoals, goal.ID)
		}
	}

	p.log.Debug("message processed",
		zap.String("run_id", runID),
		zap.String("channel", channel),
		zap.Int("candidates", sum.Candidates),
		zap.Int("outcomes", len(sum.Outcomes)),
		zap.Int("completed_goals", len(sum.CompletedGoals)),
		zap.Int("errors", sum.Errors))
	return sum
}
