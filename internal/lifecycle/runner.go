package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hurttlocker/understory/internal/forest"
	"github.com/hurttlocker/understory/internal/observe"
	"github.com/hurttlocker/understory/internal/store"
)

const (
	DefaultHealthInterval = 5 * time.Minute
	DefaultSweepInterval  = time.Hour
	DefaultSyncInterval   = 10 * time.Minute
	DefaultSyncBatch      = 20
)

// Action describes one change a job made, or would make under dry run.
type Action struct {
	Job     string `json:"job"`
	Kind    string `json:"action"`
	FactID  int64  `json:"fact_id,omitempty"`
	Ref     string `json:"archival_ref,omitempty"`
	Reason  string `json:"reason"`
	Applied bool   `json:"applied"`
}

// Report summarizes one pass of a job.
type Report struct {
	Job     string   `json:"job"`
	DryRun  bool     `json:"dry_run"`
	Scanned int      `json:"scanned"`
	Applied int      `json:"applied"`
	Actions []Action `json:"actions"`
}

// Archiver is the slice of the forest client the sync job needs.
type Archiver interface {
	Archive(ctx context.Context, rec forest.Record) (string, error)
}

type Options struct {
	HealthInterval    time.Duration
	SweepInterval     time.Duration
	SyncInterval      time.Duration
	SyncBatch         int
	MinSyncConfidence float64
	ConsolidateWindow time.Duration // zero lets the store default to 24h
	ConsolidateBoost  float64       // zero lets the store default to 0.02
}

// Runner owns the maintenance jobs that keep the fact base healthy between
// messages: the health score, the cross-channel consolidation sweep, and the
// archival sync.
type Runner struct {
	store    store.Store
	sqlite   *store.SQLiteStore
	archiver Archiver
	scorer   *observe.Scorer
	log      *zap.Logger
	opts     Options
}

func NewRunner(s store.Store, archiver Archiver, scorer *observe.Scorer, log *zap.Logger, opts Options) (*Runner, error) {
	sqlite, ok := s.(*store.SQLiteStore)
	if !ok {
		return nil, fmt.Errorf("lifecycle runner requires the sqlite store")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.SyncBatch <= 0 {
		opts.SyncBatch = DefaultSyncBatch
	}
	if opts.MinSyncConfidence <= 0 {
		opts.MinSyncConfidence = observe.MinSyncConfidence
	}
	if scorer == nil {
		scorer = observe.NewScorer(s, log, observe.Options{MinSyncConfidence: opts.MinSyncConfidence})
	}
	return &Runner{store: s, sqlite: sqlite, archiver: archiver, scorer: scorer, log: log, opts: opts}, nil
}

// Scorer exposes the health scorer so reporting surfaces share the same
// snapshot holder as the periodic loop.
func (r *Runner) Scorer() *observe.Scorer {
	return r.scorer
}

// Job is one periodic task: a name for logs, an interval, and the pass to run.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(context.Context) error
}

// Jobs returns the periodic tasks to schedule. Archival sync is omitted when
// no archiver is configured.
func (r *Runner) Jobs() []Job {
	jobs := []Job{
		{Name: "health", Interval: r.opts.HealthInterval, Run: r.healthPass},
		{Name: "sweep", Interval: r.opts.SweepInterval, Run: r.sweepPass},
	}
	if r.archiver != nil {
		jobs = append(jobs, Job{Name: "sync", Interval: r.opts.SyncInterval, Run: r.syncPass})
	}
	return jobs
}

// Every runs a job on its interval until the context ends. The first pass
// fires immediately so a fresh process has a health snapshot before the first
// tick. Pass failures are logged and the loop keeps going.
func (r *Runner) Every(ctx context.Context, job Job) error {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		if err := job.Run(ctx); err != nil {
			r.log.Error("periodic job failed", zap.String("job", job.Name), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) healthPass(ctx context.Context) error {
	h, err := r.scorer.Score(ctx)
	if err != nil {
		return err
	}
	for _, w := range h.Warnings() {
		r.log.Warn("health warning", zap.String("warning", w))
	}
	return nil
}

func (r *Runner) sweepPass(ctx context.Context) error {
	report, err := r.Sweep(ctx, false)
	if err != nil {
		return err
	}
	if report.Applied > 0 {
		r.log.Info("consolidation sweep merged facts",
			zap.Int("scanned", report.Scanned),
			zap.Int("applied", report.Applied))
	}
	return nil
}

func (r *Runner) syncPass(ctx context.Context) error {
	report, err := r.Sync(ctx, false)
	if err != nil {
		return err
	}
	if report.Scanned > 0 {
		r.log.Info("archival sync pass",
			zap.Int("candidates", report.Scanned),
			zap.Int("pushed", report.Applied))
	}
	return nil
}

// Sweep collapses near-identical recent facts that arrived on different
// channels. One action per merged bucket; the keeper id is the action's fact.
func (r *Runner) Sweep(ctx context.Context, dryRun bool) (*Report, error) {
	cr, err := r.sqlite.ConsolidateFacts(ctx, store.ConsolidateOptions{
		Window: r.opts.ConsolidateWindow,
		Boost:  r.opts.ConsolidateBoost,
		DryRun: dryRun,
		RunID:  uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("consolidation sweep: %w", err)
	}

	report := &Report{Job: "sweep", DryRun: dryRun, Scanned: cr.Scanned, Actions: make([]Action, 0, len(cr.Merges))}
	for _, m := range cr.Merges {
		act := Action{
			Job:    "sweep",
			Kind:   "consolidate",
			FactID: m.KeeperID,
			Reason: fmt.Sprintf("absorbed %d duplicates across %s", len(m.LoserIDs), strings.Join(m.Channels, ",")),
		}
		if m.Error != "" {
			act.Reason += "; apply_error: " + m.Error
		} else if !dryRun {
			act.Applied = true
		}
		report.Actions = append(report.Actions, act)
	}
	for _, a := range report.Actions {
		if a.Applied {
			report.Applied++
		}
	}
	return report, nil
}

// Sync pushes a batch of high-confidence facts to the archival store and
// records the returned refs. A failed fact keeps its empty ref and is picked
// up again on the next pass; it never blocks the rest of the batch.
func (r *Runner) Sync(ctx context.Context, dryRun bool) (*Report, error) {
	if r.archiver == nil {
		return nil, fmt.Errorf("archival store is not configured")
	}
	candidates, err := r.store.SyncCandidates(ctx, r.opts.MinSyncConfidence, r.opts.SyncBatch)
	if err != nil {
		return nil, fmt.Errorf("selecting sync candidates: %w", err)
	}

	runID := uuid.NewString()
	report := &Report{Job: "sync", DryRun: dryRun, Scanned: len(candidates), Actions: make([]Action, 0, len(candidates))}
	for _, f := range candidates {
		act := Action{
			Job:    "sync",
			Kind:   "archive",
			FactID: f.ID,
			Reason: fmt.Sprintf("confidence %.2f, type %s", f.Confidence, f.FactType),
		}
		if dryRun {
			report.Actions = append(report.Actions, act)
			continue
		}

		ref, err := r.archiver.Archive(ctx, ArchivalRecord(f))
		if err != nil {
			act.Reason += "; apply_error: " + err.Error()
			r.log.Warn("archival push failed", zap.Int64("fact_id", f.ID), zap.Error(err))
			report.Actions = append(report.Actions, act)
			continue
		}
		if err := r.store.RecordArchivalRef(ctx, f.ID, ref); err != nil {
			act.Reason += "; apply_error: " + err.Error()
			r.log.Warn("recording archival ref failed",
				zap.Int64("fact_id", f.ID), zap.String("ref", ref), zap.Error(err))
			report.Actions = append(report.Actions, act)
			continue
		}

		act.Applied = true
		act.Ref = ref
		if err := r.store.LogEvent(ctx, &store.FactEvent{
			EventType: store.EventArchived,
			FactID:    f.ID,
			Detail:    "ref " + ref,
			RunID:     runID,
		}); err != nil {
			r.log.Warn("failed to log archive event", zap.Int64("fact_id", f.ID), zap.Error(err))
		}
		report.Actions = append(report.Actions, act)
	}
	for _, a := range report.Actions {
		if a.Applied {
			report.Applied++
		}
	}
	return report, nil
}

// ArchivalRecord maps a fact to the forest record shape. Channel and
// category ride along as metadata so the archive stays queryable by origin.
func ArchivalRecord(f *store.Fact) forest.Record {
	meta := map[string]string{"channel": f.SourceChannel}
	if f.Category != "" {
		meta["category"] = f.Category
	}
	return forest.Record{
		Content:    f.Content,
		FactType:   f.FactType,
		Confidence: f.Confidence,
		Tags:       f.Tags,
		Metadata:   meta,
	}
}
