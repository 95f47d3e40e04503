package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/hurttlocker/understory/internal/config"
	"github.com/hurttlocker/understory/internal/goals"
	"github.com/hurttlocker/understory/internal/ingest"
	"github.com/hurttlocker/understory/internal/lifecycle"
	"github.com/hurttlocker/understory/internal/observe"
	"github.com/hurttlocker/understory/internal/resolve"
	"github.com/hurttlocker/understory/internal/store"
)

// runIngest pushes one message through the same pipeline the stream consumer
// uses, then prints what happened to each candidate.
func runIngest(args []string) error {
	channel := "cli"
	var jsonOut bool
	var parts []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--channel" && i+1 < len(args):
			channel = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--channel="):
			channel = strings.TrimPrefix(args[i], "--channel=")
		case args[i] == "--json":
			jsonOut = true
		case strings.HasPrefix(args[i], "-"):
			return fmt.Errorf("unknown flag: %s", args[i])
		default:
			parts = append(parts, args[i])
		}
	}
	content := strings.TrimSpace(strings.Join(parts, " "))
	if content == "" {
		return fmt.Errorf("usage: understory ingest [--channel <name>] \"<message>\"")
	}
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		channel = "cli"
	}

	rc, err := loadSettings(config.ResolveOptions{})
	if err != nil {
		return err
	}
	s, err := openStore(rc)
	if err != nil {
		return err
	}
	defer s.Close()

	searcher, err := searchClient(rc)
	if err != nil {
		return err
	}

	engine := resolve.NewEngine(s, searcher, nil, resolveOptions(rc))
	tracker := goals.NewTracker(s, nil, rc.Thresholds.GoalMatch.Float(0))
	pipeline := ingest.NewPipeline(nil, engine, tracker, nil)

	sum := pipeline.Process(context.Background(), content, channel)
	if jsonOut {
		return printJSON(sum)
	}

	fmt.Printf("Run %s: %d candidates on %s\n", sum.RunID, sum.Candidates, sum.Channel)
	for _, out := range sum.Outcomes {
		fmt.Printf("  %s\n", describeOutcome(out))
	}
	for _, id := range sum.CompletedGoals {
		fmt.Printf("  completed goal %d\n", id)
	}
	if sum.Errors > 0 {
		fmt.Printf("  %d candidates failed\n", sum.Errors)
	}
	return nil
}

func describeOutcome(out resolve.Outcome) string {
	switch out.Action {
	case resolve.ActionInserted:
		return fmt.Sprintf("inserted fact %d", out.FactID)
	case resolve.ActionMerged:
		return fmt.Sprintf("merged into fact %d", out.TargetID)
	case resolve.ActionSuperseded:
		return fmt.Sprintf("fact %d supersedes fact %d", out.FactID, out.TargetID)
	case resolve.ActionFlagged:
		return fmt.Sprintf("flagged fact %d for review against fact %d", out.FactID, out.TargetID)
	case resolve.ActionSkipped:
		if out.TargetID != 0 {
			return fmt.Sprintf("skipped (duplicate of fact %d)", out.TargetID)
		}
		return "skipped (duplicate)"
	default:
		return string(out.Action)
	}
}

func runResolve(args []string) error {
	var positional []string
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			return fmt.Errorf("unknown flag: %s", args[i])
		}
		positional = append(positional, args[i])
	}
	if len(positional) != 2 {
		return fmt.Errorf("usage: understory resolve <conflict-id> <keep_a|keep_b|merged>")
	}
	id, err := strconv.ParseInt(positional[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid conflict id %q", positional[0])
	}
	resolution := positional[1]
	switch resolution {
	case store.ResolutionKeepA, store.ResolutionKeepB, store.ResolutionMerged:
	default:
		return fmt.Errorf("invalid resolution %q (want keep_a, keep_b, or merged)", resolution)
	}

	rc, err := loadSettings(config.ResolveOptions{})
	if err != nil {
		return err
	}
	s, err := openStore(rc)
	if err != nil {
		return err
	}
	defer s.Close()

	reviewer := observe.NewReviewer(s, nil)
	if err := reviewer.Apply(context.Background(), id, resolution, uuid.NewString()); err != nil {
		return err
	}
	fmt.Printf("Conflict %d resolved as %s\n", id, resolution)
	return nil
}

// runArchive pushes one fact to the archival store by hand. The confidence
// floor the periodic sync applies does not gate a manual push.
func runArchive(args []string) error {
	var overrides config.ResolveOptions
	var positional []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--forest" && i+1 < len(args):
			overrides.CLIForestURL = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--forest="):
			overrides.CLIForestURL = strings.TrimPrefix(args[i], "--forest=")
		case strings.HasPrefix(args[i], "-"):
			return fmt.Errorf("unknown flag: %s", args[i])
		default:
			positional = append(positional, args[i])
		}
	}
	if len(positional) != 1 {
		return fmt.Errorf("usage: understory archive <fact-id>")
	}
	id, err := strconv.ParseInt(positional[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid fact id %q", positional[0])
	}

	rc, err := loadSettings(overrides)
	if err != nil {
		return err
	}
	fc, err := forestClient(rc)
	if err != nil {
		return err
	}
	if fc == nil {
		return fmt.Errorf("archival store is not configured (set forest.endpoint in %s)", rc.ConfigPath)
	}

	s, err := openStore(rc)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	f, err := s.GetFact(ctx, id)
	if err != nil {
		return fmt.Errorf("loading fact %d: %w", id, err)
	}
	if f == nil {
		return fmt.Errorf("fact %d not found", id)
	}
	if f.ArchivalRef != "" {
		fmt.Printf("Fact %d is already archived as %s\n", id, f.ArchivalRef)
		return nil
	}
	if f.Status != store.FactStatusActive {
		return fmt.Errorf("fact %d is %s; only active facts are archived", id, f.Status)
	}

	ref, err := fc.Archive(ctx, lifecycle.ArchivalRecord(f))
	if err != nil {
		return fmt.Errorf("archiving fact %d: %w", id, err)
	}
	if err := s.RecordArchivalRef(ctx, id, ref); err != nil {
		return fmt.Errorf("recording archival ref: %w", err)
	}
	_ = s.LogEvent(ctx, &store.FactEvent{
		EventType: store.EventArchived,
		FactID:    id,
		Detail:    "ref " + ref,
		RunID:     uuid.NewString(),
	})
	fmt.Printf("Fact %d archived as %s\n", id, ref)
	return nil
}

func runSweep(args []string) error {
	var dryRun, jsonOut bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			dryRun = true
		case "--json":
			jsonOut = true
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	rc, err := loadSettings(config.ResolveOptions{})
	if err != nil {
		return err
	}
	s, err := openStore(rc)
	if err != nil {
		return err
	}
	defer s.Close()

	runner, err := lifecycle.NewRunner(s, nil, nil, nil, lifecycle.Options{
		ConsolidateBoost: rc.Thresholds.ConsolidateBoost.Float(0),
	})
	if err != nil {
		return err
	}
	report, err := runner.Sweep(context.Background(), dryRun)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if jsonOut {
		return printJSON(report)
	}
	printReport(report)
	return nil
}

func runSync(args []string) error {
	var overrides config.ResolveOptions
	var dryRun, jsonOut bool
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--dry-run":
			dryRun = true
		case args[i] == "--json":
			jsonOut = true
		case args[i] == "--forest" && i+1 < len(args):
			overrides.CLIForestURL = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--forest="):
			overrides.CLIForestURL = strings.TrimPrefix(args[i], "--forest=")
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	rc, err := loadSettings(overrides)
	if err != nil {
		return err
	}
	fc, err := forestClient(rc)
	if err != nil {
		return err
	}
	if fc == nil {
		return fmt.Errorf("archival store is not configured (set forest.endpoint in %s)", rc.ConfigPath)
	}

	s, err := openStore(rc)
	if err != nil {
		return err
	}
	defer s.Close()

	runner, err := lifecycle.NewRunner(s, fc, nil, nil, lifecycle.Options{
		SyncBatch: rc.Jobs.SyncBatch.Int(0),
	})
	if err != nil {
		return err
	}
	report, err := runner.Sync(context.Background(), dryRun)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if jsonOut {
		return printJSON(report)
	}
	printReport(report)
	return nil
}

func printReport(r *lifecycle.Report) {
	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	fmt.Printf("%s%s: scanned %d, applied %d\n", r.Job, mode, r.Scanned, r.Applied)
	if len(r.Actions) == 0 {
		fmt.Println("Nothing to do.")
		return
	}
	for _, a := range r.Actions {
		line := fmt.Sprintf("  %s fact %d", a.Kind, a.FactID)
		if a.Ref != "" {
			line += " as " + a.Ref
		}
		if a.Reason != "" {
			line += ": " + a.Reason
		}
		fmt.Println(line)
	}
}
