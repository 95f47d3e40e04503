package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hurttlocker/understory/internal/config"
	"github.com/hurttlocker/understory/internal/observe"
	"github.com/hurttlocker/understory/internal/store"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStats(args []string) error {
	var jsonOut bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
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

	st, err := s.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("reading stats: %w", err)
	}
	if jsonOut {
		return printJSON(st)
	}

	fmt.Printf("Facts:     %d total, %d active\n", st.TotalFacts, st.ActiveFacts)
	fmt.Printf("Goals:     %d active, %d overdue\n", st.ActiveGoals, st.OverdueGoals)
	fmt.Printf("Review:    %d facts, %d open conflicts\n", st.NeedsReview, st.OpenConflicts)
	fmt.Printf("Events:    %d\n", st.EventCount)
	if st.LastExtraction != nil {
		fmt.Printf("Last extraction: %s\n", st.LastExtraction.Format(time.RFC3339))
	}
	return nil
}

func runHealth(args []string) error {
	var jsonOut bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
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

	scorer := observe.NewScorer(s, nil, observe.Options{})
	h, err := scorer.Score(context.Background())
	if err != nil {
		return fmt.Errorf("scoring health: %w", err)
	}
	warnings := h.Warnings()

	if jsonOut {
		if warnings == nil {
			warnings = []string{}
		}
		return printJSON(map[string]interface{}{"snapshot": h, "warnings": warnings})
	}

	fmt.Printf("Average confidence:  %.2f\n", h.AvgConfidence)
	fmt.Printf("Stale facts:         %d\n", h.StaleFacts)
	fmt.Printf("Conflict rate:       %.2f\n", h.ConflictRate)
	fmt.Printf("Tag coverage:        %.2f\n", h.TagCoverage)
	fmt.Printf("Archival sync rate:  %.2f\n", h.ArchivalSyncRate)
	fmt.Printf("Active facts:        %d\n", h.TotalActive)
	if len(warnings) == 0 {
		fmt.Println("\nNo warnings.")
		return nil
	}
	fmt.Println("\nWarnings:")
	for _, w := range warnings {
		fmt.Printf("  - %s\n", w)
	}
	return nil
}

func runConflicts(args []string) error {
	limit := 20
	var jsonOut bool
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--limit" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n < 1 {
				return fmt.Errorf("--limit: invalid value %q", args[i+1])
			}
			limit = n
			i++
		case strings.HasPrefix(args[i], "--limit="):
			raw := strings.TrimPrefix(args[i], "--limit=")
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				return fmt.Errorf("--limit: invalid value %q", raw)
			}
			limit = n
		case args[i] == "--json":
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

	reviewer := observe.NewReviewer(s, nil)
	suggestions, err := reviewer.Queue(context.Background(), limit)
	if err != nil {
		return fmt.Errorf("listing conflicts: %w", err)
	}
	if jsonOut {
		if suggestions == nil {
			suggestions = []observe.Suggestion{}
		}
		return printJSON(suggestions)
	}
	if len(suggestions) == 0 {
		fmt.Println("No open conflicts.")
		return nil
	}

	for _, sg := range suggestions {
		d := sg.Detail
		fmt.Printf("#%d %s (similarity %.2f)\n", d.ID, d.ConflictType, d.Similarity)
		printConflictSide("A", d.FactA)
		printConflictSide("B", d.FactB)
		if sg.Resolution != "" {
			fmt.Printf("  suggest %s: %s\n", sg.Resolution, sg.Reason)
		} else {
			fmt.Printf("  %s\n", sg.Reason)
		}
		fmt.Println()
	}
	fmt.Printf("%d open conflicts\n", len(suggestions))
	return nil
}

func printConflictSide(label string, f *store.Fact) {
	if f == nil {
		fmt.Printf("  %s: (missing)\n", label)
		return
	}
	fmt.Printf("  %s #%-5d [%.2f %s] %s\n", label, f.ID, f.Confidence, f.Status, truncate(f.Content, 70))
}

func runGoals(args []string) error {
	var overdueOnly, jsonOut bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--overdue":
			overdueOnly = true
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

	active, err := s.ActiveGoals(context.Background())
	if err != nil {
		return fmt.Errorf("listing goals: %w", err)
	}

	now := time.Now()
	list := active
	if overdueOnly {
		list = nil
		for _, g := range active {
			if g.Deadline != nil && g.Deadline.Before(now) {
				list = append(list, g)
			}
		}
	}

	if jsonOut {
		if list == nil {
			list = []*store.Fact{}
		}
		return printJSON(list)
	}
	if len(list) == 0 {
		if overdueOnly {
			fmt.Println("No overdue goals.")
		} else {
			fmt.Println("No active goals.")
		}
		return nil
	}

	for _, g := range list {
		line := fmt.Sprintf("#%-5d [%.2f] %s", g.ID, g.Confidence, g.Content)
		if g.Deadline != nil {
			if g.Deadline.Before(now) {
				line += fmt.Sprintf("  (due %s, overdue)", g.Deadline.Format("2006-01-02"))
			} else {
				line += fmt.Sprintf("  (due %s)", g.Deadline.Format("2006-01-02"))
			}
		}
		fmt.Println(line)
	}
	fmt.Printf("\n%d goals\n", len(list))
	return nil
}

func runEvents(args []string) error {
	limit := 20
	var jsonOut bool
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--limit" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n < 1 {
				return fmt.Errorf("--limit: invalid value %q", args[i+1])
			}
			limit = n
			i++
		case strings.HasPrefix(args[i], "--limit="):
			raw := strings.TrimPrefix(args[i], "--limit=")
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				return fmt.Errorf("--limit: invalid value %q", raw)
			}
			limit = n
		case args[i] == "--json":
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

	events, err := s.RecentEvents(context.Background(), limit)
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}
	if jsonOut {
		if events == nil {
			events = []*store.FactEvent{}
		}
		return printJSON(events)
	}
	if len(events) == 0 {
		fmt.Println("No events logged.")
		return nil
	}

	for _, e := range events {
		line := fmt.Sprintf("%s  %-14s", e.CreatedAt.Format("2006-01-02 15:04:05"), e.EventType)
		if e.FactID != 0 {
			line += fmt.Sprintf(" fact %-5d", e.FactID)
		}
		if e.RelatedFactID != nil {
			line += fmt.Sprintf(" (with %d)", *e.RelatedFactID)
		}
		if e.Detail != "" {
			line += "  " + truncate(e.Detail, 60)
		}
		fmt.Println(line)
	}
	fmt.Printf("\n%d events\n", len(events))
	return nil
}

func runConfig(args []string) error {
	var jsonOut bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
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
	if jsonOut {
		return printJSON(rc)
	}

	fmt.Printf("Config file: %s\n\n", rc.ConfigPath)
	printSetting("db_path", rc.DBPath)
	printSetting("kafka_brokers", rc.KafkaBrokers)
	printSetting("kafka_topic", rc.KafkaTopic)
	printSetting("kafka_group", rc.KafkaGroup)
	printSetting("channels", rc.Channels)
	printSetting("search_endpoint", rc.SearchEndpoint)
	printSecret("search_api_key", rc.SearchAPIKey)
	printSetting("forest_endpoint", rc.ForestEndpoint)
	printSecret("forest_api_key", rc.ForestAPIKey)
	printSetting("forest_scope", rc.ForestScope)
	fmt.Println()
	printSetting("thresholds.dedup", rc.Thresholds.Dedup)
	printSetting("thresholds.auto_merge", rc.Thresholds.AutoMerge)
	printSetting("thresholds.fallback_ratio", rc.Thresholds.FallbackRatio)
	printSetting("thresholds.overlap_low", rc.Thresholds.OverlapLow)
	printSetting("thresholds.overlap_high", rc.Thresholds.OverlapHigh)
	printSetting("thresholds.length_growth", rc.Thresholds.LengthGrowth)
	printSetting("thresholds.corroborate_boost", rc.Thresholds.CorroborateBoost)
	printSetting("thresholds.consolidate_boost", rc.Thresholds.ConsolidateBoost)
	printSetting("thresholds.goal_match", rc.Thresholds.GoalMatch)
	fmt.Println()
	printSetting("jobs.health_interval", rc.Jobs.HealthInterval)
	printSetting("jobs.sweep_interval", rc.Jobs.SweepInterval)
	printSetting("jobs.sync_interval", rc.Jobs.SyncInterval)
	printSetting("jobs.sync_batch", rc.Jobs.SyncBatch)
	return nil
}

func printSetting(name string, v config.ResolvedValue) {
	val := v.Value
	if val == "" {
		val = "(unset)"
	}
	fmt.Printf("  %-30s %-38s %s\n", name, val, sourceOf(v))
}

// printSecret prints presence only. Key material stays out of terminals.
func printSecret(name string, v config.ResolvedValue) {
	if !v.IsSet() {
		return
	}
	fmt.Printf("  %-30s %-38s %s\n", name, "(set)", sourceOf(v))
}

func sourceOf(v config.ResolvedValue) string {
	if v.Source == config.SourceDefault || v.From == "" {
		return fmt.Sprintf("(%s)", v.Source)
	}
	return fmt.Sprintf("(%s: %s)", v.Source, v.From)
}
