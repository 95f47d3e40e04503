// Command understory is the CLI for the understory fact engine: a streaming
// daemon, an MCP stdio server, and one-shot commands for inspecting and
// correcting the fact base.
package main

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hurttlocker/understory/internal/config"
	"github.com/hurttlocker/understory/internal/forest"
	"github.com/hurttlocker/understory/internal/resolve"
	"github.com/hurttlocker/understory/internal/search"
	"github.com/hurttlocker/understory/internal/store"
)

const version = "0.1.0-dev"

// Global flags, stripped before command dispatch.
var (
	globalDBPath     string
	globalConfigPath string
	globalVerbose    bool
)

func main() {
	args := parseGlobalFlags(os.Args[1:])
	if len(args) == 0 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch args[0] {
	case "serve":
		err = runServe(args[1:])
	case "mcp":
		err = runMCP(args[1:])
	case "ingest":
		err = runIngest(args[1:])
	case "stats":
		err = runStats(args[1:])
	case "health":
		err = runHealth(args[1:])
	case "conflicts":
		err = runConflicts(args[1:])
	case "resolve":
		err = runResolve(args[1:])
	case "archive":
		err = runArchive(args[1:])
	case "sweep":
		err = runSweep(args[1:])
	case "sync":
		err = runSync(args[1:])
	case "goals":
		err = runGoals(args[1:])
	case "events":
		err = runEvents(args[1:])
	case "config":
		err = runConfig(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("understory %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseGlobalFlags strips the flags every command accepts and returns the
// remaining arguments in order.
func parseGlobalFlags(args []string) []string {
	var rest []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--db" && i+1 < len(args):
			globalDBPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--db="):
			globalDBPath = strings.TrimPrefix(args[i], "--db=")
		case args[i] == "--config" && i+1 < len(args):
			globalConfigPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--config="):
			globalConfigPath = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--verbose":
			globalVerbose = true
		default:
			rest = append(rest, args[i])
		}
	}
	return rest
}

// loadSettings resolves the layered configuration, folding the global flags
// into any command-specific overrides.
func loadSettings(overrides config.ResolveOptions) (config.ResolvedConfig, error) {
	overrides.ConfigPath = globalConfigPath
	overrides.CLIDBPath = globalDBPath
	return config.ResolveConfig(overrides)
}

func openStore(rc config.ResolvedConfig) (store.Store, error) {
	s, err := store.NewStore(store.StoreConfig{DBPath: rc.DBPath.Value})
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", rc.DBPath.Value, err)
	}
	return s, nil
}

// newLogger builds the logger for the long-running commands. One-shot
// commands print to stdout and do not need one.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if globalVerbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// resolveOptions maps the configured thresholds onto the engine's tunables.
// Anything unset stays zero and takes the engine's stock default.
func resolveOptions(rc config.ResolvedConfig) resolve.Options {
	return resolve.Options{
		DedupThreshold:      rc.Thresholds.Dedup.Float(0),
		MergeThreshold:      rc.Thresholds.AutoMerge.Float(0),
		FallbackLengthRatio: rc.Thresholds.FallbackRatio.Float(0),
		OverlapLow:          rc.Thresholds.OverlapLow.Float(0),
		OverlapHigh:         rc.Thresholds.OverlapHigh.Float(0),
		LengthRatio:         rc.Thresholds.LengthGrowth.Float(0),
		CorroborationBoost:  rc.Thresholds.CorroborateBoost.Float(0),
	}
}

// searchClient builds the similarity backend when an endpoint is configured.
// A nil return with no error means the textual fallback is in effect.
func searchClient(rc config.ResolvedConfig) (resolve.Searcher, error) {
	if !rc.SearchEndpoint.IsSet() {
		return nil, nil
	}
	c, err := search.NewClient(search.Config{
		Endpoint: rc.SearchEndpoint.Value,
		APIKey:   rc.SearchAPIKey.Value,
	})
	if err != nil {
		return nil, fmt.Errorf("search client: %w", err)
	}
	return c, nil
}

// forestClient builds the archival client when an endpoint is configured.
func forestClient(rc config.ResolvedConfig) (*forest.Client, error) {
	if !rc.ForestEndpoint.IsSet() {
		return nil, nil
	}
	c, err := forest.NewClient(forest.Config{
		Endpoint: rc.ForestEndpoint.Value,
		APIKey:   rc.ForestAPIKey.Value,
		Scope:    rc.ForestScope.Value,
	})
	if err != nil {
		return nil, fmt.Errorf("forest client: %w", err)
	}
	return c, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func printUsage() {
	fmt.Printf(`understory %s — fact extraction and conflict resolution for message streams

Usage:
  understory <command> [arguments]

Commands:
  serve               Consume the message stream and run maintenance jobs
  mcp                 Serve agent tools over MCP stdio
  ingest "<text>"     Run one message through the extraction pipeline
  stats               Show store counters
  health              Score memory health and list warnings
  conflicts           List open conflicts with suggested resolutions
  resolve <id> <r>    Resolve a conflict (r: keep_a, keep_b, merged)
  archive <fact-id>   Push one fact to the archival store
  sweep               Consolidate cross-channel duplicates
  sync                Push eligible facts to the archival store
  goals               List active goals
  events              Show the recent decision log
  config              Print the effective configuration with value sources
  version             Print version

Serve Flags:
  --brokers <list>    Kafka bootstrap brokers, comma separated
  --topic <name>      Kafka topic to consume
  --group <id>        Kafka consumer group
  --channels <list>   Channel allow-list (empty admits every channel)
  --search <url>      Similarity search endpoint
  --forest <url>      Archival store endpoint

Common Flags:
  --db <path>         SQLite database path (default ~/.understory/understory.db)
  --config <path>     Config file (default ~/.understory/config.yml)
  --verbose           Debug logging for serve and mcp
  --json              Machine-readable output for reporting commands
  -h, --help          Show this help message
  -v, --version       Print version

Documentation:
  https://github.com/hurttlocker/understory
`, version)
}
