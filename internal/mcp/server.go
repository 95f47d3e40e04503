// Package mcp provides a Model Context Protocol server for Understory.
//
// It exposes the operator surface of the fact store (stats, health, the
// conflict review queue, manual archival, one-shot ingest) as MCP tools, and
// store statistics plus the recent decision log as MCP resources. The server
// speaks stdio transport for desktop agents and editor integrations.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/understory/internal/forest"
	"github.com/hurttlocker/understory/internal/goals"
	"github.com/hurttlocker/understory/internal/ingest"
	"github.com/hurttlocker/understory/internal/observe"
	"github.com/hurttlocker/understory/internal/resolve"
	"github.com/hurttlocker/understory/internal/store"
)

// Archiver pushes one record to the long-term archival store.
type Archiver interface {
	Archive(ctx context.Context, rec forest.Record) (string, error)
}

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store     store.Store
	Version   string           // version string for MCP server info
	Searcher  resolve.Searcher // optional; nil keeps dedup on the textual fallback
	Archiver  Archiver         // optional; understory_archive_fact errors without it
	Resolve   resolve.Options  // zero fields take the stock thresholds
	GoalMatch float64          // goal-completion overlap floor; zero takes the default
}

// dbMu serializes all MCP tool calls that touch the database.
// The mcp-go library dispatches handlers concurrently via goroutines.
// SQLite (even with WAL) supports only one writer at a time, and concurrent
// reads during writes can return stale results. A global mutex ensures
// correct ordering: an ingest completes before a conflict listing sees its
// rows.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all Understory tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Understory",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	scorer := observe.NewScorer(cfg.Store, nil, observe.Options{})
	reviewer := observe.NewReviewer(cfg.Store, nil)
	engine := resolve.NewEngine(cfg.Store, cfg.Searcher, nil, cfg.Resolve)
	tracker := goals.NewTracker(cfg.Store, nil, cfg.GoalMatch)
	pipeline := ingest.NewPipeline(nil, engine, tracker, nil)

	// Register tools
	registerStatsTool(s, cfg.Store)
	registerHealthTool(s, scorer)
	registerConflictsTool(s, reviewer)
	registerResolveConflictTool(s, reviewer)
	registerArchiveFactTool(s, cfg.Store, cfg.Archiver)
	registerIngestTool(s, pipeline)

	// Register resources
	registerStatsResource(s, cfg.Store)
	registerEventsResource(s, cfg.Store)

	return s
}

// --- Resources ---

func registerStatsResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"understory://stats",
		"Store Statistics",
		mcp.WithResourceDescription("Aggregate fact store counts: total and active facts, goals, review backlog, open conflicts, and decision log size."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}

		data, _ := json.MarshalIndent(stats, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

func registerEventsResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"understory://events",
		"Recent Decisions",
		mcp.WithResourceDescription("The 20 most recent entries of the append-only decision log."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		events, err := st.RecentEvents(ctx, 20)
		if err != nil {
			return nil, fmt.Errorf("listing recent events: %w", err)
		}

		data, _ := json.MarshalIndent(events, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
