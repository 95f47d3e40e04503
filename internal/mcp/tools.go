package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/understory/internal/ingest"
	"github.com/hurttlocker/understory/internal/lifecycle"
	"github.com/hurttlocker/understory/internal/observe"
	"github.com/hurttlocker/understory/internal/store"
)

func registerStatsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("understory_stats",
		mcp.WithDescription("Get aggregate fact store statistics: total and active facts, active and overdue goals, facts waiting for review, open conflicts, decision log size, and the last extraction time."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stats error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(stats, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerHealthTool(s *server.MCPServer, scorer *observe.Scorer) {
	tool := mcp.NewTool("understory_health",
		mcp.WithDescription("Compute a fresh memory health snapshot: average confidence, stale fact count, conflict rate, tag coverage, and archival sync rate, plus any threshold warnings."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		h, err := scorer.Score(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("health error: %v", err)), nil
		}

		warnings := h.Warnings()
		if warnings == nil {
			warnings = []string{}
		}
		out := map[string]interface{}{
			"snapshot": h,
			"warnings": warnings,
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerConflictsTool(s *server.MCPServer, reviewer *observe.Reviewer) {
	tool := mcp.NewTool("understory_conflicts",
		mcp.WithDescription("List open conflicts, newest first, with both facts' content and a suggested resolution for each."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of conflicts to return (default: 20, max: 100)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		limit := 20
		if l, err := req.RequireFloat("limit"); err == nil && l > 0 {
			limit = int(l)
			if limit > 100 {
				limit = 100
			}
		}

		queue, err := reviewer.Queue(ctx, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("conflicts error: %v", err)), nil
		}

		if len(queue) == 0 {
			return mcp.NewToolResultText("No open conflicts."), nil
		}

		data, _ := json.MarshalIndent(queue, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerResolveConflictTool(s *server.MCPServer, reviewer *observe.Reviewer) {
	tool := mcp.NewTool("understory_resolve_conflict",
		mcp.WithDescription("Resolve an open conflict. keep_a archives the challenger, keep_b activates the challenger and supersedes the incumbent, merged folds the challenger into the incumbent as corroboration."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("conflict_id",
			mcp.Required(),
			mcp.Description("ID of the open conflict to resolve"),
		),
		mcp.WithString("resolution",
			mcp.Required(),
			mcp.Description("Resolution to apply: keep_a, keep_b, or merged"),
			mcp.Enum(store.ResolutionKeepA, store.ResolutionKeepB, store.ResolutionMerged),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		idVal, err := req.RequireFloat("conflict_id")
		if err != nil {
			return mcp.NewToolResultError("conflict_id is required"), nil
		}
		id := int64(idVal)

		resolution, err := req.RequireString("resolution")
		if err != nil {
			return mcp.NewToolResultError("resolution is required"), nil
		}

		if err := reviewer.Apply(ctx, id, resolution, uuid.NewString()); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("resolve error: %v", err)), nil
		}

		result := map[string]interface{}{
			"conflict_id": id,
			"resolution":  resolution,
			"message":     fmt.Sprintf("Conflict %d resolved as %s", id, resolution),
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerArchiveFactTool(s *server.MCPServer, st store.Store, archiver Archiver) {
	tool := mcp.NewTool("understory_archive_fact",
		mcp.WithDescription("Push one active fact to the Forest archival store and record the returned reference. Already-archived facts are a no-op."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("fact_id",
			mcp.Required(),
			mcp.Description("ID of the fact to archive"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		if archiver == nil {
			return mcp.NewToolResultError("archival store is not configured"), nil
		}

		idVal, err := req.RequireFloat("fact_id")
		if err != nil {
			return mcp.NewToolResultError("fact_id is required"), nil
		}
		id := int64(idVal)

		f, err := st.GetFact(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("loading fact: %v", err)), nil
		}
		if f == nil {
			return mcp.NewToolResultError(fmt.Sprintf("fact %d not found", id)), nil
		}
		if f.ArchivalRef != "" {
			return mcp.NewToolResultText(fmt.Sprintf("Fact %d is already archived as %s", id, f.ArchivalRef)), nil
		}
		if f.Status != store.FactStatusActive {
			return mcp.NewToolResultError(fmt.Sprintf("fact %d is %s; only active facts are archived", id, f.Status)), nil
		}

		// The sync confidence floor does not apply to a manual push.
		ref, err := archiver.Archive(ctx, lifecycle.ArchivalRecord(f))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("archive error: %v", err)), nil
		}
		if err := st.RecordArchivalRef(ctx, id, ref); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("recording archival ref: %v", err)), nil
		}
		_ = st.LogEvent(ctx, &store.FactEvent{
			EventType: store.EventArchived,
			FactID:    id,
			Detail:    "ref " + ref,
			RunID:     uuid.NewString(),
		})

		result := map[string]interface{}{
			"fact_id": id,
			"ref":     ref,
			"message": fmt.Sprintf("Fact %d archived as %s", id, ref),
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerIngestTool(s *server.MCPServer, pipeline *ingest.Pipeline) {
	tool := mcp.NewTool("understory_ingest",
		mcp.WithDescription("Run one message through the live extraction and resolution path. Returns per-candidate decisions and any completed goals."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Message text to process"),
		),
		mcp.WithString("channel",
			mcp.Description("Source channel to attribute the message to (default: mcp)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError("content is required"), nil
		}
		if strings.TrimSpace(content) == "" {
			return mcp.NewToolResultError("content cannot be empty"), nil
		}

		// Strip null bytes before the text hits SQLite.
		content = strings.ReplaceAll(content, "\x00", "")

		channel := "mcp"
		if c, err := req.RequireString("channel"); err == nil && strings.TrimSpace(c) != "" {
			channel = strings.ToLower(strings.TrimSpace(c))
		}

		sum := pipeline.Process(ctx, content, channel)
		data, _ := json.MarshalIndent(sum, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}
