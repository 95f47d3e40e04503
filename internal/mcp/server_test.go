package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/understory/internal/observe"
	"github.com/hurttlocker/understory/internal/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedFact(t *testing.T, s store.Store, content, factType string, confidence float64) int64 {
	t.Helper()
	id, err := s.InsertFact(context.Background(), &store.Fact{
		Content:       content,
		FactType:      factType,
		Confidence:    confidence,
		SourceChannel: "cli",
	})
	if err != nil {
		t.Fatalf("failed to seed fact: %v", err)
	}
	return id
}

// openConflict seeds one active fact plus a flagged challenger and returns
// (factAID, factBID, conflictID).
func openConflict(t *testing.T, s store.Store) (int64, int64, int64) {
	t.Helper()
	ctx := context.Background()

	aID := seedFact(t, s, "Prefers tea over coffee in the morning", store.FactTypePreference, 0.9)

	c := &store.Conflict{
		FactAID:      aID,
		Similarity:   0.88,
		ConflictType: store.ConflictContradiction,
	}
	bID, err := s.InsertForReview(ctx, &store.Fact{
		Content:       "Does not drink tea in the morning anymore",
		FactType:      store.FactTypePreference,
		Confidence:    0.6,
		SourceChannel: "telegram",
	}, c)
	if err != nil {
		t.Fatalf("InsertForReview failed: %v", err)
	}
	return aID, bID, c.ID
}

// callTool invokes an MCP tool by driving the server's JSON-RPC entry point.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]interface{}) *mcplib.CallToolResult {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      name,
			"arguments": args,
		},
	}))

	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}

	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}

	callResult := &mcplib.CallToolResult{
		IsError: resp.Result.IsError,
	}
	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			callResult.Content = append(callResult.Content, mcplib.NewTextContent(c.Text))
		}
	}

	return callResult
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func getTextContent(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content found")
	return ""
}

func TestNewServer(t *testing.T) {
	s := setupTestStore(t)

	srv := NewServer(ServerConfig{Store: s})
	if srv == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestStatsTool(t *testing.T) {
	s := setupTestStore(t)
	seedFact(t, s, "Timezone is CET, occasionally CEST", store.FactTypeFact, 0.8)
	seedFact(t, s, "Prefers dark mode in the editor", store.FactTypePreference, 0.7)
	seedFact(t, s, "Ship the quarterly report", store.FactTypeGoal, 0.9)

	srv := NewServer(ServerConfig{Store: s})

	result := callTool(t, srv, "understory_stats", map[string]interface{}{})

	text := getTextContent(t, result)
	var stats store.StoreStats
	if err := json.Unmarshal([]byte(text), &stats); err != nil {
		t.Fatalf("parsing stats: %v", err)
	}

	if stats.TotalFacts != 3 {
		t.Errorf("total_facts = %d, want 3", stats.TotalFacts)
	}
	if stats.ActiveFacts != 3 {
		t.Errorf("active_facts = %d, want 3", stats.ActiveFacts)
	}
	if stats.ActiveGoals != 1 {
		t.Errorf("active_goals = %d, want 1", stats.ActiveGoals)
	}
	if stats.OpenConflicts != 0 {
		t.Errorf("open_conflicts = %d, want 0", stats.OpenConflicts)
	}
}

func TestHealthTool(t *testing.T) {
	s := setupTestStore(t)
	seedFact(t, s, "Timezone is CET, occasionally CEST", store.FactTypeFact, 0.9)
	seedFact(t, s, "Prefers dark mode in the editor", store.FactTypePreference, 0.8)
	seedFact(t, s, "Owns a standing desk", store.FactTypeFact, 0.7)

	srv := NewServer(ServerConfig{Store: s})

	result := callTool(t, srv, "understory_health", map[string]interface{}{})

	text := getTextContent(t, result)
	var payload struct {
		Snapshot observe.Health `json:"snapshot"`
		Warnings []string       `json:"warnings"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("parsing health payload: %v", err)
	}

	if payload.Snapshot.TotalActive != 3 {
		t.Errorf("total_active = %d, want 3", payload.Snapshot.TotalActive)
	}
	if payload.Snapshot.LastCheck.IsZero() {
		t.Error("last_check not set")
	}

	// Two facts clear the sync floor and neither is archived, so the sync
	// lag warning must fire.
	found := false
	for _, w := range payload.Warnings {
		if strings.HasPrefix(w, "sync_lagging") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a sync_lagging warning, got %v", payload.Warnings)
	}
}

func TestConflictsTool(t *testing.T) {
	s := setupTestStore(t)
	aID, bID, _ := openConflict(t, s)

	srv := NewServer(ServerConfig{Store: s})

	result := callTool(t, srv, "understory_conflicts", map[string]interface{}{})

	text := getTextContent(t, result)
	var queue []observe.Suggestion
	if err := json.Unmarshal([]byte(text), &queue); err != nil {
		t.Fatalf("parsing conflicts: %v", err)
	}

	if len(queue) != 1 {
		t.Fatalf("expected 1 open conflict, got %d", len(queue))
	}
	sg := queue[0]
	if sg.Detail == nil || sg.Detail.FactA == nil || sg.Detail.FactB == nil {
		t.Fatalf("suggestion is missing fact content: %+v", sg)
	}
	if sg.Detail.FactA.ID != aID || sg.Detail.FactB.ID != bID {
		t.Errorf("fact ids = (%d, %d), want (%d, %d)",
			sg.Detail.FactA.ID, sg.Detail.FactB.ID, aID, bID)
	}
	if !strings.Contains(sg.Detail.FactA.Content, "tea over coffee") {
		t.Errorf("fact A content missing: %q", sg.Detail.FactA.Content)
	}
	if sg.Resolution != store.ResolutionKeepA {
		t.Errorf("suggested resolution = %q, want keep_a for the stronger side", sg.Resolution)
	}
}

func TestConflictsToolEmpty(t *testing.T) {
	s := setupTestStore(t)

	srv := NewServer(ServerConfig{Store: s})

	result := callTool(t, srv, "understory_conflicts", map[string]interface{}{})

	text := getTextContent(t, result)
	if !strings.Contains(text, "No open conflicts") {
		t.Errorf("expected empty-queue message, got %q", text)
	}
}
