package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/williamDalston/social-media-scraper-sub002/internal/cache"
	"github.com/williamDalston/social-media-scraper-sub002/internal/dashboard"
	"github.com/williamDalston/social-media-scraper-sub002/internal/scrape"
	"github.com/williamDalston/social-media-scraper-sub002/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *mockScraper) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	seedStore(t, store)

	facade := cache.NewFacade(nil, cache.Options{Logger: quietLogger()})
	scraper := &mockScraper{}
	return MCPDeps{
		Dashboard: dashboard.NewService(store, facade, 5),
		Scraper:   scraper,
		Cache:     facade,
	}, scraper
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_GetSummary(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpGetSummary(deps)(context.Background(), makeCallToolRequest("get_summary", nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var sum storage.Summary
	if err := json.Unmarshal([]byte(toolText(t, result)), &sum); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if sum.Accounts != 2 || sum.FollowerCount != 42 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestMCPTool_GetHistory(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpGetHistory(deps)(context.Background(), makeCallToolRequest("get_history", map[string]interface{}{
		"source": "twitter",
		"handle": "alice",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var h dashboard.History
	if err := json.Unmarshal([]byte(toolText(t, result)), &h); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if len(h.Snapshots) != 2 || h.Snapshots[0].Date != "2026-05-01" {
		t.Errorf("snapshots = %+v, want 2 oldest first", h.Snapshots)
	}
}

func TestMCPTool_GetHistoryMissingArgs(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, _ := mcpGetHistory(deps)(context.Background(), makeCallToolRequest("get_history", map[string]interface{}{
		"source": "twitter",
	}))
	if !result.IsError {
		t.Fatal("expected error without handle")
	}
	if !strings.Contains(toolText(t, result), "handle") {
		t.Errorf("error = %q, want mention of handle", toolText(t, result))
	}
}

func TestMCPTool_GetHistoryUnknownAccount(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, _ := mcpGetHistory(deps)(context.Background(), makeCallToolRequest("get_history", map[string]interface{}{
		"source": "twitter",
		"handle": "ghost",
	}))
	if !result.IsError {
		t.Fatal("expected error for unknown account")
	}
	if !strings.Contains(toolText(t, result), "twitter/ghost") {
		t.Errorf("error = %q", toolText(t, result))
	}
}

func TestMCPTool_GetGrid(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	// JSON numbers arrive as float64.
	result, _ := mcpGetGrid(deps)(context.Background(), makeCallToolRequest("get_grid", map[string]interface{}{
		"page":      float64(2),
		"page_size": float64(1),
	}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var grid dashboard.GridPage
	if err := json.Unmarshal([]byte(toolText(t, result)), &grid); err != nil {
		t.Fatalf("decoding grid: %v", err)
	}
	if grid.Page != 2 || len(grid.Rows) != 1 || grid.Rows[0].Handle != "bob" {
		t.Errorf("grid = %+v", grid)
	}
}

func TestMCPTool_RunScrape(t *testing.T) {
	deps, scraper := newTestMCPDeps(t)

	result, _ := mcpRunScrape(deps)(context.Background(), makeCallToolRequest("run_scrape", map[string]interface{}{
		"mode":        "accounts",
		"account_ids": []interface{}{"a1", "b1"},
	}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if len(scraper.reqs) != 1 {
		t.Fatalf("runs = %d, want 1", len(scraper.reqs))
	}
	req := scraper.reqs[0]
	if req.Mode != scrape.ModeAccounts || len(req.AccountIDs) != 2 || req.AccountIDs[1] != "b1" {
		t.Errorf("request = %+v", req)
	}
}

func TestMCPTool_RunScrapeInProgress(t *testing.T) {
	deps, scraper := newTestMCPDeps(t)
	scraper.runFn = func(context.Context, scrape.Request) (scrape.RunSummary, error) {
		return scrape.RunSummary{}, scrape.ErrRunInProgress
	}

	result, _ := mcpRunScrape(deps)(context.Background(), makeCallToolRequest("run_scrape", nil))
	if !result.IsError {
		t.Fatal("expected error while a run is in progress")
	}
	if !strings.Contains(toolText(t, result), "already in progress") {
		t.Errorf("error = %q", toolText(t, result))
	}
}

func TestMCPTool_CacheStats(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	mcpGetSummary(deps)(context.Background(), makeCallToolRequest("get_summary", nil))

	result, _ := mcpCacheStats(deps)(context.Background(), makeCallToolRequest("cache_stats", nil))
	var stats cache.Stats
	if err := json.Unmarshal([]byte(toolText(t, result)), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.Patterns[cache.PatternSummary].Misses != 1 {
		t.Errorf("summary misses = %d, want 1", stats.Patterns[cache.PatternSummary].Misses)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps, "test"); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
