package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/williamDalston/social-media-scraper-sub002/internal/cache"
	"github.com/williamDalston/social-media-scraper-sub002/internal/dashboard"
	"github.com/williamDalston/social-media-scraper-sub002/internal/scrape"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Dashboard *dashboard.Service
	Scraper   Scraper
	Cache     *cache.Facade
}

// NewMCPServer creates an MCP server exposing the dashboard reads, the run
// trigger and cache statistics as tools.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"smtrack",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("smtrack tracks daily follower, engagement and post counts for social media accounts."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_summary",
			mcp.WithDescription("Global totals over each tracked account's latest snapshot, broken down by source."),
		),
		mcpGetSummary(deps),
	)

	s.AddTool(
		mcp.NewTool("get_history",
			mcp.WithDescription("Daily metric snapshots for one account, oldest first."),
			mcp.WithString("source", mcp.Description("Platform, e.g. twitter or youtube"), mcp.Required()),
			mcp.WithString("handle", mcp.Description("Account handle on that platform"), mcp.Required()),
		),
		mcpGetHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("get_grid",
			mcp.WithDescription("One page of tracked accounts with their latest metrics."),
			mcp.WithNumber("page", mcp.Description("Page number starting at 1 (default 1)")),
			mcp.WithNumber("page_size", mcp.Description(fmt.Sprintf("Rows per page (default %d, max %d)", dashboard.DefaultPageSize, dashboard.MaxPageSize))),
		),
		mcpGetGrid(deps),
	)

	s.AddTool(
		mcp.NewTool("run_scrape",
			mcp.WithDescription("Run a scrape pass and return its summary. Blocks until the run finishes."),
			mcp.WithString("mode", mcp.Description("due (default), priority, all or accounts")),
			mcp.WithArray("account_ids", mcp.Description("Account ids to scrape when mode is accounts")),
		),
		mcpRunScrape(deps),
	)

	s.AddTool(
		mcp.NewTool("cache_stats",
			mcp.WithDescription("Cache tier health, per-pattern hit rates and lookup times, and tuning recommendations."),
		),
		mcpCacheStats(deps),
	)

	return s
}

func mcpGetSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sum, err := deps.Dashboard.GetSummary(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load summary: %v", err)), nil
		}
		return mcpJSON(sum), nil
	}
}

func mcpGetHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		src, err := req.RequireString("source")
		if err != nil {
			return mcpError("source is required"), nil
		}
		handle, err := req.RequireString("handle")
		if err != nil {
			return mcpError("handle is required"), nil
		}

		h, err := deps.Dashboard.GetHistory(ctx, src, handle)
		if errors.Is(err, dashboard.ErrNotFound) {
			return mcpError(fmt.Sprintf("no tracked account %s/%s", src, handle)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load history: %v", err)), nil
		}
		return mcpJSON(h), nil
	}
}

func mcpGetGrid(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		page := req.GetInt("page", 1)
		size := req.GetInt("page_size", dashboard.DefaultPageSize)

		grid, err := deps.Dashboard.GetGrid(ctx, page, size)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load grid: %v", err)), nil
		}
		return mcpJSON(grid), nil
	}
}

func mcpRunScrape(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		run := scrape.Request{
			Mode:       scrape.Mode(req.GetString("mode", "")),
			AccountIDs: req.GetStringSlice("account_ids", nil),
		}
		sum, err := deps.Scraper.Run(ctx, run)
		if err != nil {
			return mcpError(fmt.Sprintf("scrape run failed: %v", err)), nil
		}
		return mcpJSON(sum), nil
	}
}

func mcpCacheStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(cacheStats(deps.Cache)), nil
	}
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
