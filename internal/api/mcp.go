package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/shelf/internal/attachment"
	"github.com/kalambet/shelf/internal/lifecycle"
	"github.com/kalambet/shelf/internal/resilience"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service  *attachment.Service
	Sweeper  *lifecycle.Engine
	Exec     *resilience.Executor
	Describe Describer // optional; if nil, describe_attachments returns an error
}

// NewMCPServer creates an MCP server exposing the attachment store to
// agents: vision descriptions, storage stats and a manual cleanup trigger.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"shelf",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("shelf — local attachment store for conversation files: describe images, inspect storage, trigger cleanup."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("describe_attachments",
			mcp.WithDescription("Ask the local vision model to describe stored image attachments."),
			mcp.WithArray("ids", mcp.Description("Attachment ids to describe"), mcp.Required()),
			mcp.WithString("prompt", mcp.Description("Optional prompt to steer the description")),
		),
		mcpDescribeAttachments(deps),
	)

	s.AddTool(
		mcp.NewTool("attachment_stats",
			mcp.WithDescription("Report attachment record count, byte footprint, free disk space and sweep history."),
		),
		mcpAttachmentStats(deps),
	)

	s.AddTool(
		mcp.NewTool("trigger_cleanup",
			mcp.WithDescription("Run an expiry sweep and orphan reconciliation pass now and report what was removed."),
		),
		mcpTriggerCleanup(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"ops://breakers",
			"Circuit Breakers",
			mcp.WithResourceDescription("Current circuit breaker state per operation, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceBreakers(deps),
	)

	return s
}

func mcpDescribeAttachments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Describe == nil {
			return mcpError("vision model not configured"), nil
		}

		ids := req.GetStringSlice("ids", nil)
		if len(ids) == 0 {
			return mcpError("ids is required"), nil
		}
		prompt := req.GetString("prompt", "")

		res, err := deps.Describe.Describe(ctx, ids, prompt)
		if err != nil {
			return mcpError(fmt.Sprintf("describe failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAttachmentStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Service.Stats()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read stats: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"storage": st,
			"sweeps":  deps.Sweeper.Stats(),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpTriggerCleanup(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := deps.Sweeper.Sweep()
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal sweep result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceBreakers(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Exec.Breakers())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal breaker state: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
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
