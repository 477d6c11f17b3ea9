// Package mcp defines the tool-body wire shapes shared by every tool
// executor in internal/mcptools: a tool's descriptor, its invocation
// result, and the handler signature that produces one. MCP server
// discovery itself (the upstream JSON-RPC transport that would populate
// this shape from external tool servers) is out of scope for this repo.
package mcp

import (
	"context"
	"encoding/json"
)

// Tool represents a tool definition: name, description, and JSON Schema
// input shape.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock represents a content block in tool results.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolHandler is a function that handles a tool call.
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (*ToolResult, error)
