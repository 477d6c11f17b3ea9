package mcptools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/forgehq/forge/internal/lsp"
	"github.com/forgehq/forge/internal/mcp"
)

// DiagnosticsArgs represents arguments for the Diagnostics tool.
type DiagnosticsArgs struct {
	File string `json:"file"`
}

// NewDiagnosticsTool creates the Diagnostics tool definition.
func NewDiagnosticsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "Diagnostics",
		Description: "Check a file for LSP errors and warnings (type errors, unresolved imports, lint issues) without reading or editing it. Starts the relevant language server if needed and waits briefly for it to analyze the file.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file": {"type": "string", "description": "Path to the file to check"}
			},
			"required": ["file"]
		}`),
	}
}

// MakeDiagnosticsHandler creates a handler for the Diagnostics tool. It
// reuses the same lsp.Manager.NotifyAndWait/lsp.FormatDiagnostics path that
// Read and Edit use to annotate their own output, but exposes it as its own
// Dispatcher-visible, read-only "check this file" operation.
func MakeDiagnosticsHandler(lspManager *lsp.Manager) mcp.ToolHandler {
	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args DiagnosticsArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if args.File == "" {
			return toolError("File path cannot be empty"), nil
		}

		absPath, err := validatePath(args.File)
		if err != nil {
			return toolError("%v", err), nil
		}

		if lspManager == nil {
			return toolText("No LSP servers configured."), nil
		}

		diags := lspManager.NotifyAndWait(ctx, absPath, 5*time.Second)
		text := lsp.FormatDiagnostics(args.File, diags)
		if text == "" {
			text = "No errors or warnings."
		}

		return toolText(text), nil
	}
}
