package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/forgehq/forge/internal/dispatcher"
	"github.com/forgehq/forge/internal/mcp"
)

// Descriptor adapts a tool definition and handler pair, written against
// mcp.ToolHandler's (*mcp.ToolResult, error) shape, into a
// dispatcher.Descriptor. This is the seam between the tool bodies (which
// predate the dispatcher and still speak the MCP content-block wire shape)
// and the Tool Dispatcher's registry, which wants a plain string-or-error
// Executor.
func Descriptor(tool mcp.Tool, class dispatcher.PermissionClass, serial bool, handler mcp.ToolHandler) dispatcher.Descriptor {
	return dispatcher.Descriptor{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: tool.InputSchema,
		Class:       class,
		Serial:      serial,
		Executor:    adaptHandler(handler),
	}
}

// adaptHandler wraps an mcp.ToolHandler as a dispatcher.Executor: a
// ToolResult with IsError set becomes a Go error (the dispatcher records it
// as FailureExecutionError), and the content blocks are flattened to the
// plain-text output the dispatcher threads back into the conversation.
func adaptHandler(handler mcp.ToolHandler) dispatcher.Executor {
	return func(ctx context.Context, arguments json.RawMessage) (string, error) {
		result, err := handler(ctx, arguments)
		if err != nil {
			return "", err
		}
		text := renderContent(result.Content)
		if result.IsError {
			return "", errors.New(text)
		}
		return text, nil
	}
}

func renderContent(blocks []mcp.ContentBlock) string {
	var sb strings.Builder
	for i, b := range blocks {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// RegisterCore registers the filesystem/process/planning tools common to a
// root agent and a sub-agent: Read, Edit, Shell, GitStatus, GitDiff,
// TodoWrite, each bound to the already-constructed handler a caller built
// with whatever lsp.Manager/delta.Tracker/shell.Shell it has on hand.
// WebFetch/WebSearch and SubAgent are registered separately because their
// construction needs extra dependencies (a web cache, an API key,
// recursion-depth plumbing) that not every caller has to hand.
func RegisterCore(reg *dispatcher.Registry, readHandler *ReadHandler, editHandler *EditHandler, shellHandler *ShellHandler, pad *Scratchpad) []error {
	var errs []error
	register := func(d dispatcher.Descriptor) {
		if err := reg.Register(d); err != nil {
			errs = append(errs, err)
		}
	}

	register(Descriptor(NewReadTool(), dispatcher.ReadOnly, false, readHandler.Handle))
	register(Descriptor(NewEditTool(), dispatcher.Mutating, true, editHandler.Handle))
	register(Descriptor(NewShellTool(), dispatcher.Shell, true, shellHandler.Handle))
	register(Descriptor(NewGitStatusTool(), dispatcher.ReadOnly, false, MakeGitStatusHandler()))
	register(Descriptor(NewGitDiffTool(), dispatcher.ReadOnly, false, MakeGitDiffHandler()))
	register(Descriptor(NewTodoWriteTool(), dispatcher.Mutating, false, MakeTodoWriteHandler(pad)))
	return errs
}
