// Package llmadapter converts between the canonical conversation data model
// and the provider package's wire-shaped Message/ToolCall types.
package llmadapter

import (
	"encoding/json"

	"github.com/forgehq/forge/internal/conversation"
	"github.com/forgehq/forge/internal/provider"
)

// ToProviderMessages flattens canonical Messages into the provider's
// Message shape. A tool message carrying a single ToolResult becomes one
// provider.Message with Role "tool" and ToolCallID set; an assistant
// message with tool calls carries them in ToolCalls.
func ToProviderMessages(msgs []conversation.Message) []provider.Message {
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleTool:
			for _, p := range m.Content {
				if p.Type != conversation.PartToolResult || p.ToolResult == nil {
					continue
				}
				out = append(out, provider.Message{
					Role:       "tool",
					Content:    toolResultContent(*p.ToolResult),
					ToolCallID: p.ToolResult.CallID,
					CreatedAt:  m.Metadata.CreatedAt,
				})
			}
		default:
			pm := provider.Message{
				Role:         string(m.Role),
				Content:      m.Text(),
				Reasoning:    m.Reasoning(),
				CreatedAt:    m.Metadata.CreatedAt,
				InputTokens:  m.Metadata.InputTokens,
				OutputTokens: m.Metadata.OutputTokens,
			}
			if calls := m.ToolCalls(); len(calls) > 0 {
				pm.ToolCalls = toProviderToolCalls(calls)
			}
			out = append(out, pm)
		}
	}
	return out
}

func toolResultContent(r conversation.ToolResult) string {
	if r.IsError() {
		return string(r.Kind) + ": " + r.Message
	}
	return r.Output
}

func toProviderToolCalls(calls []conversation.ToolCall) []provider.ToolCall {
	out := make([]provider.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, provider.ToolCall{ID: c.CallID, Name: c.Name, Arguments: c.Arguments})
	}
	return out
}

// ToConversationTools converts Context tool descriptors into provider Tool
// definitions for a ChatStream call.
func ToConversationTools(descs []conversation.ToolDescriptor) []provider.Tool {
	out := make([]provider.Tool, 0, len(descs))
	for _, d := range descs {
		schema := d.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, provider.Tool{Name: d.Name, Description: d.Description, Parameters: schema})
	}
	return out
}
