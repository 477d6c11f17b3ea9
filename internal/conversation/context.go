package conversation

import "encoding/json"

// ToolDescriptor is a minimal, provider-facing snapshot of a tool available
// for a turn: just enough to build the provider's tool list. The dispatcher
// owns the full registration (permission class, executor, ...); the
// Context only needs what the model sees.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Context is the ordered sequence of Messages plus the set of tools visible
// to the model for this turn. It is the only input the provider sees.
// Ordering is append-only except when compaction rewrites a prefix.
type Context struct {
	Messages       []Message
	ToolsAvailable []ToolDescriptor
}

// Append adds a message to the end of the context.
func (c *Context) Append(msg Message) {
	c.Messages = append(c.Messages, msg)
}

// Len returns the number of messages in the context.
func (c *Context) Len() int { return len(c.Messages) }

// EstimatedTokens sums EstimateTokens over every text-bearing part, falling
// back to the heuristic only where a message carries no provider-reported
// count.
func (c *Context) EstimatedTokens() int {
	total := 0
	for _, m := range c.Messages {
		if m.Metadata.InputTokens > 0 || m.Metadata.OutputTokens > 0 {
			total += m.Metadata.InputTokens + m.Metadata.OutputTokens
			continue
		}
		total += EstimateTokens(m.Text()) + EstimateTokens(m.Reasoning())
	}
	return total
}

// UnresolvedToolCalls reports whether msg is an Assistant message with
// ToolCall parts that are not all resolved by a following Tool message
// within the given trailing slice of messages (used to find a safe
// compaction boundary).
func UnresolvedToolCalls(msg Message, following []Message) bool {
	calls := msg.ToolCalls()
	if len(calls) == 0 {
		return false
	}
	resolved := make(map[string]bool, len(calls))
	for _, m := range following {
		if m.Role != RoleTool {
			continue
		}
		for _, p := range m.Content {
			if p.Type == PartToolResult && p.ToolResult != nil {
				resolved[p.ToolResult.CallID] = true
			}
		}
	}
	for _, c := range calls {
		if !resolved[c.CallID] {
			return true
		}
	}
	return false
}
