// Package conversation defines the canonical data model shared by the
// orchestrator, compactor, dispatcher, and store: messages, tool calls,
// contexts, conversations, and agent configuration.
package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies the kind of content a Part carries.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartReasoning  PartType = "reasoning"
)

// Part is one piece of a Message's content. Exactly one of the typed
// fields is populated, selected by Type.
type Part struct {
	Type       PartType
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// TextPart builds a Part carrying plain text.
func TextPart(text string) Part { return Part{Type: PartText, Text: text} }

// ReasoningPart builds a Part carrying hidden chain-of-thought.
func ReasoningPart(text string) Part { return Part{Type: PartReasoning, Text: text} }

// ToolCallPart builds a Part carrying a tool invocation request.
func ToolCallPart(tc ToolCall) Part { return Part{Type: PartToolCall, ToolCall: &tc} }

// ToolResultPart builds a Part carrying a tool invocation outcome.
func ToolResultPart(tr ToolResult) Part { return Part{Type: PartToolResult, ToolResult: &tr} }

// Metadata carries optional bookkeeping attached to a Message that is not
// part of its semantic content.
type Metadata struct {
	AgentID      string
	InputTokens  int
	OutputTokens int
	CreatedAt    time.Time
	// Origin marks messages synthesized by the core itself, e.g. "compaction".
	Origin string
	// Replaced is set on a compaction summary message: the number of
	// messages it replaced.
	Replaced int
}

// Message is a semantic conversation record. An Assistant message may carry
// zero or more ToolCall parts; every ToolCall part must be followed (in
// conversation order) by exactly one Tool message carrying a matching
// ToolResult, unless the call was cancelled.
type Message struct {
	Role     Role
	Content  []Part
	Metadata Metadata
}

// Text concatenates all PartText parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// Reasoning concatenates all PartReasoning parts of the message.
func (m Message) Reasoning() string {
	var out string
	for _, p := range m.Content {
		if p.Type == PartReasoning {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns the ToolCall parts of the message in order.
func (m Message) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, p := range m.Content {
		if p.Type == PartToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// ToolResultByCallID returns the ToolResult part matching callID, if any.
func (m Message) ToolResultByCallID(callID string) (ToolResult, bool) {
	for _, p := range m.Content {
		if p.Type == PartToolResult && p.ToolResult != nil && p.ToolResult.CallID == callID {
			return *p.ToolResult, true
		}
	}
	return ToolResult{}, false
}

// NewUserMessage builds a plain-text user message.
func NewUserMessage(text string) Message {
	return Message{
		Role:     RoleUser,
		Content:  []Part{TextPart(text)},
		Metadata: Metadata{CreatedAt: time.Now()},
	}
}

// NewSystemMessage builds a plain-text system message.
func NewSystemMessage(text string) Message {
	return Message{
		Role:     RoleSystem,
		Content:  []Part{TextPart(text)},
		Metadata: Metadata{CreatedAt: time.Now()},
	}
}

// ToolCall is a structured request from the model naming a tool and
// supplying arguments.
type ToolCall struct {
	CallID      string
	Name        string
	Arguments   json.RawMessage
	RequestedAt time.Time
}

// NewCallID generates a globally unique tool-call identifier.
func NewCallID() string {
	return uuid.NewString()
}

// OutcomeKind distinguishes a ToolResult's success/failure shape.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
)

// FailureKind enumerates the tool-level error taxonomy.
type FailureKind string

const (
	FailureToolNotAllowed     FailureKind = "tool_not_allowed"
	FailurePermissionDenied   FailureKind = "permission_denied"
	FailureMalformedArguments FailureKind = "malformed_arguments"
	FailureTimeout            FailureKind = "timeout"
	FailureToolUnknown        FailureKind = "tool_unknown"
	FailureExecutionError     FailureKind = "execution_error"
	FailureCancelled          FailureKind = "cancelled"
)

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	CallID   string
	Outcome  OutcomeKind
	Output   string // structured output, serialized; present when Outcome == Success
	Kind     FailureKind
	Message  string // human-readable detail; present when Outcome == Failure
	Duration time.Duration
}

// Success builds a successful ToolResult.
func Success(callID, output string, d time.Duration) ToolResult {
	return ToolResult{CallID: callID, Outcome: OutcomeSuccess, Output: output, Duration: d}
}

// Failure builds a failed ToolResult.
func Failure(callID string, kind FailureKind, message string, d time.Duration) ToolResult {
	return ToolResult{CallID: callID, Outcome: OutcomeFailure, Kind: kind, Message: message, Duration: d}
}

// IsError reports whether the result represents a failure.
func (r ToolResult) IsError() bool { return r.Outcome == OutcomeFailure }

// EstimateTokens is a character-based heuristic used when a provider does
// not report token counts. It must be applied consistently within one
// conversation.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
