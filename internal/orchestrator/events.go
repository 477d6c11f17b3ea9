package orchestrator

import (
	"time"

	"github.com/forgehq/forge/internal/compactor"
	"github.com/forgehq/forge/internal/conversation"
)

// EventType identifies the kind of OrchestrationEvent.
type EventType string

const (
	EventAssistantText     EventType = "assistant_text"
	EventReasoningDelta    EventType = "reasoning_delta"
	EventToolCallRequested EventType = "tool_call_requested"
	EventToolCallCompleted EventType = "tool_call_completed"
	EventCompacted         EventType = "compacted"
	EventTurnEnded         EventType = "turn_ended"
)

// TurnEndReason classifies why a turn stopped.
type TurnEndReason string

const (
	ReasonCompleted                 TurnEndReason = "completed"
	ReasonCancelled                 TurnEndReason = "cancelled"
	ReasonRequestBudgetExceeded     TurnEndReason = "request_budget_exceeded"
	ReasonTurnBudgetExceeded        TurnEndReason = "turn_budget_exceeded"
	ReasonToolFailureBudgetExceeded TurnEndReason = "tool_failure_budget_exceeded"
	ReasonProviderFailed            TurnEndReason = "provider_failed"
	ReasonPersistenceFailed         TurnEndReason = "persistence_failed"
)

// OrchestrationEvent is one item in the stream a TurnHandle exposes. Exactly
// the fields relevant to Type are populated.
type OrchestrationEvent struct {
	Type EventType

	// AssistantText / ReasoningDelta
	Delta string

	// ToolCallRequested
	Call conversation.ToolCall

	// ToolCallCompleted
	Result conversation.ToolResult

	// Compacted
	Compacted *compactor.Compacted

	// TurnEnded
	Reason  TurnEndReason
	Detail  string

	Timestamp time.Time
}

func textEvent(delta string) OrchestrationEvent {
	return OrchestrationEvent{Type: EventAssistantText, Delta: delta, Timestamp: time.Now()}
}

func reasoningEvent(delta string) OrchestrationEvent {
	return OrchestrationEvent{Type: EventReasoningDelta, Delta: delta, Timestamp: time.Now()}
}

func requestedEvent(call conversation.ToolCall) OrchestrationEvent {
	return OrchestrationEvent{Type: EventToolCallRequested, Call: call, Timestamp: time.Now()}
}

func completedEvent(result conversation.ToolResult) OrchestrationEvent {
	return OrchestrationEvent{Type: EventToolCallCompleted, Result: result, Timestamp: time.Now()}
}

func compactedEvent(stats *compactor.Compacted) OrchestrationEvent {
	return OrchestrationEvent{Type: EventCompacted, Compacted: stats, Timestamp: time.Now()}
}

func turnEndedEvent(reason TurnEndReason, detail string) OrchestrationEvent {
	return OrchestrationEvent{Type: EventTurnEnded, Reason: reason, Detail: detail, Timestamp: time.Now()}
}
