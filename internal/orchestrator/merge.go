package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/forgehq/forge/internal/conversation"
	"github.com/forgehq/forge/internal/provider"
)

// streamResult is the assembled outcome of one provider.ChatStream call,
// expressed in terms of the canonical conversation types.
type streamResult struct {
	Text         string
	Reasoning    string
	ToolCalls    []conversation.ToolCall
	InputTokens  int
	OutputTokens int
}

func (r *streamResult) isEmpty() bool {
	return r.Text == "" && r.Reasoning == "" && len(r.ToolCalls) == 0
}

// toolCallAccumulator tracks tool calls as their name and argument fragments
// stream in, keyed by the provider's per-response ToolCallIndex, and builds
// conversation.ToolCall values from the accumulated fragments.
type toolCallAccumulator struct {
	byIndex     map[int]int
	calls       []conversation.ToolCall
	argBuilders []string
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]int)}
}

func (a *toolCallAccumulator) begin(evt provider.StreamEvent) {
	pos := len(a.calls)
	a.byIndex[evt.ToolCallIndex] = pos
	a.calls = append(a.calls, conversation.ToolCall{CallID: evt.ToolCallID, Name: evt.ToolCallName})
	a.argBuilders = append(a.argBuilders, "")
}

func (a *toolCallAccumulator) delta(evt provider.StreamEvent) {
	pos, ok := a.byIndex[evt.ToolCallIndex]
	if !ok {
		return
	}
	a.argBuilders[pos] += evt.ToolCallArgs
}

func (a *toolCallAccumulator) finalize() []conversation.ToolCall {
	for i := range a.calls {
		args := a.argBuilders[i]
		if args == "" {
			args = "{}"
		}
		a.calls[i].Arguments = json.RawMessage(args)
	}
	return a.calls
}

// collectStream drains a provider's event channel into a streamResult,
// forwarding AssistantText/ReasoningDelta events to emit as they arrive so a
// caller can stream live output while still getting one assembled result at
// the end. It returns early with ctx's error if ctx is cancelled mid-stream,
// which is one of the turn's defined cancellation suspension points.
func collectStream(ctx context.Context, events <-chan provider.StreamEvent, emit func(OrchestrationEvent)) (*streamResult, error) {
	result := &streamResult{}
	tca := newToolCallAccumulator()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case evt, ok := <-events:
			if !ok {
				result.ToolCalls = tca.finalize()
				return result, nil
			}
			switch evt.Type {
			case provider.EventContentDelta:
				result.Text += evt.Content
				if emit != nil {
					emit(textEvent(evt.Content))
				}
			case provider.EventReasoningDelta:
				result.Reasoning += evt.Content
				if emit != nil {
					emit(reasoningEvent(evt.Content))
				}
			case provider.EventToolCallBegin:
				tca.begin(evt)
			case provider.EventToolCallDelta:
				tca.delta(evt)
			case provider.EventUsage:
				if evt.InputTokens > result.InputTokens {
					result.InputTokens = evt.InputTokens
				}
				if evt.OutputTokens > result.OutputTokens {
					result.OutputTokens = evt.OutputTokens
				}
			case provider.EventError:
				return nil, evt.Err
			case provider.EventDone:
				// handled when the channel closes
			}
		}
	}
}
