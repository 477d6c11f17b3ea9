package compactor

import (
	"context"
	"testing"

	"github.com/forgehq/forge/internal/conversation"
	"github.com/forgehq/forge/internal/provider"
)

func TestEligible(t *testing.T) {
	cfg := conversation.CompactConfig{RetentionWindow: 4, EvictionWindow: 0.6}
	if got := Eligible(10, cfg); got != 6 {
		t.Fatalf("got %d, want 6", got)
	}
	if got := Eligible(0, cfg); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestEligibleRetentionExceedsN(t *testing.T) {
	cfg := conversation.CompactConfig{RetentionWindow: 20, EvictionWindow: 1.0}
	if got := Eligible(5, cfg); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func plainMsg(role conversation.Role, text string) conversation.Message {
	return conversation.Message{Role: role, Content: []conversation.Part{conversation.TextPart(text)}}
}

func TestSafeBoundaryShortensPastUnresolvedToolCall(t *testing.T) {
	call := conversation.ToolCall{CallID: "c1", Name: "fs_list"}
	messages := []conversation.Message{
		plainMsg(conversation.RoleUser, "hi"),
		{Role: conversation.RoleAssistant, Content: []conversation.Part{conversation.ToolCallPart(call)}},
		{Role: conversation.RoleTool, Content: []conversation.Part{conversation.ToolResultPart(conversation.Success("c1", "ok", 0))}},
		plainMsg(conversation.RoleAssistant, "done"),
	}
	if got := safeBoundary(messages, 2); got != 1 {
		t.Fatalf("got %d, want 1 (must shorten past the unresolved tool call)", got)
	}
	if got := safeBoundary(messages, 3); got != 3 {
		t.Fatalf("got %d, want 3 (tool result is included, boundary is safe)", got)
	}
}

type scriptedProvider struct {
	text string
	err  error
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent, 4)
	go func() {
		defer close(ch)
		if p.err != nil {
			ch <- provider.StreamEvent{Type: provider.EventError, Err: p.err}
			return
		}
		ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: p.text}
		ch <- provider.StreamEvent{Type: provider.EventDone}
	}()
	return ch, nil
}
func (p *scriptedProvider) ListModels(ctx context.Context) ([]provider.Model, error) { return nil, nil }
func (p *scriptedProvider) Close() error                                            { return nil }

func TestRunSwapsPrefixForSummary(t *testing.T) {
	conv := conversation.Conversation{
		Context: conversation.Context{Messages: []conversation.Message{
			plainMsg(conversation.RoleUser, "one"),
			plainMsg(conversation.RoleAssistant, "two"),
			plainMsg(conversation.RoleUser, "three"),
			plainMsg(conversation.RoleAssistant, "four"),
			plainMsg(conversation.RoleUser, "five"),
			plainMsg(conversation.RoleAssistant, "six"),
			plainMsg(conversation.RoleUser, "seven"),
			plainMsg(conversation.RoleAssistant, "eight"),
			plainMsg(conversation.RoleUser, "nine"),
			plainMsg(conversation.RoleAssistant, "ten"),
		}},
	}
	agent := conversation.Agent{
		ID:    "builder",
		Model: "claude-sonnet",
		Compact: &conversation.CompactConfig{
			RetentionWindow: 4,
			EvictionWindow:  0.6,
		},
	}
	prov := &scriptedProvider{text: "<summary>S</summary>"}
	agent.Compact.SummaryTag = "summary"

	stats, err := Run(context.Background(), prov, &conv, agent)
	if err != nil {
		t.Fatal(err)
	}
	if stats == nil {
		t.Fatal("expected compaction to run")
	}
	if stats.ReplacedCount != 6 {
		t.Fatalf("expected replaced_count=6, got %d", stats.ReplacedCount)
	}
	if len(conv.Context.Messages) != 5 {
		t.Fatalf("expected 5 messages after swap, got %d", len(conv.Context.Messages))
	}
	if conv.Context.Messages[0].Metadata.Origin != "compaction" || conv.Context.Messages[0].Text() != "S" {
		t.Fatalf("unexpected summary message: %+v", conv.Context.Messages[0])
	}
	if conv.Context.Messages[1].Text() != "seven" {
		t.Fatalf("expected retained tail to start at message 7, got %+v", conv.Context.Messages[1])
	}
}

func TestRunSkipsSilentlyOnProviderFailure(t *testing.T) {
	conv := conversation.Conversation{
		Context: conversation.Context{Messages: []conversation.Message{
			plainMsg(conversation.RoleUser, "one"),
			plainMsg(conversation.RoleAssistant, "two"),
			plainMsg(conversation.RoleUser, "three"),
			plainMsg(conversation.RoleAssistant, "four"),
		}},
	}
	agent := conversation.Agent{
		ID: "builder", Model: "claude-sonnet",
		Compact: &conversation.CompactConfig{RetentionWindow: 1, EvictionWindow: 1.0},
	}
	before := len(conv.Context.Messages)
	prov := &scriptedProvider{err: context.DeadlineExceeded}

	stats, err := Run(context.Background(), prov, &conv, agent)
	if err != nil {
		t.Fatal(err)
	}
	if stats != nil {
		t.Fatalf("expected nil stats on provider failure, got %+v", stats)
	}
	if len(conv.Context.Messages) != before {
		t.Fatal("expected context to be left untouched on failure")
	}
}

func TestRunNoCompactConfig(t *testing.T) {
	conv := conversation.Conversation{Context: conversation.Context{Messages: []conversation.Message{plainMsg(conversation.RoleUser, "hi")}}}
	stats, err := Run(context.Background(), &scriptedProvider{text: "x"}, &conv, conversation.Agent{ID: "a"})
	if err != nil || stats != nil {
		t.Fatalf("expected no-op without Compact config, got stats=%+v err=%v", stats, err)
	}
}

func TestShouldCompact(t *testing.T) {
	ctx := conversation.Context{Messages: make([]conversation.Message, 10)}
	if ShouldCompact(ctx, nil, 0) {
		t.Fatal("nil config never triggers")
	}
	if !ShouldCompact(ctx, &conversation.CompactConfig{MessageThreshold: 8}, 0) {
		t.Fatal("expected threshold exceeded to trigger")
	}
	if ShouldCompact(ctx, &conversation.CompactConfig{MessageThreshold: 20}, 0) {
		t.Fatal("expected threshold not exceeded to not trigger")
	}
}

func TestShouldCompactTurnThreshold(t *testing.T) {
	ctx := conversation.Context{Messages: make([]conversation.Message, 2)}
	cfg := &conversation.CompactConfig{TurnThreshold: 5}
	if ShouldCompact(ctx, cfg, 4) {
		t.Fatal("expected turn 4 to not trigger against threshold 5")
	}
	if !ShouldCompact(ctx, cfg, 5) {
		t.Fatal("expected turn 5 to trigger against threshold 5")
	}
	if !ShouldCompact(ctx, cfg, 10) {
		t.Fatal("expected turn 10 (second multiple) to trigger")
	}
}

func TestShouldCompactOnTurnEnd(t *testing.T) {
	cfg := &conversation.CompactConfig{OnTurnEnd: true}
	userCtx := conversation.Context{Messages: []conversation.Message{plainMsg(conversation.RoleUser, "hi")}}
	if !ShouldCompact(userCtx, cfg, 0) {
		t.Fatal("expected a trailing user message to trigger on_turn_end")
	}
	toolCtx := conversation.Context{Messages: []conversation.Message{plainMsg(conversation.RoleTool, "result")}}
	if ShouldCompact(toolCtx, cfg, 0) {
		t.Fatal("expected a trailing tool message to not trigger on_turn_end")
	}
}
