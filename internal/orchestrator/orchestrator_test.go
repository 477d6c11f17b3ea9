package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/forgehq/forge/internal/conversation"
	"github.com/forgehq/forge/internal/convstore"
	"github.com/forgehq/forge/internal/dispatcher"
	"github.com/forgehq/forge/internal/provider"
)

// scriptedTurn is one ChatStream response, replayed in order as a provider
// receives successive calls.
type scriptedTurn struct {
	text      string
	toolCalls []provider.ToolCall
	err       error
	hang      bool // never sends any event; used to test mid-stream cancellation
}

type scriptedProvider struct {
	turns []scriptedTurn
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	idx := p.calls
	p.calls++
	if idx >= len(p.turns) {
		idx = len(p.turns) - 1
	}
	turn := p.turns[idx]

	ch := make(chan provider.StreamEvent, 8)
	go func() {
		defer close(ch)
		if turn.hang {
			<-ctx.Done()
			return
		}
		if turn.err != nil {
			ch <- provider.StreamEvent{Type: provider.EventError, Err: turn.err}
			return
		}
		if turn.text != "" {
			ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: turn.text}
		}
		for i, tc := range turn.toolCalls {
			ch <- provider.StreamEvent{Type: provider.EventToolCallBegin, ToolCallIndex: i, ToolCallID: tc.ID, ToolCallName: tc.Name}
			ch <- provider.StreamEvent{Type: provider.EventToolCallDelta, ToolCallIndex: i, ToolCallArgs: string(tc.Arguments)}
		}
		ch <- provider.StreamEvent{Type: provider.EventDone}
	}()
	return ch, nil
}

func (p *scriptedProvider) ListModels(ctx context.Context) ([]provider.Model, error) { return nil, nil }
func (p *scriptedProvider) Close() error                                            { return nil }

type mapAgents map[string]conversation.Agent

func (m mapAgents) Get(id string) (conversation.Agent, bool) {
	a, ok := m[id]
	return a, ok
}

type singleProviderResolver struct {
	prov provider.Provider
}

func (r singleProviderResolver) Resolve(model string) (provider.Provider, error) {
	return r.prov, nil
}

func echoTool() dispatcher.Descriptor {
	return dispatcher.Descriptor{
		Name:        "echo",
		Description: "echoes its input",
		Class:       dispatcher.ReadOnly,
		Executor: func(ctx context.Context, args json.RawMessage) (string, error) {
			return string(args), nil
		},
	}
}

func drain(t *testing.T, h *TurnHandle, timeout time.Duration) []OrchestrationEvent {
	t.Helper()
	var events []OrchestrationEvent
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-h.Events():
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-deadline:
			t.Fatal("timed out waiting for turn to end")
		}
	}
}

func lastEvent(events []OrchestrationEvent) OrchestrationEvent {
	return events[len(events)-1]
}

func TestInitUnknownAgent(t *testing.T) {
	o := New(convstore.NewMemoryStore(), dispatcher.New(dispatcher.NewRegistry(), nil, nil), mapAgents{}, singleProviderResolver{})
	_, err := o.Init(context.Background(), "c1", "nope", conversation.Event{})
	if err != ErrAgentUnknown {
		t.Fatalf("expected ErrAgentUnknown, got %v", err)
	}
}

func TestInitAgentNotSubscribed(t *testing.T) {
	agent := conversation.Agent{ID: "builder", Model: "m", Subscribe: map[string]bool{"other_event": true}}
	o := New(convstore.NewMemoryStore(), dispatcher.New(dispatcher.NewRegistry(), nil, nil), mapAgents{"builder": agent}, singleProviderResolver{})
	_, err := o.Init(context.Background(), "c1", "builder", conversation.Event{Name: conversation.EventUserTaskInit, Value: "hi"})
	if err != ErrAgentNotSubscribed {
		t.Fatalf("expected ErrAgentNotSubscribed, got %v", err)
	}
}

func TestRunTurnPureTextCompletion(t *testing.T) {
	agent := conversation.Agent{
		ID: "builder", Model: "m",
		Subscribe:          map[string]bool{conversation.EventUserTaskInit: true},
		ToolsAllowed:       map[string]bool{},
		MaxRequestsPerTurn: 5,
	}
	prov := &scriptedProvider{turns: []scriptedTurn{{text: "hello there"}}}
	store := convstore.NewMemoryStore()
	reg := dispatcher.NewRegistry()
	o := New(store, dispatcher.New(reg, nil, nil), mapAgents{"builder": agent}, singleProviderResolver{prov: prov})

	handle, err := o.Init(context.Background(), "c1", "builder", conversation.Event{Name: conversation.EventUserTaskInit, Value: "say hi"})
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, handle, 2*time.Second)

	end := lastEvent(events)
	if end.Type != EventTurnEnded || end.Reason != ReasonCompleted {
		t.Fatalf("expected TurnEnded/Completed, got %+v", end)
	}

	conv, err := store.Get(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range conv.Context.Messages {
		if m.Role == conversation.RoleAssistant && m.Text() == "hello there" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected assistant reply persisted, got %+v", conv.Context.Messages)
	}
}

func TestRunTurnSingleToolCall(t *testing.T) {
	agent := conversation.Agent{
		ID: "builder", Model: "m",
		Subscribe:          map[string]bool{conversation.EventUserTaskInit: true},
		ToolsAllowed:       map[string]bool{"echo": true},
		MaxRequestsPerTurn: 5,
	}
	prov := &scriptedProvider{turns: []scriptedTurn{
		{toolCalls: []provider.ToolCall{{ID: "call1", Name: "echo", Arguments: json.RawMessage(`{"x":1}`)}}},
		{text: "done"},
	}}
	store := convstore.NewMemoryStore()
	reg := dispatcher.NewRegistry()
	if err := reg.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	o := New(store, dispatcher.New(reg, nil, nil), mapAgents{"builder": agent}, singleProviderResolver{prov: prov})

	handle, err := o.Init(context.Background(), "c2", "builder", conversation.Event{Name: conversation.EventUserTaskInit, Value: "echo 1"})
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, handle, 2*time.Second)

	var sawRequested, sawCompleted bool
	for _, evt := range events {
		if evt.Type == EventToolCallRequested && evt.Call.Name == "echo" {
			sawRequested = true
		}
		if evt.Type == EventToolCallCompleted && evt.Result.CallID == "call1" && !evt.Result.IsError() {
			sawCompleted = true
		}
	}
	if !sawRequested || !sawCompleted {
		t.Fatalf("expected requested+completed tool events, got %+v", events)
	}
	if end := lastEvent(events); end.Reason != ReasonCompleted {
		t.Fatalf("expected Completed, got %+v", end)
	}
}

func TestRunTurnCompactionMidTurn(t *testing.T) {
	agent := conversation.Agent{
		ID: "builder", Model: "m",
		Subscribe:          map[string]bool{conversation.EventUserTaskInit: true},
		ToolsAllowed:       map[string]bool{},
		MaxRequestsPerTurn: 5,
		Compact: &conversation.CompactConfig{
			MessageThreshold: 3,
			RetentionWindow:  1,
			EvictionWindow:   1.0,
		},
	}
	// Turn 0: compactor's own ChatStream call (summary). Turn 1: the
	// agent's real completion, issued after compaction runs.
	prov := &scriptedProvider{turns: []scriptedTurn{
		{text: "summary of prior context"},
		{text: "continuing"},
	}}
	store := convstore.NewMemoryStore()
	// Seed the conversation with enough messages to exceed MessageThreshold
	// before Init's own user-message append.
	seeded := conversation.Conversation{
		ID: "c3", WorkspaceID: "c3",
		Context: conversation.Context{Messages: []conversation.Message{
			conversation.NewSystemMessage("sys"),
			conversation.NewUserMessage("one"),
			conversation.Message{Role: conversation.RoleAssistant, Content: []conversation.Part{conversation.TextPart("two")}},
		}},
	}
	if err := store.Upsert(context.Background(), seeded); err != nil {
		t.Fatal(err)
	}

	reg := dispatcher.NewRegistry()
	o := New(store, dispatcher.New(reg, nil, nil), mapAgents{"builder": agent}, singleProviderResolver{prov: prov})

	handle, err := o.Init(context.Background(), "c3", "builder", conversation.Event{Name: conversation.EventUserTaskInit, Value: "keep going"})
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, handle, 2*time.Second)

	var sawCompaction bool
	for _, evt := range events {
		if evt.Type == EventCompacted {
			sawCompaction = true
		}
	}
	if !sawCompaction {
		t.Fatalf("expected a Compacted event, got %+v", events)
	}
	if end := lastEvent(events); end.Reason != ReasonCompleted {
		t.Fatalf("expected Completed, got %+v", end)
	}
}

func TestRunTurnCancellationMidStream(t *testing.T) {
	agent := conversation.Agent{
		ID: "builder", Model: "m",
		Subscribe:          map[string]bool{conversation.EventUserTaskInit: true},
		ToolsAllowed:       map[string]bool{},
		MaxRequestsPerTurn: 5,
	}
	prov := &scriptedProvider{turns: []scriptedTurn{{hang: true}}}
	store := convstore.NewMemoryStore()
	reg := dispatcher.NewRegistry()
	o := New(store, dispatcher.New(reg, nil, nil), mapAgents{"builder": agent}, singleProviderResolver{prov: prov})

	handle, err := o.Init(context.Background(), "c4", "builder", conversation.Event{Name: conversation.EventUserTaskInit, Value: "hang please"})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		handle.Cancel()
	}()

	events := drain(t, handle, 2*time.Second)
	if end := lastEvent(events); end.Type != EventTurnEnded || end.Reason != ReasonCancelled {
		t.Fatalf("expected TurnEnded/Cancelled, got %+v", end)
	}
}

func TestRunTurnRequestBudgetExceeded(t *testing.T) {
	agent := conversation.Agent{
		ID: "builder", Model: "m",
		Subscribe:          map[string]bool{conversation.EventUserTaskInit: true},
		ToolsAllowed:       map[string]bool{"echo": true},
		MaxRequestsPerTurn: 1,
	}
	// The first call returns a tool call, so the loop wants another
	// request — it should be cut off by MaxRequestsPerTurn; the second
	// scripted response answers the forced text-only wrap-up call.
	prov := &scriptedProvider{turns: []scriptedTurn{
		{toolCalls: []provider.ToolCall{{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{}`)}}},
		{text: "forced wrap-up"},
	}}
	store := convstore.NewMemoryStore()
	reg := dispatcher.NewRegistry()
	if err := reg.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	o := New(store, dispatcher.New(reg, nil, nil), mapAgents{"builder": agent}, singleProviderResolver{prov: prov})

	handle, err := o.Init(context.Background(), "c5", "builder", conversation.Event{Name: conversation.EventUserTaskInit, Value: "go"})
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, handle, 2*time.Second)
	if end := lastEvent(events); end.Reason != ReasonRequestBudgetExceeded {
		t.Fatalf("expected RequestBudgetExceeded, got %+v", end)
	}
}

func TestInitEndsImmediatelyWhenTurnBudgetExceeded(t *testing.T) {
	agent := conversation.Agent{
		ID: "builder", Model: "m",
		Subscribe: map[string]bool{conversation.EventUserTaskInit: true},
		MaxTurns:  1,
	}
	prov := &scriptedProvider{turns: []scriptedTurn{{text: "ok"}}}
	store := convstore.NewMemoryStore()
	reg := dispatcher.NewRegistry()
	o := New(store, dispatcher.New(reg, nil, nil), mapAgents{"builder": agent}, singleProviderResolver{prov: prov})

	h1, err := o.Init(context.Background(), "c6", "builder", conversation.Event{Name: conversation.EventUserTaskInit, Value: "1"})
	if err != nil {
		t.Fatal(err)
	}
	drain(t, h1, 2*time.Second)

	h2, err := o.Init(context.Background(), "c6", "builder", conversation.Event{Name: conversation.EventUserTaskInit, Value: "2"})
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, h2, 2*time.Second)
	if len(events) != 1 || events[0].Reason != ReasonTurnBudgetExceeded {
		t.Fatalf("expected a lone TurnBudgetExceeded event, got %+v", events)
	}
}
