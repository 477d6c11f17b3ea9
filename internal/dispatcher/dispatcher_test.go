package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/forgehq/forge/internal/conversation"
)

func testAgent(tools ...string) conversation.Agent {
	allowed := make(map[string]bool, len(tools))
	for _, t := range tools {
		allowed[t] = true
	}
	return conversation.Agent{ID: "test-agent", ToolsAllowed: allowed}
}

func call(name string) conversation.ToolCall {
	return conversation.ToolCall{CallID: conversation.NewCallID(), Name: name, Arguments: json.RawMessage(`{}`)}
}

func TestExecuteBatchSuccess(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Descriptor{
		Name:  "echo",
		Class: ReadOnly,
		Executor: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "ok", nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	d := New(reg, AllowAllPolicy(), nil)
	results := d.ExecuteBatch(context.Background(), testAgent("echo"), []conversation.ToolCall{call("echo")})
	if len(results) != 1 || results[0].IsError() || results[0].Output != "ok" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestExecuteBatchToolNotAllowed(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Descriptor{Name: "echo", Class: ReadOnly, Executor: func(context.Context, json.RawMessage) (string, error) { return "ok", nil }})

	d := New(reg, AllowAllPolicy(), nil)
	results := d.ExecuteBatch(context.Background(), testAgent(), []conversation.ToolCall{call("echo")})
	if !results[0].IsError() || results[0].Kind != conversation.FailureToolNotAllowed {
		t.Fatalf("expected tool_not_allowed, got %+v", results[0])
	}
}

func TestExecuteBatchUnknownTool(t *testing.T) {
	reg := NewRegistry()
	d := New(reg, AllowAllPolicy(), nil)
	results := d.ExecuteBatch(context.Background(), testAgent("ghost"), []conversation.ToolCall{call("ghost")})
	if !results[0].IsError() || results[0].Kind != conversation.FailureToolUnknown {
		t.Fatalf("expected tool_unknown, got %+v", results[0])
	}
}

func TestExecuteBatchMalformedArguments(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Descriptor{Name: "echo", Class: ReadOnly, Executor: func(context.Context, json.RawMessage) (string, error) { return "ok", nil }})
	d := New(reg, AllowAllPolicy(), nil)

	bad := call("echo")
	bad.Arguments = json.RawMessage(`{not json`)
	results := d.ExecuteBatch(context.Background(), testAgent("echo"), []conversation.ToolCall{bad})
	if !results[0].IsError() || results[0].Kind != conversation.FailureMalformedArguments {
		t.Fatalf("expected malformed_arguments, got %+v", results[0])
	}
}

func TestExecuteBatchPermissionDenied(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Descriptor{Name: "rm", Class: Shell, Executor: func(context.Context, json.RawMessage) (string, error) { return "", nil }})

	deny := PolicyFunc(func(class PermissionClass) Decision {
		if class == Shell {
			return Deny
		}
		return Allow
	})
	d := New(reg, deny, nil)
	results := d.ExecuteBatch(context.Background(), testAgent("rm"), []conversation.ToolCall{call("rm")})
	if !results[0].IsError() || results[0].Kind != conversation.FailurePermissionDenied {
		t.Fatalf("expected permission_denied, got %+v", results[0])
	}
}

func TestExecuteBatchAskUserDeniedWithoutInteraction(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Descriptor{Name: "rm", Class: Shell, Executor: func(context.Context, json.RawMessage) (string, error) { return "", nil }})

	ask := PolicyFunc(func(PermissionClass) Decision { return AskUser })
	d := New(reg, ask, nil) // nil interaction -> DenyAllInteraction
	results := d.ExecuteBatch(context.Background(), testAgent("rm"), []conversation.ToolCall{call("rm")})
	if !results[0].IsError() || results[0].Kind != conversation.FailurePermissionDenied {
		t.Fatalf("expected permission_denied, got %+v", results[0])
	}
}

func TestExecuteBatchAskUserApproved(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Descriptor{Name: "rm", Class: Shell, Executor: func(context.Context, json.RawMessage) (string, error) { return "done", nil }})

	ask := PolicyFunc(func(PermissionClass) Decision { return AskUser })
	approve := UserInteractionFunc(func(ctx context.Context, toolName, argsSummary string) (bool, error) { return true, nil })
	d := New(reg, ask, approve)
	results := d.ExecuteBatch(context.Background(), testAgent("rm"), []conversation.ToolCall{call("rm")})
	if results[0].IsError() {
		t.Fatalf("expected success, got %+v", results[0])
	}
}

func TestExecuteBatchTimeout(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Descriptor{
		Name:    "slow",
		Class:   ReadOnly,
		Timeout: 10 * time.Millisecond,
		Executor: func(ctx context.Context, args json.RawMessage) (string, error) {
			select {
			case <-time.After(time.Second):
				return "too slow", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	})
	d := New(reg, AllowAllPolicy(), nil)
	results := d.ExecuteBatch(context.Background(), testAgent("slow"), []conversation.ToolCall{call("slow")})
	if !results[0].IsError() || results[0].Kind != conversation.FailureTimeout {
		t.Fatalf("expected timeout, got %+v", results[0])
	}
}

func TestExecuteBatchPanicContained(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Descriptor{
		Name:  "boom",
		Class: ReadOnly,
		Executor: func(context.Context, json.RawMessage) (string, error) {
			panic("kaboom")
		},
	})
	d := New(reg, AllowAllPolicy(), nil)
	results := d.ExecuteBatch(context.Background(), testAgent("boom"), []conversation.ToolCall{call("boom")})
	if !results[0].IsError() || results[0].Kind != conversation.FailureExecutionError {
		t.Fatalf("expected execution_error, got %+v", results[0])
	}
}

func TestExecuteBatchOrderPreservedAndSerialBarrier(t *testing.T) {
	reg := NewRegistry()
	var order []string
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}

	record := func(name string) {
		<-mu
		order = append(order, name)
		mu <- struct{}{}
	}

	reg.Register(Descriptor{Name: "a", Class: ReadOnly, Executor: func(context.Context, json.RawMessage) (string, error) {
		record("a")
		return "a", nil
	}})
	reg.Register(Descriptor{Name: "b", Class: ReadOnly, Serial: true, Executor: func(context.Context, json.RawMessage) (string, error) {
		record("b")
		return "b", nil
	}})
	reg.Register(Descriptor{Name: "c", Class: ReadOnly, Executor: func(context.Context, json.RawMessage) (string, error) {
		record("c")
		return "c", nil
	}})

	d := New(reg, AllowAllPolicy(), nil)
	calls := []conversation.ToolCall{call("a"), call("b"), call("c")}
	results := d.ExecuteBatch(context.Background(), testAgent("a", "b", "c"), calls)

	for i, want := range []string{"a", "b", "c"} {
		if results[i].Output != want {
			t.Fatalf("result %d: got %q, want %q", i, results[i].Output, want)
		}
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		// b is Serial, so it forms its own barrier group: a's group must
		// fully finish before b starts, and b before c's group starts.
		t.Fatalf("unexpected execution order: %v", order)
	}
}
