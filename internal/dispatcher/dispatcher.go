package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/forgehq/forge/internal/conversation"
)

// maxConcurrentTools bounds how many non-serial tool calls run at once
// within a batch.
const maxConcurrentTools = 8

// Dispatcher executes a model-issued batch of tool calls against a
// Registry, applying permission gating and ordering rules before handing
// work to each tool's Executor.
type Dispatcher struct {
	registry    *Registry
	policy      Policy
	interaction UserInteraction
}

// New builds a Dispatcher. interaction may be nil, in which case AskUser
// classes are denied outright (DenyAllInteraction).
func New(registry *Registry, policy Policy, interaction UserInteraction) *Dispatcher {
	if policy == nil {
		policy = AllowAllPolicy()
	}
	if interaction == nil {
		interaction = DenyAllInteraction()
	}
	return &Dispatcher{registry: registry, policy: policy, interaction: interaction}
}

// ExecuteBatch runs every call in order, respecting Serial barriers, and
// returns results aligned index-for-index with calls regardless of
// completion order. It never returns an error itself — every failure mode
// is encoded as a FailureKind on the corresponding ToolResult, because the
// failures belong in the conversation for the model to see, not on the Go
// call stack.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, agent conversation.Agent, calls []conversation.ToolCall) []conversation.ToolResult {
	results := make([]conversation.ToolResult, len(calls))

	for _, group := range d.groupBatch(calls) {
		if len(group.indices) == 1 && d.isSerial(calls[group.indices[0]].Name) {
			i := group.indices[0]
			results[i] = d.runOne(ctx, agent, calls[i])
			continue
		}
		d.runParallel(ctx, agent, calls, group.indices, results)
	}
	return results
}

// ToolsFor returns the provider-facing descriptors of every registered tool
// the agent is allowed to call, in registration order, for building the
// Context.ToolsAvailable list a turn presents to the model.
func (d *Dispatcher) ToolsFor(agent conversation.Agent) []conversation.ToolDescriptor {
	var out []conversation.ToolDescriptor
	for _, desc := range d.registry.List() {
		if !agent.AllowsTool(desc.Name) {
			continue
		}
		out = append(out, conversation.ToolDescriptor{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: desc.InputSchema,
		})
	}
	return out
}

type batchGroup struct {
	indices []int
}

// groupBatch splits calls into contiguous groups: a Serial-tagged call
// always forms its own solo group (a barrier, draining the group before it
// and blocking the group after it); runs of non-serial calls are grouped
// together for bounded-parallel execution. Unknown tool names are treated
// as non-serial so they fail fast inside runOne rather than stalling the
// batch on a barrier that will never resolve.
func (d *Dispatcher) groupBatch(calls []conversation.ToolCall) []batchGroup {
	var groups []batchGroup
	var current []int
	flush := func() {
		if len(current) > 0 {
			groups = append(groups, batchGroup{indices: current})
			current = nil
		}
	}
	for i, c := range calls {
		if d.isSerial(c.Name) {
			flush()
			groups = append(groups, batchGroup{indices: []int{i}})
			continue
		}
		current = append(current, i)
	}
	flush()
	return groups
}

func (d *Dispatcher) isSerial(name string) bool {
	desc, ok := d.registry.Lookup(name)
	return ok && desc.Serial
}

func (d *Dispatcher) runParallel(ctx context.Context, agent conversation.Agent, calls []conversation.ToolCall, indices []int, results []conversation.ToolResult) {
	sem := make(chan struct{}, maxConcurrentTools)
	var wg sync.WaitGroup
	for _, i := range indices {
		i := i
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = d.runOne(ctx, agent, calls[i])
		}()
	}
	wg.Wait()
}

// runOne gates and executes a single call, containing panics and timeouts
// so one misbehaving tool can never take down the batch.
func (d *Dispatcher) runOne(ctx context.Context, agent conversation.Agent, call conversation.ToolCall) (result conversation.ToolResult) {
	started := time.Now()

	if !agent.AllowsTool(call.Name) {
		return conversation.Failure(call.CallID, conversation.FailureToolNotAllowed,
			fmt.Sprintf("tool %q is not in the allow-list for agent %q", call.Name, agent.ID), time.Since(started))
	}

	desc, ok := d.registry.Lookup(call.Name)
	if !ok {
		return conversation.Failure(call.CallID, conversation.FailureToolUnknown,
			fmt.Sprintf("no tool registered with name %q", call.Name), time.Since(started))
	}

	if len(call.Arguments) == 0 {
		call.Arguments = json.RawMessage("{}")
	}
	if !json.Valid(call.Arguments) {
		return conversation.Failure(call.CallID, conversation.FailureMalformedArguments,
			"tool call arguments are not valid JSON", time.Since(started))
	}

	switch d.policy.Decide(desc.Class) {
	case Deny:
		return conversation.Failure(call.CallID, conversation.FailurePermissionDenied,
			fmt.Sprintf("permission class %q denied by policy", desc.Class), time.Since(started))
	case AskUser:
		allowed, err := d.interaction.AskPermission(ctx, desc.Name, string(call.Arguments))
		if err != nil || !allowed {
			return conversation.Failure(call.CallID, conversation.FailurePermissionDenied,
				"user declined permission", time.Since(started))
		}
	}

	return d.execute(ctx, desc, call, started)
}

func (d *Dispatcher) execute(ctx context.Context, desc Descriptor, call conversation.ToolCall, started time.Time) (result conversation.ToolResult) {
	execCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := desc.Executor(execCtx, call.Arguments)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return conversation.Failure(call.CallID, conversation.FailureExecutionError, o.err.Error(), time.Since(started))
		}
		return conversation.Success(call.CallID, o.output, time.Since(started))
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return conversation.Failure(call.CallID, conversation.FailureCancelled, "turn cancelled", time.Since(started))
		}
		return conversation.Failure(call.CallID, conversation.FailureTimeout,
			fmt.Sprintf("tool %q exceeded timeout %s", desc.Name, desc.Timeout), time.Since(started))
	}
}
