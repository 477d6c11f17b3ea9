// Package orchestrator implements the turn loop: model call, stream decode,
// tool dispatch, append, repeat, against a four-capability contract:
// Provider, Dispatcher, Store, Agent.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forgehq/forge/internal/compactor"
	"github.com/forgehq/forge/internal/conversation"
	"github.com/forgehq/forge/internal/convstore"
	"github.com/forgehq/forge/internal/dispatcher"
	"github.com/forgehq/forge/internal/llmadapter"
	"github.com/forgehq/forge/internal/promptrender"
	"github.com/forgehq/forge/internal/provider"
)

// ErrAgentUnknown is returned synchronously by Init when no agent is
// registered under the requested id.
var ErrAgentUnknown = errors.New("orchestrator: unknown agent")

// ErrAgentNotSubscribed is returned synchronously by Init when the
// triggering event's name is not in the agent's subscription set.
var ErrAgentNotSubscribed = errors.New("orchestrator: agent not subscribed to event")

// AgentLookup resolves an agent id to its static configuration.
type AgentLookup interface {
	Get(agentID string) (conversation.Agent, bool)
}

// ProviderResolver binds a model name to a live Provider instance. A
// separate capability from AgentLookup because conversation.Agent only
// names a bare model string, not a provider — the resolver owns that
// mapping (e.g. "claude-sonnet-4" -> an Anthropic provider instance).
type ProviderResolver interface {
	Resolve(model string) (provider.Provider, error)
}

// retryBackoff is the provider-failure retry schedule: 250ms / 1s / 4s,
// bounded at 2 retries (3 attempts total).
var retryBackoff = []time.Duration{250 * time.Millisecond, time.Second, 4 * time.Second}

// Orchestrator wires the four external capabilities into the turn loop.
// All fields are required.
type Orchestrator struct {
	Store      convstore.Store
	Dispatcher *dispatcher.Dispatcher
	Agents     AgentLookup
	Providers  ProviderResolver

	mu         sync.Mutex
	turnCounts map[string]int
}

// New builds an Orchestrator from its four capabilities.
func New(store convstore.Store, disp *dispatcher.Dispatcher, agents AgentLookup, providers ProviderResolver) *Orchestrator {
	return &Orchestrator{
		Store:      store,
		Dispatcher: disp,
		Agents:     agents,
		Providers:  providers,
		turnCounts: make(map[string]int),
	}
}

func (o *Orchestrator) nextTurnCount(convID, agentID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := convID + "\x00" + agentID
	o.turnCounts[key]++
	return o.turnCounts[key]
}

// Init loads (or creates) the conversation, validates the agent and its
// subscription to event, appends the triggering user message, and starts
// the turn in the background. It returns a TurnHandle streaming the turn's
// events, or a synchronous error for the two checks that must fail before
// any turn — and therefore any event stream — exists at all.
func (o *Orchestrator) Init(ctx context.Context, convID, agentID string, event conversation.Event) (*TurnHandle, error) {
	agent, ok := o.Agents.Get(agentID)
	if !ok {
		return nil, ErrAgentUnknown
	}
	if event.Name != "" && !agent.SubscribedTo(event.Name) {
		return nil, ErrAgentNotSubscribed
	}

	conv, err := o.Store.Get(ctx, convID)
	if errors.Is(err, convstore.ErrNotFound) {
		now := time.Now()
		conv = conversation.Conversation{
			ID:          convID,
			WorkspaceID: convID,
			ActiveAgent: agentID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	} else if err != nil {
		return nil, fmt.Errorf("orchestrator: load conversation: %w", err)
	}
	conv.ActiveAgent = agentID

	mainProvider, err := o.Providers.Resolve(agent.Model)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve provider for model %q: %w", agent.Model, err)
	}

	conv.Context.ToolsAvailable = o.Dispatcher.ToolsFor(agent)

	if !hasSystemMessage(conv.Context.Messages) {
		sys, err := promptrender.BuildSystemPrompt(agent.Model, agent.SystemPromptTemplate, promptrender.Vars{AgentID: agent.ID, CustomRules: agent.CustomRules}, nil)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: build system prompt: %w", err)
		}
		conv.Context.Messages = append([]conversation.Message{conversation.NewSystemMessage(sys)}, conv.Context.Messages...)
	}

	userText, err := promptrender.BuildUserPrompt(agent.UserPromptTemplate, promptrender.Vars{
		AgentID:    agent.ID,
		EventName:  event.Name,
		EventValue: event.Value,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build user prompt: %w", err)
	}
	conv.Context.Append(conversation.NewUserMessage(userText))

	if err := o.Store.Upsert(ctx, conv); err != nil {
		return nil, fmt.Errorf("orchestrator: persist initial turn state: %w", err)
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	handle := newTurnHandle(cancel)

	turnNumber := o.nextTurnCount(convID, agentID)
	if agent.MaxTurns > 0 && turnNumber > agent.MaxTurns {
		go func() {
			defer close(handle.events)
			handle.emit(turnEndedEvent(ReasonTurnBudgetExceeded, fmt.Sprintf("agent %q has run its configured maximum of %d turns", agent.ID, agent.MaxTurns)))
		}()
		return handle, nil
	}

	go o.runTurn(turnCtx, handle, mainProvider, conv, agent, turnNumber)
	return handle, nil
}

func hasSystemMessage(msgs []conversation.Message) bool {
	for _, m := range msgs {
		if m.Role == conversation.RoleSystem {
			return true
		}
	}
	return false
}

// runTurn executes the request/tool-dispatch loop, persisting after every
// mutation and emitting events for every observable transition.
func (o *Orchestrator) runTurn(ctx context.Context, handle *TurnHandle, prov provider.Provider, conv conversation.Conversation, agent conversation.Agent, turnNumber int) {
	defer close(handle.events)

	requests := 0
	toolFailures := 0

	for {
		if ctx.Err() != nil {
			o.persistOrEmitFailure(handle, &conv, turnEndedEvent(ReasonCancelled, "turn cancelled"))
			return
		}

		if agent.MaxRequestsPerTurn > 0 && requests >= agent.MaxRequestsPerTurn {
			o.forceFinalCompletion(ctx, handle, prov, &conv, agent)
			handle.emit(turnEndedEvent(ReasonRequestBudgetExceeded, fmt.Sprintf("exceeded max_requests_per_turn=%d", agent.MaxRequestsPerTurn)))
			return
		}

		if compactor.ShouldCompact(conv.Context, agent.Compact, turnNumber) {
			o.runCompaction(ctx, handle, &conv, agent)
		}

		result, err := o.streamOnce(ctx, prov, conv.Context, handle)
		requests++
		if err != nil {
			if errors.Is(err, context.Canceled) {
				handle.emit(turnEndedEvent(ReasonCancelled, "turn cancelled mid-stream"))
				return
			}
			log.Warn().Str("agent", agent.ID).Err(err).Msg("orchestrator: provider failed after retries")
			handle.emit(turnEndedEvent(ReasonProviderFailed, err.Error()))
			return
		}

		assistantMsg := conversation.Message{
			Role:    conversation.RoleAssistant,
			Content: assistantParts(result),
			Metadata: conversation.Metadata{
				AgentID:      agent.ID,
				CreatedAt:    time.Now(),
				InputTokens:  result.InputTokens,
				OutputTokens: result.OutputTokens,
			},
		}
		conv.Context.Append(assistantMsg)
		if !o.persist(ctx, handle, &conv) {
			return
		}

		if len(result.ToolCalls) == 0 {
			handle.emit(turnEndedEvent(ReasonCompleted, ""))
			return
		}

		for _, call := range result.ToolCalls {
			handle.emit(requestedEvent(call))
		}

		results := o.Dispatcher.ExecuteBatch(ctx, agent, result.ToolCalls)
		for _, r := range results {
			handle.emit(completedEvent(r))
			if r.IsError() {
				toolFailures++
			}
			conv.Context.Append(conversation.Message{
				Role:     conversation.RoleTool,
				Content:  []conversation.Part{conversation.ToolResultPart(r)},
				Metadata: conversation.Metadata{CreatedAt: time.Now()},
			})
		}
		if !o.persist(ctx, handle, &conv) {
			return
		}

		if agent.MaxToolFailuresPerTurn > 0 && toolFailures >= agent.MaxToolFailuresPerTurn {
			o.forceFinalCompletion(ctx, handle, prov, &conv, agent)
			handle.emit(turnEndedEvent(ReasonToolFailureBudgetExceeded, fmt.Sprintf("exceeded max_tool_failures_per_turn=%d", agent.MaxToolFailuresPerTurn)))
			return
		}
	}
}

func assistantParts(result *streamResult) []conversation.Part {
	var parts []conversation.Part
	if result.Reasoning != "" {
		parts = append(parts, conversation.ReasoningPart(result.Reasoning))
	}
	if result.Text != "" {
		parts = append(parts, conversation.TextPart(result.Text))
	}
	for _, call := range result.ToolCalls {
		parts = append(parts, conversation.ToolCallPart(call))
	}
	return parts
}

// runCompaction resolves the compactor's provider and attempts a swap,
// emitting an event only on success — a skipped compaction is invisible to
// the event stream, matching the compactor's own silent-skip contract.
func (o *Orchestrator) runCompaction(ctx context.Context, handle *TurnHandle, conv *conversation.Conversation, agent conversation.Agent) {
	model := compactor.ResolveModel(agent)
	prov, err := o.Providers.Resolve(model)
	if err != nil {
		log.Warn().Str("agent", agent.ID).Str("model", model).Err(err).Msg("orchestrator: cannot resolve compactor provider, skipping compaction")
		return
	}
	stats, err := compactor.Run(ctx, prov, conv, agent)
	if err != nil || stats == nil {
		return
	}
	handle.emit(compactedEvent(stats))
	o.persist(ctx, handle, conv)
}

// streamOnce issues one ChatStream call with retry/backoff on failure, and
// assembles the result from its event stream.
func (o *Orchestrator) streamOnce(ctx context.Context, prov provider.Provider, convCtx conversation.Context, handle *TurnHandle) (*streamResult, error) {
	msgs := llmadapter.ToProviderMessages(convCtx.Messages)
	tools := llmadapter.ToConversationTools(convCtx.ToolsAvailable)

	const maxRetries = 2
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff[attempt-1]):
			}
		}

		stream, err := prov.ChatStream(ctx, msgs, tools)
		if err != nil {
			lastErr = err
			continue
		}
		result, err := collectStream(ctx, stream, handle.emit)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("orchestrator: provider %q failed after %d attempts: %w", prov.Name(), maxRetries+1, lastErr)
}

// forceFinalCompletion asks the model for a text-only summary once a budget
// has been exhausted, so the user sees a coherent wrap-up instead of the
// turn simply stopping mid-thought.
func (o *Orchestrator) forceFinalCompletion(ctx context.Context, handle *TurnHandle, prov provider.Provider, conv *conversation.Conversation, agent conversation.Agent) {
	if ctx.Err() != nil {
		return
	}
	notice := conversation.Message{
		Role:    conversation.RoleUser,
		Content: []conversation.Part{conversation.TextPart("You have reached a budget limit for this turn. Respond in text only, summarizing what was accomplished and what remains.")},
		Metadata: conversation.Metadata{CreatedAt: time.Now(), Origin: "forced_completion"},
	}
	conv.Context.Append(notice)

	noToolsCtx := conversation.Context{Messages: conv.Context.Messages}
	result, err := o.streamOnce(ctx, prov, noToolsCtx, handle)
	if err != nil || result == nil {
		return
	}
	conv.Context.Append(conversation.Message{
		Role:     conversation.RoleAssistant,
		Content:  assistantParts(&streamResult{Text: result.Text, Reasoning: result.Reasoning}),
		Metadata: conversation.Metadata{AgentID: agent.ID, CreatedAt: time.Now(), InputTokens: result.InputTokens, OutputTokens: result.OutputTokens},
	})
	o.persist(ctx, handle, conv)
}

// persist saves conv and returns false (having already emitted a
// PersistenceFailed TurnEnded event) if the write failed, so callers can
// stop the loop immediately.
func (o *Orchestrator) persist(ctx context.Context, handle *TurnHandle, conv *conversation.Conversation) bool {
	if err := o.Store.Upsert(ctx, *conv); err != nil {
		handle.emit(turnEndedEvent(ReasonPersistenceFailed, err.Error()))
		return false
	}
	return true
}

func (o *Orchestrator) persistOrEmitFailure(handle *TurnHandle, conv *conversation.Conversation, endEvent OrchestrationEvent) {
	// Best effort: a cancelled turn still persists whatever was appended
	// before cancellation was observed, using a fresh context since the
	// turn's own ctx is already done. Persistence failure here still yields
	// the cancellation reason — it is the more informative of the two.
	_ = o.Store.Upsert(context.Background(), *conv)
	handle.emit(endEvent)
}
