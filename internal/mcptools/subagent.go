package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/forgehq/forge/internal/conversation"
	"github.com/forgehq/forge/internal/convstore"
	"github.com/forgehq/forge/internal/delta"
	"github.com/forgehq/forge/internal/dispatcher"
	"github.com/forgehq/forge/internal/lsp"
	"github.com/forgehq/forge/internal/mcp"
	"github.com/forgehq/forge/internal/orchestrator"
	"github.com/forgehq/forge/internal/provider"
	"github.com/forgehq/forge/internal/shell"
)

const (
	// MaxSubAgentDepth is the maximum recursion depth for sub-agents.
	// Depth 0 = root agent, depth 1 = sub-agent spawned by root.
	MaxSubAgentDepth = 1

	// MaxSubAgentIterations is the default max tool rounds for sub-agents.
	MaxSubAgentIterations = 5

	// MaxAllowedIterations is the upper bound for user-specified max_iterations.
	MaxAllowedIterations = 20

	subAgentID = "subagent"
)

// SubAgentArgs represents arguments for the SubAgent tool.
type SubAgentArgs struct {
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// NewSubAgentTool creates the SubAgent tool definition.
func NewSubAgentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "SubAgent",
		Description: `Spawn a sub-agent to handle a focused task. The sub-agent runs with the same tools but cannot spawn further sub-agents. Use this to decompose complex tasks into smaller, manageable pieces. The sub-agent's work is returned as a summary.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt":         {"type": "string", "description": "Task description for the sub-agent. Be specific about what needs to be accomplished and the expected output format."},
				"max_iterations": {"type": "integer", "description": "Maximum tool rounds for the sub-agent (default: 5)"}
			},
			"required": ["prompt"]
		}`),
	}
}

// SubAgentHandler handles SubAgent tool calls by running a nested
// orchestrator turn to completion against an isolated, ephemeral
// conversation: its own dispatcher registry, its own in-memory store, and a
// single-agent lookup pinned to the parent's provider and model. This keeps
// the sub-agent on the same turn machinery (budgets, compaction, tool
// dispatch) as a root agent instead of a bespoke loop.
type SubAgentHandler struct {
	provider     provider.Provider
	model        string
	lspManager   *lsp.Manager
	deltaTracker *delta.Tracker
	sh           *shell.Shell
	webCache     *convstore.WebCache
	exaKey       string
}

// NewSubAgentHandler creates a handler for the SubAgent tool.
func NewSubAgentHandler(
	prov provider.Provider,
	model string,
	lspManager *lsp.Manager,
	deltaTracker *delta.Tracker,
	sh *shell.Shell,
	webCache *convstore.WebCache,
	exaKey string,
) *SubAgentHandler {
	if prov == nil {
		panic("SubAgentHandler: provider cannot be nil")
	}
	if sh == nil {
		panic("SubAgentHandler: shell cannot be nil")
	}
	// lspManager, deltaTracker, webCache can be nil (handlers check internally)

	return &SubAgentHandler{
		provider:     prov,
		model:        model,
		lspManager:   lspManager,
		deltaTracker: deltaTracker,
		sh:           sh,
		webCache:     webCache,
		exaKey:       exaKey,
	}
}

// fixedProviderResolver hands back the same provider instance for any model
// name: a sub-agent never switches models mid-task, so the orchestrator's
// model->instance indirection collapses to a constant here.
type fixedProviderResolver struct{ prov provider.Provider }

func (r fixedProviderResolver) Resolve(string) (provider.Provider, error) { return r.prov, nil }

// singleAgentLookup resolves exactly one agent id: a sub-agent task never
// spawns more than the one persona it was configured with.
type singleAgentLookup struct {
	id    string
	agent conversation.Agent
}

func (l singleAgentLookup) Get(agentID string) (conversation.Agent, bool) {
	if agentID != l.id {
		return conversation.Agent{}, false
	}
	return l.agent, true
}

// Handle implements the mcp.ToolHandler interface.
func (h *SubAgentHandler) Handle(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return toolError("Sub-agent cancelled: %v", err), nil
	}

	var args SubAgentArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.Prompt == "" {
		return toolError("prompt is required"), nil
	}

	maxIter := MaxSubAgentIterations
	if args.MaxIterations > 0 {
		if args.MaxIterations > MaxAllowedIterations {
			return toolError("max_iterations too large (max: %d)", MaxAllowedIterations), nil
		}
		maxIter = args.MaxIterations
	}

	registry, allowed := h.buildRegistry()

	agent := conversation.Agent{
		ID:                   subAgentID,
		Model:                h.model,
		SystemPromptTemplate: buildSubAgentSystemPrompt(),
		ToolsAllowed:         allowed,
		MaxRequestsPerTurn:   maxIter,
		Subscribe:            map[string]bool{conversation.EventUserTaskInit: true},
	}

	store := convstore.NewMemoryStore()
	defer store.Close()

	disp := dispatcher.New(registry, dispatcher.AllowAllPolicy(), nil)
	orch := orchestrator.New(store, disp, singleAgentLookup{id: subAgentID, agent: agent}, fixedProviderResolver{prov: h.provider})

	convID := uuid.NewString()
	handle, err := orch.Init(ctx, convID, subAgentID, conversation.Event{Name: conversation.EventUserTaskInit, Value: args.Prompt})
	if err != nil {
		return toolError("Sub-agent failed to start: %v", err), nil
	}

	var endReason orchestrator.TurnEndReason
	var endDetail string
	for evt := range handle.Events() {
		if evt.Type == orchestrator.EventTurnEnded {
			endReason = evt.Reason
			endDetail = evt.Detail
		}
	}

	var finalContent string
	var totalIn, totalOut int
	conv, getErr := store.Get(context.Background(), convID)
	if getErr == nil {
		for i := len(conv.Context.Messages) - 1; i >= 0; i-- {
			msg := conv.Context.Messages[i]
			if msg.Role == conversation.RoleAssistant && msg.Text() != "" {
				finalContent = msg.Text()
				totalIn = msg.Metadata.InputTokens
				totalOut = msg.Metadata.OutputTokens
				break
			}
		}
	}

	if endReason != "" && endReason != orchestrator.ReasonCompleted && endReason != orchestrator.ReasonRequestBudgetExceeded {
		return toolError("Sub-agent ended abnormally (%s): %s", endReason, endDetail), nil
	}

	if finalContent == "" {
		return toolError("Sub-agent produced no final response"), nil
	}

	result := fmt.Sprintf("Sub-agent completed.\n\n%s\n\n---\nToken usage: %d in, %d out",
		finalContent, totalIn, totalOut)

	return toolText(result), nil
}

// buildRegistry assembles a fresh tool registry for one sub-agent run: the
// core filesystem/process/planning tools plus web tools, each wired to
// isolated per-call state (a fresh FileReadTracker and Scratchpad) so
// concurrent SubAgent calls never share mutable tracking state. SubAgent
// itself is never registered here — sub-agents cannot recurse
// (MaxSubAgentDepth).
func (h *SubAgentHandler) buildRegistry() (*dispatcher.Registry, map[string]bool) {
	registry := dispatcher.NewRegistry()
	tracker := NewFileReadTracker()
	pad := &Scratchpad{}

	readHandler := NewReadHandler(tracker, h.lspManager)
	editHandler := NewEditHandler(tracker, h.lspManager, h.deltaTracker)
	shellHandler := NewShellHandler(h.sh, h.deltaTracker)

	// A freshly built registry never collides, so registration errors here
	// are unreachable; RegisterCore's return value exists for the
	// long-lived root registry built once at startup.
	RegisterCore(registry, readHandler, editHandler, shellHandler, pad)
	_ = registry.Register(Descriptor(NewDiagnosticsTool(), dispatcher.ReadOnly, false, MakeDiagnosticsHandler(h.lspManager)))
	_ = registry.Register(Descriptor(NewWebFetchTool(), dispatcher.Network, false, MakeWebFetchHandler(h.webCache)))
	_ = registry.Register(Descriptor(NewWebSearchTool(), dispatcher.Network, false, MakeWebSearchHandler(h.webCache, h.exaKey, "")))

	allowed := make(map[string]bool)
	for _, desc := range registry.List() {
		allowed[desc.Name] = true
	}
	return registry, allowed
}

// buildSubAgentSystemPrompt returns the system prompt for sub-agents.
func buildSubAgentSystemPrompt() string {
	return strings.TrimSpace(`
You are a focused sub-agent working on a specific task assigned by a parent agent.

Your role:
- Complete the assigned task efficiently
- Use tools as needed (Read, Edit, Shell, etc.)
- Provide a clear, concise final response summarizing what you accomplished
- You cannot spawn further sub-agents

Output format:
- Use tools to gather information and make changes
- When done, respond with a summary of what was accomplished
- Be specific about any files modified, tests run, or issues found

You have a limited number of tool rounds - work efficiently.
`)
}
