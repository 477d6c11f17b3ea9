// Package compactor implements the Context Compactor: it selects an
// eligible message prefix, summarizes it through the Provider capability,
// and swaps it for one synthetic Assistant message. Grounded on the
// teacher's injectRecitation (the only context-pressure mitigation in
// internal/llm/loop.go) and the prefix-truncation primitive in the
// teacher's session store, generalized from "delete by row id" into
// "replace prefix with a summary".
package compactor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/forgehq/forge/internal/conversation"
	"github.com/forgehq/forge/internal/llmadapter"
	"github.com/forgehq/forge/internal/promptrender"
	"github.com/forgehq/forge/internal/provider"
)

// Compacted reports the outcome of a successful compaction.
type Compacted struct {
	ReplacedCount        int
	SummaryTokensEstimate int
}

// Eligible computes the candidate prefix length for compaction over N
// messages, given the agent's retention/eviction configuration. It is a
// pure function of its inputs: identical inputs always produce identical
// output.
func Eligible(n int, cfg conversation.CompactConfig) int {
	if n <= 0 {
		return 0
	}
	retention := cfg.RetentionWindow
	if retention > n {
		retention = n
	}
	if retention < 0 {
		retention = 0
	}
	maxEvictable := int(math.Floor(cfg.EvictionWindow * float64(n)))
	candidate := n - retention
	if candidate > maxEvictable {
		candidate = maxEvictable
	}
	if candidate < 0 {
		candidate = 0
	}
	return candidate
}

// safeBoundary trims candidateLen down until messages[:candidateLen] ends
// at a safe boundary: its last message must not be an Assistant message
// with tool calls unresolved within the same candidate slice (their
// results would otherwise be summarized away from their calls, orphaning
// them in the retained tail).
func safeBoundary(messages []conversation.Message, candidateLen int) int {
	for candidateLen > 0 {
		last := messages[candidateLen-1]
		// The prefix ends at last; any tool calls it carries can only be
		// resolved by messages after it, which fall outside the prefix —
		// so "unresolved within the prefix" reduces to "has tool calls".
		if !conversation.UnresolvedToolCalls(last, nil) {
			return candidateLen
		}
		candidateLen--
	}
	return 0
}

// ShouldCompact reports whether ctx currently exceeds any of the agent's
// configured thresholds. turnNumber is the 1-indexed count of turns this
// agent has run on this conversation (the orchestrator's running counter),
// used for TurnThreshold; pass 0 if unknown. A nil or zero-valued
// CompactConfig never triggers.
func ShouldCompact(ctx conversation.Context, cfg *conversation.CompactConfig, turnNumber int) bool {
	if cfg == nil {
		return false
	}
	if cfg.MessageThreshold > 0 && len(ctx.Messages) >= cfg.MessageThreshold {
		return true
	}
	if cfg.TokenThreshold > 0 && ctx.EstimatedTokens() >= cfg.TokenThreshold {
		return true
	}
	if cfg.TurnThreshold > 0 && turnNumber > 0 && turnNumber%cfg.TurnThreshold == 0 {
		return true
	}
	if cfg.OnTurnEnd && len(ctx.Messages) > 0 && ctx.Messages[len(ctx.Messages)-1].Role == conversation.RoleUser {
		return true
	}
	return false
}

// ResolveModel returns the model the compactor should summarize with:
// cfg.Model if set, else the agent's main model. The caller is responsible
// for handing Run a Provider instance already bound to this model (Provider
// instances are per-model in this codebase, created via provider.Factory).
func ResolveModel(agent conversation.Agent) string {
	if agent.Compact != nil && agent.Compact.Model != "" {
		return agent.Compact.Model
	}
	return agent.Model
}

// Run attempts compaction on conv's context in place, returning the stats
// of a successful swap. If the compactor call fails, or there is no safe,
// non-empty prefix to summarize, Run leaves the context untouched and
// returns (nil, nil) — compaction is silently skipped for this turn.
// prov must already be bound to ResolveModel(agent).
func Run(ctx context.Context, prov provider.Provider, conv *conversation.Conversation, agent conversation.Agent) (*Compacted, error) {
	cfg := agent.Compact
	if cfg == nil {
		return nil, nil
	}

	n := len(conv.Context.Messages)
	candidateLen := Eligible(n, *cfg)
	candidateLen = safeBoundary(conv.Context.Messages, candidateLen)
	if candidateLen == 0 {
		return nil, nil
	}

	prefix := conv.Context.Messages[:candidateLen]

	summary, err := summarize(ctx, prov, prefix, cfg, agent)
	if err != nil {
		return nil, nil //nolint:nilerr // compactor failures are silently skipped, not surfaced as turn errors
	}

	summaryMsg := conversation.Message{
		Role:    conversation.RoleAssistant,
		Content: []conversation.Part{conversation.TextPart(summary)},
		Metadata: conversation.Metadata{
			Origin:   "compaction",
			Replaced: candidateLen,
		},
	}

	rest := append([]conversation.Message(nil), conv.Context.Messages[candidateLen:]...)
	conv.Context.Messages = append([]conversation.Message{summaryMsg}, rest...)

	return &Compacted{
		ReplacedCount:         candidateLen,
		SummaryTokensEstimate: conversation.EstimateTokens(summary),
	}, nil
}

func summarize(ctx context.Context, prov provider.Provider, prefix []conversation.Message, cfg *conversation.CompactConfig, agent conversation.Agent) (string, error) {
	prompt, err := promptrender.BuildCompactPrompt(cfg.Prompt, promptrender.Vars{AgentID: agent.ID}, deterministicTimestamp(prefix))
	if err != nil {
		return "", fmt.Errorf("compactor: render prompt: %w", err)
	}

	providerMsgs := llmadapter.ToProviderMessages(prefix)
	providerMsgs = append(providerMsgs, provider.Message{Role: "user", Content: prompt})

	events, err := prov.ChatStream(ctx, providerMsgs, nil)
	if err != nil {
		return "", fmt.Errorf("compactor: chat stream: %w", err)
	}

	var text strings.Builder
	for ev := range events {
		switch ev.Type {
		case provider.EventContentDelta:
			text.WriteString(ev.Content)
		case provider.EventError:
			return "", ev.Err
		}
	}

	final := text.String()
	if cfg.SummaryTag != "" {
		if tagged, ok := extractTag(final, cfg.SummaryTag); ok {
			final = tagged
		}
	}
	return strings.TrimSpace(final), nil
}

// deterministicTimestamp derives a stable timestamp from the prefix being
// summarized instead of reading the wall clock, so BuildCompactPrompt's
// "compacted_at" variable does not reintroduce nondeterminism into an
// otherwise pure computation.
func deterministicTimestamp(prefix []conversation.Message) (t time.Time) {
	for _, m := range prefix {
		if !m.Metadata.CreatedAt.IsZero() {
			t = m.Metadata.CreatedAt
		}
	}
	return t
}

func extractTag(text, tag string) (string, bool) {
	open := "<" + tag + ">"
	closeTag := "</" + tag + ">"
	start := strings.Index(text, open)
	if start < 0 {
		return "", false
	}
	start += len(open)
	end := strings.Index(text[start:], closeTag)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(text[start : start+end]), true
}
