// Package promptrender renders an agent's system/user/compact prompt
// templates against a deterministic variable set, generalizing the
// teacher's per-model-family string dispatch into a templated form:
// renderable with variables and handlebars-style helpers.
package promptrender

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/forgehq/forge/internal/treesitter"
)

// Vars is the deterministic variable set a template may reference. Two
// renders of the same template against equal Vars must produce identical
// output — callers are responsible for not smuggling nondeterminism (e.g.
// wall-clock time) through Extra unless that is the intent.
type Vars struct {
	AgentID     string
	Cwd         string
	CustomRules string
	EventName   string
	EventValue  string
	Extra       map[string]string
}

// funcMap supplies the handlebars-style helpers the template capability
// calls for: small, pure text transforms with no ambient state.
var funcMap = template.FuncMap{
	"upper":   strings.ToUpper,
	"lower":   strings.ToLower,
	"trim":    strings.TrimSpace,
	"indent":  indentLines,
	"join":    strings.Join,
	"default": func(fallback, v string) string {
		if v == "" {
			return fallback
		}
		return v
	},
}

func indentLines(prefix, text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}

// Render parses and executes templateText against vars. An agent without a
// custom template supplies a plain string (no "{{" markers), which renders
// unchanged — templates are opt-in, not mandatory.
func Render(templateText string, vars Vars) (string, error) {
	tmpl, err := template.New("prompt").Funcs(funcMap).Parse(templateText)
	if err != nil {
		return "", fmt.Errorf("promptrender: parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("promptrender: execute template: %w", err)
	}
	return buf.String(), nil
}

// BuildSystemPrompt composes the full system prompt: any AGENTS.md
// instructions, then an optional project outline, then the rendered agent
// template (or the model-family default if the agent supplies none), then
// the agent's workflow-level custom rules (vars.CustomRules) if set —
// appended as its own section so it takes effect whether or not the
// agent's own template references {{.CustomRules}}. Section order is fixed
// so identical inputs always produce identical output.
func BuildSystemPrompt(modelID, systemPromptTemplate string, vars Vars, idx *treesitter.Index) (string, error) {
	base := systemPromptTemplate
	if strings.TrimSpace(base) == "" {
		base = DefaultPrompt(modelID)
	}
	rendered, err := Render(base, vars)
	if err != nil {
		return "", err
	}

	var parts []string
	if instructions := LoadAgentInstructions(); instructions != "" {
		parts = append(parts, instructions)
	}
	if outline := BuildOutline(idx); outline != "" {
		parts = append(parts, outline)
	}
	parts = append(parts, rendered)
	if strings.TrimSpace(vars.CustomRules) != "" {
		parts = append(parts, vars.CustomRules)
	}
	return strings.Join(parts, "\n\n---\n\n"), nil
}

// BuildUserPrompt renders an agent's user_prompt template against the
// triggering event, falling back to the bare event value when the agent
// defines no template.
func BuildUserPrompt(userPromptTemplate string, vars Vars) (string, error) {
	if strings.TrimSpace(userPromptTemplate) == "" {
		return vars.EventValue, nil
	}
	return Render(userPromptTemplate, vars)
}

// BuildCompactPrompt renders a compaction summarizer prompt. timestamp is
// accepted explicitly (never read from the wall clock inside the template)
// so the compactor's determinism guarantee — same prefix/thresholds/model
// in, same candidate prefix and prompt out — is never broken by hidden
// clock reads.
func BuildCompactPrompt(promptTemplate string, vars Vars, timestamp time.Time) (string, error) {
	if vars.Extra == nil {
		vars.Extra = map[string]string{}
	}
	vars.Extra["compacted_at"] = timestamp.UTC().Format(time.RFC3339)
	if strings.TrimSpace(promptTemplate) == "" {
		promptTemplate = defaultCompactPrompt
	}
	return Render(promptTemplate, vars)
}

const defaultCompactPrompt = `Summarize the conversation above into a compact, faithful account an agent can resume from. Preserve: the user's original goal, decisions made, files touched, and any unresolved questions. Omit exploratory dead ends and tool output already superseded by later steps.`
