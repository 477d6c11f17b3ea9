package agentconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forgehq/forge/internal/conversation"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAgentFileValid(t *testing.T) {
	path := writeTemp(t, "agent.yaml", `
id: builder
model: claude-sonnet
tools: [fs_read, fs_write]
max_tokens: 8000
temperature: 0.7
`)
	af, err := LoadAgentFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if af.ID != "builder" || af.Model != "claude-sonnet" {
		t.Fatalf("unexpected agent file: %+v", af)
	}

	agent := af.ToAgent()
	if !agent.AllowsTool("fs_read") || agent.AllowsTool("shell_exec") {
		t.Fatalf("unexpected tool allow-list: %+v", agent.ToolsAllowed)
	}
	if agent.MaxTurns != DefaultMaxTurns {
		t.Fatalf("expected default max turns, got %d", agent.MaxTurns)
	}
}

func TestLoadAgentFileRejectsOutOfRangeTemperature(t *testing.T) {
	path := writeTemp(t, "agent.yaml", `
id: builder
model: claude-sonnet
temperature: 5.0
`)
	if _, err := LoadAgentFile(path); err == nil {
		t.Fatal("expected validation error for out-of-range temperature")
	}
}

func TestLoadAgentFileRequiresIDAndModel(t *testing.T) {
	path := writeTemp(t, "agent.yaml", `title: nameless`)
	if _, err := LoadAgentFile(path); err == nil {
		t.Fatal("expected validation error for missing id/model")
	}
}

func TestLoadWorkflowFileValidatesEntryAgent(t *testing.T) {
	path := writeTemp(t, "workflow.yaml", `
id: repo-flow
entry_agent: missing
agents:
  - id: builder
    model: claude-sonnet
`)
	if _, err := LoadWorkflowFile(path); err == nil {
		t.Fatal("expected error for unknown entry_agent")
	}
}

func TestLoadWorkflowFileValid(t *testing.T) {
	path := writeTemp(t, "workflow.yaml", `
id: repo-flow
entry_agent: builder
agents:
  - id: builder
    model: claude-sonnet
    subscribe: [user_task_init]
  - id: reviewer
    model: claude-sonnet
    subscribe: [user_task_update]
`)
	wf, err := LoadWorkflowFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(wf.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(wf.Agents))
	}
}

func TestLoadWorkflowFileRejectsDuplicateCommandNames(t *testing.T) {
	path := writeTemp(t, "workflow.yaml", `
id: repo-flow
agents:
  - id: builder
    model: claude-sonnet
commands:
  - name: review
    prompt: Review the open diff.
  - name: review
    prompt: Review it again.
`)
	if _, err := LoadWorkflowFile(path); err == nil {
		t.Fatal("expected error for duplicate command name")
	}
}

func TestWorkflowFileToAgentsAppliesDefaults(t *testing.T) {
	path := writeTemp(t, "workflow.yaml", `
id: repo-flow
entry_agent: builder
defaults:
  model: claude-sonnet
  temperature: 0.3
  custom_rules: Never force-push.
agents:
  - id: builder
  - id: reviewer
    model: claude-opus
    temperature: 0.9
commands:
  - name: review
    description: Review the current diff
    prompt: Review the open diff for correctness.
`)
	wf, err := LoadWorkflowFile(path)
	if err != nil {
		t.Fatal(err)
	}

	agents, err := wf.ToAgents()
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}

	var builder, reviewer conversation.Agent
	for _, a := range agents {
		switch a.ID {
		case "builder":
			builder = a
		case "reviewer":
			reviewer = a
		}
	}
	if builder.Model != "claude-sonnet" {
		t.Fatalf("expected builder to inherit default model, got %q", builder.Model)
	}
	if builder.Temperature != 0.3 {
		t.Fatalf("expected builder to inherit default temperature, got %v", builder.Temperature)
	}
	if reviewer.Model != "claude-opus" || reviewer.Temperature != 0.9 {
		t.Fatalf("expected reviewer's own values to win, got model=%q temp=%v", reviewer.Model, reviewer.Temperature)
	}
	if builder.CustomRules != "Never force-push." || reviewer.CustomRules != "Never force-push." {
		t.Fatalf("expected custom rules stamped on every agent, got builder=%q reviewer=%q", builder.CustomRules, reviewer.CustomRules)
	}

	cmd, ok := wf.Command("review")
	if !ok || cmd.Prompt != "Review the open diff for correctness." {
		t.Fatalf("expected to find command %q, got %+v ok=%v", "review", cmd, ok)
	}
	if _, ok := wf.Command("missing"); ok {
		t.Fatal("expected lookup of undeclared command to fail")
	}
}

func TestWorkflowFileResolveCustomRulesConcatenatesTemplatesGlob(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.md"), []byte("Rule A"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.md"), []byte("Rule B"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "workflow.yaml")
	if err := os.WriteFile(path, []byte(`
id: repo-flow
defaults:
  custom_rules: "Base rule."
  templates_glob: "*.md"
agents:
  - id: builder
    model: claude-sonnet
`), 0o644); err != nil {
		t.Fatal(err)
	}

	wf, err := LoadWorkflowFile(path)
	if err != nil {
		t.Fatal(err)
	}
	rules, err := wf.ResolveCustomRules()
	if err != nil {
		t.Fatal(err)
	}
	if rules != "Base rule.\n\nRule A\n\nRule B" {
		t.Fatalf("unexpected resolved custom rules: %q", rules)
	}
}

func TestCompactConfigConversionPreservesFields(t *testing.T) {
	path := writeTemp(t, "agent.yaml", `
id: builder
model: claude-sonnet
compact:
  token_threshold: 50000
  retention_window: 10
  eviction_window: 0.5
  summary_tag: summary
`)
	af, err := LoadAgentFile(path)
	if err != nil {
		t.Fatal(err)
	}
	agent := af.ToAgent()
	if agent.Compact == nil {
		t.Fatal("expected compact config to be set")
	}
	if agent.Compact.TokenThreshold != 50000 || agent.Compact.SummaryTag != "summary" {
		t.Fatalf("unexpected compact config: %+v", agent.Compact)
	}
}
