// Package agentconfig loads and validates YAML agent and workflow
// definitions, and converts them into the runtime conversation.Agent the
// orchestrator consumes.
package agentconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forgehq/forge/internal/conversation"
)

// ReasoningFile is the YAML shape of conversation.ReasoningConfig.
type ReasoningFile struct {
	Enabled   bool   `yaml:"enabled"`
	Effort    string `yaml:"effort"`
	MaxTokens int    `yaml:"max_tokens"`
	Exclude   bool   `yaml:"exclude"`
}

// CompactFile is the YAML shape of conversation.CompactConfig.
type CompactFile struct {
	TokenThreshold   int     `yaml:"token_threshold"`
	MessageThreshold int     `yaml:"message_threshold"`
	TurnThreshold    int     `yaml:"turn_threshold"`
	RetentionWindow  int     `yaml:"retention_window"`
	EvictionWindow   float64 `yaml:"eviction_window"`
	OnTurnEnd        bool    `yaml:"on_turn_end"`
	Model            string  `yaml:"model"`
	Prompt           string  `yaml:"prompt"`
	SummaryTag       string  `yaml:"summary_tag"`
}

// AgentFile is the on-disk YAML schema for one agent persona.
type AgentFile struct {
	ID                     string         `yaml:"id"`
	Title                  string         `yaml:"title"`
	Description            string         `yaml:"description"`
	Model                  string         `yaml:"model"`
	SystemPrompt           string         `yaml:"system_prompt"`
	UserPrompt             string         `yaml:"user_prompt"`
	Tools                  []string       `yaml:"tools"`
	Subscribe              []string       `yaml:"subscribe"`
	Temperature            *float64       `yaml:"temperature"`
	TopP                   *float64       `yaml:"top_p"`
	TopK                   *int           `yaml:"top_k"`
	MaxTokens              *int           `yaml:"max_tokens"`
	MaxWalkerDepth         int            `yaml:"max_walker_depth"`
	MaxTurns               int            `yaml:"max_turns"`
	MaxRequestsPerTurn     int            `yaml:"max_requests_per_turn"`
	MaxToolFailuresPerTurn int            `yaml:"max_tool_failures_per_turn"`
	Compact                *CompactFile   `yaml:"compact"`
	Reasoning              *ReasoningFile `yaml:"reasoning"`
}

// WorkflowDefaults holds workflow-level fallbacks applied to any member
// agent that leaves the corresponding field unset. CustomRules and
// TemplatesGlob both feed promptrender.Vars.CustomRules: CustomRules is
// inlined verbatim, TemplatesGlob names files (relative to the workflow
// file's directory) whose contents are concatenated and appended after it,
// so a workflow can version its house rules as separate Markdown files
// instead of one long inline string.
type WorkflowDefaults struct {
	Model         string   `yaml:"model"`
	Temperature   *float64 `yaml:"temperature"`
	CustomRules   string   `yaml:"custom_rules"`
	TemplatesGlob string   `yaml:"templates_glob"`
}

// CommandFile is a named, reusable prompt a workflow exposes. Invoking a
// command produces a user event carrying Prompt as its value — from the
// orchestrator's perspective it is indistinguishable from a hand-typed
// prompt.
type CommandFile struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Prompt      string `yaml:"prompt"`
}

// WorkflowFile groups a set of agents that collaborate by subscribing to
// each other's events, plus the entry agent a fresh conversation starts on,
// workflow-level defaults, and named commands.
type WorkflowFile struct {
	ID          string           `yaml:"id"`
	Title       string           `yaml:"title"`
	Description string           `yaml:"description"`
	EntryAgent  string           `yaml:"entry_agent"`
	Defaults    WorkflowDefaults `yaml:"defaults"`
	Agents      []AgentFile      `yaml:"agents"`
	Commands    []CommandFile    `yaml:"commands"`

	dir string // directory the workflow file was loaded from, for resolving TemplatesGlob
}

// Command looks up a named command declared in the workflow.
func (wf WorkflowFile) Command(name string) (CommandFile, bool) {
	for _, c := range wf.Commands {
		if c.Name == name {
			return c, true
		}
	}
	return CommandFile{}, false
}

// ResolveCustomRules returns Defaults.CustomRules with the contents of every
// file matched by Defaults.TemplatesGlob appended, in glob match order. An
// empty TemplatesGlob is a no-op.
func (wf WorkflowFile) ResolveCustomRules() (string, error) {
	rules := wf.Defaults.CustomRules
	if wf.Defaults.TemplatesGlob == "" {
		return rules, nil
	}
	pattern := wf.Defaults.TemplatesGlob
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(wf.dir, pattern)
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("agentconfig: templates_glob %q: %w", wf.Defaults.TemplatesGlob, err)
	}
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return "", fmt.Errorf("agentconfig: read template %s: %w", m, err)
		}
		if rules != "" {
			rules += "\n\n"
		}
		rules += strings.TrimSpace(string(data))
	}
	return rules, nil
}

// applyWorkflowDefaults fills in Model/Temperature on every agent that
// leaves its own field unset, mutating in place. LoadWorkflowFile calls this
// before validation so a member agent may omit model/temperature entirely
// and inherit the workflow's; ToAgents calls it again (a no-op for
// already-defaulted agents) so it also applies to a WorkflowFile built
// without going through LoadWorkflowFile, e.g. in tests.
func applyWorkflowDefaults(agents []AgentFile, defaults WorkflowDefaults) {
	for i := range agents {
		if agents[i].Model == "" {
			agents[i].Model = defaults.Model
		}
		if agents[i].Temperature == nil {
			agents[i].Temperature = defaults.Temperature
		}
	}
}

// ToAgents converts every declared AgentFile into a runtime conversation.Agent,
// applying Defaults.Model and Defaults.Temperature to any agent that leaves
// its own field unset, and stamping the resolved custom rules onto each.
func (wf WorkflowFile) ToAgents() ([]conversation.Agent, error) {
	customRules, err := wf.ResolveCustomRules()
	if err != nil {
		return nil, err
	}
	applyWorkflowDefaults(wf.Agents, wf.Defaults)
	agents := make([]conversation.Agent, 0, len(wf.Agents))
	for _, af := range wf.Agents {
		agent := af.ToAgent()
		agent.CustomRules = customRules
		agents = append(agents, agent)
	}
	return agents, nil
}

// Default budgets applied when an agent file leaves them at zero.
const (
	DefaultMaxTurns               = 20
	DefaultMaxRequestsPerTurn     = 20
	DefaultMaxToolFailuresPerTurn = 5
	DefaultMaxWalkerDepth         = 1
)

// LoadAgentFile reads and validates a single agent definition.
func LoadAgentFile(path string) (AgentFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentFile{}, fmt.Errorf("agentconfig: read %s: %w", path, err)
	}
	var af AgentFile
	if err := yaml.Unmarshal(data, &af); err != nil {
		return AgentFile{}, fmt.Errorf("agentconfig: parse %s: %w", path, err)
	}
	if err := af.Validate(); err != nil {
		return AgentFile{}, fmt.Errorf("agentconfig: %s: %w", path, err)
	}
	return af, nil
}

// LoadWorkflowFile reads and validates a workflow definition, including
// every agent it declares.
func LoadWorkflowFile(path string) (WorkflowFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkflowFile{}, fmt.Errorf("agentconfig: read %s: %w", path, err)
	}
	var wf WorkflowFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return WorkflowFile{}, fmt.Errorf("agentconfig: parse %s: %w", path, err)
	}
	wf.dir = filepath.Dir(path)
	applyWorkflowDefaults(wf.Agents, wf.Defaults)

	var errs []error
	if wf.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if len(wf.Agents) == 0 {
		errs = append(errs, errors.New("at least one agent is required"))
	}
	agentIDs := make(map[string]bool, len(wf.Agents))
	for i, a := range wf.Agents {
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("agents[%d]: %w", i, err))
			continue
		}
		agentIDs[a.ID] = true
	}
	if wf.EntryAgent != "" && !agentIDs[wf.EntryAgent] {
		errs = append(errs, fmt.Errorf("entry_agent=%q does not match any declared agent", wf.EntryAgent))
	}
	commandNames := make(map[string]bool, len(wf.Commands))
	for i, c := range wf.Commands {
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("commands[%d]: name is required", i))
			continue
		}
		if c.Prompt == "" {
			errs = append(errs, fmt.Errorf("commands[%d] (%s): prompt is required", i, c.Name))
		}
		if commandNames[c.Name] {
			errs = append(errs, fmt.Errorf("commands[%d]: duplicate command name %q", i, c.Name))
		}
		commandNames[c.Name] = true
	}
	if len(errs) > 0 {
		return WorkflowFile{}, fmt.Errorf("%s: %w", path, errors.Join(errs...))
	}
	return wf, nil
}

// Validate checks required fields and the numeric ranges an agent's
// sampling parameters must stay within.
func (a AgentFile) Validate() error {
	var errs []error
	if a.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if a.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if a.Temperature != nil && (*a.Temperature < 0.0 || *a.Temperature > 2.0) {
		errs = append(errs, fmt.Errorf("temperature=%v must be between 0.0 and 2.0", *a.Temperature))
	}
	if a.TopP != nil && (*a.TopP < 0.0 || *a.TopP > 1.0) {
		errs = append(errs, fmt.Errorf("top_p=%v must be between 0.0 and 1.0", *a.TopP))
	}
	if a.TopK != nil && (*a.TopK < 1 || *a.TopK > 1000) {
		errs = append(errs, fmt.Errorf("top_k=%v must be between 1 and 1000", *a.TopK))
	}
	if a.MaxTokens != nil && (*a.MaxTokens < 1 || *a.MaxTokens > 100000) {
		errs = append(errs, fmt.Errorf("max_tokens=%v must be between 1 and 100000", *a.MaxTokens))
	}
	if a.Compact != nil {
		if a.Compact.EvictionWindow < 0 || a.Compact.EvictionWindow > 1.0 {
			errs = append(errs, fmt.Errorf("compact.eviction_window=%v must be between 0.0 and 1.0", a.Compact.EvictionWindow))
		}
		if a.Compact.RetentionWindow < 0 {
			errs = append(errs, errors.New("compact.retention_window must not be negative"))
		}
	}
	if a.Reasoning != nil && a.Reasoning.Enabled {
		switch a.Reasoning.Effort {
		case "", "low", "medium", "high":
		default:
			errs = append(errs, fmt.Errorf("reasoning.effort=%q must be one of low/medium/high", a.Reasoning.Effort))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ToAgent converts a validated AgentFile into the runtime conversation.Agent.
func (a AgentFile) ToAgent() conversation.Agent {
	agent := conversation.Agent{
		ID:                     a.ID,
		Model:                  a.Model,
		SystemPromptTemplate:   a.SystemPrompt,
		UserPromptTemplate:     a.UserPrompt,
		ToolsAllowed:           toSet(a.Tools),
		Subscribe:              toSet(a.Subscribe),
		MaxWalkerDepth:         orDefault(a.MaxWalkerDepth, DefaultMaxWalkerDepth),
		MaxTurns:               orDefault(a.MaxTurns, DefaultMaxTurns),
		MaxRequestsPerTurn:     orDefault(a.MaxRequestsPerTurn, DefaultMaxRequestsPerTurn),
		MaxToolFailuresPerTurn: orDefault(a.MaxToolFailuresPerTurn, DefaultMaxToolFailuresPerTurn),
	}
	if a.Temperature != nil {
		agent.Temperature = *a.Temperature
	}
	if a.TopP != nil {
		agent.TopP = *a.TopP
	}
	if a.TopK != nil {
		agent.TopK = *a.TopK
	}
	if a.MaxTokens != nil {
		agent.MaxTokens = *a.MaxTokens
	}
	if a.Compact != nil {
		cc := conversation.CompactConfig(*a.Compact)
		agent.Compact = &cc
	}
	if a.Reasoning != nil {
		rc := conversation.ReasoningConfig{
			Enabled:   a.Reasoning.Enabled,
			Effort:    a.Reasoning.Effort,
			MaxTokens: a.Reasoning.MaxTokens,
			Exclude:   a.Reasoning.Exclude,
		}
		agent.Reasoning = &rc
	}
	return agent
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}
