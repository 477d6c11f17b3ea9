package conversation

import "time"

// Conversation is the durable record a Store holds: identity, the live
// Context, and bookkeeping. Mutations are point-in-time replacements of the
// whole record (optimistic, last-writer-wins — acceptable because the core
// guarantees at most one orchestrator runs per conversation at a time).
type Conversation struct {
	ID          string
	WorkspaceID string
	Title       string
	Context     Context
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ActiveAgent string
}

// Clone returns a deep-enough copy for safe mutation by a single owning
// orchestrator task (messages and tool descriptors are copied; Part values
// are immutable once constructed so a shallow slice copy suffices there).
func (c Conversation) Clone() Conversation {
	out := c
	out.Context.Messages = append([]Message(nil), c.Context.Messages...)
	out.Context.ToolsAvailable = append([]ToolDescriptor(nil), c.Context.ToolsAvailable...)
	return out
}

// ReasoningConfig controls a model's extended-thinking behavior.
type ReasoningConfig struct {
	Enabled  bool
	Effort   string // "low" | "medium" | "high"
	MaxTokens int
	Exclude  bool
}

// CompactConfig configures the Compactor's thresholds and summarizer.
type CompactConfig struct {
	TokenThreshold   int
	MessageThreshold int
	TurnThreshold    int
	RetentionWindow  int     // preserve last N messages
	EvictionWindow   float64 // fraction 0..1 ceiling on prefix to summarize
	OnTurnEnd        bool
	Model            string // optional override of the agent's main model
	Prompt           string // template rendered against the candidate prefix
	SummaryTag       string // optional XML-like tag to extract from summarizer output
}

// Agent is static configuration for one persona: prompt, toolset, and
// budgets.
type Agent struct {
	ID                    string
	Model                 string
	SystemPromptTemplate  string
	UserPromptTemplate    string
	ToolsAllowed          map[string]bool
	MaxWalkerDepth        int
	Compact               *CompactConfig
	Reasoning             *ReasoningConfig
	Temperature           float64
	TopP                  float64
	TopK                  int
	MaxTokens             int
	MaxTurns              int
	MaxRequestsPerTurn    int
	MaxToolFailuresPerTurn int
	Subscribe             map[string]bool
	CustomRules           string // workflow-level house rules, rendered into the system prompt
}

// AllowsTool reports whether name is in the agent's tool allow-list.
func (a Agent) AllowsTool(name string) bool {
	if a.ToolsAllowed == nil {
		return false
	}
	return a.ToolsAllowed[name]
}

// SubscribedTo reports whether the agent reacts to the named event.
func (a Agent) SubscribedTo(name string) bool {
	if a.Subscribe == nil {
		return false
	}
	return a.Subscribe[name]
}

// Event drives the orchestrator: agents subscribe to names, and arrival of
// a matching event triggers a turn.
type Event struct {
	Name      string
	Value     string
	Timestamp time.Time
}

const (
	// EventUserTaskInit starts a fresh turn.
	EventUserTaskInit = "user_task_init"
	// EventUserTaskUpdate appends to an existing turn.
	EventUserTaskUpdate = "user_task_update"
)

// TurnBudget tracks the per-turn counters an agent's limits are enforced against.
type TurnBudget struct {
	RequestsMade            int
	ToolFailures             int
	AssistantMessagesAdded   int
	StartTime                time.Time
}
