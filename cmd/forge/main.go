// Command forge is a thin CLI front end over the orchestration core: it
// loads configuration and agent definitions, wires the Provider/Dispatcher
// /Store/Agent capabilities, starts one turn, and prints the
// OrchestrationEvent stream to stdout. It does not render a TUI — that is
// left to a separate presentation layer built against this same event
// stream.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/forgehq/forge/internal/agentconfig"
	"github.com/forgehq/forge/internal/config"
	"github.com/forgehq/forge/internal/conversation"
	"github.com/forgehq/forge/internal/convstore"
	"github.com/forgehq/forge/internal/delta"
	"github.com/forgehq/forge/internal/dispatcher"
	"github.com/forgehq/forge/internal/lsp"
	"github.com/forgehq/forge/internal/mcptools"
	"github.com/forgehq/forge/internal/orchestrator"
	"github.com/forgehq/forge/internal/provider"
	"github.com/forgehq/forge/internal/shell"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	flagSession := flag.String("s", "", "resume a conversation by ID")
	flagList := flag.Bool("l", false, "list conversations")
	flagContinue := flag.Bool("c", false, "continue the most recently updated conversation")
	flagAgent := flag.String("agent", "", "agent id to run (default: first loaded, or a built-in default)")
	flagWorkflow := flag.String("workflow", "", "path to a workflow file bundling agents, defaults, and named commands (overrides the agents directory)")
	flagCmd := flag.String("cmd", "", "invoke a named command declared in -workflow instead of a free-form prompt")
	flag.StringVar(flagSession, "session", "", "resume a conversation by ID")
	flag.BoolVar(flagList, "list", false, "list conversations")
	flag.BoolVar(flagContinue, "continue", false, "continue the most recently updated conversation")
	flag.Parse()

	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(dataDirPath); err == nil {
			configPath = dataDirPath
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Printf("Error loading credentials: %v\n", err)
		os.Exit(1)
	}

	registry := buildProviderRegistry(cfg)
	backendName, providerCfg := resolveProviderBackend(cfg, registry)

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Error preparing data directory: %v\n", err)
		os.Exit(1)
	}

	store, err := convstore.OpenSQLiteStore(filepath.Join(dataDir, "conversations.db"))
	if err != nil {
		fmt.Printf("Error opening conversation store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *flagList {
		listConversations(store)
		return
	}

	resolver := &cachingProviderResolver{registry: registry, backend: backendName, opts: provider.Options{Temperature: providerCfg.Temperature}}

	svc := setupServices(cfg, creds, resolver, providerCfg.Model)
	defer svc.lspManager.StopAll(context.Background())
	if svc.webCache != nil {
		defer svc.webCache.Close()
	}

	var agents agentMap
	var workflow *agentconfig.WorkflowFile
	if *flagWorkflow != "" {
		wf, err := agentconfig.LoadWorkflowFile(*flagWorkflow)
		if err != nil {
			fmt.Printf("Error loading workflow %s: %v\n", *flagWorkflow, err)
			os.Exit(1)
		}
		workflow = &wf
		agents, err = loadWorkflowAgents(wf)
		if err != nil {
			fmt.Printf("Error loading workflow agents: %v\n", err)
			os.Exit(1)
		}
	} else {
		agents = loadAgents(cfg, dataDir, toolNames(svc.registry))
	}

	agentID := *flagAgent
	if agentID == "" {
		agentID = agents.defaultID
	}

	disp := dispatcher.New(svc.registry, dispatcher.AllowAllPolicy(), nil)
	orch := orchestrator.New(store, disp, agents, resolver)

	convID := resolveConversationID(*flagSession, *flagContinue, store)

	prompt, err := resolvePrompt(workflow, *flagCmd)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if prompt == "" {
		fmt.Println("No prompt given. Pass it as arguments, pipe it on stdin, or pass -cmd with -workflow.")
		os.Exit(1)
	}

	handle, err := orch.Init(context.Background(), convID, agentID, conversation.Event{
		Name:      conversation.EventUserTaskInit,
		Value:     prompt,
		Timestamp: time.Now(),
	})
	if err != nil {
		fmt.Printf("Error starting turn: %v\n", err)
		os.Exit(1)
	}

	printEvents(handle)
	fmt.Printf("\n(conversation %s)\n", convID)
}

// printEvents renders the OrchestrationEvent stream as plain text: assistant
// deltas as they arrive, tool calls as one-line markers, and the terminal
// reason once the turn ends.
func printEvents(handle *orchestrator.TurnHandle) {
	for evt := range handle.Events() {
		switch evt.Type {
		case orchestrator.EventAssistantText:
			fmt.Print(evt.Delta)
		case orchestrator.EventReasoningDelta:
			// Reasoning is not shown by default; a presentation layer built
			// on this stream may choose to surface it.
		case orchestrator.EventToolCallRequested:
			fmt.Printf("\n[tool] %s(%s)\n", evt.Call.Name, string(evt.Call.Arguments))
		case orchestrator.EventToolCallCompleted:
			if evt.Result.IsError() {
				fmt.Printf("[tool failed: %s] %s\n", evt.Result.Kind, evt.Result.Message)
			}
		case orchestrator.EventCompacted:
			fmt.Printf("\n[context compacted: replaced %d messages]\n", evt.Compacted.ReplacedCount)
		case orchestrator.EventTurnEnded:
			if evt.Reason != orchestrator.ReasonCompleted {
				fmt.Printf("\n[turn ended: %s] %s\n", evt.Reason, evt.Detail)
			}
		}
	}
}

func buildProviderRegistry(cfg *config.Config) *provider.Registry {
	registry := provider.NewRegistry()
	for name, providerCfg := range cfg.Providers {
		registry.RegisterFactory(name, provider.NewOllamaFactory(name, providerCfg.Endpoint))
	}
	return registry
}

func resolveProviderBackend(cfg *config.Config, registry *provider.Registry) (string, config.ProviderConfig) {
	name := cfg.DefaultProvider
	if name == "" {
		names := registry.List()
		if len(names) == 0 {
			fmt.Println("Error: No providers configured")
			os.Exit(1)
		}
		name = names[0]
	}
	pcfg, ok := cfg.Providers[name]
	if !ok {
		fmt.Printf("Error: Provider %q not found\n", name)
		os.Exit(1)
	}
	return name, pcfg
}

// cachingProviderResolver satisfies orchestrator.ProviderResolver over a
// single configured backend: every agent model name is created against that
// one backend's factory, with instances memoized per model so repeated
// turns for the same agent reuse one live Provider.
type cachingProviderResolver struct {
	registry *provider.Registry
	backend  string
	opts     provider.Options

	mu        sync.Mutex
	instances map[string]provider.Provider
}

func (r *cachingProviderResolver) Resolve(model string) (provider.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instances == nil {
		r.instances = make(map[string]provider.Provider)
	}
	if p, ok := r.instances[model]; ok {
		return p, nil
	}
	p, err := r.registry.Create(r.backend, model, r.opts)
	if err != nil {
		return nil, err
	}
	r.instances[model] = p
	return p, nil
}

// agentMap is an orchestrator.AgentLookup over agent definitions loaded from
// disk, plus a single built-in default so the CLI runs with zero
// configuration.
type agentMap struct {
	agents    map[string]conversation.Agent
	defaultID string
}

func (m agentMap) Get(agentID string) (conversation.Agent, bool) {
	a, ok := m.agents[agentID]
	return a, ok
}

const builtinDefaultAgentID = "default"

func toolNames(registry *dispatcher.Registry) []string {
	descs := registry.List()
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		names = append(names, d.Name)
	}
	return names
}

// loadWorkflowAgents converts every agent a workflow declares into the
// orchestrator's AgentLookup, applying the workflow's entry agent (falling
// back to the first declared agent) and normalizing each agent's
// subscription to EventUserTaskInit the same way loadAgents does for
// standalone agent files.
func loadWorkflowAgents(wf agentconfig.WorkflowFile) (agentMap, error) {
	runtimeAgents, err := wf.ToAgents()
	if err != nil {
		return agentMap{}, err
	}
	m := agentMap{agents: make(map[string]conversation.Agent, len(runtimeAgents))}
	for _, agent := range runtimeAgents {
		if agent.Subscribe == nil || !agent.SubscribedTo(conversation.EventUserTaskInit) {
			if agent.Subscribe == nil {
				agent.Subscribe = map[string]bool{}
			}
			agent.Subscribe[conversation.EventUserTaskInit] = true
		}
		m.agents[agent.ID] = agent
		if m.defaultID == "" {
			m.defaultID = agent.ID
		}
	}
	if wf.EntryAgent != "" {
		m.defaultID = wf.EntryAgent
	}
	return m, nil
}

// resolvePrompt returns the text that drives the turn: a named command's
// prompt when -cmd names one declared in -workflow, otherwise the CLI
// arguments or stdin.
func resolvePrompt(workflow *agentconfig.WorkflowFile, cmdName string) (string, error) {
	if cmdName != "" {
		if workflow == nil {
			return "", fmt.Errorf("-cmd=%q requires -workflow", cmdName)
		}
		cmd, ok := workflow.Command(cmdName)
		if !ok {
			return "", fmt.Errorf("workflow %q declares no command named %q", workflow.ID, cmdName)
		}
		return cmd.Prompt, nil
	}
	prompt := strings.Join(flag.Args(), " ")
	if prompt == "" {
		prompt = readStdinPrompt()
	}
	return prompt, nil
}

func loadAgents(cfg *config.Config, dataDir string, toolNames []string) agentMap {
	agentsDir := cfg.AgentsDirOrDefault(dataDir)
	m := agentMap{agents: make(map[string]conversation.Agent)}

	matches, _ := filepath.Glob(filepath.Join(agentsDir, "*.yaml"))
	for _, path := range matches {
		af, err := agentconfig.LoadAgentFile(path)
		if err != nil {
			fmt.Printf("Warning: skipping agent file %s: %v\n", path, err)
			continue
		}
		agent := af.ToAgent()
		if agent.Subscribe == nil || !agent.SubscribedTo(conversation.EventUserTaskInit) {
			if agent.Subscribe == nil {
				agent.Subscribe = map[string]bool{}
			}
			agent.Subscribe[conversation.EventUserTaskInit] = true
		}
		m.agents[agent.ID] = agent
		if m.defaultID == "" {
			m.defaultID = agent.ID
		}
	}

	if len(m.agents) == 0 {
		allowed := make(map[string]bool, len(toolNames))
		for _, name := range toolNames {
			allowed[name] = true
		}
		m.agents[builtinDefaultAgentID] = conversation.Agent{
			ID:                     builtinDefaultAgentID,
			ToolsAllowed:           allowed,
			Subscribe:              map[string]bool{conversation.EventUserTaskInit: true},
			MaxTurns:               agentconfig.DefaultMaxTurns,
			MaxRequestsPerTurn:     agentconfig.DefaultMaxRequestsPerTurn,
			MaxToolFailuresPerTurn: agentconfig.DefaultMaxToolFailuresPerTurn,
			MaxWalkerDepth:         agentconfig.DefaultMaxWalkerDepth,
		}
		m.defaultID = builtinDefaultAgentID
	}
	return m
}

type services struct {
	registry     *dispatcher.Registry
	lspManager   *lsp.Manager
	webCache     *convstore.WebCache
	deltaTracker *delta.Tracker
}

func setupServices(cfg *config.Config, creds *config.Credentials, resolver *cachingProviderResolver, subAgentModel string) services {
	lspManager := lsp.NewManager()
	tracker := mcptools.NewFileReadTracker()
	pad := &mcptools.Scratchpad{}

	webCache := openWebCache(cfg)
	var dt *delta.Tracker
	if webCache != nil {
		dt = delta.New(webCache.DB())
	}

	readHandler := mcptools.NewReadHandler(tracker, lspManager)
	editHandler := mcptools.NewEditHandler(tracker, lspManager, dt)
	sh := shell.New("", shell.DefaultBlockFuncs())
	shellHandler := mcptools.NewShellHandler(sh, dt)

	registry := dispatcher.NewRegistry()
	for _, regErr := range mcptools.RegisterCore(registry, readHandler, editHandler, shellHandler, pad) {
		fmt.Printf("Warning: tool registration failed: %v\n", regErr)
	}

	if err := registry.Register(mcptools.Descriptor(mcptools.NewDiagnosticsTool(), dispatcher.ReadOnly, false, mcptools.MakeDiagnosticsHandler(lspManager))); err != nil {
		fmt.Printf("Warning: tool registration failed: %v\n", err)
	}

	exaKey := creds.GetAPIKey("exa_ai")
	if err := registry.Register(mcptools.Descriptor(mcptools.NewWebFetchTool(), dispatcher.Network, false, mcptools.MakeWebFetchHandler(webCache))); err != nil {
		fmt.Printf("Warning: tool registration failed: %v\n", err)
	}
	if err := registry.Register(mcptools.Descriptor(mcptools.NewWebSearchTool(), dispatcher.Network, false, mcptools.MakeWebSearchHandler(webCache, exaKey, ""))); err != nil {
		fmt.Printf("Warning: tool registration failed: %v\n", err)
	}

	if subAgentProvider, err := resolver.Resolve(subAgentModel); err != nil {
		fmt.Printf("Warning: SubAgent tool unavailable: %v\n", err)
	} else {
		subAgentHandler := mcptools.NewSubAgentHandler(subAgentProvider, subAgentModel, lspManager, dt, sh, webCache, exaKey)
		if err := registry.Register(mcptools.Descriptor(mcptools.NewSubAgentTool(), dispatcher.Mutating, false, subAgentHandler.Handle)); err != nil {
			fmt.Printf("Warning: tool registration failed: %v\n", err)
		}
	}

	return services{registry: registry, lspManager: lspManager, webCache: webCache, deltaTracker: dt}
}

func openWebCache(cfg *config.Config) *convstore.WebCache {
	cacheDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Warning: cache dir failed: %v\n", err)
		return nil
	}
	cacheTTL := time.Duration(cfg.Cache.CacheTTLOrDefault()) * time.Hour
	cache, err := convstore.OpenWebCache(filepath.Join(cacheDir, "cache.db"), cacheTTL)
	if err != nil {
		fmt.Printf("Warning: cache open failed: %v\n", err)
		return nil
	}
	return cache
}

func newConversationID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Warn().Err(err).Msg("failed to read random bytes for conversation id")
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func resolveConversationID(flagSession string, flagContinue bool, store *convstore.SQLiteStore) string {
	switch {
	case flagSession != "":
		return flagSession
	case flagContinue:
		convs, _, err := store.List(context.Background(), "", 1, "")
		if err != nil || len(convs) == 0 {
			fmt.Println("No conversations to continue")
			os.Exit(1)
		}
		return convs[0].ID
	default:
		return newConversationID()
	}
}

func listConversations(store *convstore.SQLiteStore) {
	convs, _, err := store.List(context.Background(), "", 50, "")
	if err != nil {
		fmt.Printf("Error listing conversations: %v\n", err)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations found")
		return
	}
	for _, c := range convs {
		ts := c.UpdatedAt.Format("2006-01-02 15:04")
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s  %s\n", c.ID, ts, title)
	}
}

func readStdinPrompt() string {
	stat, err := os.Stdin.Stat()
	if err != nil || (stat.Mode()&os.ModeCharDevice) != 0 {
		return ""
	}
	data, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "forge.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	return nil
}
