package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/roostlabs/roost/internal/bus"
	"github.com/roostlabs/roost/internal/hotstate"
	"github.com/roostlabs/roost/internal/providers"
	"github.com/roostlabs/roost/internal/sensors"
	"github.com/roostlabs/roost/internal/store"
	"github.com/roostlabs/roost/internal/tools"
	"github.com/roostlabs/roost/internal/workspace"
)

// ManagerOptions wires a Manager into the host.
type ManagerOptions struct {
	AgentsDir string
	SharedDir string
	DataDir   string

	Bus         *bus.Bus
	Sessions    *store.SessionStore
	Transcripts *store.TranscriptStore
	Registry    *tools.Registry
	LLM         providers.Client
	Approvals   *tools.Approvals
}

// AgentInfo is the list_agents view of one workspace.
type AgentInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Running     bool   `json:"running"`
	Autonomous  bool   `json:"autonomous"`
}

// handle is the live state of one started agent.
type handle struct {
	cfg        *workspace.AgentConfig
	dir        string
	sessionKey string
	hot        *hotstate.State
	heartbeat  *HeartbeatRunner
	loop       *AutonomyLoop
}

// Manager is the top-level facade: it owns agent lifecycles, the turn
// engine, and the sub-agent registry. It implements tools.HostControl so
// the introspection tools can see and stop running agents.
type Manager struct {
	opts      ManagerOptions
	engine    *TurnEngine
	subagents *SubagentRegistry

	mu      sync.Mutex
	handles map[string]*handle
}

// NewManager provisions the builder agent workspace and assembles the
// engine and sub-agent registry.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if created, err := workspace.ProvisionBuilder(opts.AgentsDir); err != nil {
		return nil, fmt.Errorf("provision builder agent: %w", err)
	} else if len(created) > 0 {
		slog.Info("provisioned builder agent", "files", len(created))
	}

	m := &Manager{
		opts:    opts,
		handles: make(map[string]*handle),
	}
	m.subagents = NewSubagentRegistry(
		filepath.Join(opts.DataDir, "subagent_runs.json"),
		m.runSubagent,
		opts.Bus,
	)
	m.engine = NewTurnEngine(TurnDeps{
		Bus:         opts.Bus,
		Sessions:    opts.Sessions,
		Transcripts: opts.Transcripts,
		Registry:    opts.Registry,
		LLM:         opts.LLM,
		Approvals:   opts.Approvals,
		AgentsDir:   opts.AgentsDir,
		SharedDir:   opts.SharedDir,
		Spawn:       m.handleSpawnRequest,
		Host:        m,
	})
	return m, nil
}

// Bus exposes the event bus so callers can observe agent activity.
func (m *Manager) Bus() *bus.Bus { return m.opts.Bus }

// Subagents exposes the run registry for introspection tools and tests.
func (m *Manager) Subagents() *SubagentRegistry { return m.subagents }

// ListAgents enumerates every workspace under the agents directory.
func (m *Manager) ListAgents() ([]AgentInfo, error) {
	entries, err := os.ReadDir(m.opts.AgentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []AgentInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cfg, err := workspace.LoadConfig(filepath.Join(m.opts.AgentsDir, e.Name()))
		if err != nil {
			slog.Warn("skipping agent with invalid config", "agent", e.Name(), "error", err)
			continue
		}
		out = append(out, AgentInfo{
			ID:          cfg.ID,
			Name:        cfg.Name,
			Description: cfg.Description,
			Running:     m.IsRunning(cfg.ID),
			Autonomous:  cfg.AutonomyEnabled(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// StartAgent brings an agent up: session, hot state, sensors, heartbeat,
// and autonomy loop. Starting a running agent is a no-op returning the
// existing handle.
func (m *Manager) StartAgent(agentID string) error {
	m.mu.Lock()
	if _, ok := m.handles[agentID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	dir := filepath.Join(m.opts.AgentsDir, agentID)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("agent workspace not found: %s", agentID)
	}
	if err := workspace.EnsureLayout(dir); err != nil {
		return fmt.Errorf("prepare workspace %s: %w", agentID, err)
	}
	cfg, err := workspace.LoadConfig(dir)
	if err != nil {
		return fmt.Errorf("load agent config %s: %w", agentID, err)
	}

	sessionKey := fmt.Sprintf("agent:%s:main", agentID)
	if _, err := m.opts.Sessions.GetOrCreate(sessionKey, agentID); err != nil {
		return err
	}

	hot := hotstate.New(cfg.HotStateFields())
	if err := hot.RestoreFrom(m.hotStatePath(agentID)); err != nil {
		slog.Warn("hot state restore failed", "agent", agentID, "error", err)
	}

	h := &handle{
		cfg:        cfg,
		dir:        dir,
		sessionKey: sessionKey,
		hot:        hot,
	}

	if cfg.Heartbeat.IsEnabled() {
		h.heartbeat = NewHeartbeatRunner(cfg, dir, m.engine, m.opts.Bus)
	}

	if cfg.AutonomyEnabled() {
		built, errs := sensors.NewAll(cfg.Sensors, sensors.Deps{
			AgentID:  agentID,
			Hot:      hot,
			Bus:      m.opts.Bus,
			Registry: m.opts.Registry,
			LLM:      m.opts.LLM,
		})
		for _, err := range errs {
			slog.Warn("sensor rejected", "agent", agentID, "error", err)
		}
		h.loop = NewAutonomyLoop(cfg, dir, LoopDeps{
			Engine:   m.engine,
			Hot:      hot,
			Sensors:  built,
			Registry: m.opts.Registry,
			LLM:      m.opts.LLM,
			Bus:      m.opts.Bus,
		})
	}

	m.mu.Lock()
	if _, ok := m.handles[agentID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.handles[agentID] = h
	m.mu.Unlock()

	if h.heartbeat != nil {
		h.heartbeat.Start()
	}
	if h.loop != nil {
		h.loop.Start()
	}

	m.opts.Bus.Emit(bus.EventAgentStarted, map[string]any{
		"agent_id":    agentID,
		"name":        cfg.Name,
		"session_key": sessionKey,
	})
	slog.Info("agent started", "agent", agentID, "autonomous", cfg.AutonomyEnabled())
	return nil
}

// StopAgent winds an agent down: loop (which stops sensors), then
// heartbeat, then handle removal. Stopping a stopped agent is a no-op.
func (m *Manager) StopAgent(agentID string) error {
	m.mu.Lock()
	h, ok := m.handles[agentID]
	delete(m.handles, agentID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if h.loop != nil {
		h.loop.Stop()
	}
	if h.heartbeat != nil {
		h.heartbeat.Stop()
	}
	if err := os.MkdirAll(filepath.Join(m.opts.DataDir, "hotstate"), 0o755); err == nil {
		if err := h.hot.SaveTo(m.hotStatePath(agentID)); err != nil {
			slog.Warn("hot state save failed", "agent", agentID, "error", err)
		}
	}

	m.opts.Bus.Emit(bus.EventAgentStopped, map[string]any{"agent_id": agentID})
	slog.Info("agent stopped", "agent", agentID)
	return nil
}

// StopAll stops every running agent and waits for in-flight sub-agent runs.
func (m *Manager) StopAll() {
	for _, id := range m.RunningIDs() {
		if err := m.StopAgent(id); err != nil {
			slog.Warn("stop failed", "agent", id, "error", err)
		}
	}
	m.subagents.Wait()
}

// IsRunning implements tools.HostControl.
func (m *Manager) IsRunning(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[agentID]
	return ok
}

// RunningIDs implements tools.HostControl.
func (m *Manager) RunningIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Chat sends one message to an agent, auto-starting it when needed, and
// returns the final assistant text.
func (m *Manager) Chat(ctx context.Context, agentID, message, sessionKey string) (string, error) {
	if err := m.StartAgent(agentID); err != nil {
		return "", err
	}
	m.mu.Lock()
	h := m.handles[agentID]
	m.mu.Unlock()

	if sessionKey == "" {
		sessionKey = h.sessionKey
	}
	ws, err := workspace.Load(h.dir)
	if err != nil {
		return "", err
	}
	turn, err := m.engine.Run(ctx, h.cfg, ws, sessionKey, message, false)
	if err != nil {
		return "", err
	}
	return turn.Content, nil
}

// UpdateAgentTools rewrites the persisted tool allow-list and, when the
// agent is live, the running handle's copy.
func (m *Manager) UpdateAgentTools(agentID string, toolNames []string) error {
	path := filepath.Join(m.opts.AgentsDir, agentID, "agent.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("agent config not found: %s", agentID)
	}

	// Edit the raw document so unrelated fields survive untouched.
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse agent config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	doc["tools"] = toolNames

	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return err
	}

	m.mu.Lock()
	if h, ok := m.handles[agentID]; ok {
		h.cfg.Tools = toolNames
	}
	m.mu.Unlock()
	return nil
}

// Heartbeat returns the live heartbeat runner for an agent, if any.
func (m *Manager) Heartbeat(agentID string) *HeartbeatRunner {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[agentID]; ok {
		return h.heartbeat
	}
	return nil
}

// HotState returns the live hot state for a running agent, if any.
func (m *Manager) HotState(agentID string) *hotstate.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[agentID]; ok {
		return h.hot
	}
	return nil
}

// handleSpawnRequest is the SpawnFunc handed to the spawn tool. A target
// with no workspace yet gets a minimal ephemeral one so delegation can
// name agents that were never provisioned.
func (m *Manager) handleSpawnRequest(_ context.Context, requesterSessionKey, agentID, task, label string, timeoutSeconds int) (string, error) {
	if agentID == "" {
		return "", fmt.Errorf("spawn requires an agent_id")
	}
	dir := filepath.Join(m.opts.AgentsDir, agentID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := provisionEphemeral(dir, agentID); err != nil {
			return "", fmt.Errorf("provision workspace for %s: %w", agentID, err)
		}
		slog.Info("provisioned ephemeral workspace for spawn target", "agent", agentID)
	} else if err != nil {
		return "", err
	}
	run, err := m.subagents.Spawn(requesterSessionKey, agentID, task, label, timeoutSeconds)
	if err != nil {
		return "", err
	}
	return run.RunID, nil
}

// provisionEphemeral lays out a bare workspace whose SOUL.md names the
// agent and gives it a generic mandate.
func provisionEphemeral(dir, agentID string) error {
	if err := workspace.EnsureLayout(dir); err != nil {
		return err
	}
	soul := fmt.Sprintf("I am %s, a general-purpose agent. I complete delegated tasks carefully and report what I find.\n", agentID)
	return os.WriteFile(filepath.Join(dir, workspace.SoulFile), []byte(soul), 0o644)
}

// runSubagent executes one child turn on behalf of the sub-agent registry.
func (m *Manager) runSubagent(ctx context.Context, agentID, sessionKey, task string) (string, error) {
	dir := filepath.Join(m.opts.AgentsDir, agentID)
	cfg, err := workspace.LoadConfig(dir)
	if err != nil {
		return "", err
	}
	ws, err := workspace.Load(dir)
	if err != nil {
		return "", err
	}

	turn, err := m.engine.Run(ctx, cfg, ws, sessionKey, m.subagentPrompt(cfg, task), false)
	if err != nil {
		return "", err
	}
	return turn.Content, nil
}

// subagentPrompt wraps the raw task in the delegation boilerplate: the
// child's tool roster and the required report sections.
func (m *Manager) subagentPrompt(cfg *workspace.AgentConfig, task string) string {
	var names []string
	for _, t := range m.opts.Registry.List() {
		if len(cfg.Tools) > 0 && !slices.Contains(cfg.Tools, t.Name()) {
			continue
		}
		names = append(names, t.Name())
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("You are executing a delegated task as a sub-agent. ")
	b.WriteString("Complete the task below and reply with a report containing these sections: ")
	b.WriteString("Findings, Actions Taken, Recommendations, Summary.\n")
	if len(names) > 0 {
		b.WriteString("Tools available to you: " + strings.Join(names, ", ") + "\n")
	}
	b.WriteString("\nTask:\n" + task)
	return b.String()
}

func (m *Manager) hotStatePath(agentID string) string {
	return filepath.Join(m.opts.DataDir, "hotstate", agentID+".json")
}
