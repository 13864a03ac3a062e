package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roostlabs/roost/internal/agent"
	"github.com/roostlabs/roost/internal/bus"
	"github.com/roostlabs/roost/internal/config"
	"github.com/roostlabs/roost/internal/providers"
	"github.com/roostlabs/roost/internal/store"
	"github.com/roostlabs/roost/internal/tools"
)

func runCmd() *cobra.Command {
	var only []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent host",
		Long: `Start the host process: loads every agent workspace, starts heartbeats,
sensors, and autonomy loops, and runs until interrupted.

Examples:
  roost run                      # start all agents
  roost run --agent trader       # start only the "trader" agent`,
		Run: func(cmd *cobra.Command, args []string) {
			runHost(only)
		},
	}

	cmd.Flags().StringArrayVar(&only, "agent", nil, "start only these agents (repeatable)")
	return cmd
}

func runHost(only []string) {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	m, host, err := buildManager(cfg)
	if err != nil {
		slog.Error("failed to build host", "error", err)
		os.Exit(1)
	}

	started := 0
	for _, id := range agentsToStart(m, only) {
		if err := m.StartAgent(id); err != nil {
			slog.Warn("agent failed to start", "agent", id, "error", err)
			continue
		}
		started++
	}
	if started == 0 {
		slog.Error("no agents started; create one with: roost agents create <id>")
		os.Exit(1)
	}
	slog.Info("host running", "agents", started, "data_dir", cfg.DataPath())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go housekeeping(ctx, cfg, host)

	<-ctx.Done()
	slog.Info("shutting down")
	m.StopAll()
}

// hostDeps bundles the long-lived stores the housekeeping loop needs
// after the manager owns them.
type hostDeps struct {
	sessions  *store.SessionStore
	subagents *agent.SubagentRegistry
}

// buildManager assembles the full host: provider client, stores, bus,
// tool registry, and the agent manager on top.
func buildManager(cfg *config.Config) (*agent.Manager, *hostDeps, error) {
	name, pc, err := cfg.ResolveProvider()
	if err != nil {
		return nil, nil, err
	}
	llm := providers.NewOpenAIClient(name, pc.APIKey, pc.APIBase, pc.Model)

	dataDir := cfg.DataPath()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, err
	}

	sessions, err := store.NewSessionStore(filepath.Join(dataDir, "sessions.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("session store: %w", err)
	}
	transcripts, err := store.NewTranscriptStore(filepath.Join(dataDir, "transcripts"))
	if err != nil {
		return nil, nil, fmt.Errorf("transcript store: %w", err)
	}

	b := bus.New()
	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)
	approvals := tools.NewApprovals(b)

	m, err := agent.NewManager(agent.ManagerOptions{
		AgentsDir:   cfg.AgentsPath(),
		SharedDir:   cfg.SharedPath(),
		DataDir:     dataDir,
		Bus:         b,
		Sessions:    sessions,
		Transcripts: transcripts,
		Registry:    registry,
		LLM:         llm,
		Approvals:   approvals,
	})
	if err != nil {
		return nil, nil, err
	}
	return m, &hostDeps{sessions: sessions, subagents: m.Subagents()}, nil
}

func agentsToStart(m *agent.Manager, only []string) []string {
	if len(only) > 0 {
		return only
	}
	agents, err := m.ListAgents()
	if err != nil {
		slog.Warn("listing agents failed", "error", err)
		return nil
	}
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	return ids
}

// housekeeping prunes idle sessions and old sub-agent runs on an hourly
// cadence.
func housekeeping(ctx context.Context, cfg *config.Config, host *hostDeps) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if h := cfg.Sessions.IdleCleanupHours; h > 0 {
			removed, err := host.sessions.CleanupIdle(time.Duration(h) * time.Hour)
			if err != nil {
				slog.Warn("session cleanup failed", "error", err)
			} else if len(removed) > 0 {
				slog.Info("cleaned up idle sessions", "count", len(removed))
			}
		}
		if h := cfg.Subagents.CleanupAfterHours; h > 0 {
			if n := host.subagents.CleanupOldRuns(time.Duration(h) * time.Hour); n > 0 {
				slog.Info("cleaned up old subagent runs", "count", n)
			}
		}
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}
