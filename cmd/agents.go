package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roostlabs/roost/internal/config"
	"github.com/roostlabs/roost/internal/workspace"
)

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List and manage agent workspaces",
		Run: func(cmd *cobra.Command, args []string) {
			runAgentsList()
		},
	}
	cmd.AddCommand(agentsCreateCmd())
	return cmd
}

func runAgentsList() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	agentsDir := cfg.AgentsPath()
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No agents yet. Create one with: roost agents create <id>")
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODE\tDESCRIPTION")
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		agentCfg, err := workspace.LoadConfig(filepath.Join(agentsDir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", entry.Name(), err)
			continue
		}
		mode := "reactive"
		if agentCfg.AutonomyEnabled() {
			mode = "autonomous"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", agentCfg.ID, agentCfg.Name, mode, agentCfg.Description)
	}
	w.Flush()
}

func agentsCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <id>",
		Short: "Create a new agent workspace with the standard layout",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(1)
			}

			dir := filepath.Join(cfg.AgentsPath(), args[0])
			if _, err := os.Stat(filepath.Join(dir, "agent.yaml")); err == nil {
				fmt.Fprintf(os.Stderr, "Agent %q already exists at %s\n", args[0], dir)
				os.Exit(1)
			}
			if err := workspace.EnsureLayout(dir); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if err := seedStarterFiles(dir, args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Created agent workspace at %s\n", dir)
			fmt.Println("Edit agent.yaml and SOUL.md to shape it, then: roost run")
		},
	}
}

func seedStarterFiles(dir, id string) error {
	starterYAML := fmt.Sprintf(`id: %s
name: %s
description: ""
heartbeat:
  enabled: true
  interval: 1800
`, id, id)
	starterSoul := fmt.Sprintf("# %s\n\nDescribe who this agent is and what it cares about.\n", id)

	if err := os.WriteFile(filepath.Join(dir, "agent.yaml"), []byte(starterYAML), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, workspace.SoulFile), []byte(starterSoul), 0o644)
}
