package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ListAgentsTool enumerates agent workspaces with their running status.
type ListAgentsTool struct{}

func (t *ListAgentsTool) Name() string { return "list_agents" }

func (t *ListAgentsTool) Description() string {
	return "List all agents on the system with their ID, name, description, status, " +
		"and model. Optionally filter by status (running/stopped)."
}

func (t *ListAgentsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{
				"type":        "string",
				"enum":        []string{"all", "running", "stopped"},
				"description": "Filter by agent status. Default: 'all'",
			},
		},
		"required": []string{},
	}
}

func (t *ListAgentsTool) Execute(_ context.Context, params map[string]any, tc Context) *Result {
	statusFilter := stringArg(params, "status", "all")

	entries, err := os.ReadDir(tc.AgentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return DataResult(map[string]any{"agents": []any{}}, "No agents found.")
		}
		return ErrorResult(err.Error())
	}

	var runningIDs []string
	if tc.Host != nil {
		runningIDs = tc.Host.RunningIDs()
	}

	var agents []map[string]any
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		agentID := entry.Name()

		name := agentID
		description := ""
		model := ""
		autonomyEnabled := false

		if data, err := os.ReadFile(filepath.Join(tc.AgentsDir, agentID, "agent.yaml")); err == nil {
			var cfg map[string]any
			if err := yaml.Unmarshal(data, &cfg); err == nil {
				name = stringArg(cfg, "name", agentID)
				description = stringArg(cfg, "description", "")
				model = stringArg(cfg, "model", "")
				if autonomy, ok := cfg["autonomy"].(map[string]any); ok {
					autonomyEnabled = boolArg(autonomy, "enabled", false)
				}
			}
		}

		status := "stopped"
		if slices.Contains(runningIDs, agentID) {
			status = "running"
		}
		if statusFilter != "all" && status != statusFilter {
			continue
		}

		agents = append(agents, map[string]any{
			"agent_id":         agentID,
			"name":             name,
			"description":      description,
			"status":           status,
			"model":            model,
			"autonomy_enabled": autonomyEnabled,
		})
	}

	summary := fmt.Sprintf("Found %d agent(s)", len(agents))
	if statusFilter != "all" {
		summary += fmt.Sprintf(" (filter: %s)", statusFilter)
	}
	return DataResult(map[string]any{"agents": agents}, summary)
}

// ListToolsTool lists the tools available in the calling context.
type ListToolsTool struct{}

func (t *ListToolsTool) Name() string { return "list_tools" }

func (t *ListToolsTool) Description() string {
	return "List all tools currently available to you. Use this to understand what " +
		"capabilities you have."
}

func (t *ListToolsTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"required":   []string{},
	}
}

func (t *ListToolsTool) Execute(_ context.Context, _ map[string]any, tc Context) *Result {
	if tc.Registry == nil {
		return ErrorResult("Tool registry not available")
	}

	var toolList []map[string]any
	for _, tool := range tc.Registry.List() {
		var paramNames []string
		if props, ok := tool.Parameters()["properties"].(map[string]any); ok {
			for name := range props {
				paramNames = append(paramNames, name)
			}
			slices.Sort(paramNames)
		}
		toolList = append(toolList, map[string]any{
			"name":              tool.Name(),
			"description":       truncate(strings.TrimSpace(tool.Description()), 200),
			"requires_approval": NeedsApproval(tool),
			"parameters":        paramNames,
		})
	}

	return DataResult(
		map[string]any{"tools": toolList, "count": len(toolList)},
		fmt.Sprintf("%d tools available", len(toolList)),
	)
}
