package tools

import (
	"context"
	"fmt"
)

// SpawnAgentTool dispatches a background sub-agent run. The actual
// execution goes through the manager's spawn hook; the turn never blocks
// on the child.
type SpawnAgentTool struct{}

func (t *SpawnAgentTool) Name() string { return "spawn_agent" }

func (t *SpawnAgentTool) Description() string {
	return "Spawn a background sub-agent to handle a specific task. Use this when a " +
		"task requires specialized expertise, can proceed in parallel, or warrants " +
		"isolated context. The sub-agent runs asynchronously and its report is " +
		"recorded when complete."
}

func (t *SpawnAgentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The task for the sub-agent to complete",
			},
			"agent_id": map[string]any{
				"type":        "string",
				"description": "Agent to spawn (e.g., 'intel-analyst'). If omitted, spawns the calling agent's type.",
			},
			"label": map[string]any{
				"type":        "string",
				"description": "Human-readable label for tracking",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Maximum time for the sub-agent to complete (default: 300)",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnAgentTool) Execute(ctx context.Context, params map[string]any, tc Context) *Result {
	task := stringArg(params, "task", "")
	agentID := stringArg(params, "agent_id", tc.AgentID)
	label := stringArg(params, "label", "")
	timeout := intArg(params, "timeout_seconds", 300)

	if tc.Spawn == nil {
		return ErrorResult("Sub-agent spawning is not available in this context")
	}

	runID, err := tc.Spawn(ctx, tc.SessionKey, agentID, task, label, timeout)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Failed to spawn sub-agent: %v", err))
	}

	if label == "" {
		label = truncate(task, 50)
	}
	return DataResult(
		map[string]any{
			"run_id":   runID,
			"agent_id": agentID,
			"label":    label,
			"status":   "spawned",
		},
		"Sub-agent spawned. Results will be announced when complete.",
	)
}
