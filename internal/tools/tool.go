// Package tools implements the tool registry and the built-in tool set:
// workspace memory, the cross-agent shared knowledge area, shell execution,
// notifications with approval gating, sub-agent spawning, autonomy yield,
// and agent configuration CRUD.
package tools

import "context"

// Context carries per-call state into a tool execution.
type Context struct {
	AgentID      string
	SessionKey   string
	WorkspaceDir string

	// AgentsDir is the parent directory of all agent workspaces; the
	// configuration and introspection tools operate on it.
	AgentsDir string

	// SharedDir is the cross-agent knowledge area.
	SharedDir string

	Approvals *Approvals
	Registry  *Registry

	// Spawn dispatches a sub-agent run; wired by the agent manager.
	Spawn SpawnFunc

	// Host is the narrow slice of the agent manager that tools may call
	// into. Nil in isolated contexts (tests, sensors).
	Host HostControl
}

// SpawnFunc dispatches an asynchronous sub-agent run and returns its run ID.
type SpawnFunc func(ctx context.Context, requesterSessionKey, agentID, task, label string, timeoutSeconds int) (string, error)

// HostControl is implemented by the agent manager.
type HostControl interface {
	IsRunning(agentID string) bool
	RunningIDs() []string
	StopAgent(agentID string) error
}

// Tool is anything executable through the registry.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON-schema-like parameter description in
	// OpenAI function format.
	Parameters() map[string]any
	Execute(ctx context.Context, params map[string]any, tc Context) *Result
}

// autonomousOnly marks tools exposed only to autonomy sessions.
type autonomousOnly interface {
	AutonomousOnly() bool
}

// approvalGated marks tools whose effects need human approval.
type approvalGated interface {
	RequiresApproval() bool
}

// IsAutonomousOnly reports whether a tool is restricted to autonomy turns.
func IsAutonomousOnly(t Tool) bool {
	if a, ok := t.(autonomousOnly); ok {
		return a.AutonomousOnly()
	}
	return false
}

// NeedsApproval reports whether a tool's effects are approval-gated.
func NeedsApproval(t Tool) bool {
	if a, ok := t.(approvalGated); ok {
		return a.RequiresApproval()
	}
	return false
}

// Argument extraction helpers. LLM-provided arguments arrive as untyped
// JSON; numbers decode as float64.

func stringArg(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return def
}

func intArg(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func boolArg(params map[string]any, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}

func stringListArg(params map[string]any, key string) []string {
	var out []string
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func mapArg(params map[string]any, key string) map[string]any {
	if v, ok := params[key].(map[string]any); ok {
		return v
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
