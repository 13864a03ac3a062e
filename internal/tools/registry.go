package tools

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/roostlabs/roost/internal/providers"
)

// Registry is a keyed catalog of tools. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Schemas emits tool definitions in LLM function-calling shape. When
// allowed is non-nil only those names appear; autonomous-only tools are
// excluded unless includeAutonomous is set.
func (r *Registry) Schemas(allowed []string, includeAutonomous bool) []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	for _, t := range r.List() {
		if allowed != nil && !slices.Contains(allowed, t.Name()) {
			continue
		}
		if !includeAutonomous && IsAutonomousOnly(t) {
			continue
		}
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute dispatches a call. Unknown tools and missing required parameters
// come back as failed results, not Go errors, so the model can see them.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, tc Context) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("Unknown tool: %s", name))
	}

	if missing := missingRequired(t, params); missing != "" {
		return ErrorResult(fmt.Sprintf("Missing required parameter: %s", missing))
	}

	result := t.Execute(ctx, params, tc)
	if result == nil {
		result = ErrorResult(fmt.Sprintf("tool %s returned no result", name))
	}
	if result.Err != "" {
		slog.Debug("tool failed", "tool", name, "agent", tc.AgentID, "error", result.Err)
	}
	return result
}

func missingRequired(t Tool, params map[string]any) string {
	required, _ := t.Parameters()["required"].([]string)
	if required == nil {
		if raw, ok := t.Parameters()["required"].([]any); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
	}
	for _, key := range required {
		if _, ok := params[key]; !ok {
			return key
		}
	}
	return ""
}
