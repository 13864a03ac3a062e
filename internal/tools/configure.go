package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// agentIDPattern enforces kebab-case agent IDs.
var agentIDPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// nestedSections are replaced whole on update instead of merged, so a
// partial autonomy or sensor update can never leave mixed old/new policy.
var nestedSections = map[string]bool{
	"autonomy":  true,
	"hot_state": true,
	"sensors":   true,
}

// autonomyDefaults fill unset autonomy settings on create/update.
var autonomyDefaults = map[string]any{
	"enabled":                false,
	"max_consecutive_turns":  50,
	"token_budget_per_hour":  100000,
	"max_actions_per_minute": 10,
	"idle_timeout":           600,
}

// protectedAgents cannot be deleted.
var protectedAgents = map[string]bool{"agent-builder": true}

var validHotStateTypes = map[string]bool{
	"object": true, "number": true, "string": true, "array": true, "boolean": true,
}

var validSensorTypes = map[string]bool{"poll": true, "watch": true, "stream": true}

// ConfigureAgentTool provides CRUD on agent workspaces and configurations.
type ConfigureAgentTool struct{}

func (t *ConfigureAgentTool) Name() string { return "configure_agent" }

func (t *ConfigureAgentTool) Description() string {
	return "Create, read, update, or delete agent configurations. Use action='create' " +
		"to make a new agent, 'read' to inspect an existing agent, 'update' to modify " +
		"an agent's config or workspace files, 'delete' to remove an agent."
}

func (t *ConfigureAgentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"create", "read", "update", "delete"},
				"description": "The CRUD action to perform",
			},
			"agent_id": map[string]any{
				"type":        "string",
				"description": "The agent's unique identifier (kebab-case)",
			},
			"config": map[string]any{
				"type": "object",
				"description": "Agent configuration object. Required for 'create', optional for " +
					"'update'. Top-level fields: name, description, model, thinking, tools (list), " +
					"max_tool_rounds, heartbeat_enabled, heartbeat_interval. Nested sections: " +
					"autonomy (object), hot_state (object with fields), sensors (list).",
			},
			"files": map[string]any{
				"type": "object",
				"description": "Workspace files to write, as {filename: content}. " +
					"e.g., {'SOUL.md': '...', 'HEARTBEAT.md': '...'}",
			},
		},
		"required": []string{"action", "agent_id"},
	}
}

func (t *ConfigureAgentTool) Execute(_ context.Context, params map[string]any, tc Context) *Result {
	action := stringArg(params, "action", "")
	agentID := stringArg(params, "agent_id", "")
	config := mapArg(params, "config")
	files := mapArg(params, "files")

	if agentID == "" {
		return ErrorResult("Agent ID is required")
	}
	if !agentIDPattern.MatchString(agentID) {
		return ErrorResult("Agent ID must be kebab-case (lowercase letters, numbers, hyphens)")
	}

	switch action {
	case "create":
		return t.create(tc, agentID, config, files)
	case "read":
		return t.read(tc, agentID)
	case "update":
		return t.update(tc, agentID, config, files)
	case "delete":
		return t.delete(tc, agentID)
	default:
		return ErrorResult(fmt.Sprintf("Invalid action: %s", action))
	}
}

func validateConfig(config map[string]any) string {
	if hs, ok := config["hot_state"].(map[string]any); ok {
		if fields, ok := hs["fields"].(map[string]any); ok {
			names := make([]string, 0, len(fields))
			for name := range fields {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fieldCfg, ok := fields[name].(map[string]any)
				if !ok {
					continue
				}
				ftype := stringArg(fieldCfg, "type", "object")
				if !validHotStateTypes[ftype] {
					return fmt.Sprintf("Hot state field '%s': type must be one of: array, boolean, number, object, string", name)
				}
			}
		}
	}

	if sensors, ok := config["sensors"].([]any); ok {
		for _, raw := range sensors {
			sensor, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			sname := stringArg(sensor, "name", "<unnamed>")
			stype := stringArg(sensor, "type", "")

			if !validSensorTypes[stype] {
				return fmt.Sprintf("Sensor '%s': type must be one of: poll, stream, watch", sname)
			}
			source := mapArg(sensor, "source")
			switch stype {
			case "poll":
				if intArg(sensor, "interval", 0) <= 0 {
					return fmt.Sprintf("Sensor '%s': poll type requires 'interval' field", sname)
				}
			case "watch":
				if stringArg(source, "path", "") == "" {
					return fmt.Sprintf("Sensor '%s': watch type requires 'source.path' field", sname)
				}
			case "stream":
				if stringArg(source, "url", "") == "" {
					return fmt.Sprintf("Sensor '%s': stream type requires 'source.url' field", sname)
				}
			}
		}
	}

	return ""
}

func applyConfigDefaults(config map[string]any) {
	if autonomy, ok := config["autonomy"].(map[string]any); ok {
		for key, def := range autonomyDefaults {
			if _, present := autonomy[key]; !present {
				autonomy[key] = def
			}
		}
	}

	if hs, ok := config["hot_state"].(map[string]any); ok {
		if fields, ok := hs["fields"].(map[string]any); ok {
			for _, raw := range fields {
				if fieldCfg, ok := raw.(map[string]any); ok {
					if _, present := fieldCfg["type"]; !present {
						fieldCfg["type"] = "object"
					}
				}
			}
		}
	}

	if sensors, ok := config["sensors"].([]any); ok {
		for _, raw := range sensors {
			sensor, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if _, present := sensor["updates"]; !present {
				sensor["updates"] = []any{}
			}
			if _, present := sensor["signals"]; !present {
				sensor["signals"] = []any{}
			}
			if signals, ok := sensor["signals"].([]any); ok {
				for _, sraw := range signals {
					if signal, ok := sraw.(map[string]any); ok {
						if _, present := signal["threshold"]; !present {
							signal["threshold"] = 0.8
						}
						if _, present := signal["notify"]; !present {
							signal["notify"] = true
						}
					}
				}
			}
		}
	}
}

// configToYAML maps the tool-facing config shape onto the agent.yaml
// structure, folding heartbeat_enabled/heartbeat_interval into the
// heartbeat section.
func configToYAML(agentID string, config map[string]any) map[string]any {
	out := map[string]any{"id": agentID}

	for _, key := range []string{"name", "description", "model", "thinking", "tools", "max_tool_rounds"} {
		if v, ok := config[key]; ok {
			out[key] = v
		}
	}

	_, hasEnabled := config["heartbeat_enabled"]
	_, hasInterval := config["heartbeat_interval"]
	if hasEnabled || hasInterval {
		out["heartbeat"] = map[string]any{
			"enabled":  boolArg(config, "heartbeat_enabled", true),
			"interval": intArg(config, "heartbeat_interval", 1800),
		}
	}

	for section := range nestedSections {
		if v, ok := config[section]; ok {
			out[section] = v
		}
	}

	return out
}

func defaultSoul(name, description string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", name)
	if description != "" {
		b.WriteString(description + "\n\n")
	}
	b.WriteString("## Mission\n")
	fmt.Fprintf(&b, "You are %s. Assist users with your designated tasks.\n\n", name)
	b.WriteString("## Guidelines\n")
	b.WriteString("- Be helpful and concise\n")
	b.WriteString("- Use your available tools when appropriate\n")
	b.WriteString("- Ask for clarification when instructions are ambiguous\n")
	return b.String()
}

func (t *ConfigureAgentTool) create(tc Context, agentID string, config, files map[string]any) *Result {
	workspaceDir := filepath.Join(tc.AgentsDir, agentID)
	if _, err := os.Stat(workspaceDir); err == nil {
		return ErrorResult(fmt.Sprintf("Agent '%s' already exists", agentID))
	}

	if len(config) == 0 {
		return ErrorResult("Config is required for create action")
	}
	name := stringArg(config, "name", "")
	if name == "" {
		return ErrorResult("Config must include 'name'")
	}
	if errMsg := validateConfig(config); errMsg != "" {
		return ErrorResult(errMsg)
	}
	applyConfigDefaults(config)

	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return ErrorResult(err.Error())
	}

	yamlData, err := yaml.Marshal(configToYAML(agentID, config))
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to encode config: %v", err))
	}
	if err := os.WriteFile(filepath.Join(workspaceDir, "agent.yaml"), yamlData, 0o644); err != nil {
		return ErrorResult(err.Error())
	}

	for filename, raw := range files {
		content, _ := raw.(string)
		if err := os.WriteFile(filepath.Join(workspaceDir, filename), []byte(content), 0o644); err != nil {
			return ErrorResult(err.Error())
		}
	}

	if _, ok := files["SOUL.md"]; !ok {
		soul := defaultSoul(name, stringArg(config, "description", ""))
		if err := os.WriteFile(filepath.Join(workspaceDir, "SOUL.md"), []byte(soul), 0o644); err != nil {
			return ErrorResult(err.Error())
		}
	}

	return DataResult(
		map[string]any{
			"agent_id":  agentID,
			"name":      name,
			"workspace": workspaceDir,
		},
		fmt.Sprintf("Created agent '%s' (%s) at %s", agentID, name, workspaceDir),
	)
}

func (t *ConfigureAgentTool) read(tc Context, agentID string) *Result {
	workspaceDir := filepath.Join(tc.AgentsDir, agentID)
	if _, err := os.Stat(workspaceDir); err != nil {
		return ErrorResult(fmt.Sprintf("Agent '%s' not found", agentID))
	}

	configData := map[string]any{}
	if data, err := os.ReadFile(filepath.Join(workspaceDir, "agent.yaml")); err == nil {
		_ = yaml.Unmarshal(data, &configData)
	}

	var fileList []map[string]any
	filepath.WalkDir(workspaceDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(workspaceDir, path)
		info, err := d.Info()
		if err != nil {
			return nil
		}
		fileList = append(fileList, map[string]any{"path": rel, "size": info.Size()})
		return nil
	})

	return DataResult(map[string]any{"config": configData, "files": fileList}, "")
}

func (t *ConfigureAgentTool) update(tc Context, agentID string, config, files map[string]any) *Result {
	workspaceDir := filepath.Join(tc.AgentsDir, agentID)
	if _, err := os.Stat(workspaceDir); err != nil {
		return ErrorResult(fmt.Sprintf("Agent '%s' not found", agentID))
	}

	var updatedParts []string

	if len(config) > 0 {
		if errMsg := validateConfig(config); errMsg != "" {
			return ErrorResult(errMsg)
		}
		applyConfigDefaults(config)

		configPath := filepath.Join(workspaceDir, "agent.yaml")
		existing := map[string]any{}
		if data, err := os.ReadFile(configPath); err == nil {
			_ = yaml.Unmarshal(data, &existing)
		}

		// Shallow merge: top-level scalars individually, nested sections
		// replaced whole.
		for key, value := range config {
			switch {
			case nestedSections[key]:
				existing[key] = value
			case key == "heartbeat_enabled":
				hb, _ := existing["heartbeat"].(map[string]any)
				if hb == nil {
					hb = map[string]any{}
				}
				hb["enabled"] = value
				existing["heartbeat"] = hb
			case key == "heartbeat_interval":
				hb, _ := existing["heartbeat"].(map[string]any)
				if hb == nil {
					hb = map[string]any{}
				}
				hb["interval"] = value
				existing["heartbeat"] = hb
			default:
				existing[key] = value
			}
		}

		yamlData, err := yaml.Marshal(existing)
		if err != nil {
			return ErrorResult(fmt.Sprintf("failed to encode config: %v", err))
		}
		if err := os.WriteFile(configPath, yamlData, 0o644); err != nil {
			return ErrorResult(err.Error())
		}
		updatedParts = append(updatedParts, "config")
	}

	if len(files) > 0 {
		for filename, raw := range files {
			content, _ := raw.(string)
			if err := os.WriteFile(filepath.Join(workspaceDir, filename), []byte(content), 0o644); err != nil {
				return ErrorResult(err.Error())
			}
		}
		updatedParts = append(updatedParts, fmt.Sprintf("%d file(s)", len(files)))
	}

	runningNote := ""
	if tc.Host != nil && tc.Host.IsRunning(agentID) {
		runningNote = " Note: agent is running — restart for changes to take effect."
	}

	return DataResult(
		map[string]any{"agent_id": agentID, "updated": updatedParts},
		fmt.Sprintf("Updated agent '%s': %s.%s", agentID, strings.Join(updatedParts, ", "), runningNote),
	)
}

func (t *ConfigureAgentTool) delete(tc Context, agentID string) *Result {
	if protectedAgents[agentID] {
		return ErrorResult("Cannot delete the builder agent")
	}

	workspaceDir := filepath.Join(tc.AgentsDir, agentID)
	if _, err := os.Stat(workspaceDir); err != nil {
		return ErrorResult(fmt.Sprintf("Agent '%s' not found", agentID))
	}

	if tc.Host != nil && tc.Host.IsRunning(agentID) {
		if err := tc.Host.StopAgent(agentID); err != nil {
			return ErrorResult(fmt.Sprintf("Failed to stop agent before delete: %v", err))
		}
	}

	if err := os.RemoveAll(workspaceDir); err != nil {
		return ErrorResult(err.Error())
	}

	return DataResult(
		map[string]any{"agent_id": agentID},
		fmt.Sprintf("Deleted agent '%s'", agentID),
	)
}
