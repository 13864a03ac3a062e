package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/roostlabs/roost/internal/hotstate"
	"github.com/roostlabs/roost/internal/sensors"
)

// AgentIDPattern enforces kebab-case agent IDs.
var AgentIDPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// HeartbeatConfig controls the periodic heartbeat turn.
type HeartbeatConfig struct {
	Enabled     *bool        `yaml:"enabled"`
	Interval    int          `yaml:"interval"`
	ActiveHours *ActiveHours `yaml:"active_hours,omitempty"`
}

// IsEnabled defaults to true when unset.
func (h HeartbeatConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// ActiveHours restricts autonomous turns to a daily window.
type ActiveHours struct {
	Start string `yaml:"start"` // "HH:MM"
	End   string `yaml:"end"`
}

// AutonomyConfig controls the self-directed loop and its guardrails.
type AutonomyConfig struct {
	Enabled             bool         `yaml:"enabled"`
	MaxConsecutiveTurns int          `yaml:"max_consecutive_turns"`
	TokenBudgetPerHour  int          `yaml:"token_budget_per_hour"`
	MaxActionsPerMinute int          `yaml:"max_actions_per_minute"`
	IdleTimeout         int          `yaml:"idle_timeout"` // seconds
	ActiveHours         *ActiveHours `yaml:"active_hours,omitempty"`
	PrecheckModel       string       `yaml:"precheck_model,omitempty"`
}

// HotStateConfig declares the agent's hot-state schema.
type HotStateConfig struct {
	Fields map[string]hotstate.FieldConfig `yaml:"fields"`
}

// AgentConfig is the parsed agent.yaml.
type AgentConfig struct {
	ID            string           `yaml:"id"`
	Name          string           `yaml:"name"`
	Description   string           `yaml:"description,omitempty"`
	Model         string           `yaml:"model,omitempty"`
	Thinking      string           `yaml:"thinking,omitempty"` // "low", "medium", "high"
	Tools         []string         `yaml:"tools,omitempty"`    // allow-list; empty = all
	MaxToolRounds int              `yaml:"max_tool_rounds"`
	Heartbeat     HeartbeatConfig  `yaml:"heartbeat"`
	Autonomy      *AutonomyConfig  `yaml:"autonomy,omitempty"`
	HotState      *HotStateConfig  `yaml:"hot_state,omitempty"`
	Sensors       []sensors.Config `yaml:"sensors,omitempty"`
}

// LoadConfig reads and validates an agent.yaml. A missing file yields a
// minimal config named after the workspace directory.
func LoadConfig(workspaceDir string) (*AgentConfig, error) {
	agentID := filepath.Base(workspaceDir)
	cfg := &AgentConfig{ID: agentID, Name: agentID}

	data, err := os.ReadFile(filepath.Join(workspaceDir, "agent.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}

	if cfg.ID == "" {
		cfg.ID = agentID
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	cfg.applyDefaults()

	if !AgentIDPattern.MatchString(cfg.ID) {
		return nil, fmt.Errorf("agent ID %q is not kebab-case", cfg.ID)
	}
	if cfg.HotState != nil {
		for name, f := range cfg.HotState.Fields {
			if f.Type != "" && !validFieldType(f.Type) {
				return nil, fmt.Errorf("hot state field %q has unknown type %q", name, f.Type)
			}
		}
	}
	for _, s := range cfg.Sensors {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *AgentConfig) applyDefaults() {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 5
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 1800
	}
	if a := c.Autonomy; a != nil {
		if a.MaxConsecutiveTurns <= 0 {
			a.MaxConsecutiveTurns = 50
		}
		if a.TokenBudgetPerHour <= 0 {
			a.TokenBudgetPerHour = 100000
		}
		if a.MaxActionsPerMinute <= 0 {
			a.MaxActionsPerMinute = 10
		}
		if a.IdleTimeout <= 0 {
			a.IdleTimeout = 600
		}
	}
}

// AutonomyEnabled reports whether the agent runs an autonomy loop.
func (c *AgentConfig) AutonomyEnabled() bool {
	return c.Autonomy != nil && c.Autonomy.Enabled
}

// HotStateFields returns the declared schema, empty when none.
func (c *AgentConfig) HotStateFields() map[string]hotstate.FieldConfig {
	if c.HotState == nil {
		return nil
	}
	return c.HotState.Fields
}

func validFieldType(t string) bool {
	for _, v := range hotstate.ValidFieldTypes {
		if t == v {
			return true
		}
	}
	return false
}
