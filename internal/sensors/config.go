package sensors

import "fmt"

// SourceConfig tells a sensor where its data comes from. Which fields are
// meaningful depends on the sensor type: poll uses tool+params or url,
// watch uses path, stream uses url.
type SourceConfig struct {
	Tool   string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	URL    string         `yaml:"url,omitempty" json:"url,omitempty"`
	Path   string         `yaml:"path,omitempty" json:"path,omitempty"`
}

// UpdateConfig binds a sensor to a hot-state field. Every update receives
// the same fetched value; narrowing is the agent's job via TTL and
// rendering, not the sensor's.
type UpdateConfig struct {
	Field string `yaml:"field" json:"field"`
}

// SignalConfig is an LLM-scored predicate evaluated on each fetched sample.
type SignalConfig struct {
	Name      string  `yaml:"name" json:"name"`
	Model     string  `yaml:"model,omitempty" json:"model,omitempty"`
	Prompt    string  `yaml:"prompt" json:"prompt"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Notify    *bool   `yaml:"notify,omitempty" json:"notify,omitempty"`
	// Cooldown is the minimum seconds between firings of this signal.
	Cooldown int `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
}

// ShouldNotify defaults to true when unset.
func (s SignalConfig) ShouldNotify() bool {
	return s.Notify == nil || *s.Notify
}

// Config declares one sensor in agent.yaml.
type Config struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
	// Interval is the poll period in seconds (poll sensors only).
	Interval int            `yaml:"interval,omitempty" json:"interval,omitempty"`
	Source   SourceConfig   `yaml:"source,omitempty" json:"source,omitempty"`
	Updates  []UpdateConfig `yaml:"updates,omitempty" json:"updates,omitempty"`
	Signals  []SignalConfig `yaml:"signals,omitempty" json:"signals,omitempty"`
}

// Validate checks the per-type required fields.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("sensor missing name")
	}
	switch c.Type {
	case "poll":
		if c.Interval <= 0 {
			return fmt.Errorf("poll sensor %q requires a positive interval", c.Name)
		}
		if c.Source.Tool == "" && c.Source.URL == "" {
			return fmt.Errorf("poll sensor %q requires source.tool or source.url", c.Name)
		}
	case "watch":
		if c.Source.Path == "" {
			return fmt.Errorf("watch sensor %q requires source.path", c.Name)
		}
	case "stream":
		if c.Source.URL == "" {
			return fmt.Errorf("stream sensor %q requires source.url", c.Name)
		}
	default:
		return fmt.Errorf("sensor %q has unknown type %q", c.Name, c.Type)
	}
	return nil
}

func (c Config) updateFields() []string {
	fields := make([]string, 0, len(c.Updates))
	for _, u := range c.Updates {
		fields = append(fields, u.Field)
	}
	return fields
}
