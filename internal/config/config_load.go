package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// DefaultPath is where Load looks when no --config flag is given.
func DefaultPath() string {
	return filepath.Join(ExpandHome("~/.roost"), "config.json")
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; API keys are expected to arrive this way
// rather than living in config.json.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("ROOST_DATA_DIR", &c.DataDir)
	envStr("ROOST_AGENTS_DIR", &c.AgentsDir)
	envStr("ROOST_SHARED_DIR", &c.SharedDir)
	envStr("ROOST_PROVIDER", &c.DefaultProvider)
	envStr("ROOST_LOG_LEVEL", &c.LogLevel)

	for name := range c.Providers {
		p := c.Providers[name]
		envStr("ROOST_"+envName(name)+"_API_KEY", &p.APIKey)
		envStr("ROOST_"+envName(name)+"_API_BASE", &p.APIBase)
		envStr("ROOST_"+envName(name)+"_MODEL", &p.Model)
		c.Providers[name] = p
	}
}

// Save writes the config to disk with secrets stripped; keys stay in the
// environment.
func Save(path string, cfg *Config) error {
	cp := *cfg
	cp.Providers = make(map[string]ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		p.APIKey = ""
		cp.Providers[name] = p
	}

	data, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func envName(provider string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
}
