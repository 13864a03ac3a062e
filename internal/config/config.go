// Package config holds the host-level configuration: data directories,
// LLM provider credentials, and store housekeeping knobs. Agent behavior
// lives in each workspace's agent.yaml, not here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the root host configuration, loaded from config.json.
type Config struct {
	// DataDir holds sessions, transcripts, sub-agent runs, and hot-state
	// snapshots. AgentsDir and SharedDir default to subdirectories of it.
	DataDir   string `json:"data_dir,omitempty"`
	AgentsDir string `json:"agents_dir,omitempty"`
	SharedDir string `json:"shared_dir,omitempty"`

	DefaultProvider string                    `json:"default_provider,omitempty"`
	Providers       map[string]ProviderConfig `json:"providers,omitempty"`

	Sessions  SessionsConfig  `json:"sessions,omitempty"`
	Subagents SubagentsConfig `json:"subagents,omitempty"`

	LogLevel string `json:"log_level,omitempty"` // "debug", "info", "warn", "error"
}

// ProviderConfig describes one OpenAI-compatible backend.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"` // default model for this provider
}

// SessionsConfig controls session store housekeeping.
type SessionsConfig struct {
	IdleCleanupHours int `json:"idle_cleanup_hours,omitempty"` // 0 = never
}

// SubagentsConfig controls the sub-agent run registry.
type SubagentsConfig struct {
	DefaultTimeoutSeconds int `json:"default_timeout_seconds,omitempty"`
	CleanupAfterHours     int `json:"cleanup_after_hours,omitempty"`
}

// Default returns a Config with sensible defaults rooted under ~/.roost.
func Default() *Config {
	return &Config{
		DataDir:         "~/.roost",
		DefaultProvider: "openai",
		Providers: map[string]ProviderConfig{
			"openai":     {APIBase: "https://api.openai.com/v1", Model: "gpt-4o"},
			"openrouter": {APIBase: "https://openrouter.ai/api/v1"},
			"groq":       {APIBase: "https://api.groq.com/openai/v1"},
			"deepseek":   {APIBase: "https://api.deepseek.com/v1"},
		},
		Subagents: SubagentsConfig{
			DefaultTimeoutSeconds: 300,
			CleanupAfterHours:     24,
		},
		LogLevel: "info",
	}
}

// ResolveProvider returns the active provider's name and settings.
func (c *Config) ResolveProvider() (string, ProviderConfig, error) {
	name := c.DefaultProvider
	if name == "" {
		name = "openai"
	}
	p, ok := c.Providers[name]
	if !ok {
		return "", ProviderConfig{}, fmt.Errorf("provider %q is not configured", name)
	}
	if p.APIKey == "" {
		return "", ProviderConfig{}, fmt.Errorf("provider %q has no API key; set ROOST_%s_API_KEY or providers.%s.api_key",
			name, envName(name), name)
	}
	return name, p, nil
}

// DataPath resolves the expanded data directory.
func (c *Config) DataPath() string { return ExpandHome(c.DataDir) }

// AgentsPath resolves the agents directory, defaulting under DataDir.
func (c *Config) AgentsPath() string {
	if c.AgentsDir != "" {
		return ExpandHome(c.AgentsDir)
	}
	return filepath.Join(c.DataPath(), "agents")
}

// SharedPath resolves the shared knowledge directory, defaulting under
// DataDir.
func (c *Config) SharedPath() string {
	if c.SharedDir != "" {
		return ExpandHome(c.SharedDir)
	}
	return filepath.Join(c.DataPath(), "shared")
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
