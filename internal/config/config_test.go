package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultProvider != "openai" {
		t.Errorf("provider = %q", cfg.DefaultProvider)
	}
	if cfg.Subagents.DefaultTimeoutSeconds != 300 {
		t.Errorf("subagent timeout = %d", cfg.Subagents.DefaultTimeoutSeconds)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  // pick the fast backend
  default_provider: "groq",
  data_dir: "/tmp/roost-test",
  providers: {
    groq: {api_key: "gk-123", model: "llama-3.3-70b"},
  },
}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	name, p, err := cfg.ResolveProvider()
	if err != nil {
		t.Fatal(err)
	}
	if name != "groq" || p.APIKey != "gk-123" || p.Model != "llama-3.3-70b" {
		t.Errorf("provider = %q %+v", name, p)
	}
	if cfg.AgentsPath() != "/tmp/roost-test/agents" {
		t.Errorf("agents path = %q", cfg.AgentsPath())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROOST_PROVIDER", "deepseek")
	t.Setenv("ROOST_DEEPSEEK_API_KEY", "dk-456")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	name, p, err := cfg.ResolveProvider()
	if err != nil {
		t.Fatal(err)
	}
	if name != "deepseek" || p.APIKey != "dk-456" {
		t.Errorf("provider = %q %+v", name, p)
	}
}

func TestResolveProviderMissingKey(t *testing.T) {
	cfg := Default()
	if _, _, err := cfg.ResolveProvider(); err == nil || !strings.Contains(err.Error(), "no API key") {
		t.Fatalf("err = %v", err)
	}
}

func TestSaveStripsSecrets(t *testing.T) {
	cfg := Default()
	p := cfg.Providers["openai"]
	p.APIKey = "sk-secret"
	cfg.Providers["openai"] = p

	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-secret") {
		t.Error("API keys must never be persisted")
	}
	// The in-memory config keeps its key.
	if cfg.Providers["openai"].APIKey != "sk-secret" {
		t.Error("Save must not mutate the live config")
	}
}
