package workspace

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates
var templateFS embed.FS

// BuilderAgentID is the protected agent provisioned on first start. It
// carries the configure_agent tool and builds the rest of the fleet.
const BuilderAgentID = "agent-builder"

// templateFiles lists the builder templates to seed, in order.
// BOOTSTRAP.md is handled separately (only seeded for brand-new workspaces).
var templateFiles = []string{
	"agent.yaml",
	SoulFile,
	AgentsFile,
	ToolsFile,
	HeartbeatFile,
}

// EnsureLayout creates the workspace directory skeleton.
func EnsureLayout(dir string) error {
	for _, sub := range []string{"", "memory", "skills"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ProvisionBuilder seeds the default builder agent workspace under
// agentsDir. Existing files are never overwritten, so a customized builder
// survives restarts. Returns the files that were created.
func ProvisionBuilder(agentsDir string) ([]string, error) {
	dir := filepath.Join(agentsDir, BuilderAgentID)
	if err := EnsureLayout(dir); err != nil {
		return nil, err
	}

	var created []string

	// A workspace with no SOUL.md yet is brand new and also gets the
	// one-time BOOTSTRAP.md.
	_, soulErr := os.Stat(filepath.Join(dir, SoulFile))
	brandNew := os.IsNotExist(soulErr)

	for _, name := range templateFiles {
		ok, err := seedTemplate(dir, name)
		if err != nil {
			slog.Warn("failed to seed template", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}

	if brandNew {
		ok, err := seedTemplate(dir, BootstrapFile)
		if err != nil {
			slog.Warn("failed to seed BOOTSTRAP.md", "error", err)
		} else if ok {
			created = append(created, BootstrapFile)
		}
	}

	return created, nil
}

// seedTemplate writes one embedded template into the workspace unless the
// file already exists.
func seedTemplate(dir, name string) (bool, error) {
	dst := filepath.Join(dir, name)

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
