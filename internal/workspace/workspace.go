// Package workspace loads agent identity directories: the markdown files
// that become the system prompt, the agent.yaml configuration, and the
// default templates seeded for new agents.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Recognized workspace files, in context order.
const (
	SoulFile      = "SOUL.md"
	AgentsFile    = "AGENTS.md"
	ToolsFile     = "TOOLS.md"
	UserFile      = "USER.md"
	MemoryFile    = "MEMORY.md"
	HeartbeatFile = "HEARTBEAT.md"
	BootstrapFile = "BOOTSTRAP.md"
)

// File is one loaded workspace file.
type File struct {
	Name    string
	Content string
}

// Workspace is an agent's identity directory, loaded into memory.
type Workspace struct {
	Dir     string
	AgentID string

	Soul      string
	Agents    string
	Tools     string
	User      string
	Memory    string
	Heartbeat string
	Bootstrap string

	// DailyMemories holds memory/YYYY-MM-DD.md for today and yesterday.
	DailyMemories []File
	Skills        []File
}

// Load reads every recognized file in a workspace directory. Missing files
// are simply empty; the directory itself must exist.
func Load(dir string) (*Workspace, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("workspace %s: %w", dir, err)
	}

	w := &Workspace{Dir: dir, AgentID: filepath.Base(dir)}
	w.Soul = readSafe(filepath.Join(dir, SoulFile))
	w.Agents = readSafe(filepath.Join(dir, AgentsFile))
	w.Tools = readSafe(filepath.Join(dir, ToolsFile))
	w.User = readSafe(filepath.Join(dir, UserFile))
	w.Memory = readSafe(filepath.Join(dir, MemoryFile))
	w.Heartbeat = readSafe(filepath.Join(dir, HeartbeatFile))
	w.Bootstrap = readSafe(filepath.Join(dir, BootstrapFile))

	now := time.Now()
	for _, daysAgo := range []int{0, 1} {
		name := now.AddDate(0, 0, -daysAgo).Format("2006-01-02") + ".md"
		if content := readSafe(filepath.Join(dir, "memory", name)); content != "" {
			w.DailyMemories = append(w.DailyMemories, File{Name: name, Content: content})
		}
	}

	if entries, err := os.ReadDir(filepath.Join(dir, "skills")); err == nil {
		var names []string
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			if content := readSafe(filepath.Join(dir, "skills", name)); content != "" {
				w.Skills = append(w.Skills, File{Name: name, Content: content})
			}
		}
	}

	return w, nil
}

// ContextOptions selects which sections go into the system prompt.
type ContextOptions struct {
	IncludeMemory bool
	IncludeDaily  bool
	IncludeSkills bool
}

// FullContext includes everything; sub-agent sessions drop MEMORY.md.
var FullContext = ContextOptions{IncludeMemory: true, IncludeDaily: true, IncludeSkills: true}

// BuildContext concatenates the readable workspace sections into the
// system prompt body.
func (w *Workspace) BuildContext(opts ContextOptions) string {
	var sections []string
	add := func(name, content string) {
		if content != "" {
			sections = append(sections, fmt.Sprintf("## %s\n%s", name, content))
		}
	}

	add(SoulFile, w.Soul)
	add(AgentsFile, w.Agents)
	add(ToolsFile, w.Tools)
	add(UserFile, w.User)
	if opts.IncludeMemory {
		add(MemoryFile, w.Memory)
	}
	if opts.IncludeDaily {
		for _, daily := range w.DailyMemories {
			add("memory/"+daily.Name, daily.Content)
		}
	}
	if opts.IncludeSkills {
		for _, skill := range w.Skills {
			add("skills/"+skill.Name, skill.Content)
		}
	}

	return strings.Join(sections, "\n\n---\n\n")
}

// WriteFile writes a workspace file, creating parent directories for
// nested paths like memory/2026-08-26.md.
func WriteFile(dir, filename, content string) error {
	path := filepath.Join(dir, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// ConsumeBootstrap removes BOOTSTRAP.md after its one-time use. Reports
// whether the file existed.
func ConsumeBootstrap(dir string) bool {
	path := filepath.Join(dir, BootstrapFile)
	if err := os.Remove(path); err != nil {
		return false
	}
	slog.Info("bootstrap consumed", "workspace", dir)
	return true
}

func readSafe(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("workspace file unreadable", "path", path, "error", err)
		}
		return ""
	}
	return string(data)
}
