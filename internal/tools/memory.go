package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// resolveInWorkspace joins rel to the workspace root and rejects any path
// that resolves outside it.
func resolveInWorkspace(workspaceDir, rel string) (string, error) {
	root, err := filepath.Abs(workspaceDir)
	if err != nil {
		return "", fmt.Errorf("invalid workspace path")
	}
	full := filepath.Clean(filepath.Join(root, rel))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return full, nil
}

// MemoryReadTool reads a file inside the agent's workspace.
type MemoryReadTool struct{}

func (t *MemoryReadTool) Name() string { return "memory_read" }

func (t *MemoryReadTool) Description() string {
	return "Read content from a workspace file. Use this to read your SOUL.md, " +
		"daily memory files, skill files, or any other file in your workspace."
}

func (t *MemoryReadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file": map[string]any{
				"type":        "string",
				"description": "File path relative to workspace (e.g., 'SOUL.md', 'memory/2026-02-06.md')",
			},
		},
		"required": []string{"file"},
	}
}

func (t *MemoryReadTool) Execute(_ context.Context, params map[string]any, tc Context) *Result {
	file := stringArg(params, "file", "")

	full, err := resolveInWorkspace(tc.WorkspaceDir, file)
	if err != nil {
		return ErrorResult("Cannot read outside workspace directory")
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrorResult(fmt.Sprintf("File not found: %s", file))
		}
		return ErrorResult(err.Error())
	}

	return DataResult(
		map[string]any{"content": string(data)},
		fmt.Sprintf("Read %d characters from %s", len(data), file),
	)
}

// MemoryWriteTool writes or appends to a file inside the agent's workspace.
// Appends are timestamped; new daily memory files get a date header.
type MemoryWriteTool struct{}

func (t *MemoryWriteTool) Name() string { return "memory_write" }

func (t *MemoryWriteTool) Description() string {
	return "Write content to a memory file in your workspace. Use this to log events " +
		"to daily memory (memory/YYYY-MM-DD.md), update MEMORY.md with long-term " +
		"learnings, or update any workspace file. Set append=true to add to a file " +
		"instead of replacing it."
}

func (t *MemoryWriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file": map[string]any{
				"type":        "string",
				"description": "File path relative to workspace (e.g., 'memory/2026-02-06.md', 'MEMORY.md')",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write",
			},
			"append": map[string]any{
				"type":        "boolean",
				"description": "If true, append to file instead of replacing",
			},
		},
		"required": []string{"file", "content"},
	}
}

func (t *MemoryWriteTool) Execute(_ context.Context, params map[string]any, tc Context) *Result {
	file := stringArg(params, "file", "")
	content := stringArg(params, "content", "")
	appendMode := boolArg(params, "append", false)

	full, err := resolveInWorkspace(tc.WorkspaceDir, file)
	if err != nil {
		return ErrorResult("Cannot write outside workspace directory")
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return ErrorResult(err.Error())
	}

	if appendMode {
		isDaily := strings.HasPrefix(file, "memory/") && strings.HasSuffix(file, ".md")
		if _, err := os.Stat(full); os.IsNotExist(err) && isDaily {
			date := strings.TrimSuffix(strings.TrimPrefix(file, "memory/"), ".md")
			header := fmt.Sprintf("# Memory Log: %s\n\n", date)
			if err := os.WriteFile(full, []byte(header), 0o644); err != nil {
				return ErrorResult(err.Error())
			}
		}

		f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return ErrorResult(err.Error())
		}
		defer f.Close()

		entry := fmt.Sprintf("\n**%s:** %s\n", time.Now().Format("15:04"), content)
		if _, err := f.WriteString(entry); err != nil {
			return ErrorResult(err.Error())
		}
		return NewResult(fmt.Sprintf("Appended to %s", file))
	}

	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("Wrote %s", file))
}
