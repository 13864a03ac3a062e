package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// sharedDir returns the cross-agent knowledge area, creating it on first
// use. Falls back to a sibling of the agents directory when the context
// doesn't carry an explicit path.
func sharedDir(tc Context) (string, error) {
	dir := tc.SharedDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(tc.AgentsDir), "shared")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func appendJSONL(path string, entry map[string]any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// SharedWriteTool stores a keyed entry in the shared knowledge area and
// records it in the index.
type SharedWriteTool struct{}

func (t *SharedWriteTool) Name() string { return "shared_write" }

func (t *SharedWriteTool) Description() string {
	return "Write content to the shared knowledge store that ALL agents can access. " +
		"Use this to share findings with other agents or store analysis results " +
		"for cross-agent reference."
}

func (t *SharedWriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{
				"type":        "string",
				"description": "Key name for the knowledge entry (e.g., 'fuel-analysis-2026-02-07')",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to store",
			},
			"tags": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional tags for categorization",
			},
		},
		"required": []string{"key", "content"},
	}
}

func (t *SharedWriteTool) Execute(_ context.Context, params map[string]any, tc Context) *Result {
	key := stringArg(params, "key", "")
	content := stringArg(params, "content", "")
	tags := stringListArg(params, "tags")

	if strings.ContainsAny(key, "/\\") {
		return ErrorResult("Key must not contain path separators")
	}

	dir, err := sharedDir(tc)
	if err != nil {
		return ErrorResult(err.Error())
	}
	knowledgeDir := filepath.Join(dir, "knowledge")
	if err := os.MkdirAll(knowledgeDir, 0o755); err != nil {
		return ErrorResult(err.Error())
	}

	tagsJSON, _ := json.Marshal(tags)
	header := fmt.Sprintf("---\nauthor: %s\ncreated: %s\ntags: %s\n---\n\n",
		tc.AgentID, time.Now().Format(time.RFC3339), tagsJSON)
	if err := os.WriteFile(filepath.Join(knowledgeDir, key+".md"), []byte(header+content), 0o644); err != nil {
		return ErrorResult(err.Error())
	}

	entry := map[string]any{
		"key":         key,
		"agent_id":    tc.AgentID,
		"session_key": tc.SessionKey,
		"timestamp":   time.Now().Format(time.RFC3339),
		"tags":        tags,
		"size":        len(content),
	}
	if err := appendJSONL(filepath.Join(dir, "index.jsonl"), entry); err != nil {
		return ErrorResult(err.Error())
	}

	return NewResult(fmt.Sprintf(
		"Shared knowledge '%s' saved (%d chars). All agents can now read it.", key, len(content)))
}

// SharedReadTool reads a keyed entry from the shared knowledge area.
type SharedReadTool struct{}

func (t *SharedReadTool) Name() string { return "shared_read" }

func (t *SharedReadTool) Description() string {
	return "Read content from the shared knowledge store. Use this to access " +
		"findings from other agents or read shared analysis results."
}

func (t *SharedReadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{
				"type":        "string",
				"description": "Key name of the knowledge entry to read",
			},
		},
		"required": []string{"key"},
	}
}

func (t *SharedReadTool) Execute(_ context.Context, params map[string]any, tc Context) *Result {
	key := stringArg(params, "key", "")

	dir, err := sharedDir(tc)
	if err != nil {
		return ErrorResult(err.Error())
	}

	data, err := os.ReadFile(filepath.Join(dir, "knowledge", key+".md"))
	if err != nil {
		if os.IsNotExist(err) {
			var available []string
			if entries, err := os.ReadDir(filepath.Join(dir, "knowledge")); err == nil {
				for _, e := range entries {
					if name, ok := strings.CutSuffix(e.Name(), ".md"); ok {
						available = append(available, name)
					}
				}
			}
			if len(available) > 20 {
				available = available[:20]
			}
			return ErrorResult(fmt.Sprintf("Key '%s' not found. Available keys: %v", key, available))
		}
		return ErrorResult(err.Error())
	}

	return DataResult(
		map[string]any{"key": key, "content": string(data)},
		fmt.Sprintf("Read shared knowledge '%s' (%d chars)", key, len(data)),
	)
}

// SharedLogTool appends a finding to the shared append-only findings log.
type SharedLogTool struct{}

func (t *SharedLogTool) Name() string { return "shared_log" }

func (t *SharedLogTool) Description() string {
	return "Log a finding or event to the shared append-only log. All agents can " +
		"search this log; use it to record discoveries and create an audit trail."
}

func (t *SharedLogTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"finding": map[string]any{
				"type":        "string",
				"description": "The finding or event to log",
			},
			"category": map[string]any{
				"type":        "string",
				"description": "Category (e.g., 'anomaly', 'insight', 'warning', 'status')",
			},
			"severity": map[string]any{
				"type":        "string",
				"enum":        []string{"info", "warning", "critical"},
				"description": "Severity level",
			},
		},
		"required": []string{"finding"},
	}
}

func (t *SharedLogTool) Execute(_ context.Context, params map[string]any, tc Context) *Result {
	finding := stringArg(params, "finding", "")
	category := stringArg(params, "category", "general")
	severity := stringArg(params, "severity", "info")

	dir, err := sharedDir(tc)
	if err != nil {
		return ErrorResult(err.Error())
	}

	entry := map[string]any{
		"timestamp":   time.Now().Format(time.RFC3339),
		"agent_id":    tc.AgentID,
		"session_key": tc.SessionKey,
		"category":    category,
		"severity":    severity,
		"finding":     finding,
	}
	if err := appendJSONL(filepath.Join(dir, "findings.jsonl"), entry); err != nil {
		return ErrorResult(err.Error())
	}

	return NewResult(fmt.Sprintf("Logged finding [%s|%s]: %s", severity, category, truncate(finding, 100)))
}

// SharedSearchTool searches knowledge entries and the findings log.
type SharedSearchTool struct{}

func (t *SharedSearchTool) Name() string { return "shared_search" }

func (t *SharedSearchTool) Description() string {
	return "Search the shared knowledge store and findings log. Use this to find " +
		"what other agents have discovered or stored."
}

func (t *SharedSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query (searches keys, tags, and content)",
			},
			"category": map[string]any{
				"type":        "string",
				"description": "Filter by category",
			},
			"agent_id": map[string]any{
				"type":        "string",
				"description": "Filter by agent that created the entry",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Max results to return (default: 10)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *SharedSearchTool) Execute(_ context.Context, params map[string]any, tc Context) *Result {
	query := strings.ToLower(stringArg(params, "query", ""))
	categoryFilter := stringArg(params, "category", "")
	agentFilter := stringArg(params, "agent_id", "")
	limit := intArg(params, "limit", 10)

	dir, err := sharedDir(tc)
	if err != nil {
		return ErrorResult(err.Error())
	}

	var results []map[string]any

	knowledgeDir := filepath.Join(dir, "knowledge")
	if entries, err := os.ReadDir(knowledgeDir); err == nil {
		for _, e := range entries {
			key, ok := strings.CutSuffix(e.Name(), ".md")
			if !ok {
				continue
			}
			data, err := os.ReadFile(filepath.Join(knowledgeDir, e.Name()))
			if err != nil {
				continue
			}
			content := string(data)
			if strings.Contains(strings.ToLower(key), query) || strings.Contains(strings.ToLower(content), query) {
				results = append(results, map[string]any{
					"type":    "knowledge",
					"key":     key,
					"preview": truncate(content, 200),
				})
			}
		}
	}

	if data, err := os.ReadFile(filepath.Join(dir, "findings.jsonl")); err == nil {
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line == "" {
				continue
			}
			var entry map[string]any
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				continue
			}
			if categoryFilter != "" && entry["category"] != categoryFilter {
				continue
			}
			if agentFilter != "" && entry["agent_id"] != agentFilter {
				continue
			}
			finding, _ := entry["finding"].(string)
			category, _ := entry["category"].(string)
			if strings.Contains(strings.ToLower(finding), query) || strings.Contains(strings.ToLower(category), query) {
				results = append(results, map[string]any{
					"type":      "finding",
					"timestamp": entry["timestamp"],
					"agent_id":  entry["agent_id"],
					"category":  entry["category"],
					"severity":  entry["severity"],
					"finding":   truncate(finding, 200),
				})
			}
		}
	}

	if len(results) > limit {
		results = results[:limit]
	}

	return DataResult(
		map[string]any{"results": results, "total": len(results)},
		fmt.Sprintf("Found %d results for '%s'", len(results), stringArg(params, "query", "")),
	)
}
