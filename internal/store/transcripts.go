package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/roostlabs/roost/internal/providers"
)

// Message is one transcript entry. It carries slightly more than the wire
// message: a timestamp, an optional thinking trace, and the tool name for
// tool-result entries.
type Message struct {
	Role       string               `json:"role"` // "system", "user", "assistant", "tool"
	Content    string               `json:"content"`
	Timestamp  time.Time            `json:"timestamp"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
	ToolName   string               `json:"tool_name,omitempty"`
	ToolCalls  []providers.ToolCall `json:"tool_calls,omitempty"`
	Thinking   string               `json:"thinking,omitempty"`
}

// ToProviderMessage converts a transcript entry to the wire shape.
func (m Message) ToProviderMessage() providers.Message {
	return providers.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
}

// Transcript is the full message log for one session.
type Transcript struct {
	SessionID       string    `json:"session_id"`
	AgentID         string    `json:"agent_id"`
	Messages        []Message `json:"messages"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	CompactionCount int       `json:"compaction_count"`
	Summary         string    `json:"summary,omitempty"`
}

// TranscriptStore persists one JSON file per session under dir.
// Session keys double as transcript identifiers.
type TranscriptStore struct {
	mu  sync.Mutex
	dir string
}

func NewTranscriptStore(dir string) (*TranscriptStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcripts dir: %w", err)
	}
	return &TranscriptStore{dir: dir}, nil
}

func (t *TranscriptStore) pathFor(sessionKey string) string {
	return filepath.Join(t.dir, sanitizeFilename(sessionKey)+".json")
}

// Load returns the transcript for a session, or nil when none exists yet.
func (t *TranscriptStore) Load(sessionKey string) (*Transcript, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadLocked(sessionKey)
}

func (t *TranscriptStore) loadLocked(sessionKey string) (*Transcript, error) {
	data, err := os.ReadFile(t.pathFor(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transcript %s: %w", sessionKey, err)
	}

	var tr Transcript
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("parse transcript %s: %w", sessionKey, err)
	}
	return &tr, nil
}

// Append adds a message, creating the transcript on first use.
func (t *TranscriptStore) Append(sessionKey, agentID string, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, err := t.loadLocked(sessionKey)
	if err != nil {
		return err
	}
	if tr == nil {
		now := time.Now().UTC()
		tr = &Transcript{
			SessionID: sessionKey,
			AgentID:   agentID,
			CreatedAt: now,
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	tr.Messages = append(tr.Messages, msg)
	return t.saveLocked(tr)
}

// MessagesForContext returns system messages, the compaction summary (as a
// synthetic system message, when one exists), then the last max non-system
// messages in order.
func (t *TranscriptStore) MessagesForContext(sessionKey string, max int) ([]Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, err := t.loadLocked(sessionKey)
	if err != nil || tr == nil {
		return nil, err
	}

	var systems, others []Message
	for _, m := range tr.Messages {
		if m.Role == "system" {
			systems = append(systems, m)
		} else {
			others = append(others, m)
		}
	}
	if max > 0 && len(others) > max {
		others = others[len(others)-max:]
	}

	result := systems
	if tr.Summary != "" {
		result = append(result, Message{
			Role:      "system",
			Content:   "[Previous conversation summary]\n" + tr.Summary,
			Timestamp: tr.UpdatedAt,
		})
	}
	return append(result, others...), nil
}

// NonSystemCount reports how many user/assistant/tool messages the
// transcript holds; the compaction trigger reads this.
func (t *TranscriptStore) NonSystemCount(sessionKey string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, err := t.loadLocked(sessionKey)
	if err != nil || tr == nil {
		return 0, err
	}
	n := 0
	for _, m := range tr.Messages {
		if m.Role != "system" {
			n++
		}
	}
	return n, nil
}

// OldMessages returns the non-system messages that a compaction keeping
// keepLast entries would discard. Used to build the summarization request.
func (t *TranscriptStore) OldMessages(sessionKey string, keepLast int) ([]Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, err := t.loadLocked(sessionKey)
	if err != nil || tr == nil {
		return nil, err
	}
	var others []Message
	for _, m := range tr.Messages {
		if m.Role != "system" {
			others = append(others, m)
		}
	}
	if len(others) <= keepLast {
		return nil, nil
	}
	return others[:len(others)-keepLast], nil
}

// Compact rewrites the transcript to the system messages plus the last
// keepLast non-system messages, records summary, and increments the
// compaction count. A transcript already at or under keepLast is left
// unchanged.
func (t *TranscriptStore) Compact(sessionKey string, keepLast int, summary string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, err := t.loadLocked(sessionKey)
	if err != nil || tr == nil {
		return err
	}

	var systems, others []Message
	for _, m := range tr.Messages {
		if m.Role == "system" {
			systems = append(systems, m)
		} else {
			others = append(others, m)
		}
	}
	if len(others) <= keepLast {
		return nil
	}

	tr.Messages = append(systems, others[len(others)-keepLast:]...)
	tr.Summary = summary
	tr.CompactionCount++

	slog.Info("transcript compacted",
		"session", sessionKey, "kept", len(tr.Messages), "compactions", tr.CompactionCount)
	return t.saveLocked(tr)
}

// Delete removes a transcript file. Missing transcripts are not an error.
func (t *TranscriptStore) Delete(sessionKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := os.Remove(t.pathFor(sessionKey))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete transcript %s: %w", sessionKey, err)
	}
	return nil
}

// DeleteForAgent removes every transcript owned by an agent.
func (t *TranscriptStore) DeleteForAgent(agentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return fmt.Errorf("scan transcripts dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(t.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var tr Transcript
		if err := json.Unmarshal(data, &tr); err != nil {
			continue
		}
		if tr.AgentID == agentID {
			os.Remove(path)
		}
	}
	return nil
}

func (t *TranscriptStore) saveLocked(tr *Transcript) error {
	tr.UpdatedAt = time.Now().UTC()
	return writeJSONAtomic(t.pathFor(tr.SessionID), tr)
}
