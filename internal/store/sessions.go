package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a session key has no entry.
var ErrSessionNotFound = errors.New("session not found")

// Session is the durable metadata for one conversation thread. Keys follow
// the conventions agent:<id>:main, agent:<id>:autonomy, agent:<id>:heartbeat
// and subagent:<id>:<runid>.
type Session struct {
	SessionID    string         `json:"session_id"`
	SessionKey   string         `json:"session_key"`
	AgentID      string         `json:"agent_id"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	TotalTokens  int            `json:"total_tokens"`
	Status       string         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SessionStore maps session keys to sessions, persisted as one JSON file.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	path     string
}

// NewSessionStore loads the sessions file if present.
func NewSessionStore(path string) (*SessionStore, error) {
	s := &SessionStore{
		sessions: make(map[string]*Session),
		path:     path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read sessions file: %w", err)
	}
	if err := json.Unmarshal(data, &s.sessions); err != nil {
		return nil, fmt.Errorf("parse sessions file: %w", err)
	}
	return s, nil
}

// GetOrCreate returns the session for key, creating it with a fresh UUID
// when absent. Idempotent.
func (s *SessionStore) GetOrCreate(key, agentID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		return sess.clone(), nil
	}

	now := time.Now().UTC()
	sess := &Session{
		SessionID:  uuid.NewString(),
		SessionKey: key,
		AgentID:    agentID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     "active",
	}
	s.sessions[key] = sess
	if err := s.saveLocked(); err != nil {
		return nil, err
	}

	slog.Debug("session created", "key", key, "agent", agentID)
	return sess.clone(), nil
}

// Get returns the session for key or ErrSessionNotFound.
func (s *SessionStore) Get(key string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	return sess.clone(), nil
}

// AddTokens advances the token counters. Counters only ever increase.
func (s *SessionStore) AddTokens(key string, input, output int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	if input > 0 {
		sess.InputTokens += input
	}
	if output > 0 {
		sess.OutputTokens += output
	}
	sess.TotalTokens = sess.InputTokens + sess.OutputTokens
	sess.UpdatedAt = time.Now().UTC()
	return s.saveLocked()
}

// SetStatus updates the session status ("active", "stopped", ...).
func (s *SessionStore) SetStatus(key, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	sess.Status = status
	sess.UpdatedAt = time.Now().UTC()
	return s.saveLocked()
}

// SetMetadata replaces one metadata entry.
func (s *SessionStore) SetMetadata(key, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]any)
	}
	sess.Metadata[field] = value
	sess.UpdatedAt = time.Now().UTC()
	return s.saveLocked()
}

// Touch advances updated_at without changing anything else.
func (s *SessionStore) Touch(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	sess.UpdatedAt = time.Now().UTC()
	return s.saveLocked()
}

// List returns sessions whose key starts with prefix ("" = all).
func (s *SessionStore) List(prefix string) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	for key, sess := range s.sessions {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			out = append(out, sess.clone())
		}
	}
	return out
}

// Delete removes one session. Missing keys are not an error.
func (s *SessionStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; !ok {
		return nil
	}
	delete(s.sessions, key)
	return s.saveLocked()
}

// DeleteForAgent removes every session owned by an agent. Returns the
// removed keys so the caller can clear the matching transcripts.
func (s *SessionStore) DeleteForAgent(agentID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for key, sess := range s.sessions {
		if sess.AgentID == agentID {
			delete(s.sessions, key)
			removed = append(removed, key)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	return removed, s.saveLocked()
}

// CleanupIdle removes sessions idle longer than maxAge, keeping every
// agent's main session. Returns the removed keys.
func (s *SessionStore) CleanupIdle(maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for key, sess := range s.sessions {
		if strings.HasSuffix(key, ":main") {
			continue
		}
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, key)
			removed = append(removed, key)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	slog.Info("idle sessions cleaned up", "count", len(removed))
	return removed, s.saveLocked()
}

func (s *SessionStore) saveLocked() error {
	return writeJSONAtomic(s.path, s.sessions)
}

func (sess *Session) clone() *Session {
	cp := *sess
	if sess.Metadata != nil {
		cp.Metadata = make(map[string]any, len(sess.Metadata))
		for k, v := range sess.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
