package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestSessionStore(t *testing.T) (*SessionStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.json")
	s, err := NewSessionStore(path)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	return s, path
}

func TestGetOrCreateIdempotent(t *testing.T) {
	s, _ := newTestSessionStore(t)

	first, err := s.GetOrCreate("agent:alpha:main", "alpha")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := s.GetOrCreate("agent:alpha:main", "alpha")
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}

	if first.SessionID != second.SessionID {
		t.Errorf("second call created a new session: %s vs %s", first.SessionID, second.SessionID)
	}
	if first.SessionID == "" {
		t.Error("session ID not assigned")
	}
	if first.Status != "active" {
		t.Errorf("status = %q, want active", first.Status)
	}
}

func TestTokenCountersMonotonic(t *testing.T) {
	s, _ := newTestSessionStore(t)
	key := "agent:alpha:autonomy"
	if _, err := s.GetOrCreate(key, "alpha"); err != nil {
		t.Fatal(err)
	}

	if err := s.AddTokens(key, 100, 40); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTokens(key, 50, 10); err != nil {
		t.Fatal(err)
	}
	// Negative deltas must not decrease counters.
	if err := s.AddTokens(key, -5, -5); err != nil {
		t.Fatal(err)
	}

	sess, err := s.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if sess.InputTokens != 150 || sess.OutputTokens != 50 {
		t.Errorf("tokens = %d/%d, want 150/50", sess.InputTokens, sess.OutputTokens)
	}
	if sess.TotalTokens != 200 {
		t.Errorf("total = %d, want 200", sess.TotalTokens)
	}
}

func TestSessionsSurviveRestart(t *testing.T) {
	s, path := newTestSessionStore(t)
	orig, err := s.GetOrCreate("agent:alpha:main", "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddTokens("agent:alpha:main", 10, 20); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewSessionStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	sess, err := reloaded.Get("agent:alpha:main")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if sess.SessionID != orig.SessionID {
		t.Errorf("session ID changed across restart")
	}
	if sess.TotalTokens != 30 {
		t.Errorf("total tokens = %d, want 30", sess.TotalTokens)
	}
}

func TestGetMissingSession(t *testing.T) {
	s, _ := newTestSessionStore(t)
	if _, err := s.Get("agent:ghost:main"); err == nil {
		t.Fatal("expected error for missing session")
	}
}

func TestDeleteForAgent(t *testing.T) {
	s, _ := newTestSessionStore(t)
	for _, key := range []string{"agent:alpha:main", "agent:alpha:autonomy", "agent:beta:main"} {
		agentID := "alpha"
		if key == "agent:beta:main" {
			agentID = "beta"
		}
		if _, err := s.GetOrCreate(key, agentID); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.DeleteForAgent("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Errorf("removed %d sessions, want 2", len(removed))
	}
	if got := s.List(""); len(got) != 1 {
		t.Errorf("remaining sessions = %d, want 1", len(got))
	}
	if _, err := s.Get("agent:beta:main"); err != nil {
		t.Error("unrelated agent's session was removed")
	}
}

func TestCleanupIdleKeepsMainSessions(t *testing.T) {
	s, _ := newTestSessionStore(t)
	for _, key := range []string{"agent:alpha:main", "agent:alpha:heartbeat", "subagent:alpha:ab12cd34"} {
		if _, err := s.GetOrCreate(key, "alpha"); err != nil {
			t.Fatal(err)
		}
	}

	// Age everything.
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	}
	s.mu.Unlock()

	removed, err := s.CleanupIdle(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Errorf("removed %d sessions, want 2", len(removed))
	}
	if _, err := s.Get("agent:alpha:main"); err != nil {
		t.Error("main session must survive idle cleanup")
	}
}

func TestListByPrefix(t *testing.T) {
	s, _ := newTestSessionStore(t)
	for _, key := range []string{"agent:alpha:main", "agent:alpha:autonomy", "agent:beta:main"} {
		if _, err := s.GetOrCreate(key, "x"); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.List("agent:alpha:"); len(got) != 2 {
		t.Errorf("List(agent:alpha:) = %d sessions, want 2", len(got))
	}
}
