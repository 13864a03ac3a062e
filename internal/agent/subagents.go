package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roostlabs/roost/internal/bus"
)

// DefaultSubagentTimeout bounds a child run when the caller doesn't set one.
const DefaultSubagentTimeout = 300 * time.Second

// Run records one spawned sub-agent execution.
type Run struct {
	RunID               string `json:"run_id"`
	ChildSessionKey     string `json:"child_session_key"`
	RequesterSessionKey string `json:"requester_session_key"`
	AgentID             string `json:"agent_id"`
	Task                string `json:"task"`
	Label               string `json:"label,omitempty"`
	Cleanup             string `json:"cleanup"` // "keep" or "delete"

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Outcome string `json:"outcome,omitempty"` // "completed", "failed", "timeout"
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Running reports whether the run hasn't resolved yet.
func (r *Run) Running() bool { return r.EndedAt == nil }

// RunAgentFunc executes one child turn and returns its final text.
type RunAgentFunc func(ctx context.Context, agentID, sessionKey, task string) (string, error)

// SubagentRegistry tracks spawned sub-agent runs, dispatches them
// asynchronously, and persists them across restarts.
type SubagentRegistry struct {
	mu       sync.Mutex
	path     string
	runs     map[string]*Run
	runAgent RunAgentFunc
	bus      *bus.Bus
	timeout  time.Duration

	// wg lets tests wait for in-flight runs.
	wg sync.WaitGroup
}

// NewSubagentRegistry loads any persisted runs from path.
func NewSubagentRegistry(path string, runAgent RunAgentFunc, b *bus.Bus) *SubagentRegistry {
	r := &SubagentRegistry{
		path:     path,
		runs:     make(map[string]*Run),
		runAgent: runAgent,
		bus:      b,
		timeout:  DefaultSubagentTimeout,
	}
	r.load()
	return r
}

func (r *SubagentRegistry) load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return
	}
	var persisted struct {
		Runs []*Run `json:"runs"`
	}
	if err := json.Unmarshal(data, &persisted); err != nil {
		slog.Warn("failed to load subagent runs", "path", r.path, "error", err)
		return
	}
	for _, run := range persisted.Runs {
		r.runs[run.RunID] = run
	}
}

// saveLocked persists all runs. Caller holds r.mu.
func (r *SubagentRegistry) saveLocked() {
	runs := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })

	data, err := json.MarshalIndent(map[string]any{"runs": runs}, "", "  ")
	if err != nil {
		slog.Error("failed to encode subagent runs", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		slog.Error("failed to create subagent store dir", "error", err)
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".tmp-runs-*")
	if err != nil {
		slog.Error("failed to persist subagent runs", "error", err)
		return
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		slog.Error("failed to persist subagent runs", "error", err)
		return
	}
	tmp.Close()
	if err := os.Rename(name, r.path); err != nil {
		os.Remove(name)
		slog.Error("failed to persist subagent runs", "error", err)
	}
}

// Spawn registers a new run and dispatches it asynchronously. The returned
// Run is a snapshot; the caller does not block on the child.
func (r *SubagentRegistry) Spawn(requesterSessionKey, agentID, task, label string, timeoutSeconds int) (*Run, error) {
	if task == "" {
		return nil, fmt.Errorf("subagent task is empty")
	}

	runID := uuid.NewString()[:8]
	run := &Run{
		RunID:               runID,
		ChildSessionKey:     fmt.Sprintf("subagent:%s:%s", agentID, runID),
		RequesterSessionKey: requesterSessionKey,
		AgentID:             agentID,
		Task:                task,
		Label:               label,
		Cleanup:             "keep",
		CreatedAt:           time.Now().UTC(),
	}

	r.mu.Lock()
	r.runs[runID] = run
	r.saveLocked()
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Emit(bus.EventSubagentSpawned, map[string]any{
			"agent_id":              agentID,
			"run_id":                runID,
			"requester_session_key": requesterSessionKey,
			"task":                  truncate(task, 200),
		})
	}

	timeout := r.timeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}

	snap := snapshot(run)
	r.wg.Add(1)
	go r.execute(run, timeout)

	slog.Info("subagent spawned", "run_id", runID, "agent", agentID, "label", label)
	return snap, nil
}

// execute runs the child turn with a deadline. Stopping the parent does not
// cancel the child; only the timeout does.
func (r *SubagentRegistry) execute(run *Run, timeout time.Duration) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	now := time.Now().UTC()
	r.mu.Lock()
	run.StartedAt = &now
	r.saveLocked()
	r.mu.Unlock()

	type turnResult struct {
		text string
		err  error
	}
	done := make(chan turnResult, 1)
	go func() {
		text, err := r.runAgent(ctx, run.AgentID, run.ChildSessionKey, run.Task)
		done <- turnResult{text, err}
	}()

	var outcome, result, errText string
	select {
	case <-ctx.Done():
		outcome = "timeout"
		errText = fmt.Sprintf("Timed out after %s", timeout)
	case tr := <-done:
		if tr.err != nil {
			outcome = "failed"
			errText = tr.err.Error()
		} else {
			outcome = "completed"
			result = tr.text
		}
	}

	ended := time.Now().UTC()
	r.mu.Lock()
	run.EndedAt = &ended
	run.Outcome = outcome
	run.Result = result
	run.Error = errText
	r.saveLocked()
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Emit(bus.EventSubagentCompleted, map[string]any{
			"agent_id":       run.AgentID,
			"run_id":         run.RunID,
			"success":        outcome == "completed",
			"outcome":        outcome,
			"result_preview": truncate(result, 200),
			"error":          errText,
		})
	}
	slog.Info("subagent finished", "run_id", run.RunID, "outcome", outcome)
}

// GetRun returns a snapshot of one run.
func (r *SubagentRegistry) GetRun(runID string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, false
	}
	return snapshot(run), true
}

// ListRuns returns runs newest first, optionally filtered by requester and
// status ("running", "completed", "failed").
func (r *SubagentRegistry) ListRuns(requesterSessionKey, status string) []*Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Run
	for _, run := range r.runs {
		if requesterSessionKey != "" && run.RequesterSessionKey != requesterSessionKey {
			continue
		}
		switch status {
		case "running":
			if !run.Running() {
				continue
			}
		case "completed":
			if run.Outcome != "completed" {
				continue
			}
		case "failed":
			if run.Outcome != "failed" && run.Outcome != "timeout" {
				continue
			}
		}
		out = append(out, snapshot(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// CleanupOldRuns removes resolved runs past maxAge that were spawned with
// cleanup "delete". Returns the number removed.
func (r *SubagentRegistry) CleanupOldRuns(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, run := range r.runs {
		if run.Cleanup == "delete" && run.EndedAt != nil && run.EndedAt.Before(cutoff) {
			delete(r.runs, id)
			removed++
		}
	}
	if removed > 0 {
		r.saveLocked()
	}
	return removed
}

// Wait blocks until all in-flight runs resolve.
func (r *SubagentRegistry) Wait() { r.wg.Wait() }

func snapshot(run *Run) *Run {
	c := *run
	return &c
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
