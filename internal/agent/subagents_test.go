package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/roostlabs/roost/internal/bus"
)

func newTestSubagents(t *testing.T, run RunAgentFunc) (*SubagentRegistry, *eventLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subagent_runs.json")
	b := bus.New()
	log := &eventLog{}
	b.Subscribe("*", log.record)
	return NewSubagentRegistry(path, run, b), log, path
}

func TestSubagentSpawnCompletes(t *testing.T) {
	reg, log, path := newTestSubagents(t, func(ctx context.Context, agentID, sessionKey, task string) (string, error) {
		return "analyzed: " + task, nil
	})

	run, err := reg.Spawn("agent:alpha:main", "researcher", "scan the feeds", "scan", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(run.RunID) != 8 {
		t.Errorf("run ID = %q", run.RunID)
	}
	if run.ChildSessionKey != "subagent:researcher:"+run.RunID {
		t.Errorf("child session = %q", run.ChildSessionKey)
	}
	reg.Wait()

	got, ok := reg.GetRun(run.RunID)
	if !ok {
		t.Fatal("run not found")
	}
	if got.Outcome != "completed" || got.Result != "analyzed: scan the feeds" {
		t.Errorf("run = %+v", got)
	}
	if got.EndedAt == nil {
		t.Error("ended_at must be set")
	}

	if len(log.ofType(bus.EventSubagentSpawned)) != 1 {
		t.Error("subagent:spawned must fire")
	}
	completed := log.ofType(bus.EventSubagentCompleted)
	if len(completed) != 1 {
		t.Fatal("subagent:completed must fire")
	}
	if success, _ := completed[0].Data["success"].(bool); !success {
		t.Error("success must be true")
	}

	if _, err := os.Stat(path); err != nil {
		t.Error("runs must be persisted")
	}
}

func TestSubagentTimeout(t *testing.T) {
	reg, log, _ := newTestSubagents(t, func(ctx context.Context, agentID, sessionKey, task string) (string, error) {
		select {
		case <-time.After(3 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	run, err := reg.Spawn("agent:alpha:main", "slowpoke", "dig deep", "", 1)
	if err != nil {
		t.Fatal(err)
	}
	reg.Wait()

	got, _ := reg.GetRun(run.RunID)
	if got.Outcome != "timeout" {
		t.Errorf("outcome = %q", got.Outcome)
	}
	if !strings.Contains(got.Error, "Timed out after 1s") {
		t.Errorf("error = %q", got.Error)
	}
	if got.EndedAt == nil {
		t.Error("ended_at must be set on timeout")
	}

	completed := log.ofType(bus.EventSubagentCompleted)
	if len(completed) != 1 {
		t.Fatal("subagent:completed must fire")
	}
	if success, _ := completed[0].Data["success"].(bool); success {
		t.Error("success must be false on timeout")
	}
}

func TestSubagentFailure(t *testing.T) {
	reg, _, _ := newTestSubagents(t, func(ctx context.Context, agentID, sessionKey, task string) (string, error) {
		return "", context.DeadlineExceeded
	})

	run, _ := reg.Spawn("agent:alpha:main", "fragile", "try it", "", 0)
	reg.Wait()

	got, _ := reg.GetRun(run.RunID)
	if got.Outcome != "failed" || got.Error == "" {
		t.Errorf("run = %+v", got)
	}
}

func TestSubagentEmptyTaskRejected(t *testing.T) {
	reg, _, _ := newTestSubagents(t, func(ctx context.Context, agentID, sessionKey, task string) (string, error) {
		return "", nil
	})
	if _, err := reg.Spawn("agent:alpha:main", "worker", "", "", 0); err == nil {
		t.Fatal("empty task must be rejected")
	}
}

func TestSubagentPersistenceAcrossRestart(t *testing.T) {
	runFn := func(ctx context.Context, agentID, sessionKey, task string) (string, error) {
		return "done", nil
	}
	reg, _, path := newTestSubagents(t, runFn)
	run, _ := reg.Spawn("agent:alpha:main", "worker", "persist me", "", 0)
	reg.Wait()

	reloaded := NewSubagentRegistry(path, runFn, nil)
	got, ok := reloaded.GetRun(run.RunID)
	if !ok {
		t.Fatal("run must survive a restart")
	}
	if got.Outcome != "completed" || got.Task != "persist me" {
		t.Errorf("run = %+v", got)
	}
}

func TestSubagentListRunsFilters(t *testing.T) {
	block := make(chan struct{})
	reg, _, _ := newTestSubagents(t, func(ctx context.Context, agentID, sessionKey, task string) (string, error) {
		if task == "block" {
			<-block
		}
		return "done", nil
	})

	done, _ := reg.Spawn("agent:alpha:main", "worker", "quick", "", 0)
	for {
		if r, _ := reg.GetRun(done.RunID); !r.Running() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	running, _ := reg.Spawn("agent:beta:main", "worker", "block", "", 0)

	if got := reg.ListRuns("", "running"); len(got) != 1 || got[0].RunID != running.RunID {
		t.Errorf("running = %+v", got)
	}
	if got := reg.ListRuns("", "completed"); len(got) != 1 || got[0].RunID != done.RunID {
		t.Errorf("completed = %+v", got)
	}
	if got := reg.ListRuns("agent:alpha:main", ""); len(got) != 1 || got[0].RunID != done.RunID {
		t.Errorf("by requester = %+v", got)
	}

	close(block)
	reg.Wait()
}

func TestSubagentCleanupOldRuns(t *testing.T) {
	reg, _, _ := newTestSubagents(t, func(ctx context.Context, agentID, sessionKey, task string) (string, error) {
		return "done", nil
	})

	keep, _ := reg.Spawn("agent:alpha:main", "worker", "keep me", "", 0)
	del, _ := reg.Spawn("agent:alpha:main", "worker", "delete me", "", 0)
	reg.Wait()

	// Age both runs past the cutoff; only the delete-policy one goes.
	old := time.Now().Add(-48 * time.Hour)
	reg.mu.Lock()
	reg.runs[keep.RunID].EndedAt = &old
	reg.runs[del.RunID].EndedAt = &old
	reg.runs[del.RunID].Cleanup = "delete"
	reg.mu.Unlock()

	if removed := reg.CleanupOldRuns(24 * time.Hour); removed != 1 {
		t.Errorf("removed = %d", removed)
	}
	if _, ok := reg.GetRun(keep.RunID); !ok {
		t.Error("keep-policy run must survive cleanup")
	}
	if _, ok := reg.GetRun(del.RunID); ok {
		t.Error("delete-policy run must be removed")
	}
}
