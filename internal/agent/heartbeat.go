package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roostlabs/roost/internal/bus"
	"github.com/roostlabs/roost/internal/workspace"
)

// HeartbeatPrompt is what the agent receives on every heartbeat tick.
const HeartbeatPrompt = "Read HEARTBEAT.md if it exists. Follow instructions strictly. " +
	"If nothing needs attention, reply HEARTBEAT_OK."

// HeartbeatOK is the sentinel reply meaning nothing needed attention.
const HeartbeatOK = "HEARTBEAT_OK"

// Heartbeats outside this window are skipped unless the agent config
// overrides it.
const (
	defaultHeartbeatStartHour = 8
	defaultHeartbeatEndHour   = 23
)

// HeartbeatResult describes one heartbeat attempt.
type HeartbeatResult struct {
	Status   string `json:"status"` // "ran", "skipped", "failed"
	Reason   string `json:"reason,omitempty"`
	Response string `json:"response,omitempty"`
}

// HeartbeatRunner periodically nudges an agent to check HEARTBEAT.md.
// One runner per started agent.
type HeartbeatRunner struct {
	cfg    *workspace.AgentConfig
	dir    string // agent workspace directory
	engine *TurnEngine
	bus    *bus.Bus

	// now is replaceable in tests.
	now func() time.Time

	mu           sync.Mutex
	lastResponse string
	cancel       context.CancelFunc
	done         chan struct{}
	wake         chan struct{}
}

func NewHeartbeatRunner(cfg *workspace.AgentConfig, dir string, engine *TurnEngine, b *bus.Bus) *HeartbeatRunner {
	return &HeartbeatRunner{
		cfg:    cfg,
		dir:    dir,
		engine: engine,
		bus:    b,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// Start launches the ticker goroutine. No-op when already running or when
// heartbeats are disabled for this agent.
func (h *HeartbeatRunner) Start() {
	if !h.cfg.Heartbeat.IsEnabled() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(ctx, h.done)
}

// Stop halts the ticker and waits for any in-flight heartbeat to finish.
func (h *HeartbeatRunner) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel = nil
	h.done = nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wake triggers an immediate heartbeat without waiting for the ticker.
func (h *HeartbeatRunner) Wake() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *HeartbeatRunner) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := time.Duration(h.cfg.Heartbeat.Interval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-h.wake:
		}
		h.RunOnce(ctx)
	}
}

// RunOnce executes a single heartbeat turn against the agent's heartbeat
// session. Duplicate non-OK responses are reported once; HEARTBEAT_OK is
// always quiet and never counts as a duplicate.
func (h *HeartbeatRunner) RunOnce(ctx context.Context) HeartbeatResult {
	result := h.runOnce(ctx)

	h.bus.Emit(bus.EventHeartbeatRan, map[string]any{
		"agent_id": h.cfg.ID,
		"status":   result.Status,
		"reason":   result.Reason,
		"response": truncate(result.Response, 200),
	})
	return result
}

func (h *HeartbeatRunner) runOnce(ctx context.Context) HeartbeatResult {
	if reason, ok := h.withinActiveHours(); !ok {
		return HeartbeatResult{Status: "skipped", Reason: reason}
	}

	ws, err := workspace.Load(h.dir)
	if err != nil {
		return HeartbeatResult{Status: "failed", Reason: err.Error()}
	}

	sessionKey := fmt.Sprintf("agent:%s:heartbeat", h.cfg.ID)
	turn, err := h.engine.Run(ctx, h.cfg, ws, sessionKey, HeartbeatPrompt, false)
	if err != nil {
		slog.Error("heartbeat turn failed", "agent", h.cfg.ID, "error", err)
		return HeartbeatResult{Status: "failed", Reason: err.Error()}
	}

	response := strings.TrimSpace(turn.Content)
	if strings.Contains(response, HeartbeatOK) {
		h.setLastResponse("")
		return HeartbeatResult{Status: "ran", Reason: "ok"}
	}

	h.mu.Lock()
	duplicate := response != "" && response == h.lastResponse
	h.lastResponse = response
	h.mu.Unlock()

	if duplicate {
		return HeartbeatResult{Status: "skipped", Reason: "duplicate", Response: response}
	}
	return HeartbeatResult{Status: "ran", Response: response}
}

func (h *HeartbeatRunner) setLastResponse(s string) {
	h.mu.Lock()
	h.lastResponse = s
	h.mu.Unlock()
}

func (h *HeartbeatRunner) withinActiveHours() (string, bool) {
	start, end := defaultHeartbeatStartHour, defaultHeartbeatEndHour
	if ah := h.cfg.Heartbeat.ActiveHours; ah != nil {
		if hh, ok := parseHour(ah.Start); ok {
			start = hh
		}
		if hh, ok := parseHour(ah.End); ok {
			end = hh
		}
	}

	hour := h.now().Hour()
	if hour < start || hour >= end {
		return fmt.Sprintf("outside active hours (%02d:00-%02d:00)", start, end), false
	}
	return "", true
}

// parseHour extracts the hour from "HH:MM".
func parseHour(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour(), true
}
