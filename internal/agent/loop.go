package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roostlabs/roost/internal/bus"
	"github.com/roostlabs/roost/internal/hotstate"
	"github.com/roostlabs/roost/internal/providers"
	"github.com/roostlabs/roost/internal/sensors"
	"github.com/roostlabs/roost/internal/tools"
	"github.com/roostlabs/roost/internal/workspace"
)

const (
	// forcedSleep is applied when the consecutive-turn guardrail fires.
	forcedSleep = 60 * time.Second
	// errorPause keeps a broken loop from spinning.
	errorPause = 5 * time.Second
	// activeHoursPoll is how often an out-of-hours loop rechecks the window.
	activeHoursPoll = 300 * time.Second
	// precheckSleep is the soft sleep after a skipped turn.
	precheckSleep = 10 * time.Second
)

const precheckSystemPrompt = "You are a pre-check gate. Given the following state changes, " +
	"determine if any are materially significant and require the agent's attention. " +
	"Reply with YES if the agent should wake up, NO if changes are insignificant."

var (
	sleepForPattern  = regexp.MustCompile(`sleeping for (\d+)s`)
	wakeEarlyPattern = regexp.MustCompile(`wake early on: ([^)]+)\)`)
)

// LoopDeps wires an AutonomyLoop into the host.
type LoopDeps struct {
	Engine   *TurnEngine
	Hot      *hotstate.State
	Sensors  []sensors.Sensor
	Registry *tools.Registry
	LLM      providers.Client
	Bus      *bus.Bus
}

// AutonomyLoop drives an agent's observe/think/act/yield cycle. It owns the
// agent's sensors: Start launches them, Stop halts them.
type AutonomyLoop struct {
	agentID    string
	dir        string
	cfg        *workspace.AgentConfig
	deps       LoopDeps
	sessionKey string

	// now is replaceable in tests.
	now func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	turnCount    int
	consecutive  int
	hourTokens   int
	hourStart    time.Time
	lastActivity time.Time
	lastSnapshot time.Time
	limiter      *rate.Limiter
}

// NewAutonomyLoop builds a loop for one agent. cfg.Autonomy must be set.
func NewAutonomyLoop(cfg *workspace.AgentConfig, dir string, deps LoopDeps) *AutonomyLoop {
	perMinute := cfg.Autonomy.MaxActionsPerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	return &AutonomyLoop{
		agentID:    cfg.ID,
		dir:        dir,
		cfg:        cfg,
		deps:       deps,
		sessionKey: fmt.Sprintf("agent:%s:autonomy", cfg.ID),
		now:        time.Now,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

// Start launches the sensors and the loop goroutine. Idempotent.
func (l *AutonomyLoop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}

	for _, s := range l.deps.Sensors {
		s.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.hourStart = l.now()
	l.lastActivity = l.now()
	l.lastSnapshot = l.now()
	go l.run(ctx, l.done)

	slog.Info("autonomy loop started", "agent", l.agentID)
}

// Stop halts the loop and all sensors, waiting for the current iteration.
func (l *AutonomyLoop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.done = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, s := range l.deps.Sensors {
		s.Stop()
	}
	slog.Info("autonomy loop stopped", "agent", l.agentID)
}

// Running reports whether the loop goroutine is active.
func (l *AutonomyLoop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

func (l *AutonomyLoop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		stop, err := l.iterate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("autonomy loop error", "agent", l.agentID, "error", err)
			sleepCtx(ctx, errorPause)
			continue
		}
		if stop {
			// Detach sensor shutdown from the loop goroutine so Stop's
			// done-wait can't deadlock against it.
			go l.Stop()
			return
		}
	}
}

// iterate runs one pass of the guardrail gates and, when they allow it, one
// autonomous turn. It returns stop=true when the loop should end for good.
func (l *AutonomyLoop) iterate(ctx context.Context) (stop bool, err error) {
	a := l.cfg.Autonomy

	if !l.withinActiveHours() {
		l.emitGuardrail("active_hours", map[string]any{
			"message": fmt.Sprintf("Outside active hours, sleeping for %ds", int(activeHoursPoll.Seconds())),
		})
		sleepCtx(ctx, activeHoursPoll)
		return false, nil
	}

	l.maybeResetHour()
	if l.hourTokens >= a.TokenBudgetPerHour {
		remaining := l.untilNextHour()
		l.emitGuardrail("token_budget", map[string]any{
			"tokens_used":   l.hourTokens,
			"budget":        a.TokenBudgetPerHour,
			"sleep_seconds": int(remaining.Seconds()),
		})
		sleepCtx(ctx, remaining)
		return false, nil
	}

	idle := l.now().Sub(l.lastActivity)
	if idle > time.Duration(a.IdleTimeout)*time.Second {
		l.emitGuardrail("idle_timeout", map[string]any{
			"idle_seconds": int(idle.Seconds()),
			"timeout":      a.IdleTimeout,
		})
		return true, nil
	}

	if !l.limiter.Allow() {
		l.emitGuardrail("max_actions_per_minute", map[string]any{
			"limit": a.MaxActionsPerMinute,
		})
		sleepCtx(ctx, errorPause)
		return false, nil
	}

	directive, err := l.runTurn(ctx)
	if err != nil {
		return false, err
	}

	switch directive.Mode {
	case "shutdown":
		slog.Info("agent requested shutdown", "agent", l.agentID, "reason", directive.Reason)
		return true, nil
	case "sleep":
		l.consecutive = 0
		l.sleepWithEarlyWake(ctx, directive.SleepSeconds, directive.WakeEarlyIf)
	default: // continue
		l.consecutive++
		if l.consecutive >= a.MaxConsecutiveTurns {
			l.emitGuardrail("max_consecutive_turns", map[string]any{
				"turns": l.consecutive,
				"limit": a.MaxConsecutiveTurns,
			})
			l.consecutive = 0
			sleepCtx(ctx, forcedSleep)
		}
	}
	return false, nil
}

// runTurn executes a single autonomous turn and returns its yield directive.
func (l *AutonomyLoop) runTurn(ctx context.Context) (tools.YieldDirective, error) {
	l.turnCount++
	hasNotifications := l.deps.Hot.HasNotifications()

	if !hasNotifications && l.cfg.Autonomy.PrecheckModel != "" {
		diff := l.deps.Hot.DiffSince(l.lastSnapshot)
		if len(diff) == 0 {
			l.deps.Bus.Emit(bus.EventAutonomyPrecheckSkipped, map[string]any{
				"agent_id": l.agentID,
				"turn":     l.turnCount,
				"reason":   "no_changes",
			})
			return tools.YieldDirective{
				Mode: "sleep", SleepSeconds: int(precheckSleep.Seconds()),
				Reason: "pre-check: no changes",
			}, nil
		}
		if !l.runPrecheck(ctx, diff) {
			l.deps.Bus.Emit(bus.EventAutonomyPrecheckSkipped, map[string]any{
				"agent_id": l.agentID,
				"turn":     l.turnCount,
				"reason":   "no_material_changes",
			})
			return tools.YieldDirective{
				Mode: "sleep", SleepSeconds: int(precheckSleep.Seconds()),
				Reason: "pre-check: no material changes",
			}, nil
		}
	}

	l.autoRefreshStaleFields(ctx)

	notifications := l.deps.Hot.PopNotifications()
	message := l.buildContextMessage(notifications)

	l.deps.Bus.Emit(bus.EventAutonomyTurnStarted, map[string]any{
		"agent_id":              l.agentID,
		"turn":                  l.turnCount,
		"notifications_pending": len(notifications) > 0,
	})

	l.lastSnapshot = l.deps.Hot.SnapshotTime()

	ws, err := workspace.Load(l.dir)
	if err != nil {
		return tools.YieldDirective{}, err
	}
	turn, err := l.deps.Engine.Run(ctx, l.cfg, ws, l.sessionKey, message, true)
	if err != nil {
		return tools.YieldDirective{}, err
	}

	l.hourTokens += turn.TokensUsed
	if turn.ToolsExecuted > 0 {
		l.lastActivity = l.now()
	}

	directive := parseYield(turn)

	l.deps.Bus.Emit(bus.EventAutonomyTurnCompleted, map[string]any{
		"agent_id":    l.agentID,
		"turn":        l.turnCount,
		"yield_mode":  directive.Mode,
		"yield_sleep": directive.SleepSeconds,
		"yield_reason": directive.Reason,
	})
	return directive, nil
}

// runPrecheck asks the lightweight model whether the state diff warrants a
// full turn. Fails open: a broken precheck never blocks the agent.
func (l *AutonomyLoop) runPrecheck(ctx context.Context, diff map[string]any) bool {
	diffJSON, _ := json.Marshal(diff)
	resp, err := l.deps.LLM.Chat(ctx, providers.ChatRequest{
		Model: l.cfg.Autonomy.PrecheckModel,
		Messages: []providers.Message{
			{Role: "system", Content: precheckSystemPrompt},
			{Role: "user", Content: "State changes:\n" + string(diffJSON)},
		},
	})
	if err != nil {
		slog.Warn("precheck gate failed, allowing turn", "agent", l.agentID, "error", err)
		return true
	}
	return strings.Contains(strings.ToUpper(resp.Content), "YES")
}

// autoRefreshStaleFields re-runs the refresh tool for every stale hot-state
// field that declares one.
func (l *AutonomyLoop) autoRefreshStaleFields(ctx context.Context) {
	for _, pair := range l.deps.Hot.RefreshableStaleFields() {
		field, tool := pair[0], pair[1]
		tc := tools.Context{
			AgentID:    l.agentID,
			SessionKey: l.sessionKey,
			Registry:   l.deps.Registry,
		}
		result := l.deps.Registry.Execute(ctx, tool, map[string]any{}, tc)
		if !result.Success {
			slog.Warn("auto-refresh failed", "field", field, "tool", tool, "error", result.Err)
			continue
		}
		if result.Data != nil {
			l.deps.Hot.Set(field, result.Data)
		} else {
			l.deps.Hot.Set(field, result.Message)
		}
	}
}

// buildContextMessage assembles the synthetic observe message for the turn.
func (l *AutonomyLoop) buildContextMessage(notifications []hotstate.Notification) string {
	var parts []string

	if len(notifications) > 0 {
		parts = append(parts, "## Notifications\n")
		for _, n := range notifications {
			data, _ := json.Marshal(n.Data)
			parts = append(parts, fmt.Sprintf("**%s**: %s", n.Name, data))
		}
		parts = append(parts, "")
	}

	if rendered := l.deps.Hot.Render(); rendered != "" {
		parts = append(parts, rendered, "")
	}

	parts = append(parts, fmt.Sprintf("## Turn %d", l.turnCount))
	parts = append(parts, "Observe the current state and decide your next action. "+
		"When done, call the `yield` tool to control your pacing "+
		"(sleep, continue, or shutdown).")

	return strings.Join(parts, "\n")
}

// parseYield extracts the agent's pacing decision from a finished turn. The
// structured directive captured from the yield tool wins; the textual scan is
// the fallback for models that describe their intent instead of calling it.
func parseYield(turn *TurnResult) tools.YieldDirective {
	if turn.Yield != nil {
		return *turn.Yield
	}

	lower := strings.ToLower(turn.Content)
	if strings.Contains(lower, "shutting down") {
		return tools.YieldDirective{Mode: "shutdown", Reason: "agent requested shutdown"}
	}
	if strings.Contains(lower, "sleeping for") {
		sleep := 30
		if m := sleepForPattern.FindStringSubmatch(lower); m != nil {
			sleep, _ = strconv.Atoi(m[1])
		}
		var wakeEarly []string
		if m := wakeEarlyPattern.FindStringSubmatch(lower); m != nil {
			for _, s := range strings.Split(m[1], ",") {
				wakeEarly = append(wakeEarly, strings.TrimSpace(s))
			}
		}
		return tools.YieldDirective{Mode: "sleep", SleepSeconds: sleep, WakeEarlyIf: wakeEarly}
	}
	return tools.YieldDirective{Mode: "continue"}
}

// sleepWithEarlyWake sleeps for the requested duration but returns early when
// a notification named in wakeEarlyIf arrives. An empty wake list sleeps
// without polling.
func (l *AutonomyLoop) sleepWithEarlyWake(ctx context.Context, seconds int, wakeEarlyIf []string) {
	d := time.Duration(seconds) * time.Second
	if len(wakeEarlyIf) == 0 {
		sleepCtx(ctx, d)
		return
	}

	wake := make(map[string]bool, len(wakeEarlyIf))
	for _, name := range wakeEarlyIf {
		wake[name] = true
	}

	interval := d / 10
	if interval > time.Second {
		interval = time.Second
	}

	for elapsed := time.Duration(0); elapsed < d; elapsed += interval {
		if !sleepCtx(ctx, interval) {
			return
		}
		for _, name := range l.deps.Hot.PendingNames() {
			if wake[name] {
				slog.Info("agent woken early by notification", "agent", l.agentID, "notification", name)
				return
			}
		}
	}
}

func (l *AutonomyLoop) withinActiveHours() bool {
	ah := l.cfg.Autonomy.ActiveHours
	if ah == nil {
		return true
	}
	start, okS := parseClock(ah.Start)
	end, okE := parseClock(ah.End)
	if !okS || !okE {
		return true
	}

	now := l.now()
	minutes := now.Hour()*60 + now.Minute()
	if end > start {
		return minutes >= start && minutes < end
	}
	// Window spans midnight.
	return minutes >= start || minutes < end
}

func (l *AutonomyLoop) maybeResetHour() {
	if l.now().Sub(l.hourStart) >= time.Hour {
		l.hourTokens = 0
		l.hourStart = l.now()
	}
}

func (l *AutonomyLoop) untilNextHour() time.Duration {
	remaining := time.Hour - l.now().Sub(l.hourStart)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

func (l *AutonomyLoop) emitGuardrail(guardrail string, data map[string]any) {
	payload := map[string]any{
		"agent_id":  l.agentID,
		"guardrail": guardrail,
	}
	for k, v := range data {
		payload[k] = v
	}
	l.deps.Bus.Emit(bus.EventAutonomyGuardrailTriggered, payload)
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// sleepCtx waits for d or context cancellation, reporting true when the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
