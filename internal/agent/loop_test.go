package agent

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/roostlabs/roost/internal/bus"
	"github.com/roostlabs/roost/internal/hotstate"
	"github.com/roostlabs/roost/internal/providers"
	"github.com/roostlabs/roost/internal/tools"
	"github.com/roostlabs/roost/internal/workspace"
)

func newTestLoop(t *testing.T, env *testEnv, mutate func(*workspace.AutonomyConfig)) *AutonomyLoop {
	t.Helper()
	cfg, _ := env.newTestAgent(t, "trader", nil)
	cfg.Autonomy = &workspace.AutonomyConfig{
		Enabled:             true,
		MaxConsecutiveTurns: 50,
		TokenBudgetPerHour:  100000,
		MaxActionsPerMinute: 10,
		IdleTimeout:         600,
	}
	if mutate != nil {
		mutate(cfg.Autonomy)
	}

	hot := hotstate.New(map[string]hotstate.FieldConfig{
		"prices": {Type: "object"},
	})
	l := NewAutonomyLoop(cfg, filepath.Join(env.agentsDir, "trader"), LoopDeps{
		Engine:   env.engine,
		Hot:      hot,
		Registry: env.registry,
		LLM:      env.llm,
		Bus:      env.bus,
	})
	l.hourStart = time.Now()
	l.lastActivity = time.Now()
	l.lastSnapshot = time.Now()
	return l
}

func TestZeroActionsPerMinuteIsFloored(t *testing.T) {
	cfg := &workspace.AgentConfig{
		ID:       "bare",
		Autonomy: &workspace.AutonomyConfig{Enabled: true},
	}
	l := NewAutonomyLoop(cfg, t.TempDir(), LoopDeps{})
	if !l.limiter.Allow() {
		t.Error("floored limiter must grant an initial action")
	}
}

func TestParseYield(t *testing.T) {
	tests := []struct {
		name string
		turn TurnResult
		want tools.YieldDirective
	}{
		{
			name: "structured directive wins",
			turn: TurnResult{
				Content: "Sleeping for 999s",
				Yield:   &tools.YieldDirective{Mode: "shutdown", Reason: "done"},
			},
			want: tools.YieldDirective{Mode: "shutdown", Reason: "done"},
		},
		{
			name: "textual sleep",
			turn: TurnResult{Content: "Sleeping for 30s"},
			want: tools.YieldDirective{Mode: "sleep", SleepSeconds: 30},
		},
		{
			name: "textual sleep with wake list",
			turn: TurnResult{Content: "Sleeping for 45s (wake early on: order_filled, price_spike)"},
			want: tools.YieldDirective{
				Mode: "sleep", SleepSeconds: 45,
				WakeEarlyIf: []string{"order_filled", "price_spike"},
			},
		},
		{
			name: "textual sleep without duration",
			turn: TurnResult{Content: "I'll be sleeping for a while now."},
			want: tools.YieldDirective{Mode: "sleep", SleepSeconds: 30},
		},
		{
			name: "textual shutdown",
			turn: TurnResult{Content: "Shutting down autonomous loop"},
			want: tools.YieldDirective{Mode: "shutdown", Reason: "agent requested shutdown"},
		},
		{
			name: "anything else continues",
			turn: TurnResult{Content: "Checked the feeds, nothing new."},
			want: tools.YieldDirective{Mode: "continue"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseYield(&tt.turn)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseYield = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSleepWithEarlyWake(t *testing.T) {
	env := newTestEnv(t)
	l := newTestLoop(t, env, nil)

	go func() {
		time.Sleep(300 * time.Millisecond)
		l.deps.Hot.PushNotification("order_filled", map[string]any{"id": "o-1"})
	}()

	start := time.Now()
	l.sleepWithEarlyWake(context.Background(), 5, []string{"order_filled"})
	if elapsed := time.Since(start); elapsed >= 3*time.Second {
		t.Errorf("wake took %v, want < 3s", elapsed)
	}
}

func TestSleepIgnoresUnrelatedNotifications(t *testing.T) {
	env := newTestEnv(t)
	l := newTestLoop(t, env, nil)
	l.deps.Hot.PushNotification("weather_changed", map[string]any{})

	start := time.Now()
	l.sleepWithEarlyWake(context.Background(), 1, []string{"order_filled"})
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("slept only %v, want full 1s", elapsed)
	}
}

func TestPrecheckSkipsOnNoChanges(t *testing.T) {
	env := newTestEnv(t)
	l := newTestLoop(t, env, func(a *workspace.AutonomyConfig) {
		a.PrecheckModel = "mini-model"
	})

	directive, err := l.runTurn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if directive.Mode != "sleep" || directive.SleepSeconds != 10 {
		t.Errorf("directive = %+v", directive)
	}
	if env.llm.calls() != 0 {
		t.Error("no LLM call expected when nothing changed")
	}

	skipped := env.events.ofType(bus.EventAutonomyPrecheckSkipped)
	if len(skipped) != 1 || skipped[0].Data["reason"] != "no_changes" {
		t.Errorf("precheck events = %+v", skipped)
	}
}

func TestPrecheckModelDeclines(t *testing.T) {
	env := newTestEnv(t)
	l := newTestLoop(t, env, func(a *workspace.AutonomyConfig) {
		a.PrecheckModel = "mini-model"
	})
	l.deps.Hot.Set("prices", map[string]any{"BTC": 63100})

	env.llm.fn = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "NO"}, nil
	}

	directive, err := l.runTurn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if directive.Mode != "sleep" {
		t.Errorf("directive = %+v", directive)
	}

	req := env.llm.request(0)
	if req.Model != "mini-model" {
		t.Errorf("precheck model = %q", req.Model)
	}
	if !strings.Contains(req.Messages[1].Content, "prices") {
		t.Errorf("precheck diff missing changed field: %q", req.Messages[1].Content)
	}

	skipped := env.events.ofType(bus.EventAutonomyPrecheckSkipped)
	if len(skipped) != 1 || skipped[0].Data["reason"] != "no_material_changes" {
		t.Errorf("precheck events = %+v", skipped)
	}
}

func TestTurnMessageCarriesNotificationsAndState(t *testing.T) {
	env := newTestEnv(t)
	l := newTestLoop(t, env, nil)
	l.deps.Hot.Set("prices", map[string]any{"BTC": 63100})
	l.deps.Hot.PushNotification("price_spike", map[string]any{"score": 0.9})

	env.llm.fn = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "noted"}, nil
	}

	if _, err := l.runTurn(context.Background()); err != nil {
		t.Fatal(err)
	}

	user := env.llm.request(0).Messages[len(env.llm.request(0).Messages)-1].Content
	for _, want := range []string{"## Notifications", "**price_spike**", "## Hot State", "## Turn 1", "`yield`"} {
		if !strings.Contains(user, want) {
			t.Errorf("turn message missing %q:\n%s", want, user)
		}
	}
	if l.deps.Hot.HasNotifications() {
		t.Error("notifications must be drained by the turn")
	}

	started := env.events.ofType(bus.EventAutonomyTurnStarted)
	completed := env.events.ofType(bus.EventAutonomyTurnCompleted)
	if len(started) != 1 || len(completed) != 1 {
		t.Fatalf("turn events = %d started, %d completed", len(started), len(completed))
	}
	if completed[0].Data["yield_mode"] != "continue" {
		t.Errorf("yield_mode = %v", completed[0].Data["yield_mode"])
	}
}

func TestTokenBudgetGuardrail(t *testing.T) {
	env := newTestEnv(t)
	l := newTestLoop(t, env, func(a *workspace.AutonomyConfig) {
		a.TokenBudgetPerHour = 100
	})
	l.hourTokens = 150

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // the budget sleep returns immediately

	stop, err := l.iterate(ctx)
	if err != nil || stop {
		t.Fatalf("stop = %v, err = %v", stop, err)
	}
	if env.llm.calls() != 0 {
		t.Error("no turn may run over budget")
	}

	guardrails := env.events.ofType(bus.EventAutonomyGuardrailTriggered)
	if len(guardrails) != 1 || guardrails[0].Data["guardrail"] != "token_budget" {
		t.Fatalf("guardrail events = %+v", guardrails)
	}
	if used, _ := guardrails[0].Data["tokens_used"].(int); used != 150 {
		t.Errorf("tokens_used = %v", guardrails[0].Data["tokens_used"])
	}
}

func TestTokenBudgetResetsAfterHour(t *testing.T) {
	env := newTestEnv(t)
	l := newTestLoop(t, env, func(a *workspace.AutonomyConfig) {
		a.TokenBudgetPerHour = 100
	})
	l.hourTokens = 150
	l.hourStart = time.Now().Add(-61 * time.Minute)

	l.maybeResetHour()
	if l.hourTokens != 0 {
		t.Errorf("hourTokens = %d after reset", l.hourTokens)
	}
}

func TestIdleTimeoutStopsLoop(t *testing.T) {
	env := newTestEnv(t)
	l := newTestLoop(t, env, nil)
	l.lastActivity = time.Now().Add(-700 * time.Second)

	stop, err := l.iterate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !stop {
		t.Fatal("idle timeout must stop the loop")
	}
	guardrails := env.events.ofType(bus.EventAutonomyGuardrailTriggered)
	if len(guardrails) != 1 || guardrails[0].Data["guardrail"] != "idle_timeout" {
		t.Errorf("guardrail events = %+v", guardrails)
	}
	if env.llm.calls() != 0 {
		t.Error("no turn may run after idle stop")
	}
}

func TestConsecutiveTurnsGuardrail(t *testing.T) {
	env := newTestEnv(t)
	l := newTestLoop(t, env, func(a *workspace.AutonomyConfig) {
		a.MaxConsecutiveTurns = 2
	})
	l.consecutive = 1
	env.llm.fn = func(providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "still working"}, nil
	}

	// Cancel during the forced sleep so the test doesn't wait 60s.
	ctx, cancel := context.WithCancel(context.Background())
	env.bus.Subscribe(bus.EventAutonomyGuardrailTriggered, func(bus.Event) { cancel() })

	stop, err := l.iterate(ctx)
	if err != nil || stop {
		t.Fatalf("stop = %v, err = %v", stop, err)
	}
	if l.consecutive != 0 {
		t.Errorf("consecutive = %d, want reset", l.consecutive)
	}
	guardrails := env.events.ofType(bus.EventAutonomyGuardrailTriggered)
	if len(guardrails) != 1 || guardrails[0].Data["guardrail"] != "max_consecutive_turns" {
		t.Errorf("guardrail events = %+v", guardrails)
	}
}

func TestActiveHoursGate(t *testing.T) {
	env := newTestEnv(t)
	l := newTestLoop(t, env, func(a *workspace.AutonomyConfig) {
		a.ActiveHours = &workspace.ActiveHours{Start: "09:00", End: "17:00"}
	})
	l.now = func() time.Time {
		return time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stop, err := l.iterate(ctx)
	if err != nil || stop {
		t.Fatalf("stop = %v, err = %v", stop, err)
	}
	if env.llm.calls() != 0 {
		t.Error("no turn may run outside active hours")
	}
	guardrails := env.events.ofType(bus.EventAutonomyGuardrailTriggered)
	if len(guardrails) != 1 || guardrails[0].Data["guardrail"] != "active_hours" {
		t.Errorf("guardrail events = %+v", guardrails)
	}
}

func TestActiveHoursSpanningMidnight(t *testing.T) {
	env := newTestEnv(t)
	l := newTestLoop(t, env, func(a *workspace.AutonomyConfig) {
		a.ActiveHours = &workspace.ActiveHours{Start: "22:00", End: "06:00"}
	})

	for _, tt := range []struct {
		hour int
		want bool
	}{
		{23, true}, {2, true}, {12, false}, {21, false},
	} {
		l.now = func() time.Time {
			return time.Date(2026, 8, 26, tt.hour, 0, 0, 0, time.UTC)
		}
		if got := l.withinActiveHours(); got != tt.want {
			t.Errorf("hour %d: within = %v, want %v", tt.hour, got, tt.want)
		}
	}
}

func TestLoopStartStopIdempotent(t *testing.T) {
	env := newTestEnv(t)
	l := newTestLoop(t, env, func(a *workspace.AutonomyConfig) {
		// Park the loop on the active-hours gate so no turns run.
		a.ActiveHours = &workspace.ActiveHours{Start: "00:00", End: "00:01"}
	})
	l.now = func() time.Time {
		return time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC)
	}

	l.Start()
	l.Start()
	if !l.Running() {
		t.Fatal("loop must be running after Start")
	}

	l.Stop()
	l.Stop()
	if l.Running() {
		t.Fatal("loop must be stopped after Stop")
	}
}

func TestAutoRefreshStaleFields(t *testing.T) {
	env := newTestEnv(t)

	refresh := &fetchTool{data: map[string]any{"BTC": 63100}}
	env.registry.Register(refresh)

	cfg, _ := env.newTestAgent(t, "trader", nil)
	cfg.Autonomy = &workspace.AutonomyConfig{Enabled: true, MaxConsecutiveTurns: 50,
		TokenBudgetPerHour: 100000, MaxActionsPerMinute: 10, IdleTimeout: 600}

	hot := hotstate.New(map[string]hotstate.FieldConfig{
		"prices": {Type: "object", TTLSeconds: 60, RefreshTool: "fetch_prices"},
	})
	l := NewAutonomyLoop(cfg, filepath.Join(env.agentsDir, "trader"), LoopDeps{
		Engine: env.engine, Hot: hot, Registry: env.registry, LLM: env.llm, Bus: env.bus,
	})

	// Never written: the field is stale and declares a refresh tool.
	l.autoRefreshStaleFields(context.Background())
	if refresh.calls != 1 {
		t.Fatalf("refresh tool calls = %d", refresh.calls)
	}
	if hot.Get("prices") == nil {
		t.Error("refreshed value must land in hot state")
	}
	if hot.IsStale("prices") {
		t.Error("field must be fresh after refresh")
	}
}

// fetchTool stands in for a hot-state refresh tool.
type fetchTool struct {
	data  map[string]any
	calls int
}

func (f *fetchTool) Name() string               { return "fetch_prices" }
func (f *fetchTool) Description() string        { return "Fetch current prices." }
func (f *fetchTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (f *fetchTool) Execute(context.Context, map[string]any, tools.Context) *tools.Result {
	f.calls++
	return tools.DataResult(f.data, "fetched")
}
