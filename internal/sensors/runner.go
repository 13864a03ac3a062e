package sensors

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/roostlabs/roost/internal/bus"
	"github.com/roostlabs/roost/internal/hotstate"
	"github.com/roostlabs/roost/internal/providers"
	"github.com/roostlabs/roost/internal/tools"
)

// maxBackoff caps the error backoff at 5 minutes.
const maxBackoff = 300 * time.Second

// Sensor is a background collector that writes into hot state.
type Sensor interface {
	Name() string
	Start()
	Stop()
}

// Deps carries the shared wiring every sensor needs.
type Deps struct {
	AgentID  string
	Hot      *hotstate.State
	Bus      *bus.Bus
	Registry *tools.Registry
	LLM      providers.Client
}

// iterator is the per-kind body of a sensor loop. iterate performs one
// fetch-write-signal pass and does its own pacing sleep; the runner wraps
// it with error backoff and cancellation.
type iterator interface {
	iterate(ctx context.Context) error
	baseInterval() time.Duration
}

// runner owns the goroutine, backoff, and signal bookkeeping shared by all
// sensor kinds.
type runner struct {
	name string
	deps Deps
	impl iterator

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	backoff         time.Duration
	signalLastFired map[string]time.Time
}

func newRunner(name string, deps Deps, impl iterator) *runner {
	return &runner{
		name:            name,
		deps:            deps,
		impl:            impl,
		signalLastFired: make(map[string]time.Time),
	}
}

func (r *runner) Name() string { return r.name }

// Start launches the sensor task. Starting a running sensor is a no-op.
func (r *runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
	slog.Info("sensor started", "sensor", r.name, "agent", r.deps.AgentID)
}

// Stop cancels the sensor task and waits for it to unwind. Idempotent.
func (r *runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("sensor stopped", "sensor", r.name, "agent", r.deps.AgentID)
}

func (r *runner) run(ctx context.Context) {
	defer close(r.done)
	for ctx.Err() == nil {
		err := r.impl.iterate(ctx)
		if err == nil {
			r.backoff = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		slog.Error("sensor error", "sensor", r.name, "agent", r.deps.AgentID, "error", err)
		if r.deps.Bus != nil {
			r.deps.Bus.Emit(bus.EventAutonomySensorError, map[string]any{
				"agent_id":    r.deps.AgentID,
				"sensor_name": r.name,
				"error":       err.Error(),
			})
		}
		sleepCtx(ctx, r.bumpBackoff())
	}
}

// bumpBackoff advances the backoff schedule: base interval on the first
// failure, doubling on each successive one, capped at maxBackoff.
func (r *runner) bumpBackoff() time.Duration {
	if r.backoff == 0 {
		r.backoff = r.impl.baseInterval()
	} else {
		r.backoff = min(r.backoff*2, maxBackoff)
	}
	return r.backoff
}

// handleSample writes a fetched value to every bound hot-state field and
// then evaluates signals on it.
func (r *runner) handleSample(ctx context.Context, fields []string, data any) {
	for _, field := range fields {
		r.deps.Hot.Set(field, data)
		if r.deps.Bus != nil {
			r.deps.Bus.Emit(bus.EventAutonomySensorUpdated, map[string]any{
				"agent_id":    r.deps.AgentID,
				"sensor_name": r.name,
				"field":       field,
				"timestamp":   time.Now().UTC().Format(time.RFC3339),
			})
		}
	}
	r.runSignals(ctx, data)
}

// runSignals scores each configured signal against the sample and pushes a
// notification when the score clears the threshold and its cooldown.
func (r *runner) runSignals(ctx context.Context, data any) {
	configs := r.signalConfigs()
	if len(configs) == 0 || r.deps.LLM == nil {
		return
	}

	for _, cfg := range configs {
		if cfg.Cooldown > 0 {
			if last, ok := r.signalLastFired[cfg.Name]; ok {
				if time.Since(last) < time.Duration(cfg.Cooldown)*time.Second {
					continue
				}
			}
		}

		dataStr := serializeSample(data)
		resp, err := r.deps.LLM.Chat(ctx, providers.ChatRequest{
			Model: cfg.Model,
			Messages: []providers.Message{
				{Role: "system", Content: cfg.Prompt},
				{Role: "user", Content: dataStr},
			},
		})
		if err != nil {
			slog.Warn("signal evaluation failed", "sensor", r.name, "signal", cfg.Name, "error", err)
			continue
		}

		score := parseScore(resp.Content)
		threshold := cfg.Threshold
		if threshold == 0 {
			threshold = 0.8
		}
		if score < threshold {
			continue
		}

		r.signalLastFired[cfg.Name] = time.Now()
		if !cfg.ShouldNotify() {
			continue
		}
		r.deps.Hot.PushNotification(cfg.Name, map[string]any{
			"signal": cfg.Name,
			"score":  score,
			"data":   data,
			"sensor": r.name,
		})
		if r.deps.Bus != nil {
			r.deps.Bus.Emit(bus.EventAutonomyNotificationPushed, map[string]any{
				"agent_id":    r.deps.AgentID,
				"sensor_name": r.name,
				"signal_name": cfg.Name,
				"score":       score,
			})
		}
	}
}

// signalConfigs lets the per-kind impl expose its signals to the shared
// runner without duplicating them.
func (r *runner) signalConfigs() []SignalConfig {
	if sp, ok := r.impl.(interface{ signals() []SignalConfig }); ok {
		return sp.signals()
	}
	return nil
}

func serializeSample(data any) string {
	if s, ok := data.(string); ok {
		return s
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(encoded)
}

var scorePattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

// parseScore extracts the first floating-point number in [0,1] from a
// model response. Unparseable responses score 0.
func parseScore(text string) float64 {
	for _, m := range scorePattern.FindAllString(text, -1) {
		val, err := strconv.ParseFloat(m, 64)
		if err != nil {
			continue
		}
		if val >= 0 && val <= 1 {
			return val
		}
	}
	return 0
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
