// Package bus provides the in-process event bus: ordered fan-out to
// subscribers, a bounded history ring, and non-blocking delivery to
// external subscribers such as CLI tails or websocket pushers.
package bus

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a single occurrence on the bus.
type Event struct {
	ID        string         `json:"event_id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AgentID returns the agent the event concerns, if the emitter recorded one.
func (e Event) AgentID() string {
	if s, ok := e.Data["agent_id"].(string); ok {
		return s
	}
	return ""
}

// Handler receives events synchronously on the emitter's goroutine.
type Handler func(Event)

// Subscription identifies a registered handler so it can be removed later.
// Go funcs are not comparable, so removal goes through the handle instead
// of the handler value.
type Subscription int

type handlerEntry struct {
	id Subscription
	fn Handler
}

const historySize = 1000

// externalBuffer bounds the per-subscriber delivery queue. A subscriber
// that cannot keep up is dropped rather than blocking emitters.
const externalBuffer = 64

type externalSub struct {
	name string
	ch   chan Event
	done chan struct{}
}

// Bus fans events out to in-process handlers in registration order and to
// external subscribers on their own goroutines. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextSub  Subscription
	external map[string]*externalSub

	histMu  sync.Mutex
	history []Event // ring, oldest first once full
	histPos int
	full    bool
}

func New() *Bus {
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		external: make(map[string]*externalSub),
		history:  make([]Event, historySize),
	}
}

// Subscribe registers a handler for an event type. "*" receives every event.
// Handlers run synchronously on the emitter's goroutine, in registration
// order. The returned handle removes the handler via Unsubscribe.
func (b *Bus) Subscribe(eventType string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	b.handlers[eventType] = append(b.handlers[eventType], handlerEntry{id: b.nextSub, fn: h})
	return b.nextSub
}

// Unsubscribe removes a previously registered handler. Unknown handles are
// a no-op.
func (b *Bus) Unsubscribe(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, entries := range b.handlers {
		b.handlers[eventType] = slices.DeleteFunc(entries, func(e handlerEntry) bool {
			return e.id == id
		})
	}
}

// SubscribeExternal registers a named best-effort subscriber. Delivery runs
// on a dedicated goroutine; a full buffer or a returned error drops the
// subscriber.
func (b *Bus) SubscribeExternal(name string, fn func(Event) error) {
	sub := &externalSub{
		name: name,
		ch:   make(chan Event, externalBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if old, ok := b.external[name]; ok {
		close(old.done)
	}
	b.external[name] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case ev := <-sub.ch:
				if err := fn(ev); err != nil {
					slog.Warn("external subscriber failed, dropping", "subscriber", name, "error", err)
					b.UnsubscribeExternal(name)
					return
				}
			}
		}
	}()
}

// UnsubscribeExternal removes a named external subscriber.
func (b *Bus) UnsubscribeExternal(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.external[name]; ok {
		close(sub.done)
		delete(b.external, name)
	}
}

// Emit publishes an event. In-process handlers for the exact type and for
// "*" observe it, in registration order, before Emit returns.
func (b *Bus) Emit(eventType string, data map[string]any) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	b.histMu.Lock()
	b.history[b.histPos] = ev
	b.histPos = (b.histPos + 1) % historySize
	if b.histPos == 0 {
		b.full = true
	}
	b.histMu.Unlock()

	b.mu.RLock()
	entries := slices.Concat(b.handlers[eventType], b.handlers["*"])
	externals := make([]*externalSub, 0, len(b.external))
	for _, sub := range b.external {
		externals = append(externals, sub)
	}
	b.mu.RUnlock()

	for _, e := range entries {
		b.deliver(e.fn, ev)
	}

	for _, sub := range externals {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("external subscriber buffer full, dropping", "subscriber", sub.name)
			b.UnsubscribeExternal(sub.name)
		}
	}

	return ev
}

// deliver isolates handler panics so one bad subscriber cannot take down
// the emitter.
func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}

// Recent returns up to limit events from the history ring, oldest first.
// types and agentID filter when non-empty; limit <= 0 means all retained.
func (b *Bus) Recent(limit int, types []string, agentID string) []Event {
	b.histMu.Lock()
	var ordered []Event
	if b.full {
		ordered = append(ordered, b.history[b.histPos:]...)
		ordered = append(ordered, b.history[:b.histPos]...)
	} else {
		ordered = append(ordered, b.history[:b.histPos]...)
	}
	b.histMu.Unlock()

	var out []Event
	for _, ev := range ordered {
		if len(types) > 0 && !slices.Contains(types, ev.Type) {
			continue
		}
		if agentID != "" && ev.AgentID() != agentID {
			continue
		}
		out = append(out, ev)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
