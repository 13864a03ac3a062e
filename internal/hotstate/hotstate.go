// Package hotstate implements the typed per-agent field store that sensors
// write into and the autonomy loop reads each turn. Fields carry a TTL for
// staleness tracking; a FIFO notification queue carries sensor alerts to
// the loop.
package hotstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Valid field types.
var ValidFieldTypes = []string{"object", "number", "string", "array", "boolean"}

// FieldConfig declares one field in the agent's hot-state schema.
type FieldConfig struct {
	Type        string `json:"type" yaml:"type"`
	TTLSeconds  int    `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	RefreshTool string `json:"refresh_tool,omitempty" yaml:"refresh_tool,omitempty"`
	MaxItems    int    `json:"max_items,omitempty" yaml:"max_items,omitempty"`
}

type fieldState struct {
	config    FieldConfig
	value     any
	updatedAt time.Time // zero until first write
}

// Notification is a high-priority alert pushed by a sensor signal.
type Notification struct {
	Name      string         `json:"name"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// State is one agent's hot state. Safe for concurrent use by multiple
// sensors and the loop.
type State struct {
	mu            sync.Mutex
	fields        map[string]*fieldState
	order         []string // schema declaration order, for stable rendering
	notifications []Notification
}

// New builds a state instance from the declared schema. Field order follows
// the order slice when provided so render output is stable.
func New(configs map[string]FieldConfig) *State {
	s := &State{fields: make(map[string]*fieldState, len(configs))}
	for name, cfg := range configs {
		s.fields[name] = &fieldState{config: cfg}
		s.order = append(s.order, name)
	}
	// Map iteration order is random; sort for stable rendering.
	sort.Strings(s.order)
	return s
}

// Set writes a field's value and stamps updated_at. Writes to fields not in
// the schema are dropped with a log line so a misspelled sensor binding
// cannot create ghost state.
func (s *State) Set(name string, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fields[name]
	if !ok {
		slog.Warn("hot state field not in schema", "field", name)
		return false
	}

	if f.config.Type == "array" && f.config.MaxItems > 0 {
		if items, ok := value.([]any); ok && len(items) > f.config.MaxItems {
			value = items[len(items)-f.config.MaxItems:]
		}
	}

	f.value = value
	f.updatedAt = time.Now()
	return true
}

// Append adds an item to an array field, dropping the oldest elements
// beyond max_items.
func (s *State) Append(name string, item any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fields[name]
	if !ok {
		slog.Warn("hot state field not in schema", "field", name)
		return false
	}
	if f.config.Type != "array" {
		slog.Warn("cannot append to non-array field", "field", name)
		return false
	}

	items, _ := f.value.([]any)
	items = append(items, item)
	if f.config.MaxItems > 0 && len(items) > f.config.MaxItems {
		items = items[len(items)-f.config.MaxItems:]
	}
	f.value = items
	f.updatedAt = time.Now()
	return true
}

// Get returns a field's current value, nil when unset or unknown.
func (s *State) Get(name string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.fields[name]; ok {
		return f.value
	}
	return nil
}

// IsStale reports whether a field is past its TTL. Fields without a TTL are
// never stale; fields with a TTL that were never written are always stale.
func (s *State) IsStale(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fields[name]
	if !ok {
		return false
	}
	return staleLocked(f, time.Now())
}

func staleLocked(f *fieldState, now time.Time) bool {
	if f.config.TTLSeconds <= 0 {
		return false
	}
	if f.updatedAt.IsZero() {
		return true
	}
	return now.Sub(f.updatedAt) > time.Duration(f.config.TTLSeconds)*time.Second
}

// RefreshableStaleFields returns (field, refresh tool) pairs for every stale
// field that declares a refresh_tool.
func (s *State) RefreshableStaleFields() [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out [][2]string
	for _, name := range s.order {
		f := s.fields[name]
		if f.config.RefreshTool != "" && staleLocked(f, now) {
			out = append(out, [2]string{name, f.config.RefreshTool})
		}
	}
	return out
}

// PushNotification enqueues a sensor alert.
func (s *State) PushNotification(name string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, Notification{
		Name:      name,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// PopNotifications drains the queue atomically.
func (s *State) PopNotifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.notifications
	s.notifications = nil
	return out
}

// HasNotifications reports whether any notifications are pending.
func (s *State) HasNotifications() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notifications) > 0
}

// PendingNames returns the names of queued notifications without draining
// them; the early-wake sleep polls this.
func (s *State) PendingNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.notifications))
	for i, n := range s.notifications {
		names[i] = n.Name
	}
	return names
}

// DiffSince returns the fields written after ts with their values.
func (s *State) DiffSince(ts time.Time) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := make(map[string]any)
	for name, f := range s.fields {
		if !f.updatedAt.IsZero() && f.updatedAt.After(ts) {
			changed[name] = map[string]any{
				"value":      f.value,
				"updated_at": f.updatedAt,
			}
		}
	}
	return changed
}

// SnapshotTime returns the current time for a later DiffSince.
func (s *State) SnapshotTime() time.Time {
	return time.Now()
}

// Render serializes the state to a markdown block for LLM context
// injection, marking fields past their TTL with the elapsed age.
func (s *State) Render() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.fields) == 0 {
		return ""
	}

	now := time.Now()
	var b strings.Builder
	b.WriteString("## Hot State\n\n")

	for _, name := range s.order {
		f := s.fields[name]
		if f.value == nil {
			fmt.Fprintf(&b, "**%s**: (not yet loaded)\n", name)
			continue
		}

		valStr := formatValue(f.value)
		if f.config.TTLSeconds > 0 && !f.updatedAt.IsZero() {
			if age := now.Sub(f.updatedAt); age > time.Duration(f.config.TTLSeconds)*time.Second {
				fmt.Fprintf(&b, "**%s**: %s (stale: %s ago)\n", name, valStr, formatAge(age))
				continue
			}
		}
		fmt.Fprintf(&b, "**%s**: %s\n", name, valStr)
	}

	return strings.TrimRight(b.String(), "\n")
}

func formatValue(v any) string {
	switch v.(type) {
	case map[string]any, []any:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
	}
	return fmt.Sprintf("%v", v)
}

func formatAge(age time.Duration) string {
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(age.Hours()))
	}
}

// persistedField is the on-disk shape for SaveTo/RestoreFrom.
type persistedField struct {
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveTo writes current field values so they survive a host restart.
func (s *State) SaveTo(path string) error {
	s.mu.Lock()
	out := make(map[string]persistedField)
	for name, f := range s.fields {
		if f.value != nil {
			out[name] = persistedField{Value: f.value, UpdatedAt: f.updatedAt}
		}
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hot state: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// RestoreFrom loads previously saved values. Staleness is recomputed from
// the saved timestamps; fields no longer in the schema are skipped.
func (s *State) RestoreFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read hot state: %w", err)
	}

	var saved map[string]persistedField
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("parse hot state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, pf := range saved {
		if f, ok := s.fields[name]; ok {
			f.value = pf.Value
			f.updatedAt = pf.UpdatedAt
		}
	}
	return nil
}
