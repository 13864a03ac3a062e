package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/roostlabs/roost/internal/bus"
	"github.com/roostlabs/roost/internal/providers"
	"github.com/roostlabs/roost/internal/store"
	"github.com/roostlabs/roost/internal/tools"
	"github.com/roostlabs/roost/internal/workspace"
)

// scriptedLLM returns canned responses, or delegates to fn when set, and
// records every request for inspection.
type scriptedLLM struct {
	mu        sync.Mutex
	fn        func(req providers.ChatRequest) (*providers.ChatResponse, error)
	responses []*providers.ChatResponse
	requests  []providers.ChatRequest
}

func (s *scriptedLLM) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.fn != nil {
		return s.fn(req)
	}
	if len(s.responses) > 0 {
		resp := s.responses[0]
		s.responses = s.responses[1:]
		return resp, nil
	}
	return &providers.ChatResponse{Content: "ok", FinishReason: "stop"}, nil
}

func (s *scriptedLLM) DefaultModel() string { return "test-model" }
func (s *scriptedLLM) Name() string         { return "scripted" }

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedLLM) request(i int) providers.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

// eventLog captures every bus event for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) record(ev bus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(t string) []bus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []bus.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	bus         *bus.Bus
	events      *eventLog
	llm         *scriptedLLM
	sessions    *store.SessionStore
	transcripts *store.TranscriptStore
	registry    *tools.Registry
	approvals   *tools.Approvals
	engine      *TurnEngine
	agentsDir   string
	sharedDir   string
	dataDir     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	sessions, err := store.NewSessionStore(filepath.Join(root, "data", "sessions.json"))
	if err != nil {
		t.Fatal(err)
	}
	transcripts, err := store.NewTranscriptStore(filepath.Join(root, "data", "transcripts"))
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	log := &eventLog{}
	b.Subscribe("*", log.record)

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)

	env := &testEnv{
		bus:         b,
		events:      log,
		llm:         &scriptedLLM{},
		sessions:    sessions,
		transcripts: transcripts,
		registry:    registry,
		approvals:   tools.NewApprovals(b),
		agentsDir:   filepath.Join(root, "agents"),
		sharedDir:   filepath.Join(root, "shared"),
		dataDir:     filepath.Join(root, "data"),
	}
	env.engine = NewTurnEngine(TurnDeps{
		Bus:         b,
		Sessions:    sessions,
		Transcripts: transcripts,
		Registry:    registry,
		LLM:         env.llm,
		Approvals:   env.approvals,
		AgentsDir:   env.agentsDir,
		SharedDir:   env.sharedDir,
	})
	return env
}

// newTestAgent creates a workspace directory and a config with defaults.
func (env *testEnv) newTestAgent(t *testing.T, id string, files map[string]string) (*workspace.AgentConfig, *workspace.Workspace) {
	t.Helper()
	dir := filepath.Join(env.agentsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if files == nil {
		files = map[string]string{"SOUL.md": "I am " + id + "."}
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg, err := workspace.LoadConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	ws, err := workspace.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	return cfg, ws
}

// pingTool is a trivial registerable tool for tool-loop tests.
type pingTool struct{ executed int }

func (p *pingTool) Name() string               { return "ping" }
func (p *pingTool) Description() string        { return "Reply with pong." }
func (p *pingTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (p *pingTool) Execute(context.Context, map[string]any, tools.Context) *tools.Result {
	p.executed++
	return tools.NewResult("pong")
}

func toolCallResponse(name string, args map[string]any) *providers.ChatResponse {
	return &providers.ChatResponse{
		ToolCalls:    []providers.ToolCall{{ID: "call-1", Name: name, Arguments: args}},
		FinishReason: "tool_calls",
	}
}

func TestTurnSimpleChat(t *testing.T) {
	env := newTestEnv(t)
	cfg, ws := env.newTestAgent(t, "alpha", nil)
	env.llm.responses = []*providers.ChatResponse{{
		Content:      "Hi there",
		FinishReason: "stop",
		Usage:        &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}

	key := "agent:alpha:main"
	turn, err := env.engine.Run(context.Background(), cfg, ws, key, "hello", false)
	if err != nil {
		t.Fatal(err)
	}
	if turn.Content != "Hi there" {
		t.Errorf("content = %q", turn.Content)
	}
	if turn.TokensUsed != 15 {
		t.Errorf("tokens = %d", turn.TokensUsed)
	}

	count, err := env.transcripts.NonSystemCount(key)
	if err != nil || count != 2 {
		t.Errorf("transcript count = %d, err = %v", count, err)
	}
	tr, err := env.transcripts.Load(key)
	if err != nil {
		t.Fatal(err)
	}
	last := tr.Messages[len(tr.Messages)-1]
	if last.Role != "assistant" || last.Content != "Hi there" {
		t.Errorf("last message = %+v", last)
	}

	sess, err := env.sessions.Get(key)
	if err != nil || sess.TotalTokens != 15 {
		t.Errorf("session tokens = %+v, err = %v", sess, err)
	}
	if len(env.events.ofType(bus.EventAgentMessage)) != 1 {
		t.Error("agent:message must fire once")
	}

	// System prompt carries the workspace and the tool roster.
	sys := env.llm.request(0).Messages[0]
	if sys.Role != "system" || !strings.Contains(sys.Content, "I am alpha.") {
		t.Errorf("system prompt = %q", sys.Content)
	}
	if !strings.Contains(sys.Content, "Available Tools") {
		t.Error("system prompt missing tool roster")
	}
}

func TestTurnToolRoundCap(t *testing.T) {
	env := newTestEnv(t)
	ping := &pingTool{}
	env.registry.Register(ping)

	cfg, ws := env.newTestAgent(t, "looper", nil)
	cfg.MaxToolRounds = 2
	env.llm.fn = func(providers.ChatRequest) (*providers.ChatResponse, error) {
		resp := toolCallResponse("ping", map[string]any{})
		resp.Content = "calling ping"
		return resp, nil
	}

	turn, err := env.engine.Run(context.Background(), cfg, ws, "agent:looper:main", "go", false)
	if err != nil {
		t.Fatal(err)
	}
	if turn.ToolsExecuted != 2 || ping.executed != 2 {
		t.Errorf("tools executed = %d (ping %d)", turn.ToolsExecuted, ping.executed)
	}
	if !strings.Contains(turn.Content, "maximum tool rounds reached") {
		t.Errorf("content missing cap note: %q", turn.Content)
	}
	// Two tool rounds plus the capped final response.
	if env.llm.calls() != 3 {
		t.Errorf("llm calls = %d", env.llm.calls())
	}
	if got := len(env.events.ofType(bus.EventAgentToolCall)); got != 2 {
		t.Errorf("tool_call events = %d", got)
	}
}

func TestTurnBackendError(t *testing.T) {
	env := newTestEnv(t)
	cfg, ws := env.newTestAgent(t, "alpha", nil)
	env.llm.fn = func(providers.ChatRequest) (*providers.ChatResponse, error) {
		return nil, errors.New("backend unreachable")
	}

	key := "agent:alpha:main"
	turn, err := env.engine.Run(context.Background(), cfg, ws, key, "hello", false)
	if err != nil {
		t.Fatal("backend errors must not fail the turn")
	}
	if turn.Content != "Error: backend unreachable" {
		t.Errorf("content = %q", turn.Content)
	}

	// The transcript still gains the user/assistant pair.
	count, _ := env.transcripts.NonSystemCount(key)
	if count != 2 {
		t.Errorf("transcript count = %d", count)
	}
	if len(env.events.ofType(bus.EventAgentError)) != 1 {
		t.Error("agent:error must fire")
	}
}

func TestTurnYieldCapture(t *testing.T) {
	env := newTestEnv(t)
	cfg, ws := env.newTestAgent(t, "trader", nil)

	first := true
	env.llm.fn = func(providers.ChatRequest) (*providers.ChatResponse, error) {
		if first {
			first = false
			return toolCallResponse("yield", map[string]any{
				"mode":          "sleep",
				"sleep":         float64(45),
				"wake_early_if": []any{"order_filled"},
			}), nil
		}
		return &providers.ChatResponse{Content: "Sleeping for 45s"}, nil
	}

	turn, err := env.engine.Run(context.Background(), cfg, ws, "agent:trader:autonomy", "turn 1", true)
	if err != nil {
		t.Fatal(err)
	}
	if turn.Yield == nil {
		t.Fatal("structured yield must be captured")
	}
	if turn.Yield.Mode != "sleep" || turn.Yield.SleepSeconds != 45 {
		t.Errorf("yield = %+v", turn.Yield)
	}
	if len(turn.Yield.WakeEarlyIf) != 1 || turn.Yield.WakeEarlyIf[0] != "order_filled" {
		t.Errorf("wake list = %v", turn.Yield.WakeEarlyIf)
	}
}

func TestTurnAutonomousOnlyToolBlockedInChat(t *testing.T) {
	env := newTestEnv(t)
	cfg, ws := env.newTestAgent(t, "alpha", nil)

	first := true
	env.llm.fn = func(providers.ChatRequest) (*providers.ChatResponse, error) {
		if first {
			first = false
			return toolCallResponse("yield", map[string]any{"mode": "continue"}), nil
		}
		return &providers.ChatResponse{Content: "understood"}, nil
	}

	if _, err := env.engine.Run(context.Background(), cfg, ws, "agent:alpha:main", "hi", false); err != nil {
		t.Fatal(err)
	}
	results := env.events.ofType(bus.EventAgentToolResult)
	if len(results) != 1 {
		t.Fatalf("tool_result events = %d", len(results))
	}
	if success, _ := results[0].Data["success"].(bool); success {
		t.Error("yield outside autonomy must fail")
	}
}

func TestTurnCompaction(t *testing.T) {
	env := newTestEnv(t)
	cfg, ws := env.newTestAgent(t, "chatty", nil)
	key := "agent:chatty:main"

	for i := 0; i < 35; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := env.transcripts.Append(key, "chatty", store.Message{
			Role: role, Content: fmt.Sprintf("message %d", i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	env.llm.fn = func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		if strings.Contains(req.Messages[0].Content, "Summarize") {
			return &providers.ChatResponse{Content: "Earlier: 25 routine exchanges."}, nil
		}
		return &providers.ChatResponse{Content: "ok"}, nil
	}

	if _, err := env.engine.Run(context.Background(), cfg, ws, key, "hello", false); err != nil {
		t.Fatal(err)
	}

	tr, err := env.transcripts.Load(key)
	if err != nil {
		t.Fatal(err)
	}
	if tr.CompactionCount != 1 {
		t.Errorf("compaction count = %d", tr.CompactionCount)
	}

	// Kept tail plus this turn's pair.
	count, _ := env.transcripts.NonSystemCount(key)
	if count != 12 {
		t.Errorf("post-compaction count = %d", count)
	}
	if tr.Summary != "Earlier: 25 routine exchanges." {
		t.Errorf("summary = %q", tr.Summary)
	}

	// The summary reaches the model as a synthetic system message.
	msgs, err := env.transcripts.MessagesForContext(key, 50)
	if err != nil {
		t.Fatal(err)
	}
	var injected bool
	for _, m := range msgs {
		if m.Role == "system" && strings.Contains(m.Content, "Earlier: 25 routine exchanges.") {
			injected = true
		}
	}
	if !injected {
		t.Error("summary must be injected into the context window")
	}
}

func TestTurnConsumesBootstrap(t *testing.T) {
	env := newTestEnv(t)
	cfg, ws := env.newTestAgent(t, "fresh", map[string]string{
		"SOUL.md":      "soul",
		"BOOTSTRAP.md": "Welcome. Introduce yourself.",
	})

	if _, err := env.engine.Run(context.Background(), cfg, ws, "agent:fresh:main", "hi", false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(env.agentsDir, "fresh", "BOOTSTRAP.md")); !os.IsNotExist(err) {
		t.Error("BOOTSTRAP.md must be consumed after the first turn")
	}
}

func TestTurnSubagentSessionDropsMemory(t *testing.T) {
	env := newTestEnv(t)
	cfg, ws := env.newTestAgent(t, "alpha", map[string]string{
		"SOUL.md":   "soul",
		"MEMORY.md": "private-notes",
	})

	if _, err := env.engine.Run(context.Background(), cfg, ws, "subagent:alpha:abc12345", "task", false); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(env.llm.request(0).Messages[0].Content, "private-notes") {
		t.Error("sub-agent system prompt must not include MEMORY.md")
	}

	if _, err := env.engine.Run(context.Background(), cfg, ws, "agent:alpha:main", "hi", false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(env.llm.request(1).Messages[0].Content, "private-notes") {
		t.Error("main session system prompt must include MEMORY.md")
	}
}
