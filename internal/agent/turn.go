package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/roostlabs/roost/internal/bus"
	"github.com/roostlabs/roost/internal/providers"
	"github.com/roostlabs/roost/internal/store"
	"github.com/roostlabs/roost/internal/tools"
	"github.com/roostlabs/roost/internal/workspace"
)

const (
	// compactionThreshold is the non-system message count that triggers
	// auto-compaction; compactionKeep messages survive it verbatim.
	compactionThreshold = 30
	compactionKeep      = 10

	// contextMaxMessages bounds how much transcript goes into a request.
	contextMaxMessages = 50

	toolCapNote = "\n\n[Tool execution stopped: maximum tool rounds reached]"
)

// TurnDeps is the shared wiring for turn execution.
type TurnDeps struct {
	Bus         *bus.Bus
	Sessions    *store.SessionStore
	Transcripts *store.TranscriptStore
	Registry    *tools.Registry
	LLM         providers.Client
	Approvals   *tools.Approvals

	AgentsDir string
	SharedDir string

	// Spawn and Host are wired by the manager; tools reach the host
	// through them.
	Spawn tools.SpawnFunc
	Host  tools.HostControl
}

// TurnResult is what one completed turn produced.
type TurnResult struct {
	Content       string
	Thinking      string
	Yield         *tools.YieldDirective
	ToolsExecuted int
	TokensUsed    int
}

// TurnEngine runs single agent turns: one incoming message through the
// LLM-and-tools loop to one final assistant text, recorded in the
// transcript.
type TurnEngine struct {
	deps TurnDeps
}

func NewTurnEngine(deps TurnDeps) *TurnEngine {
	return &TurnEngine{deps: deps}
}

// Run executes one turn for the given session. Autonomous sessions see the
// autonomous-only tools (yield); sub-agent sessions drop MEMORY.md from
// context. LLM transport errors become the turn's final content rather
// than an error; the transcript always gains the user/assistant pair.
func (e *TurnEngine) Run(ctx context.Context, cfg *workspace.AgentConfig, ws *workspace.Workspace, sessionKey, userMessage string, autonomous bool) (*TurnResult, error) {
	if _, err := e.deps.Sessions.GetOrCreate(sessionKey, cfg.ID); err != nil {
		return nil, err
	}

	systemPrompt := e.buildSystemPrompt(cfg, ws, sessionKey)
	if err := e.maybeCompact(ctx, cfg, sessionKey); err != nil {
		slog.Warn("transcript compaction failed", "session", sessionKey, "error", err)
	}

	history, err := e.deps.Transcripts.MessagesForContext(sessionKey, contextMaxMessages)
	if err != nil {
		return nil, err
	}

	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})
	for _, m := range history {
		messages = append(messages, m.ToProviderMessage())
	}
	messages = append(messages, providers.Message{Role: "user", Content: userMessage})

	schemas := e.deps.Registry.Schemas(cfg.Tools, autonomous)
	result := &TurnResult{}

	toolRounds := 0
	for {
		resp, err := e.deps.LLM.Chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    schemas,
			Model:    cfg.Model,
		})
		if err != nil {
			result.Content = "Error: " + err.Error()
			e.deps.Bus.Emit(bus.EventAgentError, map[string]any{
				"agent_id":    cfg.ID,
				"session_key": sessionKey,
				"error":       err.Error(),
			})
			break
		}

		if resp.Usage != nil {
			result.TokensUsed += resp.Usage.Total()
			if err := e.deps.Sessions.AddTokens(sessionKey, resp.Usage.PromptTokens, resp.Usage.CompletionTokens); err != nil {
				slog.Warn("token accounting failed", "session", sessionKey, "error", err)
			}
		}
		if resp.Thinking != "" {
			result.Thinking = resp.Thinking
			e.deps.Bus.Emit(bus.EventAgentThinking, map[string]any{
				"agent_id":    cfg.ID,
				"session_key": sessionKey,
				"thinking":    truncate(resp.Thinking, 500),
			})
		}

		if len(resp.ToolCalls) == 0 {
			result.Content = resp.Content
			break
		}
		if toolRounds >= cfg.MaxToolRounds {
			result.Content = resp.Content + toolCapNote
			break
		}
		toolRounds++

		assistantMsg := providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistantMsg)

		for _, call := range resp.ToolCalls {
			toolResult := e.executeTool(ctx, cfg, ws, sessionKey, call, autonomous)
			result.ToolsExecuted++
			if toolResult.Yield != nil {
				result.Yield = toolResult.Yield
			}
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    toolResult.Content(),
				ToolCallID: call.ID,
			})
		}
	}

	if err := e.deps.Transcripts.Append(sessionKey, cfg.ID, store.Message{
		Role: "user", Content: userMessage,
	}); err != nil {
		slog.Error("transcript append failed", "session", sessionKey, "error", err)
	}
	if err := e.deps.Transcripts.Append(sessionKey, cfg.ID, store.Message{
		Role: "assistant", Content: result.Content, Thinking: result.Thinking,
	}); err != nil {
		slog.Error("transcript append failed", "session", sessionKey, "error", err)
	}

	e.deps.Bus.Emit(bus.EventAgentMessage, map[string]any{
		"agent_id":    cfg.ID,
		"session_key": sessionKey,
		"message":     truncate(userMessage, 200),
		"response":    truncate(result.Content, 500),
	})

	// BOOTSTRAP.md is one-shot context: consumed after its first turn.
	if ws.Bootstrap != "" {
		workspace.ConsumeBootstrap(ws.Dir)
	}

	return result, nil
}

func (e *TurnEngine) executeTool(ctx context.Context, cfg *workspace.AgentConfig, ws *workspace.Workspace, sessionKey string, call providers.ToolCall, autonomous bool) *tools.Result {
	e.deps.Bus.Emit(bus.EventAgentToolCall, map[string]any{
		"agent_id":    cfg.ID,
		"session_key": sessionKey,
		"tool_name":   call.Name,
		"arguments":   call.Arguments,
	})

	tc := tools.Context{
		AgentID:      cfg.ID,
		SessionKey:   sessionKey,
		WorkspaceDir: ws.Dir,
		AgentsDir:    e.deps.AgentsDir,
		SharedDir:    e.deps.SharedDir,
		Approvals:    e.deps.Approvals,
		Registry:     e.deps.Registry,
		Spawn:        e.deps.Spawn,
		Host:         e.deps.Host,
	}

	// Yield only means something inside an autonomy session.
	if !autonomous {
		if t, ok := e.deps.Registry.Get(call.Name); ok && tools.IsAutonomousOnly(t) {
			return tools.ErrorResult(fmt.Sprintf("Tool %s is only available in autonomous mode", call.Name))
		}
	}

	result := e.deps.Registry.Execute(ctx, call.Name, call.Arguments, tc)

	e.deps.Bus.Emit(bus.EventAgentToolResult, map[string]any{
		"agent_id":       cfg.ID,
		"session_key":    sessionKey,
		"tool_name":      call.Name,
		"success":        result.Success,
		"result_preview": truncate(result.Content(), 200),
	})
	return result
}

// buildSystemPrompt concatenates the workspace sections and a tool roster.
func (e *TurnEngine) buildSystemPrompt(cfg *workspace.AgentConfig, ws *workspace.Workspace, sessionKey string) string {
	opts := workspace.FullContext
	// Sub-agent sessions don't see long-term memory.
	if strings.HasPrefix(sessionKey, "subagent:") {
		opts.IncludeMemory = false
	}

	body := ws.BuildContext(opts)
	roster := e.toolRoster(cfg.Tools)
	if roster == "" {
		return body
	}
	if body == "" {
		return roster
	}
	return body + "\n\n---\n\n" + roster
}

func (e *TurnEngine) toolRoster(allowed []string) string {
	list := e.deps.Registry.List()
	if len(list) == 0 {
		return ""
	}
	allowSet := map[string]bool{}
	for _, name := range allowed {
		allowSet[name] = true
	}

	var lines []string
	for _, t := range list {
		if len(allowed) > 0 && !allowSet[t.Name()] {
			continue
		}
		desc := strings.TrimSpace(t.Description())
		if idx := strings.IndexByte(desc, '.'); idx > 0 {
			desc = desc[:idx+1]
		}
		lines = append(lines, fmt.Sprintf("- `%s` — %s", t.Name(), desc))
	}
	if len(lines) == 0 {
		return ""
	}
	sort.Strings(lines)
	return "## Available Tools\n" + strings.Join(lines, "\n")
}

// maybeCompact summarizes the transcript when it grows past the threshold.
// A failed summarization still compacts, with a placeholder summary, so the
// transcript can't grow without bound.
func (e *TurnEngine) maybeCompact(ctx context.Context, cfg *workspace.AgentConfig, sessionKey string) error {
	count, err := e.deps.Transcripts.NonSystemCount(sessionKey)
	if err != nil || count <= compactionThreshold {
		return err
	}

	old, err := e.deps.Transcripts.OldMessages(sessionKey, compactionKeep)
	if err != nil {
		return err
	}

	summary := e.summarize(ctx, cfg, old)
	if summary == "" {
		summary = fmt.Sprintf("[%d earlier messages compacted]", len(old))
	}
	slog.Info("transcript compacted", "session", sessionKey, "messages", len(old))
	return e.deps.Transcripts.Compact(sessionKey, compactionKeep, summary)
}

func (e *TurnEngine) summarize(ctx context.Context, cfg *workspace.AgentConfig, old []store.Message) string {
	var b strings.Builder
	for _, m := range old {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, truncate(m.Content, 500))
	}

	resp, err := e.deps.LLM.Chat(ctx, providers.ChatRequest{
		Model: cfg.Model,
		Messages: []providers.Message{
			{Role: "system", Content: "Summarize the following conversation concisely, " +
				"preserving decisions, open tasks, and important facts. Reply with the summary only."},
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		slog.Warn("summarization failed", "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}
