// Package providers abstracts LLM backends behind a small chat interface.
package providers

import "context"

// Client is the LLM interface the rest of the host depends on.
// Implementations must be safe for concurrent use.
type Client interface {
	// Chat sends a conversation and returns the model's reply.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// DefaultModel returns the model used when a request doesn't name one.
	DefaultModel() string
	// Name identifies the backend ("openai", "openrouter", ...).
	Name() string
}

// ChatRequest is a provider-agnostic chat completion request.
type ChatRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Model       string
	MaxTokens   int
	Temperature float64
}

// ChatResponse is the normalized result of a chat completion.
type ChatResponse struct {
	Content      string
	Thinking     string // reasoning trace, when the backend exposes one
	ToolCalls    []ToolCall
	FinishReason string // "stop", "tool_calls", "length"
	Usage        *Usage
}

// Message is a single conversation entry in provider-neutral form.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
// Arguments are decoded from the wire JSON string into a map.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a callable tool in OpenAI function format.
type ToolDefinition struct {
	Type     string             `json:"type"` // always "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the function portion of a tool definition.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage reports token consumption for a single completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Total returns TotalTokens, falling back to the sum when the provider
// omits the aggregate field.
func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}
