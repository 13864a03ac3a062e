package tools

import "encoding/json"

// YieldDirective is the structured pacing decision produced by the yield
// tool. The turn engine lifts it off the tool result so the autonomy loop
// never has to re-parse prose.
type YieldDirective struct {
	Mode         string   // "sleep", "continue", "shutdown"
	SleepSeconds int
	Reason       string
	WakeEarlyIf  []string
}

// Result is the outcome of one tool execution. Tool failures are values,
// not Go errors, so the LLM loop can observe them and recover.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	Err     string         `json:"error,omitempty"`

	// Approval flow
	RequiresApproval    bool   `json:"requires_approval,omitempty"`
	ApprovalID          string `json:"approval_id,omitempty"`
	ApprovalDescription string `json:"approval_description,omitempty"`

	// Set by the yield tool only; never serialized.
	Yield *YieldDirective `json:"-"`
}

// NewResult returns a successful result with a message.
func NewResult(message string) *Result {
	return &Result{Success: true, Message: message}
}

// DataResult returns a successful result carrying structured data.
func DataResult(data map[string]any, message string) *Result {
	return &Result{Success: true, Data: data, Message: message}
}

// ErrorResult returns a failed result with an error string.
func ErrorResult(err string) *Result {
	return &Result{Success: false, Err: err}
}

// Content renders the result as the concise string the model sees:
// error text, else message, else the data as JSON, else a bare verdict.
func (r *Result) Content() string {
	if r.Err != "" {
		return "Error: " + r.Err
	}
	if r.Message != "" {
		return r.Message
	}
	if len(r.Data) > 0 {
		if data, err := json.MarshalIndent(r.Data, "", "  "); err == nil {
			return string(data)
		}
	}
	if r.Success {
		return "Success"
	}
	return "Failed"
}
