package tools

import (
	"context"
	"fmt"
	"strings"
)

// Valid yield pacing modes.
var validYieldModes = []string{"sleep", "continue", "shutdown"}

// YieldTool lets autonomous agents control their pacing. It validates the
// request and returns an acknowledgement plus a structured directive; the
// autonomy loop enacts the actual sleep/stop.
type YieldTool struct{}

func (t *YieldTool) Name() string { return "yield" }

func (t *YieldTool) AutonomousOnly() bool { return true }

func (t *YieldTool) Description() string {
	return "Control your execution pacing in autonomous mode. Call with mode='sleep' " +
		"to pause for N seconds, mode='continue' for immediate next turn, or " +
		"mode='shutdown' to stop the autonomous loop."
}

func (t *YieldTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"mode": map[string]any{
				"type":        "string",
				"enum":        validYieldModes,
				"description": "Pacing mode: 'sleep' (pause), 'continue' (immediate next turn), 'shutdown' (stop loop)",
			},
			"sleep": map[string]any{
				"type":        "integer",
				"description": "Seconds to sleep (required when mode='sleep')",
			},
			"reason": map[string]any{
				"type":        "string",
				"description": "Human-readable explanation for this yield decision",
			},
			"wake_early_if": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Notification names that should wake the agent early during sleep",
			},
		},
		"required": []string{"mode"},
	}
}

func (t *YieldTool) Execute(_ context.Context, params map[string]any, _ Context) *Result {
	mode := stringArg(params, "mode", "")
	sleepSeconds := intArg(params, "sleep", 0)
	reason := stringArg(params, "reason", "")
	wakeEarlyIf := stringListArg(params, "wake_early_if")

	valid := false
	for _, m := range validYieldModes {
		if mode == m {
			valid = true
			break
		}
	}
	if !valid {
		return ErrorResult(fmt.Sprintf("Invalid mode: '%s'. Must be one of: %s",
			mode, strings.Join(validYieldModes, ", ")))
	}

	if mode == "sleep" && sleepSeconds <= 0 {
		return ErrorResult("mode='sleep' requires a positive integer 'sleep' parameter (seconds)")
	}

	var msg string
	switch mode {
	case "sleep":
		msg = fmt.Sprintf("Sleeping for %ds", sleepSeconds)
		if len(wakeEarlyIf) > 0 {
			msg += fmt.Sprintf(" (wake early on: %s)", strings.Join(wakeEarlyIf, ", "))
		}
	case "continue":
		msg = "Continuing immediately"
	default:
		msg = "Shutting down autonomous loop"
	}
	if reason != "" {
		msg += " — " + reason
	}

	result := NewResult(msg)
	result.Yield = &YieldDirective{
		Mode:         mode,
		SleepSeconds: sleepSeconds,
		Reason:       reason,
		WakeEarlyIf:  wakeEarlyIf,
	}
	return result
}
