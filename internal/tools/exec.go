package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

const (
	defaultExecTimeout = 30 * time.Second
	maxExecOutput      = 10000
)

// denyPatterns blocks commands that can destroy the host: recursive root
// deletes, fork bombs, raw device writes, filesystem formats.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+/(\s|$)`),
	regexp.MustCompile(`rm\s+-rf\s+[/~]`),
	regexp.MustCompile(`:\(\)\s*\{.*:\|:&.*\};:`),
	regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|vd)`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`),
}

// ExecTool runs shell commands with a hard timeout and a safety deny-list.
type ExecTool struct{}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Execute a shell command. Use this for running scripts, file operations, " +
		"or any shell-based task. Commands run with a timeout and a safety filter."
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute",
			},
			"workdir": map[string]any{
				"type":        "string",
				"description": "Working directory (defaults to workspace)",
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (default: 30)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, params map[string]any, tc Context) *Result {
	command := stringArg(params, "command", "")
	workdir := stringArg(params, "workdir", tc.WorkspaceDir)
	timeout := time.Duration(intArg(params, "timeout", 0)) * time.Second
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	for _, pattern := range denyPatterns {
		if pattern.MatchString(command) {
			return ErrorResult(fmt.Sprintf("Command blocked for safety: matches %q", pattern.String()))
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if execCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("Command timed out after %s", timeout))
	}

	stdoutStr := truncateOutput(stdout.String())
	stderrStr := truncateOutput(stderr.String())

	exitCode := 0
	if err != nil {
		exitCode = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	data := map[string]any{
		"stdout":    stdoutStr,
		"stderr":    stderrStr,
		"exit_code": exitCode,
	}

	if err != nil {
		msg := stderrStr
		if msg == "" {
			msg = err.Error()
		}
		return &Result{Success: false, Data: data, Err: msg}
	}

	msg := stdoutStr
	if stderrStr != "" {
		msg += "\nSTDERR:\n" + stderrStr
	}
	if msg == "" {
		msg = "(command completed with no output)"
	}
	return DataResult(data, msg)
}

func truncateOutput(s string) string {
	if len(s) > maxExecOutput {
		return s[:maxExecOutput] + "\n... (truncated)"
	}
	return s
}
