package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// stderrSnippetLimit bounds the stderr excerpt embedded in the
	// no-output failure message.
	stderrSnippetLimit = 500

	successSubtype = "success"

	usageFooter = "\n\n---\n" +
		"To use this plugin:\n" +
		"- list_plugins: see all available plugins\n" +
		"- show_plugin(name): see tools in a plugin and their parameters\n" +
		"- run_plugin_tool(plugin, tool, parameters): run a tool"
)

// Outcome is the user-facing resolution of one agent run.
type Outcome struct {
	Success bool
	Message string
}

// resultEnvelope is the JSON record the agent CLI prints on stdout.
type resultEnvelope struct {
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Errors  []any  `json:"errors"`
}

// ResolveOutcome turns a finished, non-timed-out run into the text reported
// upstream.
func ResolveOutcome(res *Result) Outcome {
	stdout := strings.TrimSpace(res.Stdout)
	if stdout == "" {
		return Outcome{Message: fmt.Sprintf(
			"Coding task failed: claude produced no output (exit code %d). stderr: %s",
			res.ExitCode, stderrSnippet(res.Stderr))}
	}

	var envelope resultEnvelope
	if err := json.Unmarshal([]byte(stdout), &envelope); err != nil {
		return Outcome{Message: FailureMessage(fmt.Errorf("decode agent output: %w", err))}
	}

	if envelope.Subtype != successSubtype || envelope.IsError {
		parts := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			parts = append(parts, fmt.Sprintf("%v", e))
		}
		return Outcome{Message: "Coding task failed: " + strings.Join(parts, "\n")}
	}

	return Outcome{Success: true, Message: envelope.Result + usageFooter}
}

// TimeoutMessage is the fixed text for a run that exceeded the wall-clock
// budget.
func TimeoutMessage(timeout time.Duration) string {
	return fmt.Sprintf("Coding task failed: timed out after %d seconds.", int(timeout.Seconds()))
}

// FailureMessage wraps any internal error in the reported failure text.
func FailureMessage(err error) string {
	return fmt.Sprintf("Coding task failed: %v", err)
}

func stderrSnippet(stderr string) string {
	if stderr == "" {
		return "no output"
	}
	s := strings.TrimSpace(stderr)
	if len(s) > stderrSnippetLimit {
		s = s[:stderrSnippetLimit]
	}
	return s
}
