package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/devagent/internal/config"
	"github.com/basket/devagent/internal/policy"
	"github.com/basket/devagent/internal/session"
)

// SystemPrompt renders the instructions for the current context state. It is
// rebuilt before every reasoning call.
func SystemPrompt(state *session.State, maxFixAttempts int) string {
	var b strings.Builder
	b.WriteString("You are an Angular development assistant running in the user's terminal. ")
	b.WriteString("Turn each request into a sequence of tool calls and carry it out. ")
	b.WriteString("You reach the user's project only through the tools; never claim you lack access and never say you would do something without calling the tool.\n\n")

	fmt.Fprintf(&b, "Current project path: %s\n", state.ProjectLabel())
	fmt.Fprintf(&b, "Dev server: %s\n\n", state.DevServerLabel())

	if state.ProjectPath == "" {
		b.WriteString("No project path is set. File tools and most commands need one: either create a project with 'ng new <name>' ")
		b.WriteString("or ask the user which project to work on. Do not guess a path.\n\n")
	} else {
		b.WriteString("Relative paths resolve against the project path. Infer standard Angular locations (src/app/app.component.ts, angular.json, src/main.ts) ")
		b.WriteString("and use list_directory when unsure.\n\n")
	}

	b.WriteString("Workflow:\n")
	b.WriteString("1. Gather what you need first: read files before changing them, list directories before deleting anything.\n")
	b.WriteString("2. Issue the tool calls. Several independent reads may go in one turn.\n")
	b.WriteString("3. Commands, writes and deletes are confirmed by the user at the terminal; do not ask for confirmation yourself. A denied call is final for this request.\n")
	b.WriteString("4. Interactive CLI prompts cannot be answered. Pass non-interactive flags (for example --defaults, --skip-confirmation) and tell the user which defaults you chose.\n")
	fmt.Fprintf(&b, "5. When a command fails you will be asked for a fix, up to %d times per failure. Reply with one corrected tool call, or with plain text if there is no safe fix.\n", maxFixAttempts)
	fmt.Fprintf(&b, "6. %s returns once the server process starts; its output streams to the user's terminal. Use %s to check on it.\n",
		policy.ToolStartDevServer, policy.ToolDevServerStatus)
	b.WriteString("\nKeep final answers short and say what changed.")
	return b.String()
}

// IntentHinter adds a planning hint to user input that matches serve, stop or
// restart phrasing.
type IntentHinter struct {
	cfg config.IntentConfig
}

// NewIntentHinter creates a hinter from the configured keyword lists.
func NewIntentHinter(cfg config.IntentConfig) *IntentHinter {
	return &IntentHinter{cfg: cfg}
}

// Augment returns the text to send to the model for user input. Restart is
// checked before stop and serve.
func (h *IntentHinter) Augment(input string) string {
	if h == nil || h.cfg.Disabled {
		return input
	}
	lower := strings.ToLower(input)
	switch {
	case matchesAny(lower, h.cfg.Restart):
		return fmt.Sprintf("%s\n\n[Intent: restart the dev server. Call %s, then %s once it reports stopped or not running.]",
			input, policy.ToolStopDevServer, policy.ToolStartDevServer)
	case matchesAny(lower, h.cfg.Stop):
		return fmt.Sprintf("%s\n\n[Intent: stop the dev server. Call %s.]", input, policy.ToolStopDevServer)
	case matchesAny(lower, h.cfg.Serve):
		return fmt.Sprintf("%s\n\n[Intent: start the dev server. Call %s with 'ng serve' (or 'ng serve --open' if asked to open the browser). If the project path is not set, ask for it first.]",
			input, policy.ToolStartDevServer)
	}
	return input
}

func matchesAny(lower string, keywords []string) bool {
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" && strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// RemediationPrompt describes a failed call for a fix request.
func RemediationPrompt(ec *session.ErrorContext) string {
	args, _ := json.Marshal(ec.FailedCall.Arguments)
	var b strings.Builder
	fmt.Fprintf(&b, "The tool call %s %s failed (attempt %d of %d).\n", ec.FailedCall.Name, args, ec.AttemptCount+1, ec.MaxAttempts)
	if ec.LastCall != nil {
		last, _ := json.Marshal(ec.LastCall.Arguments)
		fmt.Fprintf(&b, "Your previous fix %s %s did not resolve it. The latest failure follows.\n", ec.LastCall.Name, last)
	}
	fmt.Fprintf(&b, "Failure kind: %s\n", ec.Failure.Kind)
	if ec.Failure.IO != "" {
		fmt.Fprintf(&b, "I/O kind: %s\n", ec.Failure.IO)
	}
	fmt.Fprintf(&b, "Message: %s\n", ec.Failure.Message)
	if raw := strings.TrimSpace(ec.Failure.RawOutput); raw != "" {
		fmt.Fprintf(&b, "Output:\n%s\n", raw)
	}
	b.WriteString("\nReply with exactly one tool call that fixes the problem: a corrected command, or a file change followed later by a re-run. ")
	b.WriteString("If there is no safe automatic fix, reply with a short plain-text explanation instead.")
	return b.String()
}

// toolPayload renders a tool result as the body sent back to the model.
func toolPayload(t session.Turn) string {
	if t.Outcome == nil {
		return `{"ok":false}`
	}
	return t.Outcome.JSON()
}
