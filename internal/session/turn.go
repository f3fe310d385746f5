package session

import (
	"reflect"
	"time"
)

// TurnKind tags a history entry.
type TurnKind string

const (
	TurnUser       TurnKind = "user"
	TurnToolCall   TurnKind = "tool_call"
	TurnToolResult TurnKind = "tool_result"
	TurnAssistant  TurnKind = "assistant"
)

// ToolCall is a structured request emitted by the reasoning capability.
type ToolCall struct {
	ID                   string         `yaml:"id" json:"id"`
	Name                 string         `yaml:"name" json:"name"`
	Arguments            map[string]any `yaml:"arguments,omitempty" json:"arguments,omitempty"`
	RequiresConfirmation bool           `yaml:"requires_confirmation,omitempty" json:"-"`
}

// String returns an argument as a string, or "" when absent or not a string.
func (c ToolCall) String(key string) string {
	if v, ok := c.Arguments[key].(string); ok {
		return v
	}
	return ""
}

// Int returns a numeric argument. JSON decoding yields float64, YAML yields int.
func (c ToolCall) Int(key string) (int, bool) {
	switch v := c.Arguments[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Equal reports whether two calls name the same tool with the same arguments.
func (c ToolCall) Equal(o ToolCall) bool {
	if c.Name != o.Name || len(c.Arguments) != len(o.Arguments) {
		return false
	}
	return len(c.Arguments) == 0 || reflect.DeepEqual(c.Arguments, o.Arguments)
}

// Turn is one history entry. Exactly the fields relevant to Kind are set.
type Turn struct {
	Kind    TurnKind  `yaml:"kind"`
	Text    string    `yaml:"text,omitempty"`
	Call    *ToolCall `yaml:"call,omitempty"`
	CallID  string    `yaml:"call_id,omitempty"`
	Tool    string    `yaml:"tool,omitempty"`
	Outcome *Outcome  `yaml:"outcome,omitempty"`
	At      time.Time `yaml:"at"`
}

// UserTurn builds a user message.
func UserTurn(text string) Turn {
	return Turn{Kind: TurnUser, Text: text, At: time.Now().UTC()}
}

// AssistantTurn builds a final assistant reply.
func AssistantTurn(text string) Turn {
	return Turn{Kind: TurnAssistant, Text: text, At: time.Now().UTC()}
}

// CallTurn records a tool call as issued.
func CallTurn(call ToolCall) Turn {
	c := call
	return Turn{Kind: TurnToolCall, Call: &c, CallID: call.ID, Tool: call.Name, At: time.Now().UTC()}
}

// ResultTurn records the outcome of the call with the given id.
func ResultTurn(call ToolCall, outcome Outcome) Turn {
	o := outcome
	return Turn{Kind: TurnToolResult, CallID: call.ID, Tool: call.Name, Outcome: &o, At: time.Now().UTC()}
}
