package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/devagent/internal/bus"
	"github.com/basket/devagent/internal/safety"
	"github.com/basket/devagent/internal/session"
	"github.com/basket/devagent/internal/shared"
)

// Spec is the declaration handed to reasoning adapters: a tool name, a
// description, and a JSON Schema for its arguments.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Handler executes a validated call.
type Handler func(ctx context.Context, call session.ToolCall) session.Outcome

// Describer renders the effect of a call for confirmation prompts.
type Describer func(call session.ToolCall) string

// Tool bundles a spec with its behaviour.
type Tool struct {
	Spec     Spec
	Handler  Handler
	Describe Describer
}

type registered struct {
	Tool
	schema *jsonschema.Schema
}

// Registry holds the fixed set of invocable tools in declaration order.
type Registry struct {
	tools  map[string]*registered
	order  []string
	bus    bus.Publisher
	logger *slog.Logger
}

// NewRegistry creates an empty registry. pub may be nil.
func NewRegistry(pub bus.Publisher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*registered),
		bus:    pub,
		logger: logger,
	}
}

// Register compiles the tool's schema and adds it. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if t.Spec.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool needs a name and a handler")
	}
	if _, dup := r.tools[t.Spec.Name]; dup {
		return fmt.Errorf("tool %q already registered", t.Spec.Name)
	}
	schema, err := compileSchema(t.Spec.Name, t.Spec.Parameters)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", t.Spec.Name, err)
	}
	r.tools[t.Spec.Name] = &registered{Tool: t, schema: schema}
	r.order = append(r.order, t.Spec.Name)
	return nil
}

// Spec returns the declaration for name.
func (r *Registry) Spec(name string) (Spec, bool) {
	t, ok := r.tools[name]
	if !ok {
		return Spec{}, false
	}
	return t.Spec, true
}

// Specs lists all declarations in registration order.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Spec)
	}
	return out
}

// Names lists tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Validate checks a call against its schema without executing it.
func (r *Registry) Validate(call session.ToolCall) error {
	t, ok := r.tools[call.Name]
	if !ok {
		return fmt.Errorf("unknown tool %q", call.Name)
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so numbers from any decoder validate the same way.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := t.schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", call.Name, err)
	}
	return nil
}

// Describe renders a human-readable effect line for call.
func (r *Registry) Describe(call session.ToolCall) string {
	if t, ok := r.tools[call.Name]; ok && t.Describe != nil {
		return t.Describe(call)
	}
	return fmt.Sprintf("Run tool %s", call.Name)
}

// Dispatch validates call and runs its handler. Unknown tools and schema
// mismatches fail with InvalidArguments before any side effect.
func (r *Registry) Dispatch(ctx context.Context, call session.ToolCall) session.Outcome {
	ctx = shared.WithCallID(ctx, call.ID)
	if err := r.Validate(call); err != nil {
		r.logger.WarnContext(ctx, "tool call rejected", "tool", call.Name, "error", err)
		return session.Fail(session.InvalidArguments, err.Error(), "")
	}

	r.publish(bus.TopicToolDispatched, bus.ToolEvent{CallID: call.ID, Tool: call.Name})
	start := time.Now()
	outcome := r.tools[call.Name].Handler(ctx, call)

	ev := bus.ToolEvent{CallID: call.ID, Tool: call.Name, OK: outcome.OK}
	if !outcome.OK && outcome.Failure != nil {
		ev.Kind = string(outcome.Failure.Kind)
		ev.Message = outcome.Failure.Message
		r.logger.InfoContext(ctx, "tool call failed", "tool", call.Name, "kind", outcome.Failure.Kind, "duration_ms", time.Since(start).Milliseconds())
	} else {
		r.logger.InfoContext(ctx, "tool call succeeded", "tool", call.Name, "duration_ms", time.Since(start).Milliseconds())
	}
	if leaks := safety.ScanLeaks(outcome.JSON()); len(leaks) > 0 {
		r.logger.WarnContext(ctx, "tool output may contain secrets", "tool", call.Name, "kinds", safety.Kinds(leaks))
	}
	r.publish(bus.TopicToolCompleted, ev)
	return outcome
}

func (r *Registry) publish(topic string, payload any) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// objectSchema builds a closed object schema.
func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func nonEmptyStringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "minLength": 1, "description": desc}
}

func intProp(desc string, min, max int) map[string]any {
	return map[string]any{"type": "integer", "minimum": min, "maximum": max, "description": desc}
}
