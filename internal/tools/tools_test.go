package tools

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/devagent/internal/bus"
	"github.com/basket/devagent/internal/policy"
	"github.com/basket/devagent/internal/session"
)

// recordingExecutor returns canned results and records every command.
type recordingExecutor struct {
	mu       sync.Mutex
	calls    []execCall
	stdout   string
	stderr   string
	exitCode int
	err      error
	sideFx   func(cmd, dir string)
	block    bool
}

type execCall struct {
	cmd string
	dir string
}

func (r *recordingExecutor) Exec(ctx context.Context, cmd, workDir string) (string, string, int, error) {
	r.mu.Lock()
	r.calls = append(r.calls, execCall{cmd: cmd, dir: workDir})
	r.mu.Unlock()
	if r.block {
		<-ctx.Done()
		return "", "", -1, nil
	}
	if r.sideFx != nil {
		r.sideFx(cmd, workDir)
	}
	return r.stdout, r.stderr, r.exitCode, r.err
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestRegistry(t *testing.T, project string) (*Registry, *Env, *recordingExecutor) {
	t.Helper()
	state := &session.State{}
	if project != "" {
		if err := state.SetProjectPath(project); err != nil {
			t.Fatal(err)
		}
	}
	exec := &recordingExecutor{}
	env := &Env{State: state, Policy: policy.Default(), Executor: exec}
	r := NewRegistry(nil, nil)
	if err := RegisterBuiltins(r, env); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return r, env, exec
}

func call(name string, args map[string]any) session.ToolCall {
	return session.ToolCall{ID: "call_test", Name: name, Arguments: args}
}

func TestRegistry_DeclarationOrder(t *testing.T) {
	r, _, _ := newTestRegistry(t, t.TempDir())
	want := []string{
		policy.ToolRunShellCommand,
		policy.ToolReadFile,
		policy.ToolWriteFile,
		policy.ToolListDirectory,
		policy.ToolDeletePath,
	}
	got := r.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("names = %v, want %v", got, want)
	}
	spec, ok := r.Spec(policy.ToolRunShellCommand)
	if !ok || spec.Description == "" || spec.Parameters["type"] != "object" {
		t.Fatalf("shell spec = %+v", spec)
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r, env, _ := newTestRegistry(t, "")
	if err := r.Register(shellTool(env)); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestDispatch_InvalidArgumentsHaveNoSideEffect(t *testing.T) {
	r, _, exec := newTestRegistry(t, t.TempDir())
	tests := []struct {
		name string
		call session.ToolCall
	}{
		{"missing required", call(policy.ToolRunShellCommand, map[string]any{})},
		{"empty command", call(policy.ToolRunShellCommand, map[string]any{"command": ""})},
		{"wrong type", call(policy.ToolRunShellCommand, map[string]any{"command": 42})},
		{"unknown field", call(policy.ToolRunShellCommand, map[string]any{"command": "ls", "sudo": true})},
		{"timeout out of range", call(policy.ToolRunShellCommand, map[string]any{"command": "ls", "timeout_seconds": 0})},
		{"unknown tool", call("format_disk", nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.Dispatch(context.Background(), tt.call)
			if out.Kind() != session.InvalidArguments {
				t.Fatalf("kind = %q, want INVALID_ARGUMENTS (%+v)", out.Kind(), out.Failure)
			}
		})
	}
	if n := exec.count(); n != 0 {
		t.Fatalf("executor ran %d times, want 0", n)
	}
}

func TestDispatch_AcceptsFloatNumbers(t *testing.T) {
	r, _, exec := newTestRegistry(t, t.TempDir())
	out := r.Dispatch(context.Background(), call(policy.ToolRunShellCommand, map[string]any{"command": "ls", "timeout_seconds": float64(10)}))
	if !out.OK {
		t.Fatalf("dispatch failed: %+v", out.Failure)
	}
	if exec.count() != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.count())
	}
}

func TestDispatch_PublishesEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("tool.")
	defer b.Unsubscribe(sub)

	env := &Env{State: &session.State{}, Executor: &recordingExecutor{}}
	r := NewRegistry(b, nil)
	if err := RegisterBuiltins(r, env); err != nil {
		t.Fatal(err)
	}
	out := r.Dispatch(context.Background(), call(policy.ToolListDirectory, nil))
	if out.Kind() != session.InvalidArguments {
		t.Fatalf("kind = %q, want INVALID_ARGUMENTS without project", out.Kind())
	}

	var topics []string
	timeout := time.After(time.Second)
	for len(topics) < 2 {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
			if ev.Topic == bus.TopicToolCompleted {
				te := ev.Payload.(bus.ToolEvent)
				if te.OK || te.Kind != string(session.InvalidArguments) {
					t.Fatalf("completed event = %+v", te)
				}
			}
		case <-timeout:
			t.Fatalf("events = %v", topics)
		}
	}
	if topics[0] != bus.TopicToolDispatched || topics[1] != bus.TopicToolCompleted {
		t.Fatalf("topics = %v", topics)
	}
}

func TestRegistry_DescribeFallback(t *testing.T) {
	r := NewRegistry(nil, nil)
	if got := r.Describe(call("mystery", nil)); got != "Run tool mystery" {
		t.Fatalf("describe = %q", got)
	}
}

func TestDispatch_WarnsOnLeakedSecrets(t *testing.T) {
	var logs strings.Builder
	r := NewRegistry(nil, slog.New(slog.NewTextHandler(&logs, nil)))
	if err := r.Register(Tool{
		Spec: Spec{Name: "print_env", Parameters: objectSchema(nil, map[string]any{})},
		Handler: func(context.Context, session.ToolCall) session.Outcome {
			return session.Success(map[string]any{"content": "OPENAI_API_KEY=sk-abcdefghijklmnopqrstuvwxyz"})
		},
	}); err != nil {
		t.Fatal(err)
	}
	if out := r.Dispatch(context.Background(), call("print_env", nil)); !out.OK {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(logs.String(), "tool output may contain secrets") || !strings.Contains(logs.String(), "OpenAI API key") {
		t.Fatalf("logs = %s", logs.String())
	}
}
