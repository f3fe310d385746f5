package gate

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/basket/devagent/internal/audit"
	"github.com/basket/devagent/internal/policy"
	"github.com/basket/devagent/internal/session"
)

type captureSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureSink) InsertAudit(_ context.Context, e audit.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

type staticDescriber string

func (d staticDescriber) Describe(session.ToolCall) string { return string(d) }

type failingConfirmer struct{}

func (failingConfirmer) Confirm(context.Context, Prompt) (Answer, error) {
	return AnswerNo, errors.New("terminal closed")
}

type recordingTruster struct {
	prefixes []string
	err      error
}

func (r *recordingTruster) AddAutoApprove(prefix string) error {
	r.prefixes = append(r.prefixes, prefix)
	return r.err
}

func newTestGate(t *testing.T, p policy.Checker, c Confirmer) (*Gate, *captureSink, *audit.Log) {
	t.Helper()
	log, err := audit.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = log.Close() })
	sink := &captureSink{}
	log.SetSink(sink)
	g := New(Config{
		Policy:    p,
		Describer: staticDescriber("Delete directory old-module (recursive)"),
		Confirmer: c,
		Audit:     log,
	})
	return g, sink, log
}

func shellCall(cmd string) session.ToolCall {
	return session.ToolCall{ID: "call_1", Name: policy.ToolRunShellCommand, Arguments: map[string]any{"command": cmd}}
}

func TestAuthorize_NonSensitiveBypassesConfirmer(t *testing.T) {
	c := NewScriptedConfirmer()
	g, sink, _ := newTestGate(t, policy.Default(), c)

	d := g.Authorize(context.Background(), session.ToolCall{ID: "c", Name: policy.ToolListDirectory})
	if d != Allow {
		t.Fatalf("decision = %v, want allow", d)
	}
	if len(c.Prompts()) != 0 {
		t.Fatal("confirmer was invoked for a non-sensitive call")
	}
	if len(sink.entries) != 1 || sink.entries[0].Reason != "not_sensitive" {
		t.Fatalf("audit = %+v", sink.entries)
	}
}

func TestAuthorize_SensitiveAsksAndHonoursAnswer(t *testing.T) {
	c := NewScriptedConfirmer(false, true)
	g, sink, log := newTestGate(t, policy.Default(), c)
	del := session.ToolCall{ID: "c", Name: policy.ToolDeletePath, Arguments: map[string]any{"path": "src/app/old-module"}}

	if d := g.Authorize(context.Background(), del); d != Deny {
		t.Fatalf("first decision = %v, want deny", d)
	}
	if d := g.Authorize(context.Background(), del); d != Allow {
		t.Fatalf("second decision = %v, want allow", d)
	}
	prompts := c.Prompts()
	if len(prompts) != 2 || prompts[0].Description != "Delete directory old-module (recursive)" {
		t.Fatalf("prompts = %+v", prompts)
	}
	if log.DenyCount() != 1 {
		t.Fatalf("deny count = %d", log.DenyCount())
	}
	if sink.entries[0].Decision != audit.DecisionDeny || sink.entries[1].Decision != audit.DecisionAllow {
		t.Fatalf("audit = %+v", sink.entries)
	}
}

func TestAuthorize_ShellAlwaysSensitiveUnlessAutoApproved(t *testing.T) {
	p := policy.Policy{AutoApproveCommands: []string{"ng generate"}}
	c := NewScriptedConfirmer()
	g, _, _ := newTestGate(t, p, c)

	if d := g.Authorize(context.Background(), shellCall("ng generate component header")); d != Allow {
		t.Fatalf("auto-approved command denied")
	}
	if len(c.Prompts()) != 0 {
		t.Fatal("auto-approved command prompted")
	}
	if d := g.Authorize(context.Background(), shellCall("ng generate component x && rm -rf src")); d != Deny {
		t.Fatal("chained command must not be auto-approved")
	}
	if d := g.Authorize(context.Background(), shellCall("npm install")); d != Deny {
		t.Fatal("unlisted command must need confirmation")
	}
	if len(c.Prompts()) != 2 {
		t.Fatalf("prompts = %d, want 2", len(c.Prompts()))
	}
}

func TestAuthorize_RequiresConfirmationFlagIsSticky(t *testing.T) {
	c := NewScriptedConfirmer(true)
	g, _, _ := newTestGate(t, policy.Default(), c)
	call := session.ToolCall{ID: "c", Name: policy.ToolReadFile, RequiresConfirmation: true}
	if d := g.Authorize(context.Background(), call); d != Allow {
		t.Fatal("expected allow after yes")
	}
	if len(c.Prompts()) != 1 {
		t.Fatal("flagged call did not prompt")
	}
}

func TestAuthorize_ConfirmerErrorDenies(t *testing.T) {
	g, sink, _ := newTestGate(t, policy.Default(), failingConfirmer{})
	if d := g.Authorize(context.Background(), shellCall("ng build")); d != Deny {
		t.Fatal("confirmer error must deny")
	}
	if sink.entries[0].Reason != "confirm_error" {
		t.Fatalf("reason = %q", sink.entries[0].Reason)
	}
}

func TestAuthorize_NilConfirmerDenies(t *testing.T) {
	g, _, _ := newTestGate(t, policy.Default(), nil)
	if d := g.Authorize(context.Background(), shellCall("ng build")); d != Deny {
		t.Fatal("nil confirmer must deny")
	}
}

func TestLineConfirmer(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		trust   string
		want    Answer
		wantErr bool
		asks    int
	}{
		{"yes", "yes\n", "", AnswerYes, false, 1},
		{"short no", "n\n", "", AnswerNo, false, 1},
		{"case and spaces", "  Y \n", "", AnswerYes, false, 1},
		{"reprompt", "maybe\nsure\nno\n", "", AnswerNo, false, 3},
		{"eof", "", "", AnswerNo, true, 1},
		{"eof after junk", "what\n", "", AnswerNo, true, 2},
		{"answer without newline", "y", "", AnswerYes, false, 1},
		{"always not offered", "a\ny\n", "", AnswerYes, false, 2},
		{"always offered", "always\n", "ng build", AnswerAlways, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			c := NewLineConfirmer(bufio.NewReader(strings.NewReader(tt.input)), &out)
			got, err := c.Confirm(context.Background(), Prompt{Description: "Run shell command: ng build", TrustPrefix: tt.trust})
			if got != tt.want || (err != nil) != tt.wantErr {
				t.Fatalf("Confirm = %v, %v", got, err)
			}
			if tt.wantErr && !errors.Is(err, ErrNoAnswer) {
				t.Fatalf("err = %v, want ErrNoAnswer", err)
			}
			if n := strings.Count(out.String(), "Proceed? [y/n"); n != tt.asks {
				t.Fatalf("asked %d times, want %d: %q", n, tt.asks, out.String())
			}
			if tt.trust != "" && !strings.Contains(out.String(), `always allow "ng build"`) {
				t.Fatalf("prompt does not offer the prefix: %q", out.String())
			}
		})
	}
}

func TestAuthorize_AlwaysTrustsCommandPrefix(t *testing.T) {
	trust := &recordingTruster{}
	c := NewScriptedAnswers(AnswerAlways)
	g := New(Config{Policy: policy.Default(), Confirmer: c, Trust: trust})

	if d := g.Authorize(context.Background(), shellCall("ng generate component header --skip-tests")); d != Allow {
		t.Fatal("always must allow the call")
	}
	if p := c.Prompts(); len(p) != 1 || p[0].TrustPrefix != "ng generate" {
		t.Fatalf("prompts = %+v", p)
	}
	if len(trust.prefixes) != 1 || trust.prefixes[0] != "ng generate" {
		t.Fatalf("trusted = %v", trust.prefixes)
	}
}

func TestAuthorize_AlwaysNotOfferedForChainedCommands(t *testing.T) {
	trust := &recordingTruster{}
	c := NewScriptedAnswers(AnswerAlways, AnswerYes)
	g := New(Config{Policy: policy.Default(), Confirmer: c, Trust: trust})

	if d := g.Authorize(context.Background(), shellCall("npm install && ng build")); d != Allow {
		t.Fatal("always without a prefix still allows the call")
	}
	if d := g.Authorize(context.Background(), session.ToolCall{ID: "d", Name: policy.ToolDeletePath, Arguments: map[string]any{"path": "x"}}); d != Allow {
		t.Fatal("yes must allow")
	}
	for _, p := range c.Prompts() {
		if p.TrustPrefix != "" {
			t.Fatalf("prompt offered always: %+v", p)
		}
	}
	if len(trust.prefixes) != 0 {
		t.Fatalf("trusted = %v", trust.prefixes)
	}
}

func TestAuthorize_AlwaysSaveFailureStillAllows(t *testing.T) {
	trust := &recordingTruster{err: errors.New("read-only home")}
	g, sink, _ := newTestGate(t, policy.Default(), NewScriptedAnswers(AnswerAlways))
	g.cfg.Trust = trust

	if d := g.Authorize(context.Background(), shellCall("ng test")); d != Allow {
		t.Fatal("a failed save must not turn the answer into a denial")
	}
	if sink.entries[0].Reason != "user_trusted" {
		t.Fatalf("reason = %q", sink.entries[0].Reason)
	}
}

func TestAuthorize_StartDevServerCustomCommandAsks(t *testing.T) {
	c := NewScriptedConfirmer()
	g := New(Config{Policy: policy.Default(), Confirmer: c, DevCommand: "ng serve"})
	start := func(args map[string]any) session.ToolCall {
		return session.ToolCall{ID: "c", Name: policy.ToolStartDevServer, Arguments: args}
	}

	for _, args := range []map[string]any{nil, {"command": "ng serve"}, {"command": "  ng   serve "}} {
		if d := g.Authorize(context.Background(), start(args)); d != Allow {
			t.Fatalf("configured command %v denied", args)
		}
	}
	if len(c.Prompts()) != 0 {
		t.Fatalf("configured command prompted: %+v", c.Prompts())
	}
	if d := g.Authorize(context.Background(), start(map[string]any{"command": "touch pwned; sleep 5"})); d != Deny {
		t.Fatal("custom command must be denied by a confirmer that says no")
	}
	if len(c.Prompts()) != 1 {
		t.Fatalf("prompts = %d, want 1", len(c.Prompts()))
	}
}
