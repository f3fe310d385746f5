package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

type recordingRecorder struct {
	seqs  []int
	kinds []TurnKind
}

func (r *recordingRecorder) RecordTurn(_ context.Context, _ string, seq int, t Turn) error {
	r.seqs = append(r.seqs, seq)
	r.kinds = append(r.kinds, t.Kind)
	return nil
}

func TestSession_AppendPreservesOrderAndNotifiesRecorder(t *testing.T) {
	rec := &recordingRecorder{}
	s := New(nil, WithRecorder(rec))
	ctx := context.Background()

	a := ToolCall{ID: "a", Name: "read_file"}
	b := ToolCall{ID: "b", Name: "list_directory"}
	turns := []Turn{
		UserTurn("show me"),
		CallTurn(a),
		CallTurn(b),
		ResultTurn(a, Success("x")),
		ResultTurn(b, Success([]string{"y"})),
		AssistantTurn("done"),
	}
	for _, turn := range turns {
		if err := s.Append(ctx, turn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	h := s.History()
	if len(h) != len(turns) {
		t.Fatalf("expected %d turns, got %d", len(turns), len(h))
	}
	if h[3].CallID != "a" || h[4].CallID != "b" {
		t.Fatalf("results out of order: %s, %s", h[3].CallID, h[4].CallID)
	}
	if len(rec.seqs) != len(turns) || rec.seqs[0] != 1 || rec.seqs[5] != 6 {
		t.Fatalf("recorder saw %v", rec.seqs)
	}

	h[0].Text = "mutated"
	if s.History()[0].Text != "show me" {
		t.Fatal("History must return a copy")
	}
}

func TestSession_Close(t *testing.T) {
	s := New(nil)
	if !s.Active() {
		t.Fatal("new session should be active")
	}
	s.Close()
	if s.Active() {
		t.Fatal("closed session should be inactive")
	}
}

func TestFailureKind_Retryable(t *testing.T) {
	retryable := []FailureKind{ProcessExitFailure, IOFailure, ProcessLaunchFailure}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Fatalf("%s should be retryable", k)
		}
	}
	terminal := []FailureKind{InvalidArguments, UserDenied, AlreadyRunning, NotRunning, ReasoningUnavailable, Unrecoverable}
	for _, k := range terminal {
		if k.Retryable() {
			t.Fatalf("%s must not be retryable", k)
		}
	}
}

func TestOutcome_Describe(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		want    string
	}{
		{"retry", Fail(ProcessExitFailure, "exit status 1", ""), string(WillRetry)},
		{"input", Fail(UserDenied, "declined", ""), string(NeedsInput)},
		{"gave up", Outcome{Failure: &Failure{Kind: Unrecoverable, Message: "boom"}, Recovery: make([]RecoveryStep, 3)}, "gave up after 3 attempts"},
		{"ok", Success(nil), "ok"},
		{"recovery stopped", Outcome{Failure: &Failure{Kind: ProcessExitFailure, Message: "exit status 1"}, Recovery: make([]RecoveryStep, 1)}, string(NeedsInput)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.outcome.Describe(); !strings.Contains(got, tt.want) {
				t.Fatalf("Describe() = %q, want substring %q", got, tt.want)
			}
		})
	}
}

func TestFailure_AsError(t *testing.T) {
	var err error = &Failure{Kind: IOFailure, IO: IONotFound, Message: "missing"}
	wrapped := errors.Join(errors.New("ctx"), err)
	f, ok := AsFailure(wrapped)
	if !ok || f.IO != IONotFound {
		t.Fatalf("AsFailure = %#v, %v", f, ok)
	}
	if !strings.Contains(err.Error(), "NOT_FOUND") {
		t.Fatalf("error string %q", err.Error())
	}
}

func TestToolCall_Accessors(t *testing.T) {
	c := ToolCall{Name: "run_shell_command", Arguments: map[string]any{
		"command":         "npm test",
		"timeout_seconds": float64(30),
		"env":             []any{"A=1"},
	}}
	if c.String("command") != "npm test" || c.String("missing") != "" {
		t.Fatal("String accessor")
	}
	if n, ok := c.Int("timeout_seconds"); !ok || n != 30 {
		t.Fatalf("Int = %d, %v", n, ok)
	}
	same := ToolCall{Name: "run_shell_command", Arguments: map[string]any{
		"command":         "npm test",
		"timeout_seconds": float64(30),
		"env":             []any{"A=1"},
	}}
	if !c.Equal(same) {
		t.Fatal("expected identical calls to be equal")
	}
	if c.Equal(ToolCall{Name: "run_shell_command"}) {
		t.Fatal("different arguments must not be equal")
	}
}

func TestState_Labels(t *testing.T) {
	st := &State{}
	if st.ProjectLabel() != "Not set" || st.DevServerLabel() != "Not started" {
		t.Fatalf("unexpected labels %q %q", st.ProjectLabel(), st.DevServerLabel())
	}
	dir := t.TempDir()
	if err := st.SetProjectPath(dir + "/./"); err != nil {
		t.Fatalf("SetProjectPath: %v", err)
	}
	if st.ProjectPath != filepath.Clean(dir) {
		t.Fatalf("ProjectPath = %q", st.ProjectPath)
	}
}

func TestErrorContext_Exhausted(t *testing.T) {
	ec := &ErrorContext{MaxAttempts: 3}
	for i := 0; i < 3; i++ {
		if ec.Exhausted() {
			t.Fatalf("exhausted early at %d", i)
		}
		ec.AttemptCount++
	}
	if !ec.Exhausted() {
		t.Fatal("expected exhaustion after 3 attempts")
	}
}
