//go:build !windows

package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/devagent/internal/gate"
	"github.com/basket/devagent/internal/policy"
	"github.com/basket/devagent/internal/session"
	"github.com/basket/devagent/internal/supervisor"
	"github.com/basket/devagent/internal/tools"
)

const testDevCommand = "echo 'Compiled successfully.'; sleep 30"

type devHarness struct {
	orch    *Orchestrator
	sup     *supervisor.Supervisor
	confirm *gate.ScriptedConfirmer
	sess    *session.Session
	project string
}

// newDevHarness wires the orchestrator to a real supervisor.
func newDevHarness(t *testing.T, script []scripted, answers ...bool) *devHarness {
	t.Helper()
	project := t.TempDir()
	state := &session.State{}
	if err := state.SetProjectPath(project); err != nil {
		t.Fatal(err)
	}
	sup := supervisor.New(supervisor.Config{StopGrace: 2 * time.Second})
	t.Cleanup(func() { _ = sup.Teardown(context.Background()) })
	state.DevServer = sup

	reg := tools.NewRegistry(nil, nil)
	env := &tools.Env{State: state, Policy: policy.Default(), DevServer: sup, DevCommand: testDevCommand}
	if err := tools.RegisterBuiltins(reg, env); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	confirm := gate.NewScriptedConfirmer(answers...)
	g := gate.New(gate.Config{Policy: policy.Default(), Describer: reg, Confirmer: confirm, DevCommand: testDevCommand})
	sess := session.New(state)
	orch, err := NewOrchestrator(OrchestratorConfig{
		Brain:          &scriptedBrain{script: script},
		Gate:           g,
		Tools:          reg,
		Session:        sess,
		Output:         &recordingOutput{},
		MaxFixAttempts: 3,
		MaxToolRounds:  8,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return &devHarness{orch: orch, sup: sup, confirm: confirm, sess: sess, project: project}
}

func TestStartDevServer_CustomCommandNeedsConfirmation(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	h := newDevHarness(t, []scripted{
		calls(toolCall("c1", policy.ToolStartDevServer, map[string]any{"command": "touch " + marker + "; sleep 30"})),
		reply("Okay, not starting it."),
	}, false)

	if err := h.orch.Turn(context.Background(), "start the server"); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	prompts := h.confirm.Prompts()
	if len(prompts) != 1 || prompts[0].Tool != policy.ToolStartDevServer {
		t.Fatalf("prompts = %+v", prompts)
	}
	if out := lastResult(t, h.sess.History()); out.Kind() != session.UserDenied {
		t.Fatalf("kind = %q, want USER_DENIED", out.Kind())
	}
	if st := h.sup.Status().Status; st != supervisor.StatusStopped {
		t.Fatalf("status = %s, want stopped", st)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("denied command ran: stat err = %v", err)
	}
}

func TestStartDevServer_ConfiguredCommandRunsWithoutPrompt(t *testing.T) {
	for name, args := range map[string]map[string]any{
		"default":  nil,
		"explicit": {"command": testDevCommand},
	} {
		t.Run(name, func(t *testing.T) {
			h := newDevHarness(t, []scripted{
				calls(toolCall("c1", policy.ToolStartDevServer, args)),
				reply("Started."),
			})
			if err := h.orch.Turn(context.Background(), "serve"); err != nil {
				t.Fatalf("Turn: %v", err)
			}
			if len(h.confirm.Prompts()) != 0 {
				t.Fatalf("configured command prompted: %+v", h.confirm.Prompts())
			}
			if out := lastResult(t, h.sess.History()); !out.OK {
				t.Fatalf("outcome = %+v", out)
			}
			if snap := h.sup.Status(); !snap.Live() {
				t.Fatalf("status = %s, want live", snap.Status)
			}
		})
	}
}

func TestHandleInput_ExitStopsRunningDevServer(t *testing.T) {
	h := newDevHarness(t, nil)
	if _, err := h.sup.Start(context.Background(), testDevCommand, h.project); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.sup.WaitSettled(context.Background(), 5*time.Second); got.Status != supervisor.StatusRunning {
		t.Fatalf("status = %s (%s), want running", got.Status, got.Reason)
	}

	exit, err := h.orch.HandleInput(context.Background(), "exit")
	if !exit || err != nil {
		t.Fatalf("exit=%v err=%v", exit, err)
	}
	if st := h.sup.Status().Status; st != supervisor.StatusStopped {
		t.Fatalf("status after exit = %s, want stopped", st)
	}
	if h.sess.Active() {
		t.Fatal("session should be closed")
	}
}
