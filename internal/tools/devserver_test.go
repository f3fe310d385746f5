package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/devagent/internal/policy"
	"github.com/basket/devagent/internal/session"
	"github.com/basket/devagent/internal/supervisor"
)

type fakeDevServer struct {
	snap     supervisor.Snapshot
	startErr error
	stopErr  error
	settled  supervisor.Snapshot
	starts   []string
	stops    int
}

func (f *fakeDevServer) Start(_ context.Context, command, dir string) (supervisor.Snapshot, error) {
	f.starts = append(f.starts, command+"@"+dir)
	if f.startErr != nil {
		return f.snap, f.startErr
	}
	f.snap = supervisor.Snapshot{Status: supervisor.StatusStarting, PID: 42, Command: command, Dir: dir}
	return f.snap, nil
}

func (f *fakeDevServer) Stop(context.Context) (supervisor.Snapshot, error) {
	f.stops++
	if f.stopErr != nil {
		return f.snap, f.stopErr
	}
	f.snap = supervisor.Snapshot{Status: supervisor.StatusStopped}
	return f.snap, nil
}

func (f *fakeDevServer) Status() supervisor.Snapshot { return f.snap }

func (f *fakeDevServer) WaitSettled(context.Context, time.Duration) supervisor.Snapshot {
	if f.settled.Status != "" {
		f.snap = f.settled
	}
	return f.snap
}

func newDevServerRegistry(t *testing.T, project string, dev *fakeDevServer) (*Registry, *Env) {
	t.Helper()
	state := &session.State{}
	if project != "" {
		if err := state.SetProjectPath(project); err != nil {
			t.Fatal(err)
		}
	}
	env := &Env{State: state, Executor: &recordingExecutor{}, DevServer: dev, DevCommand: "ng serve"}
	r := NewRegistry(nil, nil)
	if err := RegisterBuiltins(r, env); err != nil {
		t.Fatal(err)
	}
	return r, env
}

func TestStartDevServer_UsesProjectAndDefaultCommand(t *testing.T) {
	dev := &fakeDevServer{snap: supervisor.Snapshot{Status: supervisor.StatusStopped}}
	r, env := newDevServerRegistry(t, t.TempDir(), dev)

	out := r.Dispatch(context.Background(), call(policy.ToolStartDevServer, nil))
	if !out.OK {
		t.Fatalf("start failed: %+v", out.Failure)
	}
	if len(dev.starts) != 1 || dev.starts[0] != "ng serve@"+env.State.ProjectPath {
		t.Fatalf("starts = %v", dev.starts)
	}
	if res := out.Payload.(DevServerResult); res.Status != string(supervisor.StatusStarting) || res.PID != 42 {
		t.Fatalf("result = %+v", res)
	}
}

func TestStartDevServer_AlreadyRunning(t *testing.T) {
	dev := &fakeDevServer{
		snap:     supervisor.Snapshot{Status: supervisor.StatusRunning, PID: 7},
		startErr: supervisor.ErrAlreadyRunning,
	}
	r, _ := newDevServerRegistry(t, t.TempDir(), dev)
	out := r.Dispatch(context.Background(), call(policy.ToolStartDevServer, nil))
	if out.Kind() != session.AlreadyRunning {
		t.Fatalf("kind = %q, want ALREADY_RUNNING", out.Kind())
	}
}

func TestStartDevServer_LaunchFailure(t *testing.T) {
	dev := &fakeDevServer{startErr: errors.Join(supervisor.ErrLaunch, errors.New("no such file"))}
	r, _ := newDevServerRegistry(t, t.TempDir(), dev)
	out := r.Dispatch(context.Background(), call(policy.ToolStartDevServer, nil))
	if out.Kind() != session.ProcessLaunchFailure {
		t.Fatalf("kind = %q, want PROCESS_LAUNCH_FAILURE", out.Kind())
	}
}

func TestStartDevServer_WaitReportsFailedBuild(t *testing.T) {
	dev := &fakeDevServer{settled: supervisor.Snapshot{
		Status: supervisor.StatusFailed,
		PID:    42,
		Reason: "fatal output: ERROR",
		Lines:  []string{"ERROR in src/app/app.component.ts"},
	}}
	r, _ := newDevServerRegistry(t, t.TempDir(), dev)
	out := r.Dispatch(context.Background(), call(policy.ToolStartDevServer, map[string]any{"wait_seconds": 5}))
	if out.Kind() != session.ProcessExitFailure {
		t.Fatalf("kind = %q, want PROCESS_EXIT_FAILURE", out.Kind())
	}
	if out.Failure.RawOutput != "ERROR in src/app/app.component.ts" {
		t.Fatalf("raw = %q", out.Failure.RawOutput)
	}
}

func TestStartDevServer_NoProject(t *testing.T) {
	dev := &fakeDevServer{}
	r, _ := newDevServerRegistry(t, "", dev)
	out := r.Dispatch(context.Background(), call(policy.ToolStartDevServer, nil))
	if out.Kind() != session.InvalidArguments || len(dev.starts) != 0 {
		t.Fatalf("kind = %q starts = %v", out.Kind(), dev.starts)
	}
}

func TestStopDevServer_NotRunningIsSuccess(t *testing.T) {
	dev := &fakeDevServer{snap: supervisor.Snapshot{Status: supervisor.StatusStopped}, stopErr: supervisor.ErrNotRunning}
	r, _ := newDevServerRegistry(t, t.TempDir(), dev)
	out := r.Dispatch(context.Background(), call(policy.ToolStopDevServer, nil))
	if !out.OK {
		t.Fatalf("stop failed: %+v", out.Failure)
	}
	if res := out.Payload.(DevServerResult); res.Message != "dev server was not running" {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestDevServerStatus_Tail(t *testing.T) {
	dev := &fakeDevServer{snap: supervisor.Snapshot{Status: supervisor.StatusRunning, Lines: []string{"a", "b", "c"}}}
	r, _ := newDevServerRegistry(t, t.TempDir(), dev)
	out := r.Dispatch(context.Background(), call(policy.ToolDevServerStatus, map[string]any{"lines": 2}))
	res := out.Payload.(DevServerResult)
	if len(res.Output) != 2 || res.Output[1] != "c" {
		t.Fatalf("output = %v", res.Output)
	}
}
