package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/devagent/internal/policy"
	"github.com/basket/devagent/internal/session"
	"github.com/basket/devagent/internal/supervisor"
)

// DevServerController is the supervisor surface the dev-server tools use.
type DevServerController interface {
	Start(ctx context.Context, command, dir string) (supervisor.Snapshot, error)
	Stop(ctx context.Context) (supervisor.Snapshot, error)
	Status() supervisor.Snapshot
	WaitSettled(ctx context.Context, timeout time.Duration) supervisor.Snapshot
}

const statusTailLines = 40

// DevServerResult is the payload of the dev-server tools.
type DevServerResult struct {
	Status  string   `json:"status"`
	PID     int      `json:"pid,omitempty"`
	Command string   `json:"command,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Output  []string `json:"recent_output,omitempty"`
	Message string   `json:"message,omitempty"`
}

// devServerResult converts a snapshot; tail 0 omits the output.
func devServerResult(s supervisor.Snapshot, tail int) DevServerResult {
	res := DevServerResult{
		Status:  string(s.Status),
		PID:     s.PID,
		Command: s.Command,
		Reason:  s.Reason,
	}
	if tail > 0 {
		res.Output = s.Tail(tail)
	}
	return res
}

func devServerTools(e *Env) []Tool {
	return []Tool{
		{
			Spec: Spec{
				Name: policy.ToolStartDevServer,
				Description: "Start the development server (default 'ng serve') in the project directory. Returns once the process is launched; " +
					"set wait_seconds to also wait for the first compile to finish or fail.",
				Parameters: objectSchema(nil, map[string]any{
					"command":      stringProp("Command to run, for example 'ng serve --open'. Defaults to the configured dev-server command."),
					"wait_seconds": intProp("Seconds to wait for the first build result.", 0, 120),
				}),
			},
			Handler: e.startDevServer,
			Describe: func(call session.ToolCall) string {
				return "Start dev server: " + e.devCommand(call)
			},
		},
		{
			Spec: Spec{
				Name:        policy.ToolStopDevServer,
				Description: "Stop the development server started by this session.",
				Parameters:  objectSchema(nil, map[string]any{}),
			},
			Handler:  e.stopDevServer,
			Describe: func(session.ToolCall) string { return "Stop the dev server" },
		},
		{
			Spec: Spec{
				Name:        policy.ToolDevServerStatus,
				Description: "Report the development server state and its most recent output lines.",
				Parameters: objectSchema(nil, map[string]any{
					"lines": intProp("How many recent output lines to include.", 1, 500),
				}),
			},
			Handler:  e.devServerStatus,
			Describe: func(session.ToolCall) string { return "Check dev server status" },
		},
	}
}

func (e *Env) devCommand(call session.ToolCall) string {
	if c := call.String("command"); c != "" {
		return c
	}
	if e.DevCommand != "" {
		return e.DevCommand
	}
	return "ng serve"
}

func (e *Env) startDevServer(ctx context.Context, call session.ToolCall) session.Outcome {
	if e.State.ProjectPath == "" {
		return session.Fail(session.InvalidArguments, "project path is not set; create a project with 'ng new <name>' first", "")
	}
	command := e.devCommand(call)
	if prefix, denied := e.Policy.DeniedCommand(command); denied {
		return session.Fail(session.InvalidArguments, fmt.Sprintf("command is blocked by policy (deny_commands: %q)", prefix), "")
	}

	snap, err := e.DevServer.Start(ctx, command, e.State.ProjectPath)
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return session.Fail(session.AlreadyRunning,
			fmt.Sprintf("dev server is already %s (pid %d); stop it first to restart", snap.Status, snap.PID), "")
	case err != nil:
		return session.Fail(session.ProcessLaunchFailure, err.Error(), "")
	}
	e.Metrics.DevServerStarted(ctx)

	if n, ok := call.Int("wait_seconds"); ok && n > 0 {
		snap = e.DevServer.WaitSettled(ctx, time.Duration(n)*time.Second)
	}
	res := devServerResult(snap, statusTailLines)
	if snap.Status == supervisor.StatusFailed {
		return session.Fail(session.ProcessExitFailure,
			fmt.Sprintf("dev server failed to start: %s", snap.Reason), strings.Join(res.Output, "\n"))
	}
	res.Message = "dev server launched; output is streamed to the terminal"
	return session.Success(res)
}

func (e *Env) stopDevServer(ctx context.Context, _ session.ToolCall) session.Outcome {
	snap, err := e.DevServer.Stop(ctx)
	switch {
	case errors.Is(err, supervisor.ErrNotRunning):
		res := devServerResult(snap, 0)
		res.Message = "dev server was not running"
		return session.Success(res)
	case err != nil:
		return session.Fail(session.ProcessExitFailure, err.Error(), strings.Join(snap.Tail(statusTailLines), "\n"))
	}
	res := devServerResult(snap, 0)
	res.Message = "dev server stopped"
	return session.Success(res)
}

func (e *Env) devServerStatus(_ context.Context, call session.ToolCall) session.Outcome {
	n, ok := call.Int("lines")
	if !ok {
		n = statusTailLines
	}
	return session.Success(devServerResult(e.DevServer.Status(), n))
}
