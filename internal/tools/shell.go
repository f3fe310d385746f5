package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/devagent/internal/bus"
	"github.com/basket/devagent/internal/policy"
	"github.com/basket/devagent/internal/session"
	"github.com/basket/devagent/internal/shared"
)

// Executor defines the interface for running shell commands.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostExecutor runs commands locally through sh -c.
type HostExecutor struct {
	// WaitDelay bounds how long Exec waits for grandchildren holding the
	// output pipes after the context is done.
	WaitDelay time.Duration
}

func (h *HostExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	execCmd := exec.CommandContext(ctx, "sh", "-c", cmd)
	if workDir != "" {
		execCmd.Dir = workDir
	}
	execCmd.WaitDelay = h.WaitDelay
	if execCmd.WaitDelay == 0 {
		execCmd.WaitDelay = 2 * time.Second
	}

	var outBuf, errBuf bytes.Buffer
	execCmd.Stdout = &outBuf
	execCmd.Stderr = &errBuf

	runErr := execCmd.Run()
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			err = runErr
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// ShellOptions bounds shell execution.
type ShellOptions struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxOutputBytes int
}

func (o ShellOptions) withDefaults() ShellOptions {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 5 * time.Minute
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = 30 * time.Minute
	}
	if o.MaxTimeout < o.DefaultTimeout {
		o.MaxTimeout = o.DefaultTimeout
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = 64 * 1024
	}
	return o
}

// ShellResult is the payload of run_shell_command.
type ShellResult struct {
	ExitCode         int    `json:"exit_code"`
	Stdout           string `json:"stdout"`
	Stderr           string `json:"stderr"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	NewProjectPath   string `json:"new_project_path,omitempty"`
}

func (r ShellResult) raw() string {
	return fmt.Sprintf("exit_code: %d\nstdout:\n%s\nstderr:\n%s", r.ExitCode, r.Stdout, r.Stderr)
}

func shellTool(e *Env) Tool {
	return Tool{
		Spec: Spec{
			Name: policy.ToolRunShellCommand,
			Description: "Run a shell command (for example an Angular CLI or npm command) and return its exit code, stdout and stderr. " +
				"Relative working directories resolve against the project path. Without a project path only 'ng new' may run. Non-zero exit is a failure.",
			Parameters: objectSchema([]string{"command"}, map[string]any{
				"command":           nonEmptyStringProp("The command line to run with sh -c."),
				"working_directory": stringProp("Directory to run in. Defaults to the project path."),
				"timeout_seconds":   intProp("Maximum run time in seconds.", 1, 3600),
			}),
		},
		Handler: e.runShell,
		Describe: func(call session.ToolCall) string {
			desc := "Run shell command: " + call.String("command")
			if wd := call.String("working_directory"); wd != "" {
				desc += " (in " + wd + ")"
			}
			return desc
		},
	}
}

func (e *Env) runShell(ctx context.Context, call session.ToolCall) session.Outcome {
	command := strings.TrimSpace(call.String("command"))
	if prefix, denied := e.Policy.DeniedCommand(command); denied {
		return session.Fail(session.InvalidArguments, fmt.Sprintf("command is blocked by policy (deny_commands: %q)", prefix), "")
	}
	dir, fail := e.shellDir(call.String("working_directory"), command)
	if fail != nil {
		return session.FromFailure(fail)
	}

	opts := e.Shell.withDefaults()
	timeout := opts.DefaultTimeout
	if n, ok := call.Int("timeout_seconds"); ok && n > 0 {
		timeout = min(time.Duration(n)*time.Second, opts.MaxTimeout)
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.Logger.InfoContext(ctx, "running shell command", "tool", policy.ToolRunShellCommand, "dir", dir)
	stdout, stderr, code, err := e.Executor.Exec(execCtx, command, dir)
	res := ShellResult{
		ExitCode:         code,
		Stdout:           shared.Redact(truncateOutput(stdout, opts.MaxOutputBytes)),
		Stderr:           shared.Redact(truncateOutput(stderr, opts.MaxOutputBytes)),
		WorkingDirectory: dir,
	}

	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return session.Fail(session.ProcessExitFailure, fmt.Sprintf("command timed out after %s", timeout), res.raw())
	case err != nil:
		return session.Fail(session.ProcessLaunchFailure, fmt.Sprintf("could not run command: %v", err), res.raw())
	case code != 0:
		return session.Fail(session.ProcessExitFailure, fmt.Sprintf("command exited with status %d", code), res.raw())
	}

	if name, ok := parseNgNew(command); ok {
		base := dir
		if base == "" {
			base, _ = os.Getwd()
		}
		candidate := name
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(base, name)
		}
		if info, statErr := os.Stat(candidate); statErr == nil && info.IsDir() {
			if setErr := e.State.SetProjectPath(candidate); setErr == nil {
				res.NewProjectPath = e.State.ProjectPath
				e.publish(bus.TopicProjectPathSet, e.State.ProjectPath)
				e.Logger.InfoContext(ctx, "project path set from ng new", "project_path", e.State.ProjectPath)
			}
		}
	}
	return session.Success(res)
}

// shellDir resolves the working directory. With neither an explicit directory
// nor a project path, only project-creating commands run (in the current
// directory).
func (e *Env) shellDir(raw, command string) (string, *session.Failure) {
	root := e.State.ProjectPath
	if strings.TrimSpace(raw) == "" {
		if root != "" {
			return root, nil
		}
		if _, ok := parseNgNew(command); ok {
			return "", nil
		}
		return "", &session.Failure{
			Kind:    session.InvalidArguments,
			Message: "project path is not set; create a project with 'ng new <name>' or pass working_directory",
		}
	}

	dir := raw
	if !filepath.IsAbs(dir) {
		if root != "" {
			dir = filepath.Join(root, dir)
		} else if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
	}
	dir = filepath.Clean(dir)
	if root != "" && !e.Policy.AllowPath(dir, root) {
		return "", &session.Failure{Kind: session.InvalidArguments, Message: fmt.Sprintf("working directory %q is outside the project", raw)}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", ioFailure(err, dir)
	}
	if !info.IsDir() {
		return "", &session.Failure{Kind: session.IOFailure, IO: session.IOOther, Message: fmt.Sprintf("%s is not a directory", raw)}
	}
	return dir, nil
}

// parseNgNew extracts the project directory created by an `ng new` style
// command: the --directory flag when present, otherwise the project name.
func parseNgNew(command string) (string, bool) {
	fields := strings.Fields(command)
	for i := 0; i+1 < len(fields); i++ {
		if !isAngularCLI(fields[i]) || fields[i+1] != "new" {
			continue
		}
		var name, directory string
		for j := i + 2; j < len(fields); j++ {
			tok := strings.Trim(fields[j], `"'`)
			switch {
			case tok == "&&" || tok == "||" || tok == ";" || tok == "|":
				j = len(fields)
			case strings.HasPrefix(tok, "--directory="):
				directory = strings.Trim(strings.TrimPrefix(tok, "--directory="), `"'`)
			case tok == "--directory" && j+1 < len(fields):
				directory = strings.Trim(fields[j+1], `"'`)
				j++
			case strings.HasPrefix(tok, "-"):
			case name == "":
				name = strings.TrimRight(tok, ";")
			}
		}
		if directory != "" {
			return directory, true
		}
		if name != "" {
			return name, true
		}
		return "", false
	}
	return "", false
}

func isAngularCLI(tok string) bool {
	return tok == "ng" || strings.HasSuffix(tok, "/ng") ||
		tok == "@angular/cli" || strings.HasPrefix(tok, "@angular/cli@")
}

// truncateOutput cuts s to at most maxLen bytes without splitting a rune.
func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (truncated)"
}
