package session

import (
	"context"
	"path/filepath"
)

// DevServer is the slice of the process supervisor the control loop needs at
// teardown and for status reporting.
type DevServer interface {
	Summary() string
	Teardown(ctx context.Context) error
}

// ErrorContext tracks one failure chain inside the recovery loop.
type ErrorContext struct {
	FailedCall ToolCall
	// LastCall is the most recent remediation call, nil before the first.
	LastCall     *ToolCall
	Failure      Failure
	AttemptCount int
	MaxAttempts  int
}

// Exhausted reports whether no remediation attempts remain.
func (e *ErrorContext) Exhausted() bool {
	return e.AttemptCount >= e.MaxAttempts
}

// State is the per-session context: project path, dev-server handle and the
// most recent error context. It is mutated only by the control goroutine.
type State struct {
	ProjectPath string
	DevServer   DevServer
	LastError   *ErrorContext
}

// SetProjectPath stores an absolute, cleaned project path.
func (s *State) SetProjectPath(path string) error {
	if path == "" {
		s.ProjectPath = ""
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	s.ProjectPath = filepath.Clean(abs)
	return nil
}

// ProjectLabel returns the project path or "Not set".
func (s *State) ProjectLabel() string {
	if s.ProjectPath == "" {
		return "Not set"
	}
	return s.ProjectPath
}

// DevServerLabel summarises the dev server, or "Not started" when none is
// attached.
func (s *State) DevServerLabel() string {
	if s.DevServer == nil {
		return "Not started"
	}
	return s.DevServer.Summary()
}
