// Package supervisor owns the long-running dev-server process: launch in a
// process group, merged output capture, readiness detection and graceful
// shutdown.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/basket/devagent/internal/bus"
)

// Status is the lifecycle state of the supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

var (
	ErrAlreadyRunning = errors.New("dev server already running")
	ErrNotRunning     = errors.New("dev server not running")
	ErrLaunch         = errors.New("dev server launch failed")
)

// Default markers, matched as substrings of output lines.
var (
	DefaultReadyMarkers = []string{"Compiled successfully", "successfully built"}
	DefaultFatalMarkers = []string{"ERROR", "Error:"}
)

// Snapshot is an immutable view of the handle.
type Snapshot struct {
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	Command   string    `json:"command,omitempty"`
	Dir       string    `json:"working_directory,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Reason    string    `json:"reason,omitempty"`
	Lines     []string  `json:"output,omitempty"`
}

// Live reports whether the process is starting or running.
func (s Snapshot) Live() bool {
	return s.Status == StatusStarting || s.Status == StatusRunning
}

// Tail returns the last n buffered lines.
func (s Snapshot) Tail(n int) []string {
	if n <= 0 || n >= len(s.Lines) {
		return s.Lines
	}
	return s.Lines[len(s.Lines)-n:]
}

// Config tunes the supervisor.
type Config struct {
	ReadyMarkers []string
	FatalMarkers []string
	OutputLines  int
	StopGrace    time.Duration
	Bus          bus.Publisher
	Logger       *slog.Logger
}

// run is one launched process and its reader goroutine.
type run struct {
	cmd      *exec.Cmd
	pid      int
	done     chan struct{}
	settled  chan struct{}
	stopping atomic.Bool
	alive    atomic.Bool
}

// Supervisor manages at most one dev-server process. Start, Stop and
// Teardown are called from the control goroutine; Status may be called from
// anywhere.
//
// Only the reader goroutine of the current run writes snapshots once Start
// has returned. Stop writes again only after the reader is done.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex // serializes Start/Stop
	cur *run

	snap   atomic.Pointer[Snapshot]
	signal func(pid int, sig syscall.Signal) error
}

// New creates a stopped supervisor.
func New(cfg Config) *Supervisor {
	if cfg.ReadyMarkers == nil {
		cfg.ReadyMarkers = DefaultReadyMarkers
	}
	if cfg.FatalMarkers == nil {
		cfg.FatalMarkers = DefaultFatalMarkers
	}
	if cfg.OutputLines <= 0 {
		cfg.OutputLines = 200
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{cfg: cfg, logger: logger, signal: signalGroup}
	s.snap.Store(&Snapshot{Status: StatusStopped})
	return s
}

// Status returns the latest snapshot without blocking.
func (s *Supervisor) Status() Snapshot {
	return *s.snap.Load()
}

// Start launches command in dir and returns as soon as the process exists.
func (s *Supervisor) Start(ctx context.Context, command, dir string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Status()
	if cur.Live() {
		return cur, ErrAlreadyRunning
	}
	if cur.Status == StatusFailed {
		if _, err := s.stopLocked(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			return s.Status(), fmt.Errorf("stop failed dev server: %w", err)
		}
	}
	if strings.TrimSpace(command) == "" {
		return s.Status(), fmt.Errorf("%w: empty command", ErrLaunch)
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	setProcessGroup(cmd)
	pr, pw, err := os.Pipe()
	if err != nil {
		return s.Status(), fmt.Errorf("%w: pipe: %v", ErrLaunch, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return s.Status(), fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	pw.Close()

	rn := &run{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		done:    make(chan struct{}),
		settled: make(chan struct{}),
	}
	rn.alive.Store(true)
	s.cur = rn

	snap := Snapshot{
		Status:    StatusStarting,
		PID:       rn.pid,
		Command:   command,
		Dir:       dir,
		StartedAt: time.Now().UTC(),
	}
	prev := s.Status()
	s.commit(&prev, snap)
	s.logger.InfoContext(ctx, "dev server started", "pid", rn.pid, "command", command, "dir", dir)

	go s.read(rn, pr, snap)
	return snap, nil
}

// Stop terminates the process group: SIGTERM, then SIGKILL after the grace
// period. On an already stopped supervisor it sends nothing and returns
// ErrNotRunning.
func (s *Supervisor) Stop(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Supervisor) stopLocked(ctx context.Context) (Snapshot, error) {
	rn := s.cur
	if rn == nil {
		return s.Status(), ErrNotRunning
	}
	if !rn.alive.Load() {
		<-rn.done
		snap := s.Status()
		if snap.Status == StatusStopped {
			return snap, ErrNotRunning
		}
		// Failed and already exited: acknowledge the failure.
		next := snap
		next.Status = StatusStopped
		s.commit(&snap, next)
		return next, nil
	}

	rn.stopping.Store(true)
	if err := s.signal(rn.pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.WarnContext(ctx, "dev server SIGTERM failed", "pid", rn.pid, "error", err)
	}

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-rn.done:
		s.logger.InfoContext(ctx, "dev server stopped", "pid", rn.pid)
		return s.Status(), nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.logger.WarnContext(ctx, "dev server ignored SIGTERM, killing", "pid", rn.pid)
	if err := s.signal(rn.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return s.Status(), fmt.Errorf("kill dev server: %w", err)
	}
	select {
	case <-rn.done:
		return s.Status(), nil
	case <-time.After(s.cfg.StopGrace):
		return s.Status(), fmt.Errorf("dev server pid %d did not exit after SIGKILL", rn.pid)
	}
}

// WaitSettled blocks until the current run leaves Starting, the timeout
// elapses, or ctx is done, and returns the latest snapshot.
func (s *Supervisor) WaitSettled(ctx context.Context, timeout time.Duration) Snapshot {
	s.mu.Lock()
	rn := s.cur
	s.mu.Unlock()
	if rn == nil || timeout <= 0 {
		return s.Status()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-rn.settled:
	case <-t.C:
	case <-ctx.Done():
	}
	return s.Status()
}

// Summary renders the status for prompts and /status.
func (s *Supervisor) Summary() string {
	snap := s.Status()
	switch snap.Status {
	case StatusStopped:
		if snap.Reason != "" {
			return fmt.Sprintf("stopped (%s)", snap.Reason)
		}
		return "stopped"
	case StatusFailed:
		return fmt.Sprintf("failed (pid %d, %s)", snap.PID, snap.Reason)
	default:
		return fmt.Sprintf("%s (pid %d, %s)", snap.Status, snap.PID, snap.Command)
	}
}

// Teardown stops the process if one is live. It is safe to call repeatedly.
func (s *Supervisor) Teardown(ctx context.Context) error {
	_, err := s.Stop(ctx)
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

// read is the only writer of snapshots while the process is alive.
func (s *Supervisor) read(rn *run, pipe *os.File, snap Snapshot) {
	defer close(rn.done)
	defer pipe.Close()

	var settleOnce sync.Once
	settle := func() { settleOnce.Do(func() { close(rn.settled) }) }
	defer settle()

	buf := newRing(s.cfg.OutputLines)
	sc := bufio.NewScanner(pipe)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		buf.push(line)
		s.publish(bus.TopicDevServerOutput, bus.DevServerOutputEvent{PID: rn.pid, Line: line})

		next := snap
		next.Lines = buf.lines()
		if snap.Status == StatusStarting {
			if m, ok := matchMarker(line, s.cfg.FatalMarkers); ok {
				next.Status = StatusFailed
				next.Reason = "fatal output: " + m
			} else if m, ok := matchMarker(line, s.cfg.ReadyMarkers); ok {
				next.Status = StatusRunning
				next.Reason = "ready: " + m
			}
		}
		s.commit(&snap, next)
		if next.Status != StatusStarting {
			settle()
		}
	}
	if err := sc.Err(); err != nil {
		s.logger.Warn("dev server output scan stopped", "pid", rn.pid, "error", err)
		_, _ = io.Copy(io.Discard, pipe)
	}

	waitErr := rn.cmd.Wait()
	rn.alive.Store(false)

	next := snap
	next.Lines = buf.lines()
	switch {
	case rn.stopping.Load():
		next.Status = StatusStopped
		next.Reason = "stopped"
	case snap.Status == StatusStarting:
		next.Status = StatusFailed
		next.Reason = exitReason(waitErr)
	case snap.Status == StatusFailed:
		next.Reason = snap.Reason + "; " + exitReason(waitErr)
	default:
		next.Status = StatusStopped
		next.Reason = exitReason(waitErr)
	}
	s.commit(&snap, next)
}

// commit stores next and announces status changes. prev is updated in place.
func (s *Supervisor) commit(prev *Snapshot, next Snapshot) {
	stored := next
	s.snap.Store(&stored)
	if prev.Status != next.Status {
		s.logger.Info("dev server status", "pid", next.PID, "old", prev.Status, "new", next.Status, "reason", next.Reason)
		s.publish(bus.TopicDevServerStatus, bus.DevServerStatusEvent{
			PID:    next.PID,
			Old:    string(prev.Status),
			New:    string(next.Status),
			Reason: next.Reason,
		})
	}
	*prev = next
}

func (s *Supervisor) publish(topic string, payload any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, payload)
	}
}

func matchMarker(line string, markers []string) (string, bool) {
	for _, m := range markers {
		if m != "" && strings.Contains(line, m) {
			return m, true
		}
	}
	return "", false
}

func exitReason(err error) string {
	if err == nil {
		return "exited with status 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() >= 0 {
			return fmt.Sprintf("exited with status %d", exitErr.ExitCode())
		}
		return "terminated by signal"
	}
	return err.Error()
}
