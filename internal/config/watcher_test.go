package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/devagent/internal/config"
	"github.com/basket/devagent/internal/policy"
)

func startWatcher(t *testing.T, homeDir string, live *policy.LivePolicy) *config.Watcher {
	t.Helper()
	w := config.NewWatcher(homeDir, live, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		for range w.Events() {
		}
	})
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return w
}

// awaitEvent rewrites path every half second until an event for it that
// satisfies ok arrives. The first write can race the watch registration.
func awaitEvent(t *testing.T, w *config.Watcher, path string, data []byte, ok func(config.ReloadEvent) bool) config.ReloadEvent {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	retry := time.NewTicker(500 * time.Millisecond)
	defer retry.Stop()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != filepath.Base(path) {
				t.Fatalf("event for %s, want %s", ev.Path, path)
			}
			if ok(ev) {
				return ev
			}
		case <-retry.C:
			_ = os.WriteFile(path, data, 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", filepath.Base(path))
		}
	}
}

func TestWatcher_ReloadsPolicyFile(t *testing.T) {
	homeDir := t.TempDir()
	policyPath := config.PolicyPath(homeDir)
	if err := os.WriteFile(policyPath, []byte("auto_approve_commands: []\n"), 0o644); err != nil {
		t.Fatalf("write initial policy: %v", err)
	}
	live := policy.NewLivePolicy(policy.Default(), policyPath)
	w := startWatcher(t, homeDir, live)

	awaitEvent(t, w, policyPath, []byte("auto_approve_commands:\n  - ng version\n"), func(ev config.ReloadEvent) bool {
		return ev.Err == nil && !ev.RestartRequired && !live.Sensitive(policy.ToolRunShellCommand, "ng version")
	})
}

func TestWatcher_RejectedPolicyKeepsPrevious(t *testing.T) {
	homeDir := t.TempDir()
	policyPath := config.PolicyPath(homeDir)
	live := policy.NewLivePolicy(policy.Default(), policyPath)
	before := live.PolicyVersion()
	w := startWatcher(t, homeDir, live)

	awaitEvent(t, w, policyPath, []byte("auto_approve_commands: {not: [a list\n"), func(ev config.ReloadEvent) bool {
		return ev.Err != nil
	})
	if live.PolicyVersion() != before {
		t.Fatalf("policy version moved from %q to %q", before, live.PolicyVersion())
	}
}

func TestWatcher_ConfigChangeNeedsRestart(t *testing.T) {
	homeDir := t.TempDir()
	w := startWatcher(t, homeDir, nil)

	ev := awaitEvent(t, w, config.ConfigPath(homeDir), []byte("llm:\n  provider: ollama\n"), func(ev config.ReloadEvent) bool {
		return ev.RestartRequired
	})
	if ev.Err != nil {
		t.Fatalf("config change reported error: %v", ev.Err)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	homeDir := t.TempDir()
	w := startWatcher(t, homeDir, nil)
	if err := os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(400 * time.Millisecond):
	}
}
