package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/devagent/internal/policy"
)

// reloadDebounce collapses the write bursts editors produce on save.
const reloadDebounce = 150 * time.Millisecond

// ReloadEvent reports one settled change to a watched file. RestartRequired
// is set for config.yaml, which is only read at startup.
type ReloadEvent struct {
	Path            string
	Op              fsnotify.Op
	Err             error
	RestartRequired bool
}

// Watcher follows policy.yaml and config.yaml in the home directory.
// policy.yaml is reloaded into the live policy; an invalid file keeps the
// previous policy active.
type Watcher struct {
	homeDir string
	live    *policy.LivePolicy
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, live *policy.LivePolicy, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if live == nil {
		live = policy.NewLivePolicy(policy.Default(), "")
	}
	return &Watcher{
		homeDir: homeDir,
		live:    live,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory until ctx is done. The directory is
// watched rather than the files because editors save via rename.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	policyFile := filepath.Clean(PolicyPath(w.homeDir))
	configFile := filepath.Clean(ConfigPath(w.homeDir))
	pending := map[string]fsnotify.Op{}
	settle := time.NewTimer(reloadDebounce)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			name := filepath.Clean(ev.Name)
			if name != policyFile && name != configFile {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending[name] |= ev.Op
			settle.Reset(reloadDebounce)
		case <-settle.C:
			for name, op := range pending {
				var out ReloadEvent
				if name == policyFile {
					out = w.reloadPolicy(name, op)
				} else {
					w.logger.Info("config.yaml changed; restart to apply", "path", name)
					out = ReloadEvent{Path: name, Op: op, RestartRequired: true}
				}
				select {
				case w.events <- out:
				default:
				}
			}
			clear(pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reloadPolicy(path string, op fsnotify.Op) ReloadEvent {
	err := policy.ReloadFromFile(w.live, path)
	if err != nil {
		w.logger.Warn("policy reload rejected", "path", path, "error", err)
	} else {
		w.logger.Info("policy reloaded", "path", path, "op", op.String(), "policy_version", w.live.PolicyVersion())
	}
	return ReloadEvent{Path: path, Op: op, Err: err}
}
