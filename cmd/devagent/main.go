package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/devagent/internal/audit"
	"github.com/basket/devagent/internal/bus"
	"github.com/basket/devagent/internal/config"
	"github.com/basket/devagent/internal/doctor"
	"github.com/basket/devagent/internal/engine"
	"github.com/basket/devagent/internal/gate"
	devotel "github.com/basket/devagent/internal/otel"
	"github.com/basket/devagent/internal/persistence"
	"github.com/basket/devagent/internal/policy"
	"github.com/basket/devagent/internal/session"
	"github.com/basket/devagent/internal/supervisor"
	"github.com/basket/devagent/internal/telemetry"
	"github.com/basket/devagent/internal/tools"
	"github.com/basket/devagent/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// signalGrace is how long a signal waits for the control loop to wind down
// on its own before teardown is forced.
const signalGrace = 2 * time.Second

type options struct {
	project     string
	provider    string
	model       string
	sessionFile string
	logLevel    string
	noTUI       bool
	sessions    bool
	show        string
	doctor      bool
	jsonOut     bool
	version     bool
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var o options
	fs.StringVar(&o.project, "project", "", "Angular project directory (overrides project_path)")
	fs.StringVar(&o.provider, "provider", "", "llm provider: google, anthropic, openai, openai_compatible, ollama")
	fs.StringVar(&o.model, "model", "", "model name for the provider")
	fs.StringVar(&o.sessionFile, "session-file", "", "YAML transcript to resume from and save to")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	fs.BoolVar(&o.noTUI, "no-tui", false, "plain line input and output even on a terminal")
	fs.BoolVar(&o.sessions, "sessions", false, "list recorded sessions and exit")
	fs.StringVar(&o.show, "show-session", "", "print the recorded transcript of a session id and exit")
	fs.BoolVar(&o.doctor, "doctor", false, "run environment diagnostics and exit")
	fs.BoolVar(&o.jsonOut, "json", false, "with -doctor, print the report as JSON")
	fs.BoolVar(&o.version, "version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return o, nil
}

// apply layers flag values over the loaded configuration.
func (o options) apply(cfg *config.Config) error {
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.provider != "" {
		if err := cfg.UseProvider(o.provider); err != nil {
			return err
		}
	}
	if o.model != "" {
		cfg.LLM.Model = o.model
	}
	if o.sessionFile != "" {
		cfg.SessionFile = o.sessionFile
	}
	if o.project != "" {
		abs, err := filepath.Abs(o.project)
		if err != nil {
			return fmt.Errorf("resolve project path: %w", err)
		}
		cfg.ProjectPath = abs
	}
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("devagent", flag.ContinueOnError)
	opts, err := parseFlags(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if opts.version {
		fmt.Println("devagent", Version)
		return 0
	}

	interactive := !opts.noTUI && os.Getenv("DEVAGENT_NO_TUI") == "" &&
		isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}
	starter := cfg
	if err := opts.apply(&cfg); err != nil {
		return fatalStartup(nil, nil, "E_FLAGS", err)
	}

	if opts.doctor {
		return runDoctor(ctx, &cfg, opts.jsonOut, os.Stdout)
	}

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return fatalStartup(nil, nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = auditLog.Close() }()

	// Quiet logs (file-only) in interactive mode so the prompt stays clean.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		return fatalStartup(nil, auditLog, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config", cfg.Fingerprint())

	if cfg.NeedsGenesis {
		if err := writeStarterConfig(starter); err != nil {
			logger.Warn("could not write starter config.yaml", "error", err)
		} else {
			logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
		}
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fatalStartup(logger, auditLog, "E_STORE_OPEN", err)
	}
	defer store.Close()
	auditLog.SetSink(store)
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	if opts.sessions {
		return exitCode(listSessions(ctx, store, os.Stdout))
	}
	if opts.show != "" {
		return exitCode(showSession(ctx, store, opts.show, os.Stdout))
	}

	otelProvider, err := devotel.Init(ctx, cfg.OTel)
	if err != nil {
		return fatalStartup(logger, auditLog, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := devotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger, auditLog, "E_OTEL_METRICS", err)
	}

	policyPath := config.PolicyPath(cfg.HomeDir)
	polData, err := policy.Load(policyPath)
	if err != nil {
		return fatalStartup(logger, auditLog, "E_POLICY_LOAD", err)
	}
	pol := policy.NewLivePolicy(polData, policyPath)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", pol.PolicyVersion())

	eventBus := bus.New()

	var console *tui.Console
	if interactive {
		console = tui.NewTerminalConsole(os.Stdin, os.Stdout)
	} else {
		console = tui.NewPlainConsole(os.Stdin, os.Stdout)
	}

	watcher := config.NewWatcher(cfg.HomeDir, pol, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("policy hot reload disabled", "error", err)
	} else {
		go reportReloads(watcher.Events(), console)
	}

	state := &session.State{}
	sess, err := openSession(ctx, cfg, state, store, logger)
	if err != nil {
		return fatalStartup(logger, auditLog, "E_SESSION_OPEN", err)
	}
	if cfg.ProjectPath != "" {
		if err := state.SetProjectPath(cfg.ProjectPath); err != nil {
			return fatalStartup(logger, auditLog, "E_PROJECT_PATH", err)
		}
	}

	devServer := supervisor.New(supervisor.Config{
		ReadyMarkers: cfg.DevServer.ReadyMarkers,
		FatalMarkers: cfg.DevServer.FatalMarkers,
		OutputLines:  cfg.DevServer.OutputLines,
		StopGrace:    cfg.StopGrace(),
		Bus:          eventBus,
		Logger:       logger,
	})
	state.DevServer = devServer

	env := &tools.Env{
		State:     state,
		Policy:    pol,
		DevServer: devServer,
		Shell: tools.ShellOptions{
			DefaultTimeout: time.Duration(cfg.Tools.Shell.TimeoutSeconds) * time.Second,
			MaxOutputBytes: cfg.Tools.Shell.MaxOutputBytes,
		},
		MaxReadBytes: cfg.Tools.MaxReadBytes,
		DevCommand:   cfg.DevServer.Command,
		Bus:          eventBus,
		Metrics:      metrics,
		Logger:       logger,
	}
	if cfg.Tools.Shell.Sandbox {
		root := func() string {
			if state.ProjectPath != "" {
				return state.ProjectPath
			}
			return cfg.HomeDir
		}
		sb, err := tools.NewDockerSandbox(cfg.Tools.Shell.SandboxImage, cfg.Tools.Shell.SandboxMemory, cfg.Tools.Shell.SandboxNetwork, root)
		if err != nil {
			logger.Warn("failed to init docker sandbox, falling back to host", "error", err)
		} else {
			env.Executor = sb
			defer sb.Close()
			logger.Info("shell sandbox enabled", "image", cfg.Tools.Shell.SandboxImage)
		}
	}
	registry := tools.NewRegistry(eventBus, logger)
	if err := tools.RegisterBuiltins(registry, env); err != nil {
		return fatalStartup(logger, auditLog, "E_TOOLS_REGISTER", err)
	}
	logger.Info("startup phase", "phase", "tools_registered", "tools", registry.Names())

	var confirmer gate.Confirmer
	if interactive {
		confirmer = tui.NewTeaConfirmer(os.Stdin, os.Stdout)
	} else {
		confirmer = gate.NewLineConfirmer(console.Reader(), console.Writer())
	}
	g := gate.New(gate.Config{
		Policy:     pol,
		Describer:  registry,
		Confirmer:  confirmer,
		Audit:      auditLog,
		Bus:        eventBus,
		Metrics:    metrics,
		Logger:     logger,
		Trust:      pol,
		DevCommand: cfg.DevServer.Command,
	})

	brainCfg := engine.BrainConfigFrom(cfg, registry.Specs(), logger)
	brain, err := engine.NewBrain(ctx, brainCfg)
	if err != nil {
		return fatalStartup(logger, auditLog, "E_BRAIN_INIT", err)
	}
	brain = engine.Instrument(brain, cfg.LLM.Model, otelProvider.Tracer, metrics, brainCfg.Timeout)

	orch, err := engine.NewOrchestrator(engine.OrchestratorConfig{
		Brain:             brain,
		Gate:              g,
		Tools:             registry,
		Session:           sess,
		Output:            console,
		Intents:           engine.NewIntentHinter(cfg.Intents),
		MaxFixAttempts:    cfg.MaxFixAttempts,
		MaxToolRounds:     cfg.MaxToolRounds,
		ToolResponseDelay: cfg.ToolResponseDelay(),
		SessionFile:       cfg.SessionFile,
		Model:             cfg.LLM.Provider + "/" + cfg.LLM.Model,
		Policy:            pol,
		Bus:               eventBus,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		return fatalStartup(logger, auditLog, "E_ORCHESTRATOR_INIT", err)
	}
	logger.Info("startup phase", "phase", "ready", "session_id", sess.ID, "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	console.Banner(state.ProjectLabel(), cfg.LLM.Provider+"/"+cfg.LLM.Model)
	if sess.Len() > 0 {
		console.Notice(fmt.Sprintf("Resumed session %s (%d turns).", sess.ID, sess.Len()))
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	waitWatch := console.Watch(watchCtx, eventBus)

	runDone := make(chan struct{})
	go forceTeardownOnSignal(ctx, runDone, orch, console, logger)

	runErr := orch.Run(ctx, console)
	close(runDone)
	stopWatch()
	waitWatch()
	if runErr != nil {
		console.Failure(runErr)
		logger.Error("session ended with error", "error", runErr)
		return 1
	}
	logger.Info("session ended", "session_id", sess.ID, "turns", sess.Len())
	return 0
}

// openSession resumes the session file when it holds a transcript and
// otherwise starts fresh. Either way turns are recorded in the store.
func openSession(ctx context.Context, cfg config.Config, state *session.State, store *persistence.Store, logger *slog.Logger) (*session.Session, error) {
	var sess *session.Session
	if cfg.SessionFile != "" {
		t, err := session.TryResume(cfg.SessionFile)
		if err != nil {
			return nil, err
		}
		if t != nil {
			sess = session.Restore(t, state, session.WithRecorder(store))
			logger.Info("session resumed", "session_id", sess.ID, "turns", sess.Len(), "path", cfg.SessionFile)
		}
	}
	if sess == nil {
		sess = session.New(state, session.WithRecorder(store))
	}
	if err := store.EnsureSession(ctx, sess.ID); err != nil {
		return nil, err
	}
	return sess, nil
}

// forceTeardownOnSignal covers a signal that arrives while the console is
// blocked reading a line: the loop cannot observe ctx there, so once the
// grace period passes the dev server is stopped here and the process exits.
func forceTeardownOnSignal(ctx context.Context, runDone <-chan struct{}, orch *engine.Orchestrator, console *tui.Console, logger *slog.Logger) {
	select {
	case <-runDone:
		return
	case <-ctx.Done():
	}
	select {
	case <-runDone:
		return
	case <-time.After(signalGrace):
	}
	logger.Warn("signal received while waiting for input; tearing down")
	tctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := orch.Teardown(tctx); err != nil {
		logger.Error("teardown failed", "error", err)
	}
	console.Release()
	os.Exit(130)
}

func reportReloads(events <-chan config.ReloadEvent, console *tui.Console) {
	for ev := range events {
		switch {
		case ev.RestartRequired:
			console.Notice("config.yaml changed; restart devagent to apply it")
		case ev.Err != nil:
			console.Notice("policy.yaml rejected, keeping the previous policy: " + ev.Err.Error())
		default:
			console.Notice("policy.yaml reloaded")
		}
	}
}

func listSessions(ctx context.Context, store *persistence.Store, w io.Writer) error {
	rows, err := store.ListSessions(ctx, 20)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "No recorded sessions.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tTURNS\tLAST ACTIVE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.ID, r.Turns, r.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func showSession(ctx context.Context, store *persistence.Store, id string, w io.Writer) error {
	rows, err := store.ListTranscript(ctx, id, 0)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no transcript for session %s", id)
	}
	for _, r := range rows {
		label := r.Kind
		if r.Tool != "" {
			label += " " + r.Tool
		}
		if r.OK != nil && !*r.OK {
			label += " (" + r.FailureKind + ")"
		}
		fmt.Fprintf(w, "%4d  %-24s %s\n", r.Seq, label, r.Content)
	}
	return nil
}

func runDoctor(ctx context.Context, cfg *config.Config, jsonOut bool, w io.Writer) int {
	diag := doctor.Run(ctx, cfg, Version, doctor.Env{})
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
			return 1
		}
	} else {
		printDiagnosis(w, diag)
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "devagent doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(w, "---")
	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case doctor.StatusFail:
			icon = "❌"
		case doctor.StatusWarn:
			icon = "⚠️ "
		case doctor.StatusSkip:
			icon = "⏩"
		}
		fmt.Fprintf(w, "%s %-12s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "    %s\n", res.Detail)
		}
	}
}

const starterConfig = `# devagent configuration. Environment variables and flags override these.
log_level: info
llm:
  provider: %s
  model: %s
max_fix_attempts: %d
dev_server:
  command: %s
tools:
  shell:
    sandbox: false
`

func writeStarterConfig(cfg config.Config) error {
	body := fmt.Sprintf(starterConfig, cfg.LLM.Provider, cfg.LLM.Model, cfg.MaxFixAttempts, cfg.DevServer.Command)
	return os.WriteFile(config.ConfigPath(cfg.HomeDir), []byte(body), 0o644)
}

func exitCode(err error) int {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// fatalStartup records a startup failure with its reason code and returns
// the process exit status.
func fatalStartup(logger *slog.Logger, auditLog *audit.Log, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	auditLog.Record(context.Background(), audit.DecisionDeny, "runtime.startup", reasonCode, "", message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	}
	fmt.Fprintf(os.Stderr, "devagent: %s: %s\n", reasonCode, message)
	return 1
}
