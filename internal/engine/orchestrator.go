package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/devagent/internal/bus"
	"github.com/basket/devagent/internal/gate"
	devotel "github.com/basket/devagent/internal/otel"
	"github.com/basket/devagent/internal/policy"
	"github.com/basket/devagent/internal/session"
	"github.com/basket/devagent/internal/shared"
	"github.com/basket/devagent/internal/tokenutil"
)

// DefaultMaxToolRounds bounds reasoning calls per user turn.
const DefaultMaxToolRounds = 16

// Output renders the conversation for the user.
type Output interface {
	Notifier
	Reply(text string)
	ToolStarted(call session.ToolCall)
	ToolFinished(call session.ToolCall, outcome session.Outcome)
}

// InputReader yields one line of user input per call. io.EOF ends the
// session.
type InputReader interface {
	ReadLine(ctx context.Context) (string, error)
}

// PolicySource returns the policy currently in force.
type PolicySource interface {
	Snapshot() policy.Policy
}

// OrchestratorConfig wires the control loop.
type OrchestratorConfig struct {
	Brain   Brain
	Gate    Authorizer
	Tools   Dispatcher
	Session *session.Session
	Output  Output
	Intents *IntentHinter

	// MaxFixAttempts of 0 disables recovery.
	MaxFixAttempts    int
	MaxToolRounds     int
	ToolResponseDelay time.Duration
	// SessionFile, when set, receives the transcript after every turn.
	SessionFile string
	// Model is shown by /status.
	Model string
	// Policy, when set, lets /status list trusted command prefixes.
	Policy PolicySource

	Bus     bus.Publisher
	Tracer  trace.Tracer
	Metrics *devotel.Metrics
	Logger  *slog.Logger
}

// Orchestrator runs the conversation: one user turn at a time, tool calls
// sequentially in issue order, each through the gate.
type Orchestrator struct {
	cfg      OrchestratorConfig
	sess     *session.Session
	state    *session.State
	recovery *Recovery
	logger   *slog.Logger
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration)

	teardownOnce sync.Once
	teardownErr  error
}

// NewOrchestrator validates cfg and fills defaults.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Brain == nil || cfg.Gate == nil || cfg.Tools == nil || cfg.Session == nil {
		return nil, errors.New("orchestrator requires brain, gate, tools and session")
	}
	if cfg.MaxFixAttempts < 0 {
		cfg.MaxFixAttempts = DefaultMaxFixAttempts
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.Output == nil {
		cfg.Output = discardOutput{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(devotel.ScopeName)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:    cfg,
		sess:   cfg.Session,
		state:  cfg.Session.State,
		logger: logger,
		tracer: cfg.Tracer,
		sleep:  sleepCtx,
	}
	o.recovery = &Recovery{
		brain:       cfg.Brain,
		gate:        cfg.Gate,
		tools:       cfg.Tools,
		state:       o.state,
		history:     o.sess.History,
		maxAttempts: cfg.MaxFixAttempts,
		notify:      cfg.Output,
		bus:         cfg.Bus,
		tracer:      cfg.Tracer,
		metrics:     cfg.Metrics,
		logger:      logger,
	}
	return o, nil
}

// Run reads input until EOF, an exit command, or ctx is cancelled. Teardown
// runs on every exit path, including a panic.
func (o *Orchestrator) Run(ctx context.Context, in InputReader) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("control loop panic", "panic", r)
			_ = o.Teardown(context.WithoutCancel(ctx))
			panic(r)
		}
		if terr := o.Teardown(context.WithoutCancel(ctx)); err == nil {
			err = terr
		}
	}()

	for {
		line, rerr := in.ReadLine(ctx)
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, context.Canceled) {
				return nil
			}
			return rerr
		}
		exit, herr := o.HandleInput(ctx, line)
		if herr != nil {
			return herr
		}
		if exit || ctx.Err() != nil {
			return nil
		}
	}
}

// HandleInput processes one line. It reports exit=true for an exit command,
// after teardown has run.
func (o *Orchestrator) HandleInput(ctx context.Context, line string) (exit bool, err error) {
	text := strings.TrimSpace(line)
	switch strings.ToLower(text) {
	case "":
		return false, nil
	case "exit", "quit", "/exit", "/quit":
		return true, o.Teardown(context.WithoutCancel(ctx))
	case "/status":
		o.cfg.Output.Notice(o.statusText())
		return false, nil
	case "/help":
		o.cfg.Output.Notice(helpText)
		return false, nil
	}
	return false, o.Turn(ctx, text)
}

const helpText = `Describe what you want done in your Angular project, for example
"create a new app called shop", "add a header component" or "serve the app".
Commands: /status shows the project and dev server, /help shows this text,
exit or quit stops the dev server and leaves.`

func (o *Orchestrator) statusText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", o.state.ProjectLabel())
	fmt.Fprintf(&b, "Dev server: %s\n", o.state.DevServerLabel())
	history := o.sess.History()
	fmt.Fprintf(&b, "Session: %s (%d turns, ~%d tokens)", o.sess.ID, len(history), tokenutil.EstimateHistory(history))
	if o.cfg.Model != "" {
		fmt.Fprintf(&b, "\nModel: %s", o.cfg.Model)
	}
	if o.cfg.Policy != nil {
		if trusted := o.cfg.Policy.Snapshot().AutoApproveCommands; len(trusted) > 0 {
			fmt.Fprintf(&b, "\nAuto-approved: %s", strings.Join(trusted, ", "))
		}
	}
	return b.String()
}

// Turn handles one user request: reasoning calls alternate with tool
// execution until the model answers with text or the round bound is hit.
// A reasoning failure is shown to the user and ends the turn without error.
func (o *Orchestrator) Turn(ctx context.Context, userText string) error {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithSessionID(ctx, o.sess.ID)
	ctx, span := devotel.StartSpan(ctx, o.tracer, "turn", devotel.AttrSessionID.String(o.sess.ID))
	defer devotel.EndSpan(span, nil)
	defer o.save()

	o.append(ctx, session.UserTurn(o.cfg.Intents.Augment(userText)))

	for round := 1; round <= o.cfg.MaxToolRounds; round++ {
		span.SetAttributes(devotel.AttrRound.Int(round))
		resp, err := o.cfg.Brain.Respond(ctx, Request{
			System:  SystemPrompt(o.state, o.cfg.MaxFixAttempts),
			History: o.sess.History(),
			Tools:   o.cfg.Tools.Specs(),
		})
		if err != nil {
			f := asReasoningError(err).Failure()
			o.logger.ErrorContext(ctx, "reasoning call failed", "error", err, "round", round)
			o.cfg.Output.Notice(session.FromFailure(f).Describe())
			return nil
		}
		if resp.Final() {
			o.append(ctx, session.AssistantTurn(resp.Text))
			o.cfg.Output.Reply(resp.Text)
			return nil
		}

		calls := make([]session.ToolCall, len(resp.ToolCalls))
		for i, c := range resp.ToolCalls {
			if c.ID == "" {
				c.ID = shared.NewCallID()
			}
			calls[i] = c
			o.append(ctx, session.CallTurn(c))
		}
		for _, c := range calls {
			outcome := o.execute(ctx, c)
			o.append(ctx, session.ResultTurn(c, outcome))
		}

		if o.cfg.ToolResponseDelay > 0 {
			o.sleep(ctx, o.cfg.ToolResponseDelay)
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	msg := fmt.Sprintf("Stopped after %d tool rounds without a final answer. Tell me how to continue.", o.cfg.MaxToolRounds)
	o.logger.WarnContext(ctx, "tool round bound reached", "rounds", o.cfg.MaxToolRounds)
	o.append(ctx, session.AssistantTurn(msg))
	o.cfg.Output.Reply(msg)
	return nil
}

// execute runs one call through the gate and the registry, entering recovery
// for retryable failures.
func (o *Orchestrator) execute(ctx context.Context, call session.ToolCall) session.Outcome {
	ctx = shared.WithCallID(ctx, call.ID)
	ctx, span := devotel.StartSpan(ctx, o.tracer, "tool."+call.Name,
		devotel.AttrToolName.String(call.Name),
		devotel.AttrCallID.String(call.ID),
	)
	start := time.Now()

	o.cfg.Output.ToolStarted(call)
	outcome := o.authorizedDispatch(ctx, call)
	if !outcome.OK && outcome.Kind().Retryable() {
		outcome = o.recovery.Run(ctx, call, outcome)
	}
	o.cfg.Output.ToolFinished(call, outcome)

	var kind string
	var spanErr error
	if !outcome.OK {
		kind = string(outcome.Kind())
		spanErr = outcome.Failure
	}
	o.cfg.Metrics.ToolFinished(ctx, call.Name, kind, time.Since(start))
	devotel.EndSpan(span, spanErr)
	return outcome
}

// authorizedDispatch rejects calls with invalid arguments before the gate
// runs, so the user is never asked about a call that cannot execute.
func (o *Orchestrator) authorizedDispatch(ctx context.Context, call session.ToolCall) session.Outcome {
	if err := o.cfg.Tools.Validate(call); err != nil {
		o.logger.WarnContext(ctx, "tool call rejected", "tool", call.Name, "error", err)
		return session.Fail(session.InvalidArguments, err.Error(), "")
	}
	if o.cfg.Gate.Authorize(ctx, call) != gate.Allow {
		return session.Fail(session.UserDenied, fmt.Sprintf("you declined %s; nothing was run", call.Name), "")
	}
	return o.cfg.Tools.Dispatch(ctx, call)
}

func (o *Orchestrator) append(ctx context.Context, t session.Turn) {
	if err := o.sess.Append(ctx, t); err != nil {
		o.logger.WarnContext(ctx, "transcript record failed", "kind", t.Kind, "error", err)
	}
}

func (o *Orchestrator) save() {
	if o.cfg.SessionFile == "" {
		return
	}
	if err := session.Save(o.cfg.SessionFile, o.sess); err != nil {
		o.logger.Warn("session save failed", "path", o.cfg.SessionFile, "error", err)
	}
}

// Teardown stops the dev server and closes the session. It runs once; later
// calls return the first result.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	o.teardownOnce.Do(func() {
		if ds := o.state.DevServer; ds != nil {
			if err := ds.Teardown(ctx); err != nil {
				o.teardownErr = fmt.Errorf("stop dev server: %w", err)
				o.logger.Error("dev server teardown failed", "error", err)
			}
		}
		o.save()
		o.sess.Close()
		o.logger.Info("session closed", "session_id", o.sess.ID, "turns", o.sess.Len())
	})
	return o.teardownErr
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

type discardOutput struct{}

func (discardOutput) Notice(string)                                 {}
func (discardOutput) Reply(string)                                  {}
func (discardOutput) ToolStarted(session.ToolCall)                  {}
func (discardOutput) ToolFinished(session.ToolCall, session.Outcome) {}
