package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/devagent/internal/bus"
	"github.com/basket/devagent/internal/gate"
	devotel "github.com/basket/devagent/internal/otel"
	"github.com/basket/devagent/internal/session"
	"github.com/basket/devagent/internal/shared"
	"github.com/basket/devagent/internal/tools"
)

// DefaultMaxFixAttempts bounds remediation rounds per failure.
const DefaultMaxFixAttempts = 3

// Authorizer is the confirmation gate.
type Authorizer interface {
	Authorize(ctx context.Context, call session.ToolCall) gate.Decision
}

// Dispatcher validates and executes tool calls.
type Dispatcher interface {
	Validate(call session.ToolCall) error
	Dispatch(ctx context.Context, call session.ToolCall) session.Outcome
	Specs() []tools.Spec
}

// Notifier receives user-facing progress lines.
type Notifier interface {
	Notice(text string)
}

// Recovery asks the reasoning capability for fixes to a failed tool call and
// runs them through the gate until one succeeds, the model gives up, the
// user declines, or the attempt bound is reached.
type Recovery struct {
	brain       Brain
	gate        Authorizer
	tools       Dispatcher
	state       *session.State
	history     func() []session.Turn
	maxAttempts int
	notify      Notifier
	bus         bus.Publisher
	tracer      trace.Tracer
	metrics     *devotel.Metrics
	logger      *slog.Logger
}

// Run starts a recovery chain for call, whose dispatch returned failed. The
// returned outcome replaces failed as the call's result. Remediation
// requests and replies are not written to history; the trail is attached to
// the outcome instead.
func (r *Recovery) Run(ctx context.Context, call session.ToolCall, failed session.Outcome) session.Outcome {
	ec := &session.ErrorContext{
		FailedCall:  call,
		Failure:     *failed.Failure,
		MaxAttempts: r.maxAttempts,
	}
	r.state.LastError = ec
	ctx, span := devotel.StartSpan(ctx, r.tracer, "recovery",
		devotel.AttrToolName.String(call.Name),
		devotel.AttrCallID.String(call.ID),
		devotel.AttrMaxAttempts.Int(r.maxAttempts),
	)
	defer func() {
		span.SetAttributes(devotel.AttrAttempt.Int(ec.AttemptCount))
		devotel.EndSpan(span, nil)
		r.state.LastError = nil
	}()

	r.notice(fmt.Sprintf("%s failed: %s", call.Name, failed.Describe()))

	var trail []session.RecoveryStep
	for {
		if ec.Exhausted() {
			r.logger.Warn("recovery exhausted", "tool", call.Name, "call_id", call.ID, "attempts", ec.AttemptCount)
			return session.Outcome{
				Failure: &session.Failure{
					Kind:      session.Unrecoverable,
					Message:   ec.Failure.Message,
					RawOutput: ec.Failure.RawOutput,
				},
				Recovery: trail,
			}
		}

		attempt := ec.AttemptCount + 1
		r.publish(ctx, call, ec, attempt)
		r.notice(fmt.Sprintf("asking for a fix (attempt %d of %d)", attempt, ec.MaxAttempts))

		remediation := *ec
		resp, err := r.brain.Respond(ctx, Request{
			System:      SystemPrompt(r.state, r.maxAttempts),
			History:     r.history(),
			Tools:       r.tools.Specs(),
			Remediation: &remediation,
		})
		if err != nil {
			f := asReasoningError(err).Failure()
			f.Message = fmt.Sprintf("could not get a fix for %s (%s): %s", call.Name, ec.Failure.Message, f.Message)
			return session.Outcome{Failure: f, Recovery: trail}
		}
		if resp.Final() {
			trail = append(trail, session.RecoveryStep{Attempt: attempt, Note: resp.Text})
			failure := ec.Failure
			return session.Outcome{Failure: &failure, Recovery: trail}
		}
		if len(resp.ToolCalls) > 1 {
			r.logger.Warn("remediation returned several calls; using the first", "count", len(resp.ToolCalls))
		}
		fix := resp.ToolCalls[0]
		if fix.ID == "" {
			fix.ID = shared.NewCallID()
		}
		ec.AttemptCount = attempt

		// An invalid fix is not shown for confirmation; Dispatch rejects it.
		if r.tools.Validate(fix) == nil && r.gate.Authorize(ctx, fix) == gate.Deny {
			trail = append(trail, session.RecoveryStep{Attempt: attempt, Call: fix, Note: "declined"})
			return session.Outcome{
				Failure: &session.Failure{
					Kind:    session.UserDenied,
					Message: fmt.Sprintf("you declined the fix %s; %s is still failing: %s", fix.Name, call.Name, ec.Failure.Message),
				},
				Recovery: trail,
			}
		}

		res := r.tools.Dispatch(ctx, fix)
		trail = append(trail, session.RecoveryStep{Attempt: attempt, Call: fix, OK: res.OK, Failure: res.Failure})
		if res.OK {
			r.logger.Info("recovery succeeded", "tool", call.Name, "fix", fix.Name, "attempt", attempt)
			r.notice(fmt.Sprintf("fixed by %s on attempt %d", fix.Name, attempt))
			return session.Outcome{OK: true, Payload: res.Payload, Recovery: trail}
		}
		r.logger.Info("remediation failed", "tool", call.Name, "fix", fix.Name, "attempt", attempt, "kind", res.Kind())
		ec.Failure = *res.Failure
		last := fix
		ec.LastCall = &last
	}
}

func (r *Recovery) publish(ctx context.Context, call session.ToolCall, ec *session.ErrorContext, attempt int) {
	r.metrics.RecoveryAttempted(ctx, call.Name, string(ec.Failure.Kind), attempt)
	if r.bus != nil {
		r.bus.Publish(bus.TopicRecoveryAttempt, bus.RecoveryAttemptEvent{
			CallID:      call.ID,
			Tool:        call.Name,
			Attempt:     attempt,
			MaxAttempts: ec.MaxAttempts,
			Kind:        string(ec.Failure.Kind),
		})
	}
}

func (r *Recovery) notice(text string) {
	if r.notify != nil {
		r.notify.Notice(text)
	}
}
