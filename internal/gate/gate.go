// Package gate decides whether a tool call may run. Sensitive calls block on
// a yes/no answer from a Confirmer; every decision lands in the audit log.
package gate

import (
	"context"
	"log/slog"
	"strings"

	"github.com/basket/devagent/internal/audit"
	"github.com/basket/devagent/internal/bus"
	devotel "github.com/basket/devagent/internal/otel"
	"github.com/basket/devagent/internal/policy"
	"github.com/basket/devagent/internal/session"
)

// Decision is the gate's answer.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return audit.DecisionAllow
	}
	return audit.DecisionDeny
}

// Prompt is what a Confirmer shows the user.
type Prompt struct {
	CallID      string
	Tool        string
	Description string
	// TrustPrefix is the command prefix an "always" answer would auto-approve.
	// Empty means the answer is not offered.
	TrustPrefix string
}

// Answer is the user's reply to a Prompt.
type Answer int

const (
	AnswerNo Answer = iota
	AnswerYes
	// AnswerAlways allows the call and trusts Prompt.TrustPrefix from now on.
	AnswerAlways
)

// Allowed reports whether the answer lets the call run.
func (a Answer) Allowed() bool { return a == AnswerYes || a == AnswerAlways }

// Confirmer asks the user a synchronous question. An error counts as no.
type Confirmer interface {
	Confirm(ctx context.Context, p Prompt) (Answer, error)
}

// Truster persists an auto-approved command prefix.
type Truster interface {
	AddAutoApprove(prefix string) error
}

// Describer renders the effect of a call.
type Describer interface {
	Describe(call session.ToolCall) string
}

// Config wires a Gate.
type Config struct {
	Policy    policy.Checker
	Describer Describer
	Confirmer Confirmer
	Audit     *audit.Log
	Bus       bus.Publisher
	Metrics   *devotel.Metrics
	Logger    *slog.Logger
	// Trust receives prefixes from "always" answers. Nil disables the answer.
	Trust Truster
	// DevCommand is the configured dev-server command. A start_dev_server
	// call that names it is treated like one that names no command.
	DevCommand string
}

// Gate is the confirmation gate.
type Gate struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a gate. A nil Confirmer denies every sensitive call.
func New(cfg Config) *Gate {
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{cfg: cfg, logger: logger}
}

// Classify stamps RequiresConfirmation from the policy table. A call already
// flagged stays flagged.
func (g *Gate) Classify(call session.ToolCall) session.ToolCall {
	call.RequiresConfirmation = call.RequiresConfirmation ||
		g.cfg.Policy.Sensitive(call.Name, g.effectiveCommand(call))
	return call
}

func (g *Gate) effectiveCommand(call session.ToolCall) string {
	command := call.String("command")
	if call.Name == policy.ToolStartDevServer && g.cfg.DevCommand != "" &&
		strings.Join(strings.Fields(command), " ") == strings.Join(strings.Fields(g.cfg.DevCommand), " ") {
		return ""
	}
	return command
}

// Authorize returns Allow for non-sensitive calls without consulting the
// confirmer; sensitive calls are allowed only on an explicit yes or always.
func (g *Gate) Authorize(ctx context.Context, call session.ToolCall) Decision {
	call = g.Classify(call)
	pv := g.cfg.Policy.PolicyVersion()

	if !call.RequiresConfirmation {
		g.cfg.Audit.Record(ctx, audit.DecisionAllow, call.Name, "not_sensitive", pv, call.String("command"))
		g.publish(call, "", Allow, false)
		return Allow
	}

	desc := g.describe(call)
	decision := Deny
	reason := "user_denied"
	if g.cfg.Confirmer == nil {
		reason = "no_confirmer"
	} else {
		p := Prompt{CallID: call.ID, Tool: call.Name, Description: desc, TrustPrefix: g.trustPrefix(call)}
		answer, err := g.cfg.Confirmer.Confirm(ctx, p)
		switch {
		case err != nil:
			reason = "confirm_error"
			g.logger.WarnContext(ctx, "confirmation failed, denying", "tool", call.Name, "error", err)
		case answer == AnswerAlways && p.TrustPrefix != "":
			decision = Allow
			reason = "user_trusted"
			if err := g.cfg.Trust.AddAutoApprove(p.TrustPrefix); err != nil {
				g.logger.WarnContext(ctx, "auto-approve not saved", "prefix", p.TrustPrefix, "error", err)
			} else {
				g.logger.InfoContext(ctx, "command prefix auto-approved", "prefix", p.TrustPrefix)
			}
		case answer.Allowed():
			decision = Allow
			reason = "user_confirmed"
		}
	}

	g.cfg.Audit.Record(ctx, decision.String(), call.Name, reason, pv, desc)
	g.publish(call, desc, decision, true)
	if decision == Deny {
		g.cfg.Metrics.GateDenied(ctx, call.Name)
	}
	g.logger.InfoContext(ctx, "gate decision", "tool", call.Name, "decision", decision.String(), "reason", reason)
	return decision
}

// trustPrefix is the prefix offered for an "always" answer: the first two
// words of a shell or dev-server command without shell metacharacters.
func (g *Gate) trustPrefix(call session.ToolCall) string {
	if g.cfg.Trust == nil {
		return ""
	}
	switch call.Name {
	case policy.ToolRunShellCommand, policy.ToolStartDevServer:
		return policy.TrustPrefix(g.effectiveCommand(call))
	}
	return ""
}

func (g *Gate) describe(call session.ToolCall) string {
	if g.cfg.Describer != nil {
		return g.cfg.Describer.Describe(call)
	}
	return "Run tool " + call.Name
}

func (g *Gate) publish(call session.ToolCall, desc string, d Decision, prompted bool) {
	if g.cfg.Bus == nil {
		return
	}
	g.cfg.Bus.Publish(bus.TopicGateDecision, bus.GateDecisionEvent{
		CallID:      call.ID,
		Tool:        call.Name,
		Description: desc,
		Allowed:     d == Allow,
		Prompted:    prompted,
	})
}
