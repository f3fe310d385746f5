package otel

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the control-loop instruments. All recording methods accept a
// nil receiver so components can run without telemetry.
type Metrics struct {
	BrainCallDuration metric.Float64Histogram
	BrainErrors       metric.Int64Counter
	ToolCallDuration  metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	GateDenials       metric.Int64Counter
	RecoveryAttempts  metric.Int64Counter
	DevServerStarts   metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var errs []error
	histogram := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		errs = append(errs, err)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}

	m.BrainCallDuration = histogram("devagent.brain.duration", "Reasoning call duration")
	m.BrainErrors = counter("devagent.brain.errors", "Reasoning calls that failed, by error class")
	m.ToolCallDuration = histogram("devagent.tool.duration", "Tool call duration including recovery")
	m.ToolCallErrors = counter("devagent.tool.errors", "Tool calls that ended in failure, by kind")
	m.GateDenials = counter("devagent.gate.denials", "Sensitive calls the user declined")
	m.RecoveryAttempts = counter("devagent.recovery.attempts", "Remediation rounds requested from the reasoning service")
	m.DevServerStarts = counter("devagent.devserver.starts", "Dev-server launches")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// BrainFinished records one reasoning call; class is empty on success.
func (m *Metrics) BrainFinished(ctx context.Context, model, class string, d time.Duration) {
	if m == nil {
		return
	}
	m.BrainCallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrModel.String(model)))
	if class != "" {
		m.BrainErrors.Add(ctx, 1, metric.WithAttributes(AttrModel.String(model), attribute.String("class", class)))
	}
}

// ToolFinished records a dispatched call; kind is empty when it succeeded.
func (m *Metrics) ToolFinished(ctx context.Context, tool, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrToolName.String(tool)))
	if kind != "" {
		m.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(AttrToolName.String(tool), AttrFailureKind.String(kind)))
	}
}

func (m *Metrics) GateDenied(ctx context.Context, tool string) {
	if m == nil {
		return
	}
	m.GateDenials.Add(ctx, 1, metric.WithAttributes(AttrToolName.String(tool)))
}

func (m *Metrics) RecoveryAttempted(ctx context.Context, tool, kind string, attempt int) {
	if m == nil {
		return
	}
	m.RecoveryAttempts.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(tool),
		AttrFailureKind.String(kind),
		AttrAttempt.Int(attempt),
	))
}

func (m *Metrics) DevServerStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.DevServerStarts.Add(ctx, 1)
}
