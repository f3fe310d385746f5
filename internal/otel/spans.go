package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/devagent/internal/session"
)

// Attribute keys used on control-loop spans.
var (
	AttrSessionID    = attribute.Key("devagent.session.id")
	AttrToolName     = attribute.Key("devagent.tool.name")
	AttrCallID       = attribute.Key("devagent.tool.call_id")
	AttrFailureKind  = attribute.Key("devagent.tool.failure_kind")
	AttrModel        = attribute.Key("devagent.llm.model")
	AttrAttempt      = attribute.Key("devagent.recovery.attempt")
	AttrMaxAttempts  = attribute.Key("devagent.recovery.max_attempts")
	AttrGateDecision = attribute.Key("devagent.gate.decision")
	AttrRound        = attribute.Key("devagent.turn.round")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound reasoning call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err (if any) and ends the span. A tool failure also sets
// the failure kind attribute.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		if f, ok := session.AsFailure(err); ok {
			span.SetAttributes(AttrFailureKind.String(string(f.Kind)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
