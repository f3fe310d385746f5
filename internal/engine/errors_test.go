package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/devagent/internal/session"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{name: "nil error", err: nil, expected: ErrorClassUnknown},
		{name: "401 unauthorized", err: errors.New("HTTP 401: Unauthorized"), expected: ErrorClassAuth},
		{name: "invalid api key", err: errors.New("invalid api key provided"), expected: ErrorClassAuth},
		{name: "gemini key", err: errors.New("API key not valid. Please pass a valid API key."), expected: ErrorClassAuth},
		{name: "403 forbidden", err: errors.New("403 Forbidden: access denied"), expected: ErrorClassAuth},
		{name: "429 rate limit", err: errors.New("HTTP 429: rate limit exceeded"), expected: ErrorClassRateLimit},
		{name: "quota exceeded", err: errors.New("quota exceeded for project"), expected: ErrorClassRateLimit},
		{name: "resource exhausted", err: errors.New("RESOURCE_EXHAUSTED"), expected: ErrorClassRateLimit},
		{name: "billing issue", err: errors.New("billing account not active"), expected: ErrorClassRateLimit},
		{name: "deadline exceeded", err: fmt.Errorf("generate: %w", context.DeadlineExceeded), expected: ErrorClassTimeout},
		{name: "timed out", err: errors.New("connection timed out"), expected: ErrorClassTimeout},
		{name: "context_length", err: errors.New("context_length_exceeded: max 128000 tokens"), expected: ErrorClassContextOverflow},
		{name: "context window", err: errors.New("input exceeds context window"), expected: ErrorClassContextOverflow},
		{name: "unknown error", err: errors.New("something went wrong"), expected: ErrorClassUnknown},
		{name: "generic server error", err: errors.New("500 internal server error"), expected: ErrorClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.expected)
			}
		})
	}
}

func TestReasoningError_Failure(t *testing.T) {
	re := asReasoningError(errors.New("HTTP 429: rate limit exceeded"))
	f := re.Failure()
	if f.Kind != session.ReasoningUnavailable {
		t.Fatalf("kind = %q", f.Kind)
	}
	if !strings.Contains(f.Message, "RATE_LIMIT") || !strings.Contains(f.Message, "tool_response_delay_ms") {
		t.Fatalf("message = %q", f.Message)
	}
	if again := asReasoningError(fmt.Errorf("wrapped: %w", re)); again != re {
		t.Fatal("an existing ReasoningError must not be reclassified")
	}
	if f.Kind.Retryable() {
		t.Fatal("reasoning failures are never retried")
	}
}

type blockingBrain struct{}

func (blockingBrain) Respond(ctx context.Context, _ Request) (Response, error) {
	<-ctx.Done()
	return Response{}, ctx.Err()
}

func TestInstrument_TimeoutIsClassified(t *testing.T) {
	tracer := nooptrace.NewTracerProvider().Tracer("test")
	b := Instrument(blockingBrain{}, "test-model", tracer, nil, 20*time.Millisecond)

	_, err := b.Respond(context.Background(), Request{})
	var re *ReasoningError
	if !errors.As(err, &re) {
		t.Fatalf("expected *ReasoningError, got %T: %v", err, err)
	}
	if re.Class != ErrorClassTimeout {
		t.Fatalf("class = %s, want TIMEOUT", re.Class)
	}
}

func TestInstrument_PassesThroughResponse(t *testing.T) {
	tracer := nooptrace.NewTracerProvider().Tracer("test")
	inner := &scriptedBrain{script: []scripted{reply("hello")}}
	b := Instrument(inner, "test-model", tracer, nil, 0)

	resp, err := b.Respond(context.Background(), Request{Remediation: &session.ErrorContext{MaxAttempts: 3}})
	if err != nil || resp.Text != "hello" {
		t.Fatalf("Respond = %+v, %v", resp, err)
	}
	if len(inner.requests) != 1 || inner.requests[0].Remediation == nil {
		t.Fatal("request must reach the inner brain unchanged")
	}
}
