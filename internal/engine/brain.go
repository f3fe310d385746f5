package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/devagent/internal/config"
	devotel "github.com/basket/devagent/internal/otel"
	"github.com/basket/devagent/internal/session"
	"github.com/basket/devagent/internal/tools"
)

// Request is one reasoning call: the system prompt rebuilt from the current
// context state, the full ordered history, and the tool declarations. When
// Remediation is set the call asks for a fix to a failed tool call.
type Request struct {
	System      string
	History     []session.Turn
	Tools       []tools.Spec
	Remediation *session.ErrorContext
}

// Response is either final text or an ordered list of tool calls.
type Response struct {
	Text      string
	ToolCalls []session.ToolCall
}

// Final reports whether the response ends the turn.
func (r Response) Final() bool { return len(r.ToolCalls) == 0 }

// Brain is the reasoning capability.
type Brain interface {
	Respond(ctx context.Context, req Request) (Response, error)
}

// BrainConfig selects and configures a reasoning adapter.
type BrainConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
	Tools    []tools.Spec
	Logger   *slog.Logger
}

// BrainConfigFrom derives adapter settings from the loaded configuration.
func BrainConfigFrom(cfg config.Config, specs []tools.Spec, logger *slog.Logger) BrainConfig {
	return BrainConfig{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.ProviderAPIKey(cfg.LLM.Provider),
		BaseURL:  cfg.ProviderBaseURL(cfg.LLM.Provider),
		Timeout:  time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		Tools:    specs,
		Logger:   logger,
	}
}

// NewBrain picks the adapter for the provider: Genkit plugins for Google,
// Anthropic and OpenAI; the OpenAI SDK for compatible endpoints and Ollama.
func NewBrain(ctx context.Context, cfg BrainConfig) (Brain, error) {
	switch strings.ToLower(cfg.Provider) {
	case config.ProviderGoogle, config.ProviderAnthropic, config.ProviderOpenAI:
		return NewGenkitBrain(ctx, cfg)
	case config.ProviderOpenAICompatible, config.ProviderOllama:
		return NewOpenAIBrain(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// instrumentedBrain records a span, duration and error count around every
// reasoning call and classifies failures.
type instrumentedBrain struct {
	inner   Brain
	model   string
	tracer  trace.Tracer
	metrics *devotel.Metrics
	timeout time.Duration
}

// Instrument wraps b with tracing, metrics, a per-call timeout and error
// classification. metrics may be nil.
func Instrument(b Brain, model string, tracer trace.Tracer, metrics *devotel.Metrics, timeout time.Duration) Brain {
	return &instrumentedBrain{inner: b, model: model, tracer: tracer, metrics: metrics, timeout: timeout}
}

func (b *instrumentedBrain) Respond(ctx context.Context, req Request) (Response, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	attrs := []attribute.KeyValue{devotel.AttrModel.String(b.model)}
	if req.Remediation != nil {
		attrs = append(attrs, devotel.AttrAttempt.Int(req.Remediation.AttemptCount+1))
	}
	ctx, span := devotel.StartClientSpan(ctx, b.tracer, "brain.respond", attrs...)

	start := time.Now()
	resp, err := b.inner.Respond(ctx, req)
	if err != nil {
		re := asReasoningError(err)
		b.metrics.BrainFinished(ctx, b.model, string(re.Class), time.Since(start))
		devotel.EndSpan(span, re)
		return Response{}, re
	}
	b.metrics.BrainFinished(ctx, b.model, "", time.Since(start))
	devotel.EndSpan(span, nil)
	return resp, nil
}
