package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/basket/devagent/internal/config"
	"github.com/basket/devagent/internal/session"
	"github.com/basket/devagent/internal/shared"
	"github.com/basket/devagent/internal/tools"
)

// OpenAIBrain talks to any OpenAI-compatible chat completions endpoint,
// including a local Ollama server.
type OpenAIBrain struct {
	client openai.Client
	model  string
	tools  []openai.ChatCompletionToolUnionParam
	logger *slog.Logger
}

// NewOpenAIBrain creates a client for cfg.BaseURL. Ollama ignores the API key
// but the SDK requires one, so a placeholder is sent.
func NewOpenAIBrain(cfg BrainConfig) (*OpenAIBrain, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(cfg.Provider)
	if cfg.BaseURL == "" && provider == config.ProviderOpenAICompatible {
		return nil, fmt.Errorf("openai_compatible provider needs providers.openai_compatible.base_url")
	}

	var opts []option.RequestOption
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	switch {
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	case provider == config.ProviderOllama:
		opts = append(opts, option.WithAPIKey("ollama"))
	}

	if provider == config.ProviderOllama {
		m, err := checkOllamaModel(cfg.BaseURL, cfg.Model)
		switch {
		case errors.Is(err, ErrNoToolCalling):
			return nil, err
		case err != nil:
			logger.Warn("could not inspect ollama model", "model", cfg.Model, "error", err)
		default:
			logger.Debug("ollama model ready", "model", m.Name, "family", m.Family, "parameters", m.Parameters)
		}
	}

	b := &OpenAIBrain{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		tools:  toolParams(cfg.Tools),
		logger: logger,
	}
	logger.Info("openai brain initialized", "provider", provider, "model", cfg.Model, "base_url", cfg.BaseURL)
	return b, nil
}

func toolParams(specs []tools.Spec) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(specs))
	for _, s := range specs {
		out = append(out, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        s.Name,
					Description: openai.String(s.Description),
					Parameters:  openai.FunctionParameters(s.Parameters),
				},
			},
		})
	}
	return out
}

// Respond sends one chat completion request.
func (b *OpenAIBrain) Respond(ctx context.Context, req Request) (Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    b.model,
		Messages: historyToOpenAI(req),
	}
	if len(b.tools) > 0 {
		params.Tools = b.tools
	}

	completion, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, fmt.Errorf("chat completion returned no choices")
	}

	message := completion.Choices[0].Message
	var out Response
	for _, tc := range message.ToolCalls {
		id := tc.ID
		if id == "" {
			id = shared.NewCallID()
		}
		out.ToolCalls = append(out.ToolCalls, session.ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: decodeArguments(tc.Function.Arguments),
		})
	}
	if len(out.ToolCalls) == 0 {
		out.Text = message.Content
	}
	return out, nil
}

// historyToOpenAI converts the request to chat messages: system prompt,
// history, and the remediation request when present.
func historyToOpenAI(req Request) []openai.ChatCompletionMessageParamUnion {
	msgs := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(req.System)}
	for _, t := range req.History {
		switch t.Kind {
		case session.TurnUser:
			msgs = append(msgs, openai.UserMessage(t.Text))
		case session.TurnAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Text))
		case session.TurnToolCall:
			if t.Call == nil {
				continue
			}
			args := t.Call.Arguments
			if args == nil {
				args = map[string]any{}
			}
			call := openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: t.Call.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      t.Call.Name,
						Arguments: mustJSON(args),
					},
				},
			}
			if n := len(msgs); n > 0 && msgs[n-1].OfAssistant != nil && len(msgs[n-1].OfAssistant.ToolCalls) > 0 {
				msgs[n-1].OfAssistant.ToolCalls = append(msgs[n-1].OfAssistant.ToolCalls, call)
				continue
			}
			m := openai.AssistantMessage("")
			m.OfAssistant.ToolCalls = []openai.ChatCompletionMessageToolCallUnionParam{call}
			msgs = append(msgs, m)
		case session.TurnToolResult:
			msgs = append(msgs, openai.ToolMessage(toolPayload(t), t.CallID))
		}
	}
	if req.Remediation != nil {
		msgs = append(msgs, openai.UserMessage(RemediationPrompt(req.Remediation)))
	}
	return msgs
}

func mustJSON(v map[string]any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
