package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/devagent/internal/config"
	"github.com/basket/devagent/internal/session"
	"github.com/basket/devagent/internal/shared"
)

// errRegistryExecutes is returned if Genkit ever tries to run a tool itself.
// Tool requests are returned to the orchestrator, which owns the gate.
var errRegistryExecutes = errors.New("tools are executed by the devagent registry")

// GenkitBrain talks to Gemini, Claude or OpenAI models through Genkit.
type GenkitBrain struct {
	g      *genkit.Genkit
	model  string
	tools  []ai.ToolRef
	logger *slog.Logger
}

// NewGenkitBrain initializes Genkit with the plugin for cfg.Provider and
// declares every tool spec with its JSON Schema.
func NewGenkitBrain(ctx context.Context, cfg BrainConfig) (*GenkitBrain, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s API key is not set", provider)
	}

	var g *genkit.Genkit
	switch provider {
	case config.ProviderAnthropic:
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		}))
	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
		}))
	case config.ProviderGoogle:
		if os.Getenv("GEMINI_API_KEY") == "" {
			_ = os.Setenv("GEMINI_API_KEY", cfg.APIKey)
		}
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel(modelNameForProvider(provider, cfg.Model)),
		)
	default:
		return nil, fmt.Errorf("provider %q is not served by genkit", provider)
	}

	b := &GenkitBrain{
		g:      g,
		model:  modelNameForProvider(provider, cfg.Model),
		logger: logger,
	}
	for _, spec := range cfg.Tools {
		t := genkit.DefineToolWithInputSchema(g, spec.Name, spec.Description, spec.Parameters,
			func(_ *ai.ToolContext, _ any) (any, error) {
				return nil, errRegistryExecutes
			})
		b.tools = append(b.tools, t)
	}
	logger.Info("genkit brain initialized", "provider", provider, "model", b.model, "tools", len(b.tools))
	return b, nil
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case config.ProviderAnthropic:
		return "anthropic/" + model
	case config.ProviderOpenAI:
		return "openai/" + model
	default:
		return "googleai/" + model
	}
}

// Respond asks the model for the next step. Tool requests come back
// unexecuted.
func (b *GenkitBrain) Respond(ctx context.Context, req Request) (Response, error) {
	msgs := historyToMessages(req.History)
	if req.Remediation != nil {
		msgs = append(msgs, textMessage(ai.RoleUser, RemediationPrompt(req.Remediation)))
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(b.model),
		// WithSystem treats its argument as a format string.
		ai.WithSystem(strings.ReplaceAll(req.System, "%", "%%")),
		ai.WithReturnToolRequests(true),
	}
	if len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	if len(b.tools) > 0 {
		opts = append(opts, ai.WithTools(b.tools...))
	}

	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return Response{}, fmt.Errorf("genkit generate: %w", err)
	}

	var out Response
	for _, tr := range resp.ToolRequests() {
		id := tr.Ref
		if id == "" {
			id = shared.NewCallID()
		}
		out.ToolCalls = append(out.ToolCalls, session.ToolCall{
			ID:        id,
			Name:      tr.Name,
			Arguments: toArguments(tr.Input),
		})
	}
	if len(out.ToolCalls) == 0 {
		out.Text = resp.Text()
	}
	return out, nil
}

// historyToMessages converts the session history to Genkit messages.
// Consecutive tool calls share one model message and consecutive results
// share one tool message.
func historyToMessages(history []session.Turn) []*ai.Message {
	var msgs []*ai.Message
	add := func(role ai.Role, part *ai.Part, merge bool) {
		if merge && len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			if last.Role == role && len(last.Content) > 0 && (last.Content[0].IsToolRequest() || last.Content[0].IsToolResponse()) {
				last.Content = append(last.Content, part)
				return
			}
		}
		msgs = append(msgs, &ai.Message{Role: role, Content: []*ai.Part{part}})
	}

	for _, t := range history {
		switch t.Kind {
		case session.TurnUser:
			add(ai.RoleUser, ai.NewTextPart(t.Text), false)
		case session.TurnAssistant:
			add(ai.RoleModel, ai.NewTextPart(t.Text), false)
		case session.TurnToolCall:
			if t.Call == nil {
				continue
			}
			add(ai.RoleModel, ai.NewToolRequestPart(&ai.ToolRequest{
				Name:  t.Call.Name,
				Ref:   t.Call.ID,
				Input: t.Call.Arguments,
			}), true)
		case session.TurnToolResult:
			add(ai.RoleTool, ai.NewToolResponsePart(&ai.ToolResponse{
				Name:   t.Tool,
				Ref:    t.CallID,
				Output: outcomeOutput(t),
			}), true)
		}
	}
	return msgs
}

func textMessage(role ai.Role, text string) *ai.Message {
	return &ai.Message{Role: role, Content: []*ai.Part{ai.NewTextPart(text)}}
}

// outcomeOutput decodes the outcome JSON into a generic map so every plugin
// serializes it the same way.
func outcomeOutput(t session.Turn) any {
	var out map[string]any
	if err := json.Unmarshal([]byte(toolPayload(t)), &out); err != nil {
		return map[string]any{"ok": false, "error": err.Error()}
	}
	return out
}

// toArguments normalizes decoded tool input to a map.
func toArguments(input any) map[string]any {
	switch v := input.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case string:
		return decodeArguments(v)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return map[string]any{"_unparsed_arguments": fmt.Sprint(input)}
	}
	return decodeArguments(string(raw))
}

// decodeArguments parses JSON arguments. Malformed input is kept under a key
// the schema rejects, so the call fails validation instead of running.
func decodeArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{"_unparsed_arguments": raw}
	}
	return args
}
