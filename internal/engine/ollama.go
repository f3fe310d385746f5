package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

const defaultOllamaURL = "http://localhost:11434/v1"

// ErrNoToolCalling means the local model answered /api/show but does not
// list the "tools" capability, so it can never drive the project tools.
var ErrNoToolCalling = errors.New("model does not support tool calling")

// ollamaModel is the subset of /api/show the agent cares about.
type ollamaModel struct {
	Name         string
	Capabilities []string
	Family       string
	Parameters   string
}

func (m ollamaModel) supportsTools() bool {
	return slices.Contains(m.Capabilities, "tools")
}

// ollamaNativeURL turns the OpenAI-compatible base URL into the server root.
func ollamaNativeURL(baseURL string) string {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
}

// showOllamaModel queries the native Ollama API for one model. The
// "ollama/" routing prefix is removed before the call.
func showOllamaModel(ctx context.Context, client *http.Client, baseURL, model string) (ollamaModel, error) {
	name := strings.TrimPrefix(model, "ollama/")
	body, err := json.Marshal(map[string]string{"model": name})
	if err != nil {
		return ollamaModel{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ollamaNativeURL(baseURL)+"/api/show", bytes.NewReader(body))
	if err != nil {
		return ollamaModel{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return ollamaModel{}, fmt.Errorf("ollama show %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ollamaModel{}, fmt.Errorf("ollama show %s: status %d", name, resp.StatusCode)
	}

	var payload struct {
		Capabilities []string `json:"capabilities"`
		Details      struct {
			Family        string `json:"family"`
			ParameterSize string `json:"parameter_size"`
		} `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ollamaModel{}, fmt.Errorf("ollama show %s: decode: %w", name, err)
	}
	return ollamaModel{
		Name:         name,
		Capabilities: payload.Capabilities,
		Family:       payload.Details.Family,
		Parameters:   payload.Details.ParameterSize,
	}, nil
}

// checkOllamaModel wraps ErrNoToolCalling when the server positively reports
// a model without tool calling; any other error means it could not be asked.
func checkOllamaModel(baseURL, model string) (ollamaModel, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m, err := showOllamaModel(ctx, http.DefaultClient, baseURL, model)
	if err != nil {
		return ollamaModel{}, err
	}
	if !m.supportsTools() {
		return m, fmt.Errorf("%s: %w (capabilities: %s)", m.Name, ErrNoToolCalling, strings.Join(m.Capabilities, ", "))
	}
	return m, nil
}
