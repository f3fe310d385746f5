package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/basket/devagent/internal/otel"
)

// Supported reasoning providers.
const (
	ProviderGoogle           = "google"
	ProviderAnthropic        = "anthropic"
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai_compatible"
	ProviderOllama           = "ollama"
)

var defaultModels = map[string]string{
	ProviderGoogle:           "gemini-2.5-flash",
	ProviderAnthropic:        "claude-sonnet-4-5",
	ProviderOpenAI:           "gpt-4o-mini",
	ProviderOpenAICompatible: "gpt-4o-mini",
	ProviderOllama:           "llama3.1",
}

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LLMConfig selects the reasoning backend.
type LLMConfig struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DevServerConfig controls the supervised dev-server process.
type DevServerConfig struct {
	Command          string   `yaml:"command"`
	ReadyMarkers     []string `yaml:"ready_markers"`
	FatalMarkers     []string `yaml:"fatal_markers"`
	OutputLines      int      `yaml:"output_lines"`
	StopGraceSeconds int      `yaml:"stop_grace_seconds"`
}

type ShellConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxOutputBytes int    `yaml:"max_output_bytes"`
	Sandbox        bool   `yaml:"sandbox"`
	SandboxImage   string `yaml:"sandbox_image"`
	SandboxMemory  int64  `yaml:"sandbox_memory_mb"`
	SandboxNetwork string `yaml:"sandbox_network"`
}

type ToolsConfig struct {
	Shell        ShellConfig `yaml:"shell"`
	MaxReadBytes int         `yaml:"max_read_bytes"`
}

// IntentConfig holds keyword lists that add a planning hint to user input.
type IntentConfig struct {
	Disabled bool     `yaml:"disabled"`
	Serve    []string `yaml:"serve"`
	Stop     []string `yaml:"stop"`
	Restart  []string `yaml:"restart"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel    string `yaml:"log_level"`
	ProjectPath string `yaml:"project_path"`
	DBPath      string `yaml:"db_path"`
	SessionFile string `yaml:"session_file"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	MaxFixAttempts      int `yaml:"max_fix_attempts"`
	MaxToolRounds       int `yaml:"max_tool_rounds"`
	ToolResponseDelayMS int `yaml:"tool_response_delay_ms"`

	DevServer DevServerConfig `yaml:"dev_server"`
	Tools     ToolsConfig     `yaml:"tools"`
	Intents   IntentConfig    `yaml:"intents"`
	OTel      otel.Config     `yaml:"otel"`

	// NeedsGenesis is set when no config.yaml existed.
	NeedsGenesis bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:       "info",
		LLM:            LLMConfig{Provider: ProviderGoogle, TimeoutSeconds: 120},
		MaxFixAttempts: 3,
		MaxToolRounds:  16,
		DevServer: DevServerConfig{
			Command:          "ng serve",
			ReadyMarkers:     []string{"Compiled successfully", "successfully built"},
			FatalMarkers:     []string{"ERROR", "Error:"},
			OutputLines:      200,
			StopGraceSeconds: 5,
		},
		Tools: ToolsConfig{
			Shell: ShellConfig{
				TimeoutSeconds: 300,
				MaxOutputBytes: 64 * 1024,
				SandboxImage:   "node:22-bookworm",
				SandboxMemory:  1024,
				SandboxNetwork: "bridge",
			},
			MaxReadBytes: 256 * 1024,
		},
		Intents: IntentConfig{
			Serve:   []string{"run the app", "serve the app", "start the app", "start server", "launch the app", "run app", "serve app"},
			Stop:    []string{"stop server", "kill server", "terminate server", "stop the dev server"},
			Restart: []string{"restart server", "stop and start server", "bounce server", "stop and restart the server"},
		},
	}
}

// HomeDir returns $DEVAGENT_HOME or ~/.devagent.
func HomeDir() string {
	if override := os.Getenv("DEVAGENT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".devagent")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to policy.yaml within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is fine.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load resolves configuration: defaults, then config.yaml, then environment
// overrides. A .env file in the working directory is read first so it can
// supply DEVAGENT_HOME and API keys.
func Load() (Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create devagent home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsGenesis = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := normalize(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// UseProvider switches the llm provider. Switching to a different provider
// resets the model to that provider's default.
func (c *Config) UseProvider(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "gemini" {
		name = ProviderGoogle
	}
	model, ok := defaultModels[name]
	if !ok {
		return fmt.Errorf("unknown llm provider %q", name)
	}
	if name != c.LLM.Provider {
		c.LLM.Provider = name
		c.LLM.Model = model
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DEVAGENT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DEVAGENT_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("DEVAGENT_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("DEVAGENT_PROJECT"); raw != "" {
		cfg.ProjectPath = raw
	}
	if raw := os.Getenv("DEVAGENT_MAX_FIX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxFixAttempts = v
		}
	}
	if raw := os.Getenv("DEVAGENT_TOOL_RESPONSE_DELAY_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ToolResponseDelayMS = v
		}
	}
	if raw := os.Getenv("OPENAI_BASE_URL"); raw != "" {
		setProvider(cfg, ProviderOpenAI, func(p *ProviderConfig) { p.BaseURL = raw })
	}
	if raw := os.Getenv("OLLAMA_BASE_URL"); raw != "" {
		setProvider(cfg, ProviderOllama, func(p *ProviderConfig) { p.BaseURL = raw })
	}
}

func setProvider(cfg *Config, name string, fn func(*ProviderConfig)) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	p := cfg.Providers[name]
	fn(&p)
	cfg.Providers[name] = p
}

func normalize(cfg *Config) error {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	switch cfg.LLM.Provider {
	case "", "gemini":
		cfg.LLM.Provider = ProviderGoogle
	}
	if _, ok := defaultModels[cfg.LLM.Provider]; !ok {
		return fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = defaultModels[cfg.LLM.Provider]
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = 120
	}
	if cfg.MaxFixAttempts < 0 {
		cfg.MaxFixAttempts = 0
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 16
	}
	if cfg.ToolResponseDelayMS < 0 {
		cfg.ToolResponseDelayMS = 0
	}
	if strings.TrimSpace(cfg.DevServer.Command) == "" {
		cfg.DevServer.Command = "ng serve"
	}
	if cfg.DevServer.OutputLines <= 0 {
		cfg.DevServer.OutputLines = 200
	}
	if cfg.DevServer.StopGraceSeconds <= 0 {
		cfg.DevServer.StopGraceSeconds = 5
	}
	if cfg.Tools.Shell.TimeoutSeconds <= 0 {
		cfg.Tools.Shell.TimeoutSeconds = 300
	}
	if cfg.Tools.Shell.MaxOutputBytes <= 0 {
		cfg.Tools.Shell.MaxOutputBytes = 64 * 1024
	}
	if cfg.Tools.MaxReadBytes <= 0 {
		cfg.Tools.MaxReadBytes = 256 * 1024
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "devagent.db")
	}
	if cfg.ProjectPath != "" {
		abs, err := filepath.Abs(cfg.ProjectPath)
		if err != nil {
			return fmt.Errorf("resolve project path: %w", err)
		}
		cfg.ProjectPath = abs
	}
	return nil
}

// ProviderAPIKey returns the API key for provider, preferring the environment.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		ProviderGoogle:           "GEMINI_API_KEY",
		ProviderAnthropic:        "ANTHROPIC_API_KEY",
		ProviderOpenAI:           "OPENAI_API_KEY",
		ProviderOpenAICompatible: "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ProviderBaseURL returns the configured endpoint override for provider.
func (c Config) ProviderBaseURL(provider string) string {
	if p, ok := c.Providers[provider]; ok && p.BaseURL != "" {
		return p.BaseURL
	}
	if provider == ProviderOllama {
		return "http://localhost:11434/v1"
	}
	return ""
}

// StopGrace returns the dev-server stop grace period.
func (c Config) StopGrace() time.Duration {
	return time.Duration(c.DevServer.StopGraceSeconds) * time.Second
}

// ToolResponseDelay returns the pause before tool results go back to the model.
func (c Config) ToolResponseDelay() time.Duration {
	return time.Duration(c.ToolResponseDelayMS) * time.Millisecond
}

// Fingerprint returns a stable hash of the settings that shape agent behaviour.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "provider=%s|model=%s|fix=%d|rounds=%d|dev=%s|ready=%v|fatal=%v|sandbox=%t",
		c.LLM.Provider, c.LLM.Model, c.MaxFixAttempts, c.MaxToolRounds,
		c.DevServer.Command, c.DevServer.ReadyMarkers, c.DevServer.FatalMarkers, c.Tools.Shell.Sandbox)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
