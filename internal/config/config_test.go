package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/devagent/internal/config"
)

func setHome(t *testing.T) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "devagent")
	t.Setenv("DEVAGENT_HOME", home)
	for _, key := range []string{
		"DEVAGENT_LOG_LEVEL", "DEVAGENT_PROVIDER", "DEVAGENT_MODEL", "DEVAGENT_PROJECT",
		"DEVAGENT_MAX_FIX_ATTEMPTS", "DEVAGENT_TOOL_RESPONSE_DELAY_MS",
		"GEMINI_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_BASE_URL", "OLLAMA_BASE_URL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Chdir(t.TempDir())
	return home
}

func TestLoad_Defaults(t *testing.T) {
	home := setHome(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis without config.yaml")
	}
	if cfg.HomeDir != home {
		t.Fatalf("HomeDir = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.LLM.Provider != config.ProviderGoogle || cfg.LLM.Model != "gemini-2.5-flash" {
		t.Fatalf("unexpected llm defaults: %#v", cfg.LLM)
	}
	if cfg.MaxFixAttempts != 3 || cfg.MaxToolRounds != 16 {
		t.Fatalf("unexpected loop bounds: fix=%d rounds=%d", cfg.MaxFixAttempts, cfg.MaxToolRounds)
	}
	if cfg.DevServer.Command != "ng serve" || len(cfg.DevServer.ReadyMarkers) != 2 || len(cfg.DevServer.FatalMarkers) != 2 {
		t.Fatalf("unexpected dev server defaults: %#v", cfg.DevServer)
	}
	if cfg.DBPath != filepath.Join(home, "devagent.db") {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if len(cfg.Intents.Restart) == 0 || len(cfg.Intents.Serve) == 0 || len(cfg.Intents.Stop) == 0 {
		t.Fatal("expected default intent keywords")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	home := setHome(t)
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	body := "llm:\n  provider: openai\n  model: gpt-4o\nmax_fix_attempts: 5\ndev_server:\n  ready_markers: [\"ready in\"]\n"
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DEVAGENT_MAX_FIX_ATTEMPTS", "2")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:8080/v1")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("config.yaml exists")
	}
	if cfg.LLM.Provider != config.ProviderOpenAI || cfg.LLM.Model != "gpt-4o" {
		t.Fatalf("unexpected llm: %#v", cfg.LLM)
	}
	if cfg.MaxFixAttempts != 2 {
		t.Fatalf("env should override file, got %d", cfg.MaxFixAttempts)
	}
	if cfg.DevServer.ReadyMarkers[0] != "ready in" || cfg.DevServer.Command != "ng serve" {
		t.Fatalf("unexpected dev server: %#v", cfg.DevServer)
	}
	if cfg.ProviderAPIKey(config.ProviderOpenAI) != "sk-test" {
		t.Fatal("expected env api key")
	}
	if cfg.ProviderBaseURL(config.ProviderOpenAI) != "http://localhost:8080/v1" {
		t.Fatalf("base url = %q", cfg.ProviderBaseURL(config.ProviderOpenAI))
	}
}

func TestLoad_DotEnv(t *testing.T) {
	setHome(t)
	if err := os.WriteFile(".env", []byte("DEVAGENT_MODEL=gemini-2.5-pro\nGEMINI_API_KEY=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.Model != "gemini-2.5-pro" {
		t.Fatalf("model = %q", cfg.LLM.Model)
	}
	if cfg.ProviderAPIKey(config.ProviderGoogle) != "from-dotenv" {
		t.Fatal("expected api key from .env")
	}
}

func TestLoad_UnknownProvider(t *testing.T) {
	setHome(t)
	t.Setenv("DEVAGENT_PROVIDER", "carrier-pigeon")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected unknown provider error")
	}
}

func TestLoad_GeminiAlias(t *testing.T) {
	setHome(t)
	t.Setenv("DEVAGENT_PROVIDER", "Gemini")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Provider != config.ProviderGoogle {
		t.Fatalf("provider = %q", cfg.LLM.Provider)
	}
}

func TestFingerprintChangesWithBehaviour(t *testing.T) {
	setHome(t)
	a, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.MaxFixAttempts = 7
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with max_fix_attempts")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("fingerprint must be stable")
	}
}

func TestProviderBaseURL_OllamaDefault(t *testing.T) {
	var cfg config.Config
	if got := cfg.ProviderBaseURL(config.ProviderOllama); got != "http://localhost:11434/v1" {
		t.Fatalf("ollama base url = %q", got)
	}
}

func TestUseProvider(t *testing.T) {
	cfg := config.Config{LLM: config.LLMConfig{Provider: config.ProviderGoogle, Model: "gemini-2.5-pro"}}

	if err := cfg.UseProvider(" Gemini "); err != nil {
		t.Fatalf("UseProvider(gemini): %v", err)
	}
	if cfg.LLM.Model != "gemini-2.5-pro" {
		t.Fatalf("same provider must keep the model, got %q", cfg.LLM.Model)
	}
	if err := cfg.UseProvider("ollama"); err != nil {
		t.Fatalf("UseProvider(ollama): %v", err)
	}
	if cfg.LLM.Provider != config.ProviderOllama || cfg.LLM.Model != "llama3.1" {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
	if err := cfg.UseProvider("nope"); err == nil {
		t.Fatal("expected an error for an unknown provider")
	}
}
