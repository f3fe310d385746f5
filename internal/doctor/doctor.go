// Package doctor runs environment checks for devagent: configuration,
// provider credentials, the transcript store, the Node/Angular toolchain and
// reachability of the reasoning endpoint.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/devagent/internal/config"
	"github.com/basket/devagent/internal/persistence"
	"github.com/basket/devagent/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Env holds the probes the checks use; zero fields fall back to the real
// implementations.
type Env struct {
	LookPath   func(file string) (string, error)
	LookupHost func(ctx context.Context, host string) ([]string, error)
	Getenv     func(key string) string
}

func (e Env) withDefaults() Env {
	if e.LookPath == nil {
		e.LookPath = exec.LookPath
	}
	if e.LookupHost == nil {
		e.LookupHost = net.DefaultResolver.LookupHost
	}
	if e.Getenv == nil {
		e.Getenv = os.Getenv
	}
	return e
}

type check func(context.Context, *config.Config, Env) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string, env Env) Diagnosis {
	env = env.withDefaults()
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []check{
		checkConfig,
		checkEnvironment,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkToolchain,
		checkProject,
		checkNetwork,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg, env))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config, _ Env) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, using defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

// envOverrides are the variables Load and the CLI consult, in report order.
var envOverrides = []string{
	"DEVAGENT_HOME",
	"DEVAGENT_LOG_LEVEL",
	"DEVAGENT_PROVIDER",
	"DEVAGENT_MODEL",
	"DEVAGENT_PROJECT",
	"DEVAGENT_MAX_FIX_ATTEMPTS",
	"DEVAGENT_TOOL_RESPONSE_DELAY_MS",
	"DEVAGENT_NO_TUI",
	"OPENAI_BASE_URL",
	"OLLAMA_BASE_URL",
	"GEMINI_API_KEY",
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
}

// checkEnvironment reports which overrides are set. Credential values are
// redacted.
func checkEnvironment(_ context.Context, _ *config.Config, env Env) CheckResult {
	var set []string
	for _, key := range envOverrides {
		if v := env.Getenv(key); v != "" {
			set = append(set, key+"="+shared.RedactEnvValue(key, v))
		}
	}
	if len(set) == 0 {
		return CheckResult{Name: "Environment", Status: StatusPass, Message: "No environment overrides"}
	}
	return CheckResult{
		Name:    "Environment",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d override(s) set", len(set)),
		Detail:  strings.Join(set, ", "),
	}
}

var keyEnvVars = map[string]string{
	config.ProviderGoogle:           "GEMINI_API_KEY",
	config.ProviderOpenAI:           "OPENAI_API_KEY",
	config.ProviderAnthropic:        "ANTHROPIC_API_KEY",
	config.ProviderOpenAICompatible: "OPENAI_API_KEY",
}

func checkAPIKey(_ context.Context, cfg *config.Config, env Env) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider := cfg.LLM.Provider
	envVar, ok := keyEnvVars[provider]
	if !ok {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("Provider %q needs no key", provider)}
	}
	if env.Getenv(envVar) != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("%s is set", envVar)}
	}
	if p, ok := cfg.Providers[provider]; ok && p.APIKey != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("api_key for %s set in config.yaml", provider)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  StatusFail,
		Message: fmt.Sprintf("%s not set (required for %s provider)", envVar, provider),
		Detail:  fmt.Sprintf("Export %s or set providers.%s.api_key in config.yaml", envVar, provider),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config, _ Env) CheckResult {
	if cfg == nil || cfg.DBPath == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "No database path"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx, 1000)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: fmt.Sprintf("Schema valid, %d recorded session(s)", len(sessions)), Detail: cfg.DBPath}
}

func checkPermissions(_ context.Context, cfg *config.Config, _ Env) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkToolchain(ctx context.Context, cfg *config.Config, env Env) CheckResult {
	var details []string
	status := StatusPass
	worsen := func(s string) {
		if s == StatusFail || status == StatusPass {
			status = s
		}
	}

	for _, bin := range []string{"node", "npm"} {
		if _, err := env.LookPath(bin); err != nil {
			details = append(details, bin+": missing")
			worsen(StatusFail)
		} else {
			details = append(details, bin+": ok")
		}
	}
	if _, err := env.LookPath("ng"); err != nil {
		details = append(details, "ng: missing (npx @angular/cli works too)")
		worsen(StatusWarn)
	} else {
		details = append(details, "ng: ok")
	}

	if cfg != nil && cfg.Tools.Shell.Sandbox {
		if _, err := env.LookPath("docker"); err != nil {
			details = append(details, "docker: missing (required for sandbox)")
			worsen(StatusFail)
		} else if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
			details = append(details, fmt.Sprintf("docker: daemon unreachable (%v)", err))
			worsen(StatusFail)
		} else {
			details = append(details, "docker: ok")
		}
	} else {
		details = append(details, "docker: skipped (sandbox disabled)")
	}

	return CheckResult{
		Name:    "Toolchain",
		Status:  status,
		Message: fmt.Sprintf("Checked %d tools", len(details)),
		Detail:  strings.Join(details, ", "),
	}
}

func checkProject(_ context.Context, cfg *config.Config, _ Env) CheckResult {
	if cfg == nil || cfg.ProjectPath == "" {
		return CheckResult{Name: "Project", Status: StatusSkip, Message: "No project path set; one is chosen on first use"}
	}
	info, err := os.Stat(cfg.ProjectPath)
	if err != nil || !info.IsDir() {
		return CheckResult{Name: "Project", Status: StatusFail, Message: fmt.Sprintf("%s is not a directory", cfg.ProjectPath)}
	}
	if _, err := os.Stat(filepath.Join(cfg.ProjectPath, "angular.json")); err != nil {
		return CheckResult{Name: "Project", Status: StatusWarn, Message: "angular.json not found", Detail: cfg.ProjectPath}
	}
	return CheckResult{Name: "Project", Status: StatusPass, Message: "Angular workspace found", Detail: cfg.ProjectPath}
}

var providerHosts = map[string]string{
	config.ProviderGoogle:    "generativelanguage.googleapis.com",
	config.ProviderAnthropic: "api.anthropic.com",
	config.ProviderOpenAI:    "api.openai.com",
}

// endpointHost picks the host to resolve: an explicit base URL wins over the
// provider's public endpoint.
func endpointHost(cfg *config.Config) string {
	if base := cfg.ProviderBaseURL(cfg.LLM.Provider); base != "" {
		if u, err := url.Parse(base); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if host, ok := providerHosts[cfg.LLM.Provider]; ok {
		return host
	}
	return providerHosts[config.ProviderGoogle]
}

func checkNetwork(ctx context.Context, cfg *config.Config, env Env) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	host := endpointHost(cfg)

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := env.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.LLM.Provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", cfg.LLM.Provider, addrs),
	}
}
