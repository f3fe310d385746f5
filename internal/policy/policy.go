package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Tool names the policy knows about.
const (
	ToolRunShellCommand = "run_shell_command"
	ToolReadFile        = "read_file"
	ToolWriteFile       = "write_file"
	ToolListDirectory   = "list_directory"
	ToolDeletePath      = "delete_path"
	ToolStartDevServer  = "start_dev_server"
	ToolStopDevServer   = "stop_dev_server"
	ToolDevServerStatus = "dev_server_status"
)

var defaultSensitivity = map[string]bool{
	ToolRunShellCommand: true,
	ToolReadFile:        false,
	ToolWriteFile:       true,
	ToolListDirectory:   false,
	ToolDeletePath:      true,
	ToolStartDevServer:  true,
	ToolStopDevServer:   false,
	ToolDevServerStatus: false,
}

// shellMeta marks commands that chain or substitute; auto-approval never
// applies to them.
const shellMeta = ";&|`$<>\n"

// Checker is the interface consumers use for policy decisions.
type Checker interface {
	Sensitive(tool, command string) bool
	AllowPath(path, root string) bool
	DeniedCommand(command string) (string, bool)
	PolicyVersion() string
}

// Policy is the serializable policy data loaded from policy.yaml.
type Policy struct {
	// SensitiveTools overrides the built-in sensitivity per tool name.
	SensitiveTools map[string]bool `yaml:"sensitive_tools,omitempty"`
	// AutoApproveCommands lists shell command prefixes that skip confirmation.
	AutoApproveCommands []string `yaml:"auto_approve_commands,omitempty"`
	// DenyCommands lists shell command prefixes that are never run.
	DenyCommands []string `yaml:"deny_commands,omitempty"`
	// AllowPaths lists directories outside the project root that file tools
	// may touch.
	AllowPaths []string `yaml:"allow_paths,omitempty"`
}

// Default returns the built-in policy: no overrides, nothing auto-approved.
func Default() Policy {
	return Policy{}
}

// Load reads a policy file. A missing or empty file yields Default().
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Sensitive reports whether a call to tool needs user confirmation. For
// run_shell_command and start_dev_server the command is matched against
// AutoApproveCommands. An empty start_dev_server command means the configured
// dev-server command, which runs without asking.
func (p Policy) Sensitive(tool, command string) bool {
	sensitive, ok := p.SensitiveTools[tool]
	if !ok {
		sensitive, ok = defaultSensitivity[tool]
		if !ok {
			return true
		}
	}
	if !sensitive {
		return false
	}
	switch tool {
	case ToolStartDevServer:
		if normalizeCommand(command) == "" {
			return false
		}
		return !matchesPrefix(p.AutoApproveCommands, command, true)
	case ToolRunShellCommand:
		return !matchesPrefix(p.AutoApproveCommands, command, true)
	}
	return true
}

// DeniedCommand reports whether command matches a deny prefix and which one.
func (p Policy) DeniedCommand(command string) (string, bool) {
	norm := normalizeCommand(command)
	for _, prefix := range p.DenyCommands {
		pre := normalizeCommand(prefix)
		if pre != "" && hasWordPrefix(norm, pre) {
			return pre, true
		}
	}
	return "", false
}

// AllowPath reports whether path may be touched by file tools. Paths inside
// root are always allowed; anything else must sit under an AllowPaths entry.
func (p Policy) AllowPath(path, root string) bool {
	resolved, ok := resolve(path)
	if !ok {
		return false
	}
	if root != "" {
		if rootAbs, ok := resolve(root); ok && within(resolved, rootAbs) {
			return true
		}
	}
	for _, allowed := range p.AllowPaths {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowedAbs, ok := resolve(allowed); ok && within(resolved, allowedAbs) {
			return true
		}
	}
	return false
}

// PolicyVersion is a stable hash of the policy content, recorded in audit rows.
func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func (p Policy) validate() error {
	for name := range p.SensitiveTools {
		if _, ok := defaultSensitivity[name]; !ok {
			return fmt.Errorf("unknown tool %q in sensitive_tools", name)
		}
	}
	for _, prefix := range p.AutoApproveCommands {
		if strings.ContainsAny(prefix, shellMeta) {
			return fmt.Errorf("auto_approve_commands entry %q contains shell metacharacters", prefix)
		}
	}
	return nil
}

// resolve makes path absolute and follows symlinks. Paths that do not exist
// yet resolve through their nearest existing ancestor.
func resolve(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	abs = filepath.Clean(abs)
	var tail []string
	cur := abs
	for {
		if evaled, err := filepath.EvalSymlinks(cur); err == nil {
			parts := append([]string{evaled}, tail...)
			return filepath.Join(parts...), true
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, true
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}

func within(path, root string) bool {
	if root == string(filepath.Separator) {
		return true
	}
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

func normalizeCommand(cmd string) string {
	return strings.Join(strings.Fields(cmd), " ")
}

func hasWordPrefix(cmd, prefix string) bool {
	return cmd == prefix || strings.HasPrefix(cmd, prefix+" ")
}

// trustWords is how many leading words of a command an "always" answer
// auto-approves.
const trustWords = 2

// TrustPrefix returns the leading words of command that an "always" answer
// would auto-approve, or "" when the command cannot be trusted that way.
func TrustPrefix(command string) string {
	if strings.ContainsAny(command, shellMeta) {
		return ""
	}
	words := strings.Fields(command)
	if len(words) > trustWords {
		words = words[:trustWords]
	}
	return strings.Join(words, " ")
}

func matchesPrefix(prefixes []string, command string, rejectMeta bool) bool {
	if rejectMeta && strings.ContainsAny(command, shellMeta) {
		return false
	}
	norm := normalizeCommand(command)
	if norm == "" {
		return false
	}
	for _, prefix := range prefixes {
		pre := normalizeCommand(prefix)
		if pre != "" && hasWordPrefix(norm, pre) {
			return true
		}
	}
	return false
}

// LivePolicy wraps a Policy with thread-safe reload. The config watcher swaps
// its contents when policy.yaml changes.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot. If path
// is non-empty, AddAutoApprove persists to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

func (lp *LivePolicy) Sensitive(tool, command string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Sensitive(tool, command)
}

func (lp *LivePolicy) AllowPath(path, root string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowPath(path, root)
}

func (lp *LivePolicy) DeniedCommand(command string) (string, bool) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.DeniedCommand(command)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// AddAutoApprove trusts a shell command prefix at runtime and persists it.
func (lp *LivePolicy) AddAutoApprove(prefix string) error {
	prefix = normalizeCommand(prefix)
	if prefix == "" {
		return fmt.Errorf("empty command prefix")
	}
	if strings.ContainsAny(prefix, shellMeta) {
		return fmt.Errorf("command prefix %q contains shell metacharacters", prefix)
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()

	if slices.Contains(lp.data.AutoApproveCommands, prefix) {
		return nil
	}
	lp.data.AutoApproveCommands = append(lp.data.AutoApproveCommands, prefix)
	return lp.persist()
}

// Reload replaces the policy data.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := Policy{
		AutoApproveCommands: slices.Clone(lp.data.AutoApproveCommands),
		DenyCommands:        slices.Clone(lp.data.DenyCommands),
		AllowPaths:          slices.Clone(lp.data.AllowPaths),
	}
	if lp.data.SensitiveTools != nil {
		cp.SensitiveTools = make(map[string]bool, len(lp.data.SensitiveTools))
		for k, v := range lp.data.SensitiveTools {
			cp.SensitiveTools[k] = v
		}
	}
	return cp
}

// ReloadFromFile updates the live policy only when the file parses and
// validates. On error the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	tools := make([]string, 0, len(p.SensitiveTools))
	for name := range p.SensitiveTools {
		tools = append(tools, name)
	}
	sort.Strings(tools)
	for _, name := range tools {
		_, _ = h.Write([]byte(name + "=" + strconv.FormatBool(p.SensitiveTools[name]) + "|"))
	}
	for _, group := range [][]string{p.AutoApproveCommands, p.DenyCommands, p.AllowPaths} {
		for _, v := range group {
			_, _ = h.Write([]byte(strings.TrimSpace(v) + "|"))
		}
		_, _ = h.Write([]byte("#"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
