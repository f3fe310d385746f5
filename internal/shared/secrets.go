package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// SecretRule is one recognisable credential shape. Keep names the capture
// group that survives redaction (0 means the whole match is replaced).
type SecretRule struct {
	Kind string
	Re   *regexp.Regexp
	Keep int
}

// SecretRules is shared by log redaction and the tool output leak scan.
// More specific shapes come first so Redact consumes them before the
// generic key=value rule sees them.
var SecretRules = []SecretRule{
	{Kind: "API key", Re: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|access[_-]?token)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`), Keep: 1},
	{Kind: "Bearer token", Re: regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), Keep: 1},
	{Kind: "Google API key", Re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	{Kind: "Anthropic API key", Re: regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`)},
	{Kind: "OpenAI API key", Re: regexp.MustCompile(`sk-(proj-)?[A-Za-z0-9]{20,}`)},
	{Kind: "GitHub token", Re: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{Kind: "npm token", Re: regexp.MustCompile(`npm_[A-Za-z0-9]{36}`)},
	{Kind: "npm registry token", Re: regexp.MustCompile(`(_authToken)\s*=\s*"?[^\s"]{16,}"?`), Keep: 1},
	{Kind: "private key", Re: regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`)},
	{Kind: "password", Re: regexp.MustCompile(`(?i)((?:password|passwd|pwd)\s*[:=]\s*)"?[^\s"]{8,}"?`), Keep: 1},
}

// Redact replaces every credential-shaped substring with [REDACTED],
// keeping the key name where a rule has one.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, rule := range SecretRules {
		re, keep := rule.Re, rule.Keep
		out = re.ReplaceAllStringFunc(out, func(match string) string {
			if keep == 0 {
				return redactedPlaceholder
			}
			if sub := re.FindStringSubmatch(match); len(sub) > keep {
				return sub[keep] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return out
}

var sensitiveKeyParts = []string{"api_key", "apikey", "secret", "token", "password", "credential", "authorization", "bearer"}

// SensitiveKey reports whether a field or variable name suggests its value
// is a credential.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// RedactEnvValue hides the value of a credential-named variable.
func RedactEnvValue(key, value string) string {
	if SensitiveKey(key) {
		return redactedPlaceholder
	}
	return value
}
