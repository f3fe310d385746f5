// Package safety scans tool output for credentials before it is sent to the
// reasoning service.
package safety

import "github.com/basket/devagent/internal/shared"

// Leak describes one suspected secret in a piece of text.
type Leak struct {
	Kind   string
	Sample string // truncated match, never the whole secret
}

// maxPerPattern caps reported matches so a dumped .env does not flood logs.
const maxPerPattern = 3

// ScanLeaks reports suspected secrets in text without modifying it.
func ScanLeaks(text string) []Leak {
	if text == "" {
		return nil
	}
	var leaks []Leak
	for _, rule := range shared.SecretRules {
		for _, match := range rule.Re.FindAllString(text, maxPerPattern) {
			sample := match
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			leaks = append(leaks, Leak{Kind: rule.Kind, Sample: sample})
		}
	}
	return leaks
}

// Kinds returns the distinct leak kinds in first-seen order.
func Kinds(leaks []Leak) []string {
	seen := make(map[string]bool, len(leaks))
	var kinds []string
	for _, l := range leaks {
		if !seen[l.Kind] {
			seen[l.Kind] = true
			kinds = append(kinds, l.Kind)
		}
	}
	return kinds
}
