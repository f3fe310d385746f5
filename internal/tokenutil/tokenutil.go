// Package tokenutil estimates how much of the model's context a conversation
// occupies.
package tokenutil

import (
	"encoding/json"
	"strings"

	"github.com/basket/devagent/internal/session"
)

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code and command output.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	return max(wordEstimate, charEstimate)
}

// EstimateHistory sums the estimate over every turn as the adapters send it:
// text for messages, the encoded arguments for calls and the outcome JSON for
// results.
func EstimateHistory(turns []session.Turn) int {
	total := 0
	for _, t := range turns {
		switch {
		case t.Call != nil:
			args, _ := json.Marshal(t.Call.Arguments)
			total += EstimateTokens(t.Call.Name) + EstimateTokens(string(args))
		case t.Outcome != nil:
			total += EstimateTokens(t.Outcome.JSON())
		default:
			total += EstimateTokens(t.Text)
		}
	}
	return total
}
