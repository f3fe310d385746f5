package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/devagent/internal/session"
)

// ErrorClass categorizes reasoning-call failures for the user.
type ErrorClass string

const (
	// ErrorClassAuth indicates authentication/authorization failures (401, invalid key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit indicates rate limiting or quota exhaustion (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout indicates request timeout or deadline exceeded.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassContextOverflow indicates the conversation exceeded the model's context window.
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError inspects a reasoning error and returns the most specific
// class that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "invalid key", "invalid api key", "api key not valid", "permission_denied"):
		return ErrorClassAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests", "resource_exhausted", "billing", "insufficient funds"):
		return ErrorClassRateLimit
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return ErrorClassTimeout
	case containsAny(msg, "context_length", "context length", "token limit", "max tokens", "maximum context", "context window", "too many tokens"):
		return ErrorClassContextOverflow
	}
	return ErrorClassUnknown
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// hints are shown to the user next to a classified failure.
var hints = map[ErrorClass]string{
	ErrorClassAuth:            "check the API key for the configured provider",
	ErrorClassRateLimit:       "the provider is rate limiting; wait a moment or raise tool_response_delay_ms",
	ErrorClassTimeout:         "the reasoning call timed out; try again",
	ErrorClassContextOverflow: "the conversation is too long for the model; start a new session",
}

// ReasoningError wraps a failed reasoning call with its class.
type ReasoningError struct {
	Class ErrorClass
	Err   error
}

func (e *ReasoningError) Error() string {
	return fmt.Sprintf("reasoning unavailable (%s): %v", e.Class, e.Err)
}

func (e *ReasoningError) Unwrap() error { return e.Err }

// Failure converts the error into the user-facing taxonomy. Reasoning
// failures are never retried by the recovery loop.
func (e *ReasoningError) Failure() *session.Failure {
	msg := fmt.Sprintf("%s: %v", e.Class, e.Err)
	if h, ok := hints[e.Class]; ok {
		msg += " (" + h + ")"
	}
	return &session.Failure{Kind: session.ReasoningUnavailable, Message: msg}
}

// asReasoningError classifies err unless it already is a *ReasoningError.
func asReasoningError(err error) *ReasoningError {
	var re *ReasoningError
	if errors.As(err, &re) {
		return re
	}
	return &ReasoningError{Class: ClassifyError(err), Err: err}
}
