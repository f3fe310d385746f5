package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FailureKind classifies a failed tool call or reasoning call.
type FailureKind string

const (
	InvalidArguments     FailureKind = "INVALID_ARGUMENTS"
	AlreadyRunning       FailureKind = "ALREADY_RUNNING"
	NotRunning           FailureKind = "NOT_RUNNING"
	UserDenied           FailureKind = "USER_DENIED"
	ProcessLaunchFailure FailureKind = "PROCESS_LAUNCH_FAILURE"
	ProcessExitFailure   FailureKind = "PROCESS_EXIT_FAILURE"
	IOFailure            FailureKind = "IO_FAILURE"
	ReasoningUnavailable FailureKind = "REASONING_UNAVAILABLE"
	Unrecoverable        FailureKind = "UNRECOVERABLE"
)

// Retryable reports whether the recovery loop may attempt a fix for k.
func (k FailureKind) Retryable() bool {
	switch k {
	case ProcessExitFailure, IOFailure, ProcessLaunchFailure:
		return true
	default:
		return false
	}
}

// IOKind refines IOFailure.
type IOKind string

const (
	IONotFound         IOKind = "NOT_FOUND"
	IOPermissionDenied IOKind = "PERMISSION_DENIED"
	IOAlreadyExists    IOKind = "ALREADY_EXISTS"
	IOOther            IOKind = "OTHER"
)

// Failure is the user- and model-facing description of what went wrong.
type Failure struct {
	Kind      FailureKind `yaml:"kind" json:"kind"`
	IO        IOKind      `yaml:"io,omitempty" json:"io_kind,omitempty"`
	Message   string      `yaml:"message" json:"message"`
	RawOutput string      `yaml:"raw_output,omitempty" json:"raw_output,omitempty"`
}

func (f *Failure) Error() string {
	if f.IO != "" {
		return fmt.Sprintf("%s/%s: %s", f.Kind, f.IO, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// RecoveryStep records one remediation round attached to the original call.
type RecoveryStep struct {
	Attempt int      `yaml:"attempt" json:"attempt"`
	Call    ToolCall `yaml:"call" json:"call"`
	OK      bool     `yaml:"ok" json:"ok"`
	Failure *Failure `yaml:"failure,omitempty" json:"failure,omitempty"`
	Note    string   `yaml:"note,omitempty" json:"note,omitempty"`
}

// Outcome is the result of one tool call: either OK with a Payload or a
// Failure. Recovery lists remediation rounds that led to this outcome.
type Outcome struct {
	OK       bool           `yaml:"ok" json:"ok"`
	Payload  any            `yaml:"payload,omitempty" json:"payload,omitempty"`
	Failure  *Failure       `yaml:"failure,omitempty" json:"failure,omitempty"`
	Recovery []RecoveryStep `yaml:"recovery,omitempty" json:"recovery,omitempty"`
}

// Success wraps a payload.
func Success(payload any) Outcome {
	return Outcome{OK: true, Payload: payload}
}

// Fail builds a failed outcome.
func Fail(kind FailureKind, message, raw string) Outcome {
	return Outcome{Failure: &Failure{Kind: kind, Message: message, RawOutput: raw}}
}

// FailIO builds an IOFailure outcome with its sub-kind.
func FailIO(io IOKind, message string) Outcome {
	return Outcome{Failure: &Failure{Kind: IOFailure, IO: io, Message: message}}
}

// FromFailure wraps an existing failure value.
func FromFailure(f *Failure) Outcome {
	return Outcome{Failure: f}
}

// Kind returns the failure kind, or "" for a success.
func (o Outcome) Kind() FailureKind {
	if o.OK || o.Failure == nil {
		return ""
	}
	return o.Failure.Kind
}

// JSON renders the outcome as the tool-response body sent to the model.
func (o Outcome) JSON() string {
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"failure":{"kind":%q,"message":%q}}`, IOFailure, err.Error())
	}
	return string(b)
}

// Disposition is the user-visible category of a failure.
type Disposition string

const (
	WillRetry  Disposition = "will retry automatically"
	NeedsInput Disposition = "needs your input"
	GaveUp     Disposition = "gave up"
)

// Describe renders a failed outcome for the user. A retryable failure is
// "will retry" only until recovery has run.
func (o Outcome) Describe() string {
	if o.OK || o.Failure == nil {
		return "ok"
	}
	f := o.Failure
	switch {
	case f.Kind == Unrecoverable:
		return fmt.Sprintf("%s after %d attempts: %s", GaveUp, len(o.Recovery), f.Message)
	case f.Kind.Retryable() && len(o.Recovery) == 0:
		return fmt.Sprintf("%s (%s): %s", WillRetry, f.Kind, f.Message)
	default:
		return fmt.Sprintf("%s (%s): %s", NeedsInput, f.Kind, f.Message)
	}
}
