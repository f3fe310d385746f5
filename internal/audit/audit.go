package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/devagent/internal/shared"
)

// Decisions written by the confirmation gate.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Entry is one audit line. Subject is the human-readable effect description
// shown to the user; Reason says why the decision was made.
type Entry struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	CallID        string `json:"call_id,omitempty"`
	Decision      string `json:"decision"`
	Tool          string `json:"tool"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
	Subject       string `json:"subject,omitempty"`
}

// Sink receives a copy of every entry, typically the sqlite store.
type Sink interface {
	InsertAudit(ctx context.Context, e Entry) error
}

// Log appends decisions to <home>/logs/audit.jsonl and an optional Sink.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	sink      Sink
	denyCount atomic.Int64
}

// Open creates (or appends to) the audit file under homeDir.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// SetSink attaches a secondary store for audit rows.
func (l *Log) SetSink(s Sink) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

// Close flushes and closes the audit file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the number of deny decisions recorded by this log.
func (l *Log) DenyCount() int64 {
	if l == nil {
		return 0
	}
	return l.denyCount.Load()
}

// Record writes one decision. Secrets are redacted before persistence. A nil
// Log discards the entry.
func (l *Log) Record(ctx context.Context, decision, tool, reason, policyVersion, subject string) {
	if l == nil {
		return
	}
	if decision == DecisionDeny {
		l.denyCount.Add(1)
	}

	e := Entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:       shared.TraceID(ctx),
		SessionID:     shared.SessionID(ctx),
		CallID:        shared.CallID(ctx),
		Decision:      decision,
		Tool:          tool,
		Reason:        shared.Redact(reason),
		PolicyVersion: policyVersion,
		Subject:       shared.Redact(subject),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}
	if l.sink != nil {
		_ = l.sink.InsertAudit(ctx, e)
	}
}
