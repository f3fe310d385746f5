package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/devagent/internal/audit"
	"github.com/basket/devagent/internal/session"
	"github.com/basket/devagent/internal/shared"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "da-v1-transcript-audit"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	busyRetries = 5
)

// Store persists conversation transcripts and gate decisions in SQLite. It
// implements session.Recorder and audit.Sink.
type Store struct {
	db *sql.DB
}

// TranscriptRow is one recorded history turn.
type TranscriptRow struct {
	SessionID   string    `json:"session_id"`
	Seq         int       `json:"seq"`
	Kind        string    `json:"kind"`
	CallID      string    `json:"call_id,omitempty"`
	Tool        string    `json:"tool,omitempty"`
	Content     string    `json:"content"`
	OK          *bool     `json:"ok,omitempty"`
	FailureKind string    `json:"failure_kind,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionSummary lists a recorded session.
type SessionSummary struct {
	ID        string    `json:"id"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff and jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existing, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS transcript (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			call_id TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			ok INTEGER,
			failure_kind TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			UNIQUE(session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript(session_id, seq);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			call_id TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL,
			tool TEXT NOT NULL,
			reason TEXT NOT NULL,
			policy_version TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("apply schema v%d: %w", schemaVersionLatest, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// EnsureSession inserts the session row if it does not exist.
func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return fmt.Errorf("invalid session_id: %w", err)
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, created_at, updated_at)
			VALUES (?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO NOTHING;
		`, sessionID)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// RecordTurn stores one history turn. Text and tool payloads are redacted
// before they reach disk.
func (s *Store) RecordTurn(ctx context.Context, sessionID string, seq int, t session.Turn) error {
	if err := s.EnsureSession(ctx, sessionID); err != nil {
		return err
	}
	content, err := turnContent(t)
	if err != nil {
		return err
	}
	var ok any
	var failureKind string
	if t.Outcome != nil {
		ok = boolToInt(t.Outcome.OK)
		failureKind = string(t.Outcome.Kind())
	}
	callID := t.CallID
	tool := t.Tool
	if t.Call != nil {
		callID, tool = t.Call.ID, t.Call.Name
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transcript tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transcript (session_id, seq, kind, call_id, tool, content, ok, failure_kind, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, sessionID, seq, string(t.Kind), callID, tool, content, ok, failureKind, at.UTC()); err != nil {
			return fmt.Errorf("insert transcript turn: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, sessionID); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return tx.Commit()
	})
}

func turnContent(t session.Turn) (string, error) {
	var raw []byte
	var err error
	switch {
	case t.Call != nil:
		raw, err = json.Marshal(t.Call)
	case t.Outcome != nil:
		raw, err = json.Marshal(t.Outcome)
	default:
		return shared.Redact(t.Text), nil
	}
	if err != nil {
		return "", fmt.Errorf("encode %s turn: %w", t.Kind, err)
	}
	return shared.Redact(string(raw)), nil
}

// InsertAudit stores one gate decision.
func (s *Store) InsertAudit(ctx context.Context, e audit.Entry) error {
	created, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		created = time.Now().UTC()
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, session_id, call_id, decision, tool, reason, policy_version, subject, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.TraceID, e.SessionID, e.CallID, e.Decision, e.Tool, e.Reason, e.PolicyVersion, e.Subject, created.UTC())
		if err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
		return nil
	})
}

// ListTranscript returns the recorded turns of a session in order.
func (s *Store) ListTranscript(ctx context.Context, sessionID string, limit int) ([]TranscriptRow, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, kind, call_id, tool, content, ok, failure_kind, created_at
		FROM transcript
		WHERE session_id = ?
		ORDER BY seq ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []TranscriptRow
	for rows.Next() {
		var r TranscriptRow
		var ok sql.NullInt64
		if err := rows.Scan(&r.SessionID, &r.Seq, &r.Kind, &r.CallID, &r.Tool, &r.Content, &ok, &r.FailureKind, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		if ok.Valid {
			v := ok.Int64 == 1
			r.OK = &v
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript rows: %w", err)
	}
	return out, nil
}

// ListSessions returns recent sessions, newest activity first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, COUNT(t.id), s.created_at, s.updated_at
		FROM sessions s
		LEFT JOIN transcript t ON t.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC, s.created_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var ss SessionSummary
		if err := rows.Scan(&ss.ID, &ss.Turns, &ss.CreatedAt, &ss.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, ss)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions rows: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
