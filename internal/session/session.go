package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recorder observes history appends, e.g. the sqlite transcript store.
type Recorder interface {
	RecordTurn(ctx context.Context, sessionID string, seq int, t Turn) error
}

// Session owns the append-only conversation history.
type Session struct {
	ID        string
	State     *State
	CreatedAt time.Time

	mu       sync.RWMutex
	history  []Turn
	active   bool
	recorder Recorder
}

// Option configures a Session.
type Option func(*Session)

// WithID overrides the generated session id (used when resuming).
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.ID = id
		}
	}
}

// WithRecorder attaches a transcript recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithHistory seeds the history, e.g. from a resumed transcript. Seeded turns
// are not passed to the recorder.
func WithHistory(turns []Turn) Option {
	return func(s *Session) { s.history = append(s.history, turns...) }
}

// New creates an active session. state may be nil.
func New(state *State, opts ...Option) *Session {
	if state == nil {
		state = &State{}
	}
	s := &Session{
		ID:        uuid.NewString(),
		State:     state,
		CreatedAt: time.Now().UTC(),
		active:    true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds a turn. Recorder errors are returned but the turn stays in
// memory; the in-memory history is authoritative.
func (s *Session) Append(ctx context.Context, t Turn) error {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	s.mu.Lock()
	s.history = append(s.history, t)
	seq := len(s.history)
	rec := s.recorder
	s.mu.Unlock()

	if rec != nil {
		return rec.RecordTurn(ctx, s.ID, seq, t)
	}
	return nil
}

// History returns a copy of the turns in insertion order.
func (s *Session) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of turns.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// Active reports whether Close has not been called.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Close marks the session inactive. It does not tear down the dev server; the
// orchestrator does that before closing.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}
