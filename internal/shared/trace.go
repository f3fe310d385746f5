package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Scope is the correlation state carried through one user turn: a trace per
// turn, the owning session, and the tool call being executed, if any.
type Scope struct {
	Trace   string
	Session string
	Call    string
}

type scopeKey struct{}

// ScopeFrom returns the scope stored on ctx, or the zero Scope.
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

func withScope(ctx context.Context, edit func(*Scope)) context.Context {
	s := ScopeFrom(ctx)
	edit(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

// Attrs renders the scope as log attributes. trace_id is always present
// ("-" outside a turn); the others only when set.
func (s Scope) Attrs() []slog.Attr {
	trace := s.Trace
	if trace == "" {
		trace = "-"
	}
	attrs := []slog.Attr{slog.String("trace_id", trace)}
	if s.Session != "" {
		attrs = append(attrs, slog.String("session_id", s.Session))
	}
	if s.Call != "" {
		attrs = append(attrs, slog.String("call_id", s.Call))
	}
	return attrs
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *Scope) { s.Trace = id })
}

// TraceID returns "-" when no turn is in progress.
func TraceID(ctx context.Context) string {
	if id := ScopeFrom(ctx).Trace; id != "" {
		return id
	}
	return "-"
}

func NewTraceID() string {
	return uuid.NewString()
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *Scope) { s.Session = id })
}

func SessionID(ctx context.Context) string {
	return ScopeFrom(ctx).Session
}

func WithCallID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *Scope) { s.Call = id })
}

func CallID(ctx context.Context) string {
	return ScopeFrom(ctx).Call
}

// NewCallID names a tool call the reasoning service sent without an id.
func NewCallID() string {
	return "call_" + uuid.NewString()
}
