package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSessionStart    EventType = "session_start"
	EventSessionStop     EventType = "session_stop"
	EventWatchdogTimeout EventType = "watchdog_timeout"
	EventTunnelStart     EventType = "tunnel_start"
	EventTunnelStop      EventType = "tunnel_stop"
)

// Event represents a session lifecycle event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	SessionID  string    `json:"session_id,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Lister is implemented by sinks that can read their events back,
// newest first.
type Lister interface {
	List(ctx context.Context, limit int) ([]Event, error)
}

// NopSink discards every event. It backs a disabled history DSN.
type NopSink struct{}

func (NopSink) Send(context.Context, Event) error { return nil }

type sessionKey struct{}

// WithSession tags ctx so events emitted under it carry sessionID.
func WithSession(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the session id set by WithSession.
func SessionFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// sendTimeout bounds a single delivery so a slow backend never stalls
// session teardown.
const sendTimeout = 2 * time.Second

// Emit delivers e to every sink. Failures are logged and never returned;
// history is advisory.
func Emit(ctx context.Context, log *slog.Logger, sinks []Sink, e Event) {
	if len(sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.SessionID == "" {
		e.SessionID = SessionFromContext(ctx)
	}
	if log == nil {
		log = slog.Default()
	}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		if err := s.Send(sctx, e); err != nil {
			log.Warn("history sink send failed", "event", e.Type, "error", err)
		}
		cancel()
	}
}

// MemSink keeps events in memory. It is used by tests and by callers that
// want to inspect what a run emitted.
type MemSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemSink) Send(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// List returns up to limit events, newest first. limit <= 0 means all.
func (s *MemSink) List(_ context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0; i-- {
		out = append(out, s.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Types returns the recorded event types in emission order.
func (s *MemSink) Types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}
