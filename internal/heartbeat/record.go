package heartbeat

import "time"

// Record is the persisted liveness state of a browser session.
// Field names match the on-disk JSON shared with every CLI invocation.
type Record struct {
	TimeoutMs         int64  `json:"timeoutMs"`
	LastPing          int64  `json:"lastPing"` // unix milliseconds
	ShutdownRequested bool   `json:"shutdownRequested"`
	WatcherPID        int    `json:"watcherPid,omitempty"`
	SessionID         string `json:"sessionId,omitempty"`
}

// Valid reports whether the record carries a usable idle budget.
func (r Record) Valid() bool { return r.TimeoutMs > 0 }

func (r Record) Timeout() time.Duration { return time.Duration(r.TimeoutMs) * time.Millisecond }

func (r Record) LastPingTime() time.Time { return time.UnixMilli(r.LastPing) }

// Elapsed returns the idle time observed at now.
func (r Record) Elapsed(now time.Time) time.Duration {
	return now.Sub(r.LastPingTime())
}

// Expired reports whether the idle budget is exhausted at now.
// The boundary itself (elapsed == timeout) is still alive.
func (r Record) Expired(now time.Time) bool {
	return r.Elapsed(now) > r.Timeout()
}

// Remaining returns the budget left before expiry; never negative.
func (r Record) Remaining(now time.Time) time.Duration {
	left := r.Timeout() - r.Elapsed(now)
	if left < 0 {
		return 0
	}
	return left
}
