// Package heartbeat implements the session liveness protocol.
//
// A session is alive while its Record exists and lastPing is younger than
// timeoutMs. Every CLI invocation refreshes lastPing through an Emitter;
// the watchdog is the only reader that acts on expiry.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/browsertools/internal/statefile"
)

// ErrInvalidTimeout is returned by Initialize for a non-positive timeout.
var ErrInvalidTimeout = errors.New("heartbeat timeout must be positive")

// Heartbeat performs read-modify-write operations against a Store.
// A missing record means "no session" and is never reported as an error.
type Heartbeat struct {
	store Store
	now   func() time.Time
}

// New returns a Heartbeat over store. A nil now uses time.Now.
func New(store Store, now func() time.Time) *Heartbeat {
	if now == nil {
		now = time.Now
	}
	return &Heartbeat{store: store, now: now}
}

// Now returns the heartbeat clock's current time.
func (h *Heartbeat) Now() time.Time { return h.now() }

// Initialize replaces any existing record with a fresh one.
func (h *Heartbeat) Initialize(ctx context.Context, timeout time.Duration, sessionID string) (Record, error) {
	if timeout <= 0 || timeout.Milliseconds() <= 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrInvalidTimeout, timeout)
	}
	rec := Record{
		TimeoutMs: timeout.Milliseconds(),
		LastPing:  h.now().UnixMilli(),
		SessionID: sessionID,
	}
	if err := h.store.Save(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("write heartbeat: %w", err)
	}
	return rec, nil
}

// Read returns the current record, or nil when there is none.
// A corrupt document is returned as an error wrapping statefile.ErrCorrupt.
func (h *Heartbeat) Read(ctx context.Context) (*Record, error) {
	return h.store.Load(ctx)
}

// Touch refreshes lastPing. It never creates a record and reports false
// when none exists.
func (h *Heartbeat) Touch(ctx context.Context) (bool, error) {
	return h.update(ctx, func(r *Record) {
		if ms := h.now().UnixMilli(); ms > r.LastPing {
			r.LastPing = ms
		}
	})
}

// RequestShutdown flags the record so the watchdog exits without
// issuing its own stop.
func (h *Heartbeat) RequestShutdown(ctx context.Context) (bool, error) {
	return h.update(ctx, func(r *Record) { r.ShutdownRequested = true })
}

// SetWatchdogID records the pid of the running watchdog.
func (h *Heartbeat) SetWatchdogID(ctx context.Context, pid int) (bool, error) {
	return h.update(ctx, func(r *Record) { r.WatcherPID = pid })
}

// RemoveWatchdogID forgets the recorded watchdog pid. It reports false
// when there is no record or no pid to remove.
func (h *Heartbeat) RemoveWatchdogID(ctx context.Context) (bool, error) {
	rec, err := h.load(ctx)
	if err != nil || rec == nil || rec.WatcherPID == 0 {
		return false, err
	}
	rec.WatcherPID = 0
	if err := h.store.Save(ctx, *rec); err != nil {
		return false, err
	}
	return true, nil
}

// Clear deletes the record. Clearing an absent record is a no-op.
func (h *Heartbeat) Clear(ctx context.Context) error {
	return h.store.Clear(ctx)
}

func (h *Heartbeat) update(ctx context.Context, mutate func(*Record)) (bool, error) {
	rec, err := h.load(ctx)
	if err != nil || rec == nil {
		return false, err
	}
	mutate(rec)
	if err := h.store.Save(ctx, *rec); err != nil {
		return false, err
	}
	return true, nil
}

// load treats a corrupt record like an absent one.
func (h *Heartbeat) load(ctx context.Context) (*Record, error) {
	rec, err := h.store.Load(ctx)
	if errors.Is(err, statefile.ErrCorrupt) {
		return nil, nil
	}
	return rec, err
}
