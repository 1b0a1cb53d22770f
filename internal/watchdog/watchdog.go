// Package watchdog ends abandoned sessions.
//
// The watchdog runs as its own detached process. It polls the heartbeat
// record and, once the idle budget is exhausted, launches
// "browsertools stop --watchdog" and removes the record. A record flagged
// shutdownRequested means a regular stop is already in progress, so the
// watchdog only cleans up and leaves.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/browsertools/internal/heartbeat"
	"github.com/loykin/browsertools/internal/history"
	"github.com/loykin/browsertools/internal/metrics"
	"github.com/loykin/browsertools/internal/process"
)

const (
	DefaultMinInterval = time.Second
	DefaultMaxInterval = time.Minute
	// expiryMargin is added when sleeping up to the expiry instant so the
	// next poll observes elapsed > timeout.
	expiryMargin = 5 * time.Millisecond
)

// Action is what one poll decided.
type Action int

const (
	Sleep Action = iota
	Exit
	TerminateTimeout
	TerminateShutdown
	TerminateInvalid
	TerminateError
)

func (a Action) String() string {
	switch a {
	case Sleep:
		return "sleep"
	case Exit:
		return "exit"
	case TerminateTimeout:
		return "timeout"
	case TerminateShutdown:
		return "shutdown"
	case TerminateInvalid:
		return "invalid"
	case TerminateError:
		return "error"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Final reports whether the watchdog stops after a.
func (a Action) Final() bool { return a != Sleep }

// Decision is the outcome of one poll. Wait is set for Sleep.
type Decision struct {
	Action  Action
	Wait    time.Duration
	Elapsed time.Duration
	Err     error
}

// NextInterval returns how long to sleep with remaining budget left:
// a quarter of it bounded to [min, max], but never past expiry.
func NextInterval(remaining, min, max time.Duration) time.Duration {
	d := remaining / 4
	if d < min {
		d = min
	}
	if d > max {
		d = max
	}
	if remaining < d {
		d = remaining + expiryMargin
	}
	return d
}

// Decide maps a heartbeat read to a Decision. It performs no I/O.
func Decide(rec *heartbeat.Record, readErr error, now time.Time, min, max time.Duration) Decision {
	switch {
	case readErr != nil:
		return Decision{Action: TerminateError, Err: readErr}
	case rec == nil:
		return Decision{Action: Exit}
	case rec.ShutdownRequested:
		return Decision{Action: TerminateShutdown}
	case !rec.Valid():
		return Decision{Action: TerminateInvalid}
	}
	elapsed := rec.Elapsed(now)
	if rec.Expired(now) {
		return Decision{Action: TerminateTimeout, Elapsed: elapsed}
	}
	return Decision{
		Action:  Sleep,
		Wait:    NextInterval(rec.Remaining(now), min, max),
		Elapsed: elapsed,
	}
}

// Watchdog polls a heartbeat until the session ends.
type Watchdog struct {
	hb          *heartbeat.Heartbeat
	spawner     process.Spawner
	stopCommand []string
	minInterval time.Duration
	maxInterval time.Duration
	sleep       func(context.Context, time.Duration) error
	log         *slog.Logger
	sinks       []history.Sink
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithIntervals overrides the poll interval bounds.
func WithIntervals(min, max time.Duration) Option {
	return func(w *Watchdog) {
		if min > 0 {
			w.minInterval = min
		}
		if max > 0 {
			w.maxInterval = max
		}
	}
}

func WithSpawner(sp process.Spawner) Option { return func(w *Watchdog) { w.spawner = sp } }
func WithLogger(l *slog.Logger) Option { return func(w *Watchdog) { w.log = l } }

// WithSleeper replaces the interruptible sleep used between polls.
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(w *Watchdog) { w.sleep = fn }
}

// WithHistory records a watchdog_timeout event on timeout teardown.
func WithHistory(sinks ...history.Sink) Option {
	return func(w *Watchdog) { w.sinks = append([]history.Sink(nil), sinks...) }
}

// New returns a watchdog over hb that runs stopCommand when the session
// expires.
func New(hb *heartbeat.Heartbeat, stopCommand []string, opts ...Option) *Watchdog {
	w := &Watchdog{
		hb:          hb,
		spawner:     process.OSSpawner{},
		stopCommand: append([]string(nil), stopCommand...),
		minInterval: DefaultMinInterval,
		maxInterval: DefaultMaxInterval,
		sleep:       process.Sleep,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	if w.maxInterval < w.minInterval {
		w.maxInterval = w.minInterval
	}
	return w
}

// Step reads the record once and decides.
func (w *Watchdog) Step(ctx context.Context) (Decision, *heartbeat.Record) {
	rec, err := w.hb.Read(ctx)
	return Decide(rec, err, w.hb.Now(), w.minInterval, w.maxInterval), rec
}

// Run polls until a final decision has been carried out or ctx is done.
// It returns the final action; errors are logged, never returned.
func (w *Watchdog) Run(ctx context.Context) Action {
	for {
		metrics.IncWatchdogPoll()
		d, rec := w.Step(ctx)
		if d.Action == Sleep {
			w.log.Debug("sleeping", "interval", d.Wait, "elapsed", d.Elapsed)
			if err := w.sleep(ctx, d.Wait); err != nil {
				w.log.Debug("watchdog cancelled", "error", err)
				return Exit
			}
			continue
		}
		w.act(ctx, d, rec)
		return d.Action
	}
}

func (w *Watchdog) act(ctx context.Context, d Decision, rec *heartbeat.Record) {
	switch d.Action {
	case Exit:
		w.log.Debug("no heartbeat state; exiting")
		return
	case TerminateShutdown:
		w.log.Debug("shutdown requested flag detected")
	case TerminateInvalid:
		w.log.Debug("timeout missing; clearing heartbeat")
	case TerminateError:
		w.log.Warn("session watchdog exited unexpectedly", "error", d.Err)
	case TerminateTimeout:
		w.log.Debug("timeout exceeded", "elapsed", d.Elapsed, "timeout", rec.Timeout())
		w.launchStop()
		history.Emit(ctx, w.log, w.sinks, history.Event{
			Type:      history.EventWatchdogTimeout,
			SessionID: rec.SessionID,
			Detail:    fmt.Sprintf("idle %s > %s", d.Elapsed.Round(time.Millisecond), rec.Timeout()),
		})
	}
	metrics.IncWatchdogTeardown(d.Action.String())
	if err := w.hb.Clear(ctx); err != nil {
		w.log.Warn("failed to clear heartbeat", "error", err)
	}
}

// launchStop starts the stop command detached and forgets it.
func (w *Watchdog) launchStop() {
	if len(w.stopCommand) == 0 {
		w.log.Warn("no stop command configured; clearing heartbeat only")
		return
	}
	h, err := w.spawner.Spawn(process.Spec{Name: "stop", Args: w.stopCommand, Detached: true})
	if err != nil {
		w.log.Warn("failed to launch stop", "command", w.stopCommand, "error", err)
		return
	}
	w.log.Debug("stop launched", "pid", h.PID())
	_ = h.Release()
}

// Launch starts a detached watchdog process running command and returns
// its pid. The handle is released; the watchdog outlives the caller.
func Launch(sp process.Spawner, command []string, env []string) (int, error) {
	h, err := sp.Spawn(process.Spec{Name: "watchdog", Args: command, Env: env, Detached: true})
	if err != nil {
		return 0, fmt.Errorf("launch watchdog: %w", err)
	}
	pid := h.PID()
	_ = h.Release()
	return pid, nil
}
