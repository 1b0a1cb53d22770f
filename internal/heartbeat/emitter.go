package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/browsertools/internal/metrics"
)

const (
	DefaultInterval = time.Second
	// MinInterval bounds how often an emitter may write the record.
	MinInterval = 250 * time.Millisecond
)

// Emitter keeps a session alive for the duration of one CLI operation.
type Emitter struct {
	hb       *Heartbeat
	interval time.Duration
	log      *slog.Logger
}

// NewEmitter returns an emitter ticking every interval (clamped to
// MinInterval; zero or negative selects DefaultInterval).
func NewEmitter(hb *Heartbeat, interval time.Duration, log *slog.Logger) *Emitter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{hb: hb, interval: interval, log: log}
}

func (e *Emitter) Interval() time.Duration { return e.interval }

// Start touches the record once, then keeps touching it every interval until
// the returned stop function is called or ctx is done. stop is idempotent and
// always performs exactly one final touch, even after ctx was cancelled.
func (e *Emitter) Start(ctx context.Context) (stop func()) {
	e.touch(ctx)

	tickCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(e.interval)
		defer t.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-t.C:
				e.touch(tickCtx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			e.touch(context.WithoutCancel(ctx))
		})
	}
}

// Run executes fn inside an emitter scope. The final touch happens on every
// exit path: success, error, panic or cancellation.
func (e *Emitter) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	stop := e.Start(ctx)
	defer stop()
	return fn(ctx)
}

func (e *Emitter) touch(ctx context.Context) {
	ok, err := e.hb.Touch(ctx)
	if err != nil {
		metrics.IncHeartbeatTouch("error")
		e.log.Debug("heartbeat touch failed", "error", err)
		return
	}
	if !ok {
		metrics.IncHeartbeatTouch("absent")
		e.log.Debug("heartbeat touch skipped: no active session")
		return
	}
	metrics.IncHeartbeatTouch("ok")
}
