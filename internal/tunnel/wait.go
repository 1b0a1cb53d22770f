package tunnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/browsertools/internal/detector"
)

// ExitError reports a tunnel process that exited before its port opened.
type ExitError struct {
	Err error // nil for a clean exit
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return "process exited before listening"
	}
	return "process exited before listening: " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// WaitForPort dials det until it accepts, timeout elapses, ctx is done or
// a value arrives on exited. Failed attempts are retried after backoff.
func WaitForPort(ctx context.Context, det detector.PortDetector, timeout, backoff time.Duration, exited <-chan error) error {
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var lastErr error
	for {
		select {
		case err := <-exited:
			return &ExitError{Err: err}
		default:
		}

		err := det.Probe(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !time.Now().Add(backoff).Before(deadline) {
			break
		}

		t := time.NewTimer(backoff)
		select {
		case err := <-exited:
			t.Stop()
			return &ExitError{Err: err}
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
			continue
		}
		break
	}

	// an exit that raced the deadline is the better reason
	select {
	case err := <-exited:
		return &ExitError{Err: err}
	default:
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("timed out waiting for %s: %w", det.Addr(), lastErr)
}
