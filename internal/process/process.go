// Package process spawns and terminates the child processes a session
// owns: the browser, the SSH tunnel and the watchdog.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/loykin/browsertools/internal/detector"
)

// Handle is a started child process.
type Handle interface {
	PID() int
	// Wait blocks until the child exits and reaps it.
	Wait() error
	// Release drops the handle without waiting, leaving the child running.
	Release() error
}

// Spawner starts processes. Tests substitute a fake.
type Spawner interface {
	Spawn(spec Spec) (Handle, error)
}

// Signaller delivers signals to arbitrary pids and checks liveness.
type Signaller interface {
	Signal(pid int, sig syscall.Signal) error
	Alive(pid int) bool
}

// OSSpawner starts real OS processes.
type OSSpawner struct{}

func (OSSpawner) Spawn(spec Spec) (Handle, error) {
	cmd, err := spec.BuildCommand()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.label(), err)
	}
	return &osHandle{cmd: cmd}, nil
}

func (s Spec) label() string {
	if s.Name != "" {
		return s.Name
	}
	if len(s.Args) > 0 {
		return s.Args[0]
	}
	return "process"
}

type osHandle struct {
	cmd *exec.Cmd
}

func (h *osHandle) PID() int       { return h.cmd.Process.Pid }
func (h *osHandle) Wait() error    { return h.cmd.Wait() }
func (h *osHandle) Release() error { return h.cmd.Process.Release() }

// OSSignaller signals real OS processes.
type OSSignaller struct{}

func (OSSignaller) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	return killProcess(pid, sig)
}

func (OSSignaller) Alive(pid int) bool {
	ok, _ := detector.PIDDetector{PID: pid}.Alive()
	return ok
}

// IsGone reports whether err means the target process no longer exists.
func IsGone(err error) bool {
	return errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone)
}

// TerminateResult describes how Terminate ended.
type TerminateResult int

const (
	// NotRunning means the process was already gone before the first signal.
	NotRunning TerminateResult = iota
	// Exited means the process exited within the grace period.
	Exited
	// Killed means the process had to be force-killed.
	Killed
)

func (r TerminateResult) String() string {
	switch r {
	case NotRunning:
		return "not-running"
	case Exited:
		return "exited"
	case Killed:
		return "killed"
	}
	return fmt.Sprintf("TerminateResult(%d)", int(r))
}

// Stopped reports whether this call brought the process down.
func (r TerminateResult) Stopped() bool { return r != NotRunning }

// TerminateOptions tune the signal, poll, escalate sequence.
type TerminateOptions struct {
	Signal   syscall.Signal // graceful signal; default SIGTERM
	Attempts int            // liveness polls before escalating; default 10
	Poll     time.Duration  // delay between polls; default 100ms
}

func (o TerminateOptions) withDefaults() TerminateOptions {
	if o.Signal == 0 {
		o.Signal = syscall.SIGTERM
	}
	if o.Attempts <= 0 {
		o.Attempts = 10
	}
	if o.Poll <= 0 {
		o.Poll = 100 * time.Millisecond
	}
	return o
}

// Terminate sends the graceful signal, polls until the process is gone and
// escalates to SIGKILL when the grace period runs out. A process that is
// already gone is not an error. Cancelling ctx skips the rest of the grace
// period and escalates immediately.
func Terminate(ctx context.Context, s Signaller, pid int, opts TerminateOptions) (TerminateResult, error) {
	if pid <= 0 {
		return NotRunning, nil
	}
	opts = opts.withDefaults()
	if err := s.Signal(pid, opts.Signal); err != nil {
		if IsGone(err) {
			return NotRunning, nil
		}
		return NotRunning, fmt.Errorf("signal %d: %w", pid, err)
	}
	for i := 0; i < opts.Attempts; i++ {
		if !s.Alive(pid) {
			return Exited, nil
		}
		if err := Sleep(ctx, opts.Poll); err != nil {
			break
		}
	}
	if !s.Alive(pid) {
		return Exited, nil
	}
	if err := s.Signal(pid, syscall.SIGKILL); err != nil {
		if IsGone(err) {
			return Exited, nil
		}
		return Exited, fmt.Errorf("kill %d: %w", pid, err)
	}
	return Killed, nil
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
