// Package tunnel supervises the SSH SOCKS proxy subprocess: a detached
// child that is only considered started once its local port accepts
// connections, and that is torn down with signal, poll, escalate.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/loykin/browsertools/internal/detector"
	"github.com/loykin/browsertools/internal/history"
	"github.com/loykin/browsertools/internal/metrics"
	"github.com/loykin/browsertools/internal/process"
)

// ErrStartFailed prefixes every Start failure after validation.
var ErrStartFailed = errors.New("proxy failed to start")

// Info identifies a started tunnel.
type Info struct {
	PID  int
	Host string
	Port int
}

// StopOptions control Stop. Silent suppresses warning logs.
type StopOptions struct {
	Silent bool
}

// Supervisor starts and stops the tunnel subprocess.
type Supervisor struct {
	cfg       Config
	store     StateStore
	spawner   process.Spawner
	signaller process.Signaller
	log       *slog.Logger
	now       func() time.Time
	sinks     []history.Sink
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithSpawner(sp process.Spawner) Option { return func(s *Supervisor) { s.spawner = sp } }
func WithSignaller(sg process.Signaller) Option { return func(s *Supervisor) { s.signaller = sg } }
func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.log = l } }
func WithClock(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }

// WithHistory records tunnel_start and tunnel_stop events. The session id
// is taken from the context passed to Start and Stop.
func WithHistory(sinks ...history.Sink) Option {
	return func(s *Supervisor) { s.sinks = append([]history.Sink(nil), sinks...) }
}

// New returns a Supervisor using OS processes unless overridden.
func New(cfg Config, store StateStore, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		store:     store,
		spawner:   process.OSSpawner{},
		signaller: process.OSSignaller{},
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the supervisor's configuration.
func (s *Supervisor) Config() Config { return s.cfg }

// Start launches the tunnel and waits for its port. A previous tunnel
// recorded in the store is stopped first. On failure the child is killed
// and no state is written.
func (s *Supervisor) Start(ctx context.Context) (Info, error) {
	cfg := s.cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		metrics.IncTunnelStart("config_error")
		return Info{}, err
	}

	if st, err := s.store.Load(ctx); err != nil || st != nil {
		s.Stop(ctx, StopOptions{Silent: true})
	}

	h, err := s.spawner.Spawn(process.Spec{
		Name:     "ssh-proxy",
		Args:     cfg.Command,
		Detached: true,
	})
	if err != nil {
		metrics.IncTunnelStart("spawn_error")
		return Info{}, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	pid := h.PID()
	log := s.log.With("pid", pid, "endpoint", cfg.Endpoint())
	log.Debug("ssh proxy spawned", "command", cfg.Command)

	// reaps the child; abandoned with the handle once the tunnel is up
	exited := make(chan error, 1)
	go func() { exited <- h.Wait() }()

	began := s.now()
	det := detector.PortDetector{Host: cfg.Host, Port: cfg.Port, Timeout: cfg.DialTimeout}
	if err := WaitForPort(ctx, det, cfg.ReadyTimeout, cfg.RetryBackoff, exited); err != nil {
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			s.kill(pid, cfg, exited)
		}
		_ = s.store.Clear(context.WithoutCancel(ctx))
		metrics.IncTunnelStart("failed")
		log.Warn("ssh proxy failed to start", "error", err)
		return Info{}, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	st := State{
		PID:       pid,
		Host:      cfg.Host,
		Port:      cfg.Port,
		Command:   append([]string(nil), cfg.Command...),
		StartedAt: s.now().UnixMilli(),
	}
	if err := s.store.Save(ctx, st); err != nil {
		s.kill(pid, cfg, exited)
		metrics.IncTunnelStart("failed")
		return Info{}, fmt.Errorf("%w: write state: %w", ErrStartFailed, err)
	}

	metrics.IncTunnelStart("ok")
	metrics.ObserveTunnelReady(s.now().Sub(began).Seconds())
	history.Emit(ctx, s.log, s.sinks, history.Event{
		Type: history.EventTunnelStart, PID: pid, Detail: cfg.Endpoint(),
	})
	log.Info("ssh proxy ready")
	return Info{PID: pid, Host: cfg.Host, Port: cfg.Port}, nil
}

// kill force-terminates a child that never became ready and waits briefly
// for the reaper so no zombie is left behind.
func (s *Supervisor) kill(pid int, cfg Config, exited <-chan error) {
	ctx := context.Background()
	if _, err := process.Terminate(ctx, s.signaller, pid, process.TerminateOptions{
		Signal:   syscall.SIGKILL,
		Attempts: cfg.GraceAttempts,
		Poll:     cfg.GracePoll,
	}); err != nil {
		s.log.Warn("failed to kill ssh proxy", "pid", pid, "error", err)
	}
	select {
	case <-exited:
	case <-time.After(time.Second):
	}
}

// Stop tears down the recorded tunnel. The state is removed before the
// process is signalled. It reports whether this call stopped a running
// process; errors are logged unless opts.Silent and never returned.
func (s *Supervisor) Stop(ctx context.Context, opts StopOptions) bool {
	cfg := s.cfg.withDefaults()
	st, err := s.store.Load(ctx)
	if err != nil {
		s.warn(opts, "unreadable ssh proxy state; discarding", "error", err)
		_ = s.store.Clear(ctx)
		return false
	}
	if st == nil {
		return false
	}
	if err := s.store.Clear(ctx); err != nil {
		s.warn(opts, "failed to remove ssh proxy state", "error", err)
	}
	if st.PID <= 0 {
		return false
	}

	res, err := process.Terminate(ctx, s.signaller, st.PID, process.TerminateOptions{
		Signal:   syscall.SIGINT,
		Attempts: cfg.GraceAttempts,
		Poll:     cfg.GracePoll,
	})
	if err != nil {
		s.warn(opts, "failed to terminate SSH proxy", "pid", st.PID, "error", err)
		return false
	}
	metrics.IncTunnelStop(res.String())
	history.Emit(ctx, s.log, s.sinks, history.Event{
		Type: history.EventTunnelStop, PID: st.PID, Detail: res.String(),
	})
	s.log.Debug("ssh proxy stopped", "pid", st.PID, "result", res.String())
	return res.Stopped()
}

func (s *Supervisor) warn(opts StopOptions, msg string, args ...any) {
	if !opts.Silent {
		s.log.Warn(msg, args...)
	}
}

// Status reports the recorded tunnel and whether its process is alive.
func (s *Supervisor) Status(ctx context.Context) (*State, bool, error) {
	st, err := s.store.Load(ctx)
	if err != nil || st == nil {
		return nil, false, err
	}
	return st, s.signaller.Alive(st.PID), nil
}
