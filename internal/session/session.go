// Package session composes the heartbeat, watchdog, tunnel and browser
// into the start and stop operations of an automation session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/browsertools/internal/browser"
	"github.com/loykin/browsertools/internal/heartbeat"
	"github.com/loykin/browsertools/internal/history"
	"github.com/loykin/browsertools/internal/metrics"
	"github.com/loykin/browsertools/internal/paths"
	"github.com/loykin/browsertools/internal/process"
	"github.com/loykin/browsertools/internal/tunnel"
	"github.com/loykin/browsertools/internal/watchdog"
)

const (
	DefaultTimeout      = 30 * time.Minute
	DefaultSettleDelay  = time.Second
	DefaultPageTimeout  = 2 * time.Second
	watchdogGraceChecks = 5
)

// Options select how a session starts.
type Options struct {
	// Profile runs a visible browser on the persistent profile.
	Profile bool
	// Reset wipes the profile first. Only honoured with Profile.
	Reset      bool
	NoProxy    bool
	Timeout    time.Duration
	WindowSize string
	UserAgent  string
}

// Result describes a started session.
type Result struct {
	SessionID   string
	BrowserPID  int
	WatchdogPID int
	DebugPort   int
	Visible     bool
	Tunnel      *tunnel.Info
	Version     browser.Version
}

// StopOptions control Stop. FromWatchdog is set when the watchdog itself
// requested the stop.
type StopOptions struct {
	FromWatchdog bool
}

// StopReport summarises what Stop did. It never carries an error.
type StopReport struct {
	SessionID        string
	TabsClosed       int
	BrowserProcesses int
	TunnelStopped    bool
	WatchdogStopped  bool
}

// Status is a point-in-time view of the session.
type Status struct {
	Active           bool
	Record           *heartbeat.Record
	Remaining        time.Duration
	Expired          bool
	WatchdogAlive    bool
	Tunnel           *tunnel.State
	TunnelAlive      bool
	BrowserReachable bool
	Version          browser.Version
}

// Config holds the static settings of an Orchestrator.
type Config struct {
	Layout  paths.Layout
	Browser browser.Config
	Tunnel  tunnel.Config
	// WatchdogCommand is the argv that runs the watchdog, normally
	// "<self> watchdog".
	WatchdogCommand []string
	WatchdogEnv     []string
	SettleDelay     time.Duration
	ReadyAttempts   int
	ReadyInterval   time.Duration
	PageTimeout     time.Duration
}

// Orchestrator runs session start, stop and status.
type Orchestrator struct {
	cfg       Config
	hb        *heartbeat.Heartbeat
	tunnel    *tunnel.Supervisor
	launcher  *browser.Launcher
	driver    browser.Driver
	spawner   process.Spawner
	signaller process.Signaller
	log       *slog.Logger
	sinks     []history.Sink
	now       func() time.Time
	newID     func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithHeartbeat(hb *heartbeat.Heartbeat) Option { return func(o *Orchestrator) { o.hb = hb } }
func WithTunnel(t *tunnel.Supervisor) Option { return func(o *Orchestrator) { o.tunnel = t } }
func WithLauncher(l *browser.Launcher) Option { return func(o *Orchestrator) { o.launcher = l } }
func WithDriver(d browser.Driver) Option { return func(o *Orchestrator) { o.driver = d } }
func WithSpawner(sp process.Spawner) Option { return func(o *Orchestrator) { o.spawner = sp } }
func WithSignaller(sg process.Signaller) Option { return func(o *Orchestrator) { o.signaller = sg } }
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.log = l } }
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }
func WithIDGenerator(fn func() string) Option { return func(o *Orchestrator) { o.newID = fn } }
func WithHistory(sinks ...history.Sink) Option {
	return func(o *Orchestrator) { o.sinks = append([]history.Sink(nil), sinks...) }
}

// New wires an Orchestrator. Collaborators not supplied through options
// are built from cfg on top of the real filesystem and OS processes.
func New(cfg Config, opts ...Option) *Orchestrator {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = DefaultPageTimeout
	}
	o := &Orchestrator{
		cfg:       cfg,
		spawner:   process.OSSpawner{},
		signaller: process.OSSignaller{},
		log:       slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.hb == nil {
		o.hb = heartbeat.New(heartbeat.NewFileStore(cfg.Layout.HeartbeatPath()), o.now)
	}
	if o.tunnel == nil {
		o.tunnel = tunnel.New(cfg.Tunnel, tunnel.NewFileStateStore(cfg.Layout.TunnelStatePath()),
			tunnel.WithSpawner(o.spawner),
			tunnel.WithSignaller(o.signaller),
			tunnel.WithLogger(o.log),
			tunnel.WithHistory(o.sinks...),
		)
	}
	if o.launcher == nil {
		o.launcher = browser.NewLauncher(
			browser.WithSpawner(o.spawner),
			browser.WithSignaller(o.signaller),
			browser.WithLogger(o.log),
		)
	}
	if o.driver == nil {
		o.driver = browser.NewCDPDriver(o.debugPort())
	}
	return o
}

func (o *Orchestrator) debugPort() int {
	if o.cfg.Browser.DebugPort > 0 {
		return o.cfg.Browser.DebugPort
	}
	return browser.DefaultDebugPort
}

func (o *Orchestrator) profileDir() string { return o.cfg.Layout.ProfileDir() }

// Heartbeat exposes the heartbeat service for touch and exec.
func (o *Orchestrator) Heartbeat() *heartbeat.Heartbeat { return o.hb }

// Start brings up a session. Any failure after the tunnel started is
// rolled back so no browser, tunnel or heartbeat is left behind.
func (o *Orchestrator) Start(ctx context.Context, opts Options) (Result, error) {
	began := o.now()
	if opts.Timeout <= 0 {
		metrics.IncSessionStart("config_error")
		return Result{}, fmt.Errorf("%w: %s", heartbeat.ErrInvalidTimeout, opts.Timeout)
	}
	if len(o.cfg.WatchdogCommand) == 0 {
		metrics.IncSessionStart("config_error")
		return Result{}, errors.New("session: watchdog command is not configured")
	}
	id := o.newID()
	ctx = history.WithSession(ctx, id)
	log := o.log.With("session", id)

	if err := o.cfg.Layout.Ensure(); err != nil {
		metrics.IncSessionStart("failed")
		return Result{}, err
	}
	o.clearLeftovers(ctx, log, opts)
	if err := process.Sleep(ctx, o.cfg.SettleDelay); err != nil {
		metrics.IncSessionStart("failed")
		return Result{}, err
	}

	if err := o.prepareProfile(opts, log); err != nil {
		metrics.IncSessionStart("failed")
		return Result{}, err
	}

	res := Result{SessionID: id, DebugPort: o.debugPort(), Visible: opts.Profile}
	bcfg := o.browserConfig(opts)
	if !opts.NoProxy {
		info, err := o.tunnel.Start(ctx)
		if err != nil {
			metrics.IncSessionStart("tunnel_failed")
			return Result{}, fmt.Errorf("start ssh proxy: %w", err)
		}
		res.Tunnel = &info
		bcfg.ProxyServer = browser.SOCKSProxy(info.Host, info.Port)
		log.Info("ssh proxy ready", "host", info.Host, "port", info.Port)
	}

	pid, err := o.launcher.Launch(bcfg)
	if err != nil {
		return Result{}, o.rollback(ctx, log, err)
	}
	res.BrowserPID = pid

	v, err := browser.WaitReady(ctx, o.driver, o.cfg.ReadyAttempts, o.cfg.ReadyInterval)
	if err != nil {
		return Result{}, o.rollback(ctx, log, fmt.Errorf("failed to connect to browser: %w", err))
	}
	res.Version = v

	if _, err := o.hb.Initialize(ctx, opts.Timeout, id); err != nil {
		return Result{}, o.rollback(ctx, log, err)
	}
	if _, err := o.hb.Touch(ctx); err != nil {
		log.Debug("initial heartbeat touch failed", "error", err)
	}

	wpid, err := watchdog.Launch(o.spawner, o.cfg.WatchdogCommand, o.cfg.WatchdogEnv)
	if err != nil {
		return Result{}, o.rollback(ctx, log, err)
	}
	res.WatchdogPID = wpid
	if _, err := o.hb.SetWatchdogID(ctx, wpid); err != nil {
		log.Warn("failed to record watchdog pid", "pid", wpid, "error", err)
	}

	metrics.IncSessionStart("ok")
	metrics.ObserveSessionStart(o.now().Sub(began).Seconds())
	history.Emit(ctx, o.log, o.sinks, history.Event{
		Type:   history.EventSessionStart,
		PID:    pid,
		Detail: startDetail(opts),
	})
	log.Info("browser session started", "pid", pid, "port", res.DebugPort, "visible", opts.Profile, "timeout", opts.Timeout)
	return res, nil
}

func startDetail(opts Options) string {
	mode := "headless"
	if opts.Profile {
		mode = "profile"
	}
	proxy := "proxy"
	if opts.NoProxy {
		proxy = "no-proxy"
	}
	return fmt.Sprintf("%s,%s,timeout=%s", mode, proxy, opts.Timeout)
}

func (o *Orchestrator) browserConfig(opts Options) browser.Config {
	c := o.cfg.Browser
	c.ProfileDir = o.profileDir()
	c.Visible = opts.Profile
	if c.DebugPort <= 0 {
		c.DebugPort = browser.DefaultDebugPort
	}
	if opts.WindowSize != "" {
		c.WindowSize = opts.WindowSize
	}
	if opts.UserAgent != "" {
		c.UserAgent = opts.UserAgent
	}
	return c
}

// clearLeftovers ends browsers on our profile and a previously recorded
// watchdog, then drops the old heartbeat so a failed start cannot leave a
// record without a watchdog behind. With NoProxy the previous tunnel is
// stopped too; otherwise tunnel Start does that. Failures are only logged.
func (o *Orchestrator) clearLeftovers(ctx context.Context, log *slog.Logger, opts Options) {
	if n, err := o.launcher.TerminateProfile(ctx, o.profileDir()); err != nil {
		log.Warn("failed to terminate an existing browser process", "error", err)
	} else if n > 0 {
		log.Debug("terminated leftover browser processes", "count", n)
	}
	if opts.NoProxy {
		o.tunnel.Stop(ctx, tunnel.StopOptions{Silent: true})
	}
	rec, err := o.hb.Read(ctx)
	if err != nil {
		log.Debug("previous heartbeat unreadable", "error", err)
	}
	if rec != nil && rec.WatcherPID > 0 {
		if _, err := o.stopWatchdog(ctx, rec.WatcherPID); err != nil {
			log.Warn("failed to stop previous watchdog", "pid", rec.WatcherPID, "error", err)
		}
	}
	if err := o.hb.Clear(ctx); err != nil {
		log.Warn("failed to clear previous heartbeat", "error", err)
	}
}

func (o *Orchestrator) prepareProfile(opts Options, log *slog.Logger) error {
	dir := o.profileDir()
	switch {
	case opts.Reset && !opts.Profile:
		log.Warn("ignoring reset because no persistent profile is in use")
	case opts.Reset:
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("failed to reset automation profile", "error", err)
		} else {
			log.Info("reset automation profile")
		}
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	return nil
}

// rollback undoes a partial start and returns cause.
func (o *Orchestrator) rollback(ctx context.Context, log *slog.Logger, cause error) error {
	ctx = context.WithoutCancel(ctx)
	log.Warn("session start failed; rolling back", "error", cause)
	if _, err := o.launcher.TerminateProfile(ctx, o.profileDir()); err != nil {
		log.Warn("rollback: browser cleanup failed", "error", err)
	}
	o.tunnel.Stop(ctx, tunnel.StopOptions{Silent: true})
	if err := o.hb.Clear(ctx); err != nil {
		log.Warn("rollback: failed to clear heartbeat", "error", err)
	}
	metrics.IncSessionStart("failed")
	return cause
}

func (o *Orchestrator) stopWatchdog(ctx context.Context, pid int) (bool, error) {
	res, err := process.Terminate(ctx, o.signaller, pid, process.TerminateOptions{
		Signal:   syscall.SIGTERM,
		Attempts: watchdogGraceChecks,
	})
	return res.Stopped(), err
}

// Stop tears the session down. Each step runs regardless of earlier
// failures, which are logged; calling Stop with nothing running is a no-op
// that still removes any stray state files.
func (o *Orchestrator) Stop(ctx context.Context, opts StopOptions) StopReport {
	var rep StopReport
	log := o.log
	rec, err := o.hb.Read(ctx)
	if err != nil {
		log.Debug("heartbeat unreadable", "error", err)
	}
	if rec != nil {
		rep.SessionID = rec.SessionID
		ctx = history.WithSession(ctx, rec.SessionID)
		log = log.With("session", rec.SessionID)
	}

	pctx, cancel := context.WithTimeout(ctx, o.cfg.PageTimeout)
	n, err := browser.CloseAll(pctx, o.driver)
	cancel()
	rep.TabsClosed = n
	switch {
	case errors.Is(err, browser.ErrNotReachable):
		log.Debug("browser not reachable; no tabs to close")
	case err != nil:
		log.Warn("unable to close a tab", "error", err)
	}

	killed, err := o.launcher.TerminateProfile(ctx, o.profileDir())
	if err != nil {
		log.Warn("failed to terminate browser processes", "error", err)
	}
	rep.BrowserProcesses = killed

	rep.TunnelStopped = o.tunnel.Stop(ctx, tunnel.StopOptions{Silent: opts.FromWatchdog})

	if _, err := o.hb.RequestShutdown(ctx); err != nil {
		log.Debug("failed to flag shutdown", "error", err)
	}
	if !opts.FromWatchdog && rec != nil && rec.WatcherPID > 0 {
		stopped, err := o.stopWatchdog(ctx, rec.WatcherPID)
		if err != nil {
			log.Warn("failed to stop watchdog", "pid", rec.WatcherPID, "error", err)
		}
		rep.WatchdogStopped = stopped
	}
	if err := o.hb.Clear(ctx); err != nil {
		log.Warn("failed to clear heartbeat", "error", err)
	}

	trigger := "user"
	if opts.FromWatchdog {
		trigger = "watchdog"
	}
	metrics.IncSessionStop(trigger)
	history.Emit(ctx, o.log, o.sinks, history.Event{
		Type: history.EventSessionStop,
		Detail: fmt.Sprintf("trigger=%s tabs=%d browsers=%d tunnel=%t watchdog=%t",
			trigger, rep.TabsClosed, rep.BrowserProcesses, rep.TunnelStopped, rep.WatchdogStopped),
	})
	return rep
}

// Status reports the heartbeat, watchdog, tunnel and browser state.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	var st Status
	rec, err := o.hb.Read(ctx)
	if err != nil {
		return st, fmt.Errorf("read heartbeat: %w", err)
	}
	if rec != nil {
		now := o.hb.Now()
		st.Active = true
		st.Record = rec
		st.Remaining = rec.Remaining(now)
		st.Expired = rec.Expired(now)
		st.WatchdogAlive = rec.WatcherPID > 0 && o.signaller.Alive(rec.WatcherPID)
	}
	ts, alive, err := o.tunnel.Status(ctx)
	if err != nil {
		o.log.Debug("tunnel state unreadable", "error", err)
	}
	st.Tunnel, st.TunnelAlive = ts, alive

	pctx, cancel := context.WithTimeout(ctx, o.cfg.PageTimeout)
	defer cancel()
	if v, err := o.driver.Ping(pctx); err == nil {
		st.BrowserReachable = true
		st.Version = v
	}
	return st, nil
}
