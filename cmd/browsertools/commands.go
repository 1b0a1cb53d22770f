package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/loykin/browsertools/internal/heartbeat"
	"github.com/loykin/browsertools/internal/history"
	"github.com/loykin/browsertools/internal/history/factory"
	"github.com/loykin/browsertools/internal/metrics"
	"github.com/loykin/browsertools/internal/process"
	"github.com/loykin/browsertools/internal/session"
	"github.com/loykin/browsertools/internal/watchdog"
)

type command struct {
	global *GlobalFlags
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

// Start brings up a browser session and prints how to reach it.
func (c command) Start(ctx context.Context, f StartFlags) error {
	a, err := openApp(c.global, "start", openOptions{history: true})
	if err != nil {
		return err
	}
	defer a.Close()

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	timeout := f.Timeout
	if timeout == 0 {
		timeout = a.cfg.SessionTimeout
	}
	res, err := orch.Start(ctx, session.Options{
		Profile: f.Profile,
		Reset:   f.Reset,
		NoProxy: f.NoProxy,
		Timeout: timeout,
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if f.JSON {
		printJSON(c.out, res)
		return nil
	}
	mode := "headless"
	if res.Visible {
		mode = "visible, persistent profile"
	}
	_, _ = fmt.Fprintf(c.out, "Browser started on :%d (%s)\n", res.DebugPort, mode)
	if res.Version.Browser != "" {
		_, _ = fmt.Fprintf(c.out, "  %s\n", res.Version.Browser)
	}
	if res.Tunnel != nil {
		_, _ = fmt.Fprintf(c.out, "  proxy: socks5://%s:%d (pid %d)\n", res.Tunnel.Host, res.Tunnel.Port, res.Tunnel.PID)
	} else {
		_, _ = fmt.Fprintln(c.out, "  proxy: disabled")
	}
	_, _ = fmt.Fprintf(c.out, "  session %s, idle timeout %s, watchdog pid %d\n", res.SessionID, timeout, res.WatchdogPID)
	return nil
}

// Stop tears the session down. It reports what it did and never fails
// once configuration has loaded.
func (c command) Stop(ctx context.Context, f StopFlags) error {
	a, err := openApp(c.global, "stop", openOptions{history: true})
	if err != nil {
		return err
	}
	defer a.Close()

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	rep := orch.Stop(ctx, session.StopOptions{FromWatchdog: f.Watchdog})
	if f.JSON {
		printJSON(c.out, rep)
		return nil
	}
	if f.Watchdog {
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "Closed %d tab(s), signalled %d browser process(es)\n", rep.TabsClosed, rep.BrowserProcesses)
	if rep.TunnelStopped {
		_, _ = fmt.Fprintln(c.out, "SSH proxy stopped")
	}
	if rep.WatchdogStopped {
		_, _ = fmt.Fprintln(c.out, "Watchdog stopped")
	}
	return nil
}

type statusView struct {
	Active           bool                     `json:"active"`
	SessionID        string                   `json:"session_id,omitempty"`
	Timeout          string                   `json:"timeout,omitempty"`
	Remaining        string                   `json:"remaining,omitempty"`
	Expired          bool                     `json:"expired"`
	WatchdogPID      int                      `json:"watchdog_pid,omitempty"`
	WatchdogAlive    bool                     `json:"watchdog_alive"`
	TunnelPID        int                      `json:"tunnel_pid,omitempty"`
	TunnelEndpoint   string                   `json:"tunnel_endpoint,omitempty"`
	TunnelAlive      bool                     `json:"tunnel_alive"`
	BrowserReachable bool                     `json:"browser_reachable"`
	Browser          string                   `json:"browser,omitempty"`
	Processes        []metrics.ProcessMetrics `json:"processes,omitempty"`
}

// Status prints the heartbeat, watchdog, tunnel and browser state.
func (c command) Status(ctx context.Context, f StatusFlags) error {
	a, err := openApp(c.global, "status", openOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	st, err := orch.Status(ctx)
	if err != nil {
		return err
	}
	v := statusView{
		Active:           st.Active,
		Expired:          st.Expired,
		WatchdogAlive:    st.WatchdogAlive,
		TunnelAlive:      st.TunnelAlive,
		BrowserReachable: st.BrowserReachable,
		Browser:          st.Version.Browser,
	}
	if st.Record != nil {
		v.SessionID = st.Record.SessionID
		v.Timeout = st.Record.Timeout().String()
		v.Remaining = st.Remaining.Round(time.Second).String()
		v.WatchdogPID = st.Record.WatcherPID
	}
	if st.Tunnel != nil {
		v.TunnelPID = st.Tunnel.PID
		v.TunnelEndpoint = fmt.Sprintf("%s:%d", st.Tunnel.Host, st.Tunnel.Port)
	}
	if f.Processes {
		v.Processes = sampleProcesses(ctx, a, map[string]int{
			"watchdog": aliveOr0(v.WatchdogPID, st.WatchdogAlive),
			"tunnel":   aliveOr0(v.TunnelPID, st.TunnelAlive),
		})
	}
	if f.JSON {
		printJSON(c.out, v)
		return nil
	}
	if !v.Active {
		_, _ = fmt.Fprintln(c.out, "No active session")
	} else {
		_, _ = fmt.Fprintf(c.out, "Session %s: %s of %s idle budget left", v.SessionID, v.Remaining, v.Timeout)
		if v.Expired {
			_, _ = fmt.Fprint(c.out, " (expired)")
		}
		_, _ = fmt.Fprintln(c.out)
		_, _ = fmt.Fprintf(c.out, "  watchdog: pid %d alive=%t\n", v.WatchdogPID, v.WatchdogAlive)
	}
	if v.TunnelPID > 0 {
		_, _ = fmt.Fprintf(c.out, "  proxy: %s pid %d alive=%t\n", v.TunnelEndpoint, v.TunnelPID, v.TunnelAlive)
	}
	_, _ = fmt.Fprintf(c.out, "  browser reachable: %t %s\n", v.BrowserReachable, v.Browser)
	for _, p := range v.Processes {
		_, _ = fmt.Fprintf(c.out, "  %s pid %d: cpu %.1f%% mem %.1fMB threads %d\n", p.Name, p.PID, p.CPUPercent, p.MemoryMB, p.NumThreads)
	}
	return nil
}

func aliveOr0(pid int, alive bool) int {
	if !alive {
		return 0
	}
	return pid
}

// sampleProcesses reads CPU and memory for each live role and exports
// them to the gauges.
func sampleProcesses(ctx context.Context, a *app, pids map[string]int) []metrics.ProcessMetrics {
	var out []metrics.ProcessMetrics
	for _, role := range []string{"watchdog", "tunnel"} {
		pid := pids[role]
		if pid <= 0 {
			continue
		}
		m, err := metrics.Sample(ctx, role, pid)
		if err != nil {
			a.log.Debug("process sample failed", "role", role, "pid", pid, "error", err)
			continue
		}
		metrics.ObserveProcess(m)
		out = append(out, m)
	}
	return out
}

// Touch refreshes the heartbeat once.
func (c command) Touch(ctx context.Context) error {
	a, err := openApp(c.global, "touch", openOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ok, err := a.heartbeat().Touch(ctx)
	if err != nil {
		metrics.IncHeartbeatTouch("error")
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	if !ok {
		metrics.IncHeartbeatTouch("absent")
		_, _ = fmt.Fprintln(c.out, "No active session")
		return nil
	}
	metrics.IncHeartbeatTouch("ok")
	_, _ = fmt.Fprintln(c.out, "Heartbeat refreshed")
	return nil
}

// Exec runs argv while keeping the session alive.
func (c command) Exec(ctx context.Context, f ExecFlags, argv []string) error {
	if len(argv) == 0 {
		return process.ErrEmptyCommand
	}
	a, err := openApp(c.global, "exec", openOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	interval := f.Interval
	if interval <= 0 {
		interval = a.cfg.HeartbeatInterval
	}
	em := heartbeat.NewEmitter(a.heartbeat(), interval, a.log)
	return em.Run(ctx, func(ctx context.Context) error {
		h, err := process.OSSpawner{}.Spawn(process.Spec{
			Name:   "exec",
			Args:   argv,
			Stdin:  c.in,
			Stdout: c.out,
			Stderr: c.errOut,
		})
		if err != nil {
			return err
		}
		return h.Wait()
	})
}

// History prints recorded lifecycle events, newest first.
func (c command) History(ctx context.Context, f HistoryFlags) error {
	a, err := openApp(c.global, "history", openOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	dsn := f.DSN
	if dsn == "" {
		dsn = a.cfg.HistoryDSN
	}
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if cl, ok := sink.(io.Closer); ok {
		defer func() { _ = cl.Close() }()
	}
	lister, ok := sink.(history.Lister)
	if !ok {
		return fmt.Errorf("history backend %q cannot be listed", dsn)
	}
	events, err := lister.List(ctx, f.Limit)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	if f.JSON {
		printJSON(c.out, events)
		return nil
	}
	for _, e := range events {
		_, _ = fmt.Fprintf(c.out, "%s  %-16s  %s  %s\n",
			e.OccurredAt.Local().Format(time.DateTime), e.Type, orDash(e.SessionID), e.Detail)
	}
	return nil
}

// Watchdog runs the detached session watchdog until the session ends.
func (c command) Watchdog(ctx context.Context) error {
	a, err := openApp(c.global, "watchdog", openOptions{history: true, watchdog: true})
	if err != nil {
		return err
	}
	defer a.Close()

	stop, err := a.selfCommand("stop", "--watchdog")
	if err != nil {
		return err
	}
	w := watchdog.New(a.heartbeat(), stop,
		watchdog.WithLogger(a.log),
		watchdog.WithHistory(a.sinks...),
	)
	a.log.Debug("watchdog started", "pid", os.Getpid())
	action := w.Run(ctx)
	a.log.Debug("watchdog finished", "action", action.String())
	return nil
}
