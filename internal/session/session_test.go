package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/browsertools/internal/browser"
	"github.com/loykin/browsertools/internal/browser/browsertest"
	"github.com/loykin/browsertools/internal/heartbeat"
	"github.com/loykin/browsertools/internal/history"
	"github.com/loykin/browsertools/internal/logger"
	"github.com/loykin/browsertools/internal/paths"
	"github.com/loykin/browsertools/internal/process/processtest"
	"github.com/loykin/browsertools/internal/tunnel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var watchdogCmd = []string{"/usr/local/bin/browsertools", "watchdog"}

type spawnedFinder struct{ sp *processtest.Spawner }

func (f spawnedFinder) PIDs(context.Context) ([]int, error) { return f.sp.PIDsOf("browser"), nil }

type env struct {
	layout paths.Layout
	sp     *processtest.Spawner
	sig    *processtest.Signaller
	driver *browsertest.Driver
	sink   *history.MemSink
	orch   *Orchestrator
}

func proxyPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func newEnv(t *testing.T, pages ...browser.Page) *env {
	t.Helper()
	e := &env{
		layout: paths.Layout{Root: t.TempDir()},
		sp:     processtest.NewSpawner(),
		sig:    processtest.NewSignaller(),
		driver: browsertest.New(pages...),
		sink:   &history.MemSink{},
	}
	e.sp.Signaller = e.sig
	e.driver.UpAfter = 2

	tcfg := tunnel.Config{
		Command:       []string{"ssh", "-N", "proxy-exit"},
		Host:          "127.0.0.1",
		Port:          proxyPort(t),
		ReadyTimeout:  time.Second,
		RetryBackoff:  10 * time.Millisecond,
		GraceAttempts: 2,
		GracePoll:     time.Millisecond,
	}
	log := logger.Discard()
	launcher := browser.NewLauncher(
		browser.WithSpawner(e.sp),
		browser.WithSignaller(e.sig),
		browser.WithLogger(log),
		browser.WithGrace(2, time.Millisecond),
		browser.WithFinder(func(string) browser.Finder { return spawnedFinder{e.sp} }),
	)
	e.orch = New(Config{
		Layout:          e.layout,
		Browser:         browser.Config{Executable: "chromium", DebugPort: 9222},
		Tunnel:          tcfg,
		WatchdogCommand: watchdogCmd,
		ReadyAttempts:   5,
		ReadyInterval:   time.Millisecond,
	},
		WithSpawner(e.sp),
		WithSignaller(e.sig),
		WithLauncher(launcher),
		WithDriver(e.driver),
		WithLogger(log),
		WithHistory(e.sink),
		WithIDGenerator(func() string { return "sess-42" }),
	)
	return e
}

func (e *env) heartbeatRecord(t *testing.T) *heartbeat.Record {
	t.Helper()
	rec, err := e.orch.Heartbeat().Read(context.Background())
	require.NoError(t, err)
	return rec
}

func (e *env) specsNamed(name string) [][]string {
	var out [][]string
	for _, s := range e.sp.Spawned() {
		if s.Name == name {
			out = append(out, s.Args)
		}
	}
	return out
}

func TestStartFullSession(t *testing.T) {
	e := newEnv(t)
	res, err := e.orch.Start(context.Background(), Options{Timeout: 5 * time.Minute})
	require.NoError(t, err)

	assert.Equal(t, "sess-42", res.SessionID)
	require.NotNil(t, res.Tunnel)
	assert.Equal(t, 9222, res.DebugPort)
	assert.False(t, res.Visible)

	browsers := e.specsNamed("browser")
	require.Len(t, browsers, 1)
	assert.Contains(t, browsers[0], fmt.Sprintf("--proxy-server=socks5://127.0.0.1:%d", res.Tunnel.Port))
	assert.Contains(t, browsers[0], "--user-data-dir="+e.layout.ProfileDir())
	assert.Contains(t, browsers[0], "--headless=new")
	assert.DirExists(t, e.layout.ProfileDir())

	assert.Equal(t, [][]string{watchdogCmd}, e.specsNamed("watchdog"))
	rec := e.heartbeatRecord(t)
	require.NotNil(t, rec)
	assert.Equal(t, int64(300000), rec.TimeoutMs)
	assert.Equal(t, res.WatchdogPID, rec.WatcherPID)
	assert.Equal(t, "sess-42", rec.SessionID)
	assert.FileExists(t, e.layout.TunnelStatePath())

	assert.Equal(t, []history.EventType{history.EventTunnelStart, history.EventSessionStart}, e.sink.Types())
	events, _ := e.sink.List(context.Background(), 0)
	for _, ev := range events {
		assert.Equal(t, "sess-42", ev.SessionID)
	}
}

func TestStartWithoutProxy(t *testing.T) {
	e := newEnv(t)
	res, err := e.orch.Start(context.Background(), Options{Timeout: time.Minute, NoProxy: true, WindowSize: "800,600"})
	require.NoError(t, err)
	assert.Nil(t, res.Tunnel)
	assert.Empty(t, e.specsNamed("ssh-proxy"))
	args := e.specsNamed("browser")[0]
	assert.Contains(t, args, "--window-size=800,600")
	for _, a := range args {
		assert.NotContains(t, a, "--proxy-server")
	}
	assert.NoFileExists(t, e.layout.TunnelStatePath())
}

func TestStartRejectsInvalidTimeout(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.Start(context.Background(), Options{})
	assert.ErrorIs(t, err, heartbeat.ErrInvalidTimeout)
	assert.Empty(t, e.sp.Spawned())
}

func TestStartTunnelFailureAborts(t *testing.T) {
	e := newEnv(t)
	e.sp.FailOn = map[string]error{"ssh-proxy": errors.New("ssh: not found")}

	_, err := e.orch.Start(context.Background(), Options{Timeout: time.Minute})
	require.ErrorIs(t, err, tunnel.ErrStartFailed)
	assert.Contains(t, err.Error(), "start ssh proxy")
	assert.Empty(t, e.specsNamed("browser"))
	assert.NoFileExists(t, e.layout.HeartbeatPath())
}

func TestStartTunnelFailureDropsPreviousSession(t *testing.T) {
	e := newEnv(t)
	e.sig.Start(99)
	ctx := context.Background()
	_, err := e.orch.Heartbeat().Initialize(ctx, time.Minute, "old")
	require.NoError(t, err)
	_, err = e.orch.Heartbeat().SetWatchdogID(ctx, 99)
	require.NoError(t, err)
	e.sp.FailOn = map[string]error{"ssh-proxy": errors.New("ssh: not found")}

	_, err = e.orch.Start(ctx, Options{Timeout: time.Minute})
	require.ErrorIs(t, err, tunnel.ErrStartFailed)
	assert.False(t, e.sig.Alive(99))
	assert.NoFileExists(t, e.layout.HeartbeatPath())

	touched, err := e.orch.Heartbeat().Touch(ctx)
	require.NoError(t, err)
	assert.False(t, touched, "touch must not revive a session without a watchdog")
	st, err := e.orch.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Active)
}

func TestStartWithoutProxyStopsPreviousTunnel(t *testing.T) {
	e := newEnv(t)
	first, err := e.orch.Start(context.Background(), Options{Timeout: time.Minute})
	require.NoError(t, err)
	require.NotNil(t, first.Tunnel)

	_, err = e.orch.Start(context.Background(), Options{Timeout: time.Minute, NoProxy: true})
	require.NoError(t, err)
	assert.False(t, e.sig.Alive(first.Tunnel.PID))
	assert.Equal(t, []syscall.Signal{syscall.SIGINT}, e.sig.Signals(first.Tunnel.PID))
	assert.NoFileExists(t, e.layout.TunnelStatePath())
	assert.Len(t, e.specsNamed("ssh-proxy"), 1)
}

func TestStartRollsBackWhenBrowserUnreachable(t *testing.T) {
	e := newEnv(t)
	e.driver.UpAfter = 0

	_, err := e.orch.Start(context.Background(), Options{Timeout: time.Minute})
	require.ErrorIs(t, err, browser.ErrNotReachable)

	bpid := e.sp.PIDsOf("browser")[0]
	assert.Equal(t, syscall.SIGTERM, e.sig.Signals(bpid)[0])
	assert.False(t, e.sig.Alive(bpid))
	tpid := e.sp.PIDsOf("ssh-proxy")[0]
	assert.False(t, e.sig.Alive(tpid))
	assert.NoFileExists(t, e.layout.TunnelStatePath())
	assert.NoFileExists(t, e.layout.HeartbeatPath())
	assert.Empty(t, e.specsNamed("watchdog"))
}

func TestStartRollsBackWhenWatchdogFails(t *testing.T) {
	e := newEnv(t)
	e.sp.FailOn = map[string]error{"watchdog": errors.New("exec format error")}

	_, err := e.orch.Start(context.Background(), Options{Timeout: time.Minute})
	require.ErrorContains(t, err, "launch watchdog")
	assert.NoFileExists(t, e.layout.HeartbeatPath())
	assert.NoFileExists(t, e.layout.TunnelStatePath())
	assert.False(t, e.sig.Alive(e.sp.PIDsOf("browser")[0]))
}

func TestStartStopsPreviousWatchdog(t *testing.T) {
	e := newEnv(t)
	e.sig.Start(99)
	_, err := e.orch.Heartbeat().Initialize(context.Background(), time.Minute, "old")
	require.NoError(t, err)
	_, err = e.orch.Heartbeat().SetWatchdogID(context.Background(), 99)
	require.NoError(t, err)

	_, err = e.orch.Start(context.Background(), Options{Timeout: time.Minute, NoProxy: true})
	require.NoError(t, err)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, e.sig.Signals(99))
	assert.Equal(t, "sess-42", e.heartbeatRecord(t).SessionID)
}

func TestStartResetProfile(t *testing.T) {
	e := newEnv(t)
	marker := filepath.Join(e.layout.ProfileDir(), "Cookies")
	require.NoError(t, os.MkdirAll(e.layout.ProfileDir(), 0o750))
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o600))

	_, err := e.orch.Start(context.Background(), Options{Timeout: time.Minute, NoProxy: true, Reset: true})
	require.NoError(t, err)
	assert.FileExists(t, marker, "reset without profile is ignored")

	_, err = e.orch.Start(context.Background(), Options{Timeout: time.Minute, NoProxy: true, Reset: true, Profile: true})
	require.NoError(t, err)
	assert.NoFileExists(t, marker)
	assert.DirExists(t, e.layout.ProfileDir())
	args := e.specsNamed("browser")[1]
	assert.NotContains(t, args, "--incognito")
}

func TestStopIdempotentLeavesNoFiles(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 2; i++ {
		rep := e.orch.Stop(context.Background(), StopOptions{})
		assert.Equal(t, StopReport{}, rep)
	}
	assert.NoFileExists(t, e.layout.HeartbeatPath())
	assert.NoFileExists(t, e.layout.TunnelStatePath())
}

func TestStopTearsDownRunningSession(t *testing.T) {
	e := newEnv(t, browser.Page{ID: "p1"}, browser.Page{ID: "p2"})
	res, err := e.orch.Start(context.Background(), Options{Timeout: time.Minute})
	require.NoError(t, err)

	rep := e.orch.Stop(context.Background(), StopOptions{})
	assert.Equal(t, "sess-42", rep.SessionID)
	assert.Equal(t, 2, rep.TabsClosed)
	assert.Equal(t, 1, rep.BrowserProcesses)
	assert.True(t, rep.TunnelStopped)
	assert.True(t, rep.WatchdogStopped)

	assert.False(t, e.sig.Alive(res.BrowserPID))
	assert.False(t, e.sig.Alive(res.Tunnel.PID))
	assert.Equal(t, []syscall.Signal{syscall.SIGINT}, e.sig.Signals(res.Tunnel.PID))
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, e.sig.Signals(res.WatchdogPID))
	assert.NoFileExists(t, e.layout.HeartbeatPath())
	assert.NoFileExists(t, e.layout.TunnelStatePath())

	types := e.sink.Types()
	assert.Equal(t, history.EventSessionStop, types[len(types)-1])
	last, _ := e.sink.List(context.Background(), 1)
	assert.Equal(t, "sess-42", last[0].SessionID)

	again := e.orch.Stop(context.Background(), StopOptions{})
	assert.False(t, again.TunnelStopped)
	assert.Zero(t, again.BrowserProcesses)
}

func TestStopKillsBrowserIgnoringSIGTERM(t *testing.T) {
	e := newEnv(t)
	res, err := e.orch.Start(context.Background(), Options{Timeout: time.Minute, NoProxy: true})
	require.NoError(t, err)
	e.sig.Stubborn(res.BrowserPID)

	rep := e.orch.Stop(context.Background(), StopOptions{})
	assert.Equal(t, 1, rep.BrowserProcesses)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, e.sig.Signals(res.BrowserPID))
	assert.False(t, e.sig.Alive(res.BrowserPID))
}

func TestStopFromWatchdogLeavesWatchdogAlone(t *testing.T) {
	e := newEnv(t)
	res, err := e.orch.Start(context.Background(), Options{Timeout: time.Minute, NoProxy: true})
	require.NoError(t, err)

	rep := e.orch.Stop(context.Background(), StopOptions{FromWatchdog: true})
	assert.False(t, rep.WatchdogStopped)
	assert.Empty(t, e.sig.Signals(res.WatchdogPID))
	assert.NoFileExists(t, e.layout.HeartbeatPath())
}

func TestStatus(t *testing.T) {
	e := newEnv(t)
	st, err := e.orch.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.False(t, st.BrowserReachable)

	_, err = e.orch.Start(context.Background(), Options{Timeout: time.Minute})
	require.NoError(t, err)
	st, err = e.orch.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.True(t, st.WatchdogAlive)
	assert.True(t, st.TunnelAlive)
	assert.True(t, st.BrowserReachable)
	assert.False(t, st.Expired)
	assert.Greater(t, st.Remaining, 50*time.Second)
}
