package tunnel

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/browsertools/internal/history"
	"github.com/loykin/browsertools/internal/logger"
	"github.com/loykin/browsertools/internal/process/processtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (string, int) {
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
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(host string, port int) Config {
	return Config{
		Command:       []string{"ssh", "-N", "proxy-exit"},
		Host:          host,
		Port:          port,
		ReadyTimeout:  2 * time.Second,
		DialTimeout:   100 * time.Millisecond,
		RetryBackoff:  20 * time.Millisecond,
		GraceAttempts: 3,
		GracePoll:     5 * time.Millisecond,
	}
}

type fakes struct {
	sp    *processtest.Spawner
	sig   *processtest.Signaller
	store *MemStateStore
	sink  *history.MemSink
}

func newSupervisor(cfg Config) (*Supervisor, fakes) {
	f := fakes{
		sp:    processtest.NewSpawner(),
		sig:   processtest.NewSignaller(),
		store: &MemStateStore{},
		sink:  &history.MemSink{},
	}
	f.sp.Signaller = f.sig
	s := New(cfg, f.store,
		WithSpawner(f.sp),
		WithSignaller(f.sig),
		WithLogger(logger.Discard()),
		WithHistory(f.sink),
	)
	return s, f
}

func TestStartWritesStateOnceListening(t *testing.T) {
	host, port := listen(t)
	s, f := newSupervisor(testConfig(host, port))

	info, err := s.Start(history.WithSession(context.Background(), "sess-1"))
	require.NoError(t, err)
	assert.Equal(t, host, info.Host)
	assert.Equal(t, port, info.Port)

	specs := f.sp.Spawned()
	require.Len(t, specs, 1)
	assert.True(t, specs[0].Detached)
	assert.Equal(t, []string{"ssh", "-N", "proxy-exit"}, specs[0].Args)

	st, err := f.store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, info.PID, st.PID)
	assert.Equal(t, port, st.Port)
	assert.NotZero(t, st.StartedAt)
	assert.False(t, f.sp.Last().Released(), "handle stays owned so the child is reaped")

	assert.Equal(t, []history.EventType{history.EventTunnelStart}, f.sink.Types())
	events, _ := f.sink.List(context.Background(), 1)
	assert.Equal(t, "sess-1", events[0].SessionID)
}

func TestStartRejectsBadConfig(t *testing.T) {
	s, f := newSupervisor(Config{Host: "127.0.0.1", Port: 1080})
	_, err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Empty(t, f.sp.Spawned())
}

func TestStartSpawnError(t *testing.T) {
	s, f := newSupervisor(testConfig("127.0.0.1", freePort(t)))
	f.sp.Err = errors.New("exec: \"ssh\": executable file not found")
	_, err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrStartFailed)
	st, _ := f.store.Load(context.Background())
	assert.Nil(t, st)
}

func TestStartFailsFastWhenChildExits(t *testing.T) {
	s, f := newSupervisor(testConfig("127.0.0.1", freePort(t)))

	go func() {
		for f.sp.Last() == nil {
			time.Sleep(2 * time.Millisecond)
		}
		f.sp.Last().Exit(errors.New("exit status 255"))
	}()

	began := time.Now()
	_, err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrStartFailed)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Contains(t, err.Error(), "exit status 255")
	assert.Less(t, time.Since(began), time.Second)

	st, _ := f.store.Load(context.Background())
	assert.Nil(t, st)
	assert.Empty(t, f.sig.Signals(f.sp.Last().PID()), "an exited child is not signalled")
}

func TestStartTimeoutKillsChild(t *testing.T) {
	cfg := testConfig("127.0.0.1", freePort(t))
	cfg.ReadyTimeout = 150 * time.Millisecond
	s, f := newSupervisor(cfg)

	_, err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrStartFailed)
	assert.Contains(t, err.Error(), "timed out waiting for")

	pid := f.sp.Last().PID()
	assert.Equal(t, []syscall.Signal{syscall.SIGKILL}, f.sig.Signals(pid))
	assert.False(t, f.sig.Alive(pid))
	st, _ := f.store.Load(context.Background())
	assert.Nil(t, st)
}

func TestStartKillsChildWhenStateCannotBeSaved(t *testing.T) {
	host, port := listen(t)
	s, f := newSupervisor(testConfig(host, port))
	f.store.Err = errors.New("disk full")

	_, err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrStartFailed)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []syscall.Signal{syscall.SIGKILL}, f.sig.Signals(f.sp.Last().PID()))
}

func TestStartReplacesExistingTunnel(t *testing.T) {
	host, port := listen(t)
	s, f := newSupervisor(testConfig(host, port))
	f.sig.Start(77)
	require.NoError(t, f.store.Save(context.Background(), State{PID: 77, Host: host, Port: port}))

	info, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, 77, info.PID)
	assert.Equal(t, []syscall.Signal{syscall.SIGINT}, f.sig.Signals(77))

	st, _ := f.store.Load(context.Background())
	require.NotNil(t, st)
	assert.Equal(t, info.PID, st.PID)
}

func TestStopAbsent(t *testing.T) {
	s, f := newSupervisor(testConfig("127.0.0.1", 1080))
	assert.False(t, s.Stop(context.Background(), StopOptions{}))
	assert.Empty(t, f.sig.Sent)
}

func TestStopDeadPIDRemovesState(t *testing.T) {
	s, f := newSupervisor(testConfig("127.0.0.1", 1080))
	require.NoError(t, f.store.Save(context.Background(), State{PID: 4242}))

	assert.False(t, s.Stop(context.Background(), StopOptions{}))
	st, _ := f.store.Load(context.Background())
	assert.Nil(t, st)
}

func TestStopInterruptsLiveProcess(t *testing.T) {
	s, f := newSupervisor(testConfig("127.0.0.1", 1080))
	f.sig.Start(500)
	require.NoError(t, f.store.Save(context.Background(), State{PID: 500}))

	assert.True(t, s.Stop(context.Background(), StopOptions{}))
	assert.Equal(t, []syscall.Signal{syscall.SIGINT}, f.sig.Signals(500))
	st, _ := f.store.Load(context.Background())
	assert.Nil(t, st)
	assert.Equal(t, []history.EventType{history.EventTunnelStop}, f.sink.Types())
}

func TestStopEscalatesToKill(t *testing.T) {
	s, f := newSupervisor(testConfig("127.0.0.1", 1080))
	f.sig.Start(501)
	f.sig.Stubborn(501)
	require.NoError(t, f.store.Save(context.Background(), State{PID: 501}))

	assert.True(t, s.Stop(context.Background(), StopOptions{}))
	assert.Equal(t, []syscall.Signal{syscall.SIGINT, syscall.SIGKILL}, f.sig.Signals(501))
	assert.False(t, f.sig.Alive(501))
}

func TestStopSwallowsErrors(t *testing.T) {
	s, f := newSupervisor(testConfig("127.0.0.1", 1080))
	f.sig.Start(502)
	require.NoError(t, f.store.Save(context.Background(), State{PID: 502}))
	f.sig.Err = processtest.ErrPermission

	assert.False(t, s.Stop(context.Background(), StopOptions{Silent: true}))
	st, _ := f.store.Load(context.Background())
	assert.Nil(t, st, "state is cleared before signalling")

	f.store.Err = errors.New("unreadable")
	assert.False(t, s.Stop(context.Background(), StopOptions{}))
}

func TestStatus(t *testing.T) {
	s, f := newSupervisor(testConfig("127.0.0.1", 1080))
	st, alive, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.False(t, alive)

	f.sig.Start(600)
	require.NoError(t, f.store.Save(context.Background(), State{PID: 600, Port: 1080}))
	st, alive, err = s.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, alive)

	f.sig.Kill(600)
	_, alive, _ = s.Status(context.Background())
	assert.False(t, alive)
}
