package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts Save calls, i.e. successful touches.
type countingStore struct {
	*MemStore
	saves atomic.Int32
}

func (s *countingStore) Save(ctx context.Context, rec Record) error {
	s.saves.Add(1)
	return s.MemStore.Save(ctx, rec)
}

func newCountingHeartbeat(t *testing.T) (*Heartbeat, *countingStore) {
	t.Helper()
	store := &countingStore{MemStore: NewMemStore()}
	hb := New(store, nil)
	_, err := hb.Initialize(context.Background(), time.Minute, "")
	require.NoError(t, err)
	store.saves.Store(0)
	return hb, store
}

func TestEmitterIntervalClamp(t *testing.T) {
	hb := New(NewMemStore(), nil)
	assert.Equal(t, MinInterval, NewEmitter(hb, 10*time.Millisecond, nil).Interval())
	assert.Equal(t, DefaultInterval, NewEmitter(hb, 0, nil).Interval())
	assert.Equal(t, 3*time.Second, NewEmitter(hb, 3*time.Second, nil).Interval())
}

func TestEmitterTouchesOnEntryAndExit(t *testing.T) {
	hb, store := newCountingHeartbeat(t)
	e := NewEmitter(hb, time.Hour, nil)

	stop := e.Start(context.Background())
	assert.Equal(t, int32(1), store.saves.Load(), "entry touch")
	stop()
	assert.Equal(t, int32(2), store.saves.Load(), "exit touch")
	stop()
	assert.Equal(t, int32(2), store.saves.Load(), "stop is idempotent")
}

func TestEmitterTicks(t *testing.T) {
	hb, store := newCountingHeartbeat(t)
	e := NewEmitter(hb, MinInterval, nil)

	stop := e.Start(context.Background())
	time.Sleep(3*MinInterval + MinInterval/2)
	stop()
	// entry + >=2 ticks + exit
	assert.GreaterOrEqual(t, store.saves.Load(), int32(4))
}

func TestEmitterFinalTouchAfterCancel(t *testing.T) {
	hb, store := newCountingHeartbeat(t)
	e := NewEmitter(hb, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	err := e.Run(ctx, func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(2), store.saves.Load())
}

func TestEmitterFinalTouchOnPanic(t *testing.T) {
	hb, store := newCountingHeartbeat(t)
	e := NewEmitter(hb, time.Hour, nil)

	func() {
		defer func() { _ = recover() }()
		_ = e.Run(context.Background(), func(context.Context) error { panic("boom") })
	}()
	assert.Equal(t, int32(2), store.saves.Load())
}

func TestEmitterKeepsLongOperationAlive(t *testing.T) {
	ctx := context.Background()
	hb := New(NewMemStore(), nil)
	_, err := hb.Initialize(ctx, 600*time.Millisecond, "")
	require.NoError(t, err)
	e := NewEmitter(hb, MinInterval, nil)

	err = e.Run(ctx, func(context.Context) error {
		deadline := time.Now().Add(1500 * time.Millisecond)
		for time.Now().Before(deadline) {
			rec, err := hb.Read(ctx)
			if err != nil {
				return err
			}
			if rec.Expired(time.Now()) {
				return errors.New("session expired while work was running")
			}
			time.Sleep(50 * time.Millisecond)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestEmitterWithoutSessionIsHarmless(t *testing.T) {
	hb := New(NewMemStore(), nil)
	e := NewEmitter(hb, MinInterval, nil)
	called := false
	err := e.Run(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}
