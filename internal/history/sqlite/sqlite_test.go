package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loykin/browsertools/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	sink, err := New("file:" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	start := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	events := []history.Event{
		{Type: history.EventSessionStart, OccurredAt: start, SessionID: "abc", PID: 12345},
		{Type: history.EventWatchdogTimeout, OccurredAt: start.Add(30 * time.Second), SessionID: "abc", Detail: "idle 30m0s"},
		{Type: history.EventSessionStop, OccurredAt: start.Add(31 * time.Second), SessionID: "abc"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	got, err := sink.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	// newest first
	if got[0].Type != history.EventSessionStop || got[2].Type != history.EventSessionStart {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[1].Detail != "idle 30m0s" || got[2].PID != 12345 {
		t.Fatalf("fields not preserved: %+v", got)
	}
	if !got[2].OccurredAt.Equal(start) {
		t.Fatalf("timestamp mismatch: got %v want %v", got[2].OccurredAt, start)
	}

	limited, err := sink.List(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limit not applied: %d %v", len(limited), err)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	if err := sink.Send(ctx, history.Event{Type: history.EventTunnelStart, OccurredAt: time.Now(), PID: 7}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := sink.List(ctx, 10)
	if err != nil || len(got) != 1 || got[0].PID != 7 {
		t.Fatalf("unexpected: %+v %v", got, err)
	}
}

func TestSQLiteSink_ReopenKeepsEvents(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "sub", "h.db")
	ctx := context.Background()

	s1, err := New(dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Send(ctx, history.Event{Type: history.EventSessionStart, OccurredAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	_ = s1.Close()

	s2, err := New(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s2.Close() }()
	got, err := s2.List(ctx, 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected persisted event, got %d %v", len(got), err)
	}
}

func TestSQLiteSink_ConcurrentSend(t *testing.T) {
	sink, err := New(filepath.Join(t.TempDir(), "c.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := sink.Send(ctx, history.Event{Type: history.EventTunnelStop, OccurredAt: time.Now(), PID: i}); err != nil {
				t.Errorf("send %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	got, err := sink.List(ctx, 0)
	if err != nil || len(got) != 10 {
		t.Fatalf("expected 10 events, got %d %v", len(got), err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
