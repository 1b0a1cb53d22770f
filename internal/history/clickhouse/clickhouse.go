// Package clickhouse stores session history in a ClickHouse MergeTree
// table over the native protocol.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/browsertools/internal/history"
)

const DefaultTable = "session_history"

// Options select the server, credentials and target table.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
	// CreateTable issues CREATE TABLE IF NOT EXISTS on connect.
	CreateTable bool
	DialTimeout time.Duration
}

// Sink writes one row per event.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects and pings the server.
func New(ctx context.Context, o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = DefaultTable
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
		DialTimeout: o.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: o.Table}
	if o.CreateTable {
		if err := s.createTable(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Sink) createTable(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		type LowCardinality(String),
		occurred_at DateTime64(3, 'UTC'),
		session_id String,
		pid Int64,
		detail String
	) ENGINE = MergeTree() ORDER BY (occurred_at, session_id)`, s.table)
	if err := s.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	q := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, session_id, pid, detail) VALUES (?, ?, ?, ?, ?)`, s.table)
	if err := s.conn.Exec(ctx, q, string(e.Type), e.OccurredAt.UTC(), e.SessionID, int64(e.PID), e.Detail); err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// List returns up to limit events, newest first. limit <= 0 returns all.
func (s *Sink) List(ctx context.Context, limit int) ([]history.Event, error) {
	q := fmt.Sprintf(`SELECT type, occurred_at, session_id, pid, detail FROM %s ORDER BY occurred_at DESC`, s.table)
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.conn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query ClickHouse history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			typ string
			e   history.Event
			pid int64
		)
		if err := rows.Scan(&typ, &e.OccurredAt, &e.SessionID, &pid, &e.Detail); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.PID = int(pid)
		out = append(out, e)
	}
	return out, rows.Err()
}
