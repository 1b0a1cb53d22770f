// Package browsertools exposes the session heartbeat to Go automation
// tools that drive a browser started by the browsertools CLI.
//
// A tool wraps its work in KeepAlive so the session watchdog sees it as
// active:
//
//	cfg, _ := browsertools.LoadConfig("")
//	hb := browsertools.OpenHeartbeat(cfg)
//	err := hb.KeepAlive(ctx, func(ctx context.Context) error {
//		return scrape(ctx, cfg.Browser.DebugPort)
//	})
package browsertools

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/browsertools/internal/config"
	"github.com/loykin/browsertools/internal/heartbeat"
	"github.com/loykin/browsertools/internal/history"
	"github.com/loykin/browsertools/internal/history/factory"
	"github.com/loykin/browsertools/internal/metrics"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Record = heartbeat.Record

type HistoryEvent = history.Event

type HistorySink = history.Sink

// ErrInvalidConfig is returned by LoadConfig for unusable settings.
var ErrInvalidConfig = cfg.ErrInvalidConfig

// LoadConfig resolves configuration from the optional TOML file at path
// and the BROWSER_TOOLS_* environment.
func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// Heartbeat is a thin facade over the session heartbeat file.
type Heartbeat struct {
	inner    *heartbeat.Heartbeat
	interval time.Duration
	log      *slog.Logger
}

// OpenHeartbeat returns the heartbeat of the session under c's cache dir.
func OpenHeartbeat(c Config) *Heartbeat {
	return &Heartbeat{
		inner:    heartbeat.New(heartbeat.NewFileStore(c.Layout().HeartbeatPath()), time.Now),
		interval: c.HeartbeatInterval,
		log:      slog.Default(),
	}
}

// WithLogger sets the logger used for touch failures.
func (h *Heartbeat) WithLogger(l *slog.Logger) *Heartbeat {
	if l != nil {
		h.log = l
	}
	return h
}

// Touch refreshes the record once. It reports false when no session runs.
func (h *Heartbeat) Touch(ctx context.Context) (bool, error) { return h.inner.Touch(ctx) }

// Read returns the current record, or nil when no session runs.
func (h *Heartbeat) Read(ctx context.Context) (*Record, error) { return h.inner.Read(ctx) }

// Start keeps the session alive until the returned stop function runs.
func (h *Heartbeat) Start(ctx context.Context) (stop func()) {
	return heartbeat.NewEmitter(h.inner, h.interval, h.log).Start(ctx)
}

// KeepAlive runs fn while refreshing the heartbeat.
func (h *Heartbeat) KeepAlive(ctx context.Context, fn func(ctx context.Context) error) error {
	return heartbeat.NewEmitter(h.inner, h.interval, h.log).Run(ctx, fn)
}

// NewHistorySink opens the history backend named by dsn.
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
