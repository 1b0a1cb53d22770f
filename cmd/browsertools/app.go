package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/browsertools/internal/browser"
	"github.com/loykin/browsertools/internal/config"
	"github.com/loykin/browsertools/internal/heartbeat"
	"github.com/loykin/browsertools/internal/history"
	"github.com/loykin/browsertools/internal/history/factory"
	"github.com/loykin/browsertools/internal/logger"
	"github.com/loykin/browsertools/internal/metrics"
	"github.com/loykin/browsertools/internal/session"
)

// app is the per-invocation runtime: resolved config, logger, metrics
// registry and history sinks. Close flushes metrics and releases the rest.
type app struct {
	component  string
	configPath string
	cfg        config.Config
	log        *slog.Logger
	reg        *prometheus.Registry
	sinks      []history.Sink
	closers    []io.Closer
}

type openOptions struct {
	history bool
	// watchdog logs to the rotated watchdog.log, at debug level when
	// BROWSER_TOOLS_WATCHDOG_DEBUG=1.
	watchdog bool
}

func openApp(g *GlobalFlags, component string, o openOptions) (*app, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.Log.Slog.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Slog.Format = g.LogFormat
	}
	if o.watchdog {
		cfg.Log.File.Path = cfg.Layout().WatchdogLogPath()
		cfg.Log.Slog.Level = watchdogLevel(cfg.WatchdogDebug)
		cfg.Log.Slog.Format = logger.FormatText
		cfg.Log.Slog.TimeStamps = true
	}
	if err := cfg.Layout().Ensure(); err != nil {
		return nil, err
	}

	a := &app{component: component, cfg: cfg, reg: prometheus.NewRegistry()}
	if g.ConfigPath != "" {
		if abs, err := filepath.Abs(g.ConfigPath); err == nil {
			a.configPath = abs
		} else {
			a.configPath = g.ConfigPath
		}
	}
	log, closer := cfg.Log.NewSlogger()
	a.log = log.With("component", component)
	a.closers = append(a.closers, closer)

	if err := metrics.Register(a.reg); err != nil {
		a.log.Warn("metrics registration failed", "error", err)
	}
	if o.history {
		sink, err := factory.NewSinkFromDSN(cfg.HistoryDSN)
		if err != nil {
			a.log.Warn("history disabled", "dsn", cfg.HistoryDSN, "error", err)
		} else {
			a.sinks = append(a.sinks, sink)
			if c, ok := sink.(io.Closer); ok {
				a.closers = append(a.closers, c)
			}
		}
	}
	return a, nil
}

// Close writes the metrics textfile and releases sinks and the log file.
func (a *app) Close() {
	if err := metrics.WriteTextfile(a.cfg.Layout().MetricsPath(a.component), a.reg); err != nil {
		a.log.Debug("metrics textfile not written", "error", err)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

// selfCommand returns argv re-invoking this binary with the same config.
func (a *app) selfCommand(args ...string) ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	argv := []string{exe}
	if a.configPath != "" {
		argv = append(argv, "--config", a.configPath)
	}
	return append(argv, args...), nil
}

func (a *app) heartbeat() *heartbeat.Heartbeat {
	return heartbeat.New(heartbeat.NewFileStore(a.cfg.Layout().HeartbeatPath()), time.Now)
}

func (a *app) orchestrator() (*session.Orchestrator, error) {
	wd, err := a.selfCommand("watchdog")
	if err != nil {
		return nil, err
	}
	return session.New(session.Config{
		Layout:          a.cfg.Layout(),
		Browser:         a.cfg.Browser,
		Tunnel:          a.cfg.Tunnel,
		WatchdogCommand: wd,
		WatchdogEnv:     a.cfg.Env,
		SettleDelay:     a.cfg.SettleDelay,
		ReadyAttempts:   browser.DefaultReadyAttempts,
		ReadyInterval:   browser.DefaultReadyInterval,
	},
		session.WithHeartbeat(a.heartbeat()),
		session.WithLogger(a.log),
		session.WithHistory(a.sinks...),
	), nil
}

// watchdogLevel returns the log level of the detached watchdog.
func watchdogLevel(debug bool) string {
	if debug {
		return logger.LevelDebug
	}
	return logger.LevelInfo
}
