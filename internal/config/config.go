package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/browsertools/internal/browser"
	"github.com/loykin/browsertools/internal/env"
	"github.com/loykin/browsertools/internal/heartbeat"
	"github.com/loykin/browsertools/internal/logger"
	"github.com/loykin/browsertools/internal/paths"
	"github.com/loykin/browsertools/internal/process"
	"github.com/loykin/browsertools/internal/tunnel"
)

// ErrInvalidConfig wraps every configuration problem.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultTimeoutMinutes is the idle budget when nothing is configured.
const DefaultTimeoutMinutes = 30

// Config is the resolved runtime configuration.
type Config struct {
	CacheDir          string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	WatchdogDebug     bool
	SettleDelay       time.Duration
	HistoryDSN        string
	Browser           browser.Config
	Tunnel            tunnel.Config
	Log               logger.Config

	// Env is the environment for child processes with env-file values
	// merged in; nil when no env file was loaded.
	Env []string
}

// Layout returns the cache layout rooted at CacheDir.
func (c Config) Layout() paths.Layout { return paths.Layout{Root: c.CacheDir} }

// FileConfig represents the TOML file. Every key can also be set through
// a BROWSER_TOOLS_* environment variable, which wins over the file.
type FileConfig struct {
	EnvFiles              []string      `toml:"env_files" mapstructure:"env_files"`
	CacheDir              string        `toml:"cache_dir" mapstructure:"cache_dir"`
	SessionTimeoutMs      string        `toml:"session_timeout_ms" mapstructure:"session_timeout_ms"`
	SessionTimeoutMinutes string        `toml:"session_timeout_minutes" mapstructure:"session_timeout_minutes"`
	HeartbeatIntervalMs   string        `toml:"heartbeat_interval_ms" mapstructure:"heartbeat_interval_ms"`
	WatchdogDebug         string        `toml:"watchdog_debug" mapstructure:"watchdog_debug"`
	SettleDelay           time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
	HistoryDSN            string        `toml:"history_dsn" mapstructure:"history_dsn"`
	Browser               BrowserConfig `toml:"browser" mapstructure:"browser"`
	Tunnel                TunnelConfig  `toml:"tunnel" mapstructure:"tunnel"`
	Log                   LogConfig     `toml:"log" mapstructure:"log"`
}

type BrowserConfig struct {
	Executable   string `toml:"executable" mapstructure:"executable"`
	DebugPort    int    `toml:"debug_port" mapstructure:"debug_port"`
	WindowSize   string `toml:"window_size" mapstructure:"window_size"`
	UserAgent    string `toml:"user_agent" mapstructure:"user_agent"`
	ExtensionDir string `toml:"extension_dir" mapstructure:"extension_dir"`
}

// TunnelConfig takes the proxy command either as an argv array or as one
// command line. CommandLine wins when both are set.
type TunnelConfig struct {
	Command        []string `toml:"command" mapstructure:"command"`
	CommandLine    string   `toml:"command_line" mapstructure:"command_line"`
	Host           string   `toml:"host" mapstructure:"host"`
	Port           int      `toml:"port" mapstructure:"port"`
	ReadyTimeoutMs int64    `toml:"ready_timeout_ms" mapstructure:"ready_timeout_ms"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// envBindings maps config keys to their environment variables, in
// priority order.
var envBindings = map[string][]string{
	"cache_dir":               {paths.EnvCacheDir},
	"session_timeout_ms":      {"BROWSER_TOOLS_SESSION_TIMEOUT_MS"},
	"session_timeout_minutes": {"BROWSER_TOOLS_SESSION_TIMEOUT_MINUTES"},
	"heartbeat_interval_ms":   {"BROWSER_TOOLS_HEARTBEAT_INTERVAL_MS"},
	"watchdog_debug":          {"BROWSER_TOOLS_WATCHDOG_DEBUG"},
	"history_dsn":             {"BROWSER_TOOLS_HISTORY_DSN"},
	"browser.executable":      {"BROWSER_TOOLS_BROWSER", "BRAVE_EXECUTABLE"},
	"browser.debug_port":      {"BROWSER_TOOLS_DEBUG_PORT"},
	"browser.window_size":     {"BROWSER_TOOLS_WINDOW_SIZE"},
	"browser.user_agent":      {"BROWSER_TOOLS_USER_AGENT"},
	"tunnel.command_line":     {"BROWSER_TOOLS_SSH_PROXY_COMMAND"},
	"log.level":               {"BROWSER_TOOLS_LOG_LEVEL"},
	"log.format":              {"BROWSER_TOOLS_LOG_FORMAT"},
}

// Load resolves configuration from defaults, the optional TOML file at
// path, any env_files it lists, and the process environment.
// Precedence: environment > env files > TOML > defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return Config{}, fmt.Errorf("%w: bind %s: %v", ErrInvalidConfig, key, err)
		}
	}
	v.SetDefault("session_timeout_minutes", strconv.Itoa(DefaultTimeoutMinutes))
	v.SetDefault("settle_delay", time.Second)
	v.SetDefault("log.level", logger.LevelInfo)
	v.SetDefault("log.format", logger.FormatText)

	e := env.FromOS()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
		}
		for _, f := range v.GetStringSlice("env_files") {
			pairs, err := loadEnvFile(e.Expand(f))
			if err != nil {
				return Config{}, fmt.Errorf("%w: env file %s: %v", ErrInvalidConfig, f, err)
			}
			e.SetAll(pairs)
		}
		applyEnvFile(v, e)
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return fc.resolve(e)
}

// applyEnvFile feeds env-file values to viper for keys whose variables
// are not set in the real environment.
func applyEnvFile(v *viper.Viper, e *env.Env) {
	for key, names := range envBindings {
		if envSet(names) {
			continue
		}
		for _, name := range names {
			if e.FromFile(name) {
				v.Set(key, e.Get(name))
				break
			}
		}
	}
}

func envSet(names []string) bool {
	for _, n := range names {
		if os.Getenv(n) != "" {
			return true
		}
	}
	return false
}

func (fc FileConfig) resolve(e *env.Env) (Config, error) {
	timeout, err := ParseTimeout(fc.SessionTimeoutMs, fc.SessionTimeoutMinutes)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		CacheDir:          fc.CacheDir,
		SessionTimeout:    timeout,
		HeartbeatInterval: ParseInterval(fc.HeartbeatIntervalMs),
		WatchdogDebug:     strings.TrimSpace(fc.WatchdogDebug) == "1",
		SettleDelay:       fc.SettleDelay,
		HistoryDSN:        strings.TrimSpace(fc.HistoryDSN),
		Env:               e.Environ(),
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = paths.CacheDir()
	}
	if cfg.HistoryDSN == "" {
		cfg.HistoryDSN = "sqlite://" + cfg.Layout().HistoryDBPath()
	}

	cfg.Browser = browser.DefaultConfig()
	if s := strings.TrimSpace(fc.Browser.Executable); s != "" {
		cfg.Browser.Executable = s
	}
	if fc.Browser.DebugPort != 0 {
		if fc.Browser.DebugPort < 0 || fc.Browser.DebugPort > 65535 {
			return Config{}, fmt.Errorf("%w: debug port %d", ErrInvalidConfig, fc.Browser.DebugPort)
		}
		cfg.Browser.DebugPort = fc.Browser.DebugPort
	}
	if s := strings.TrimSpace(fc.Browser.WindowSize); s != "" {
		cfg.Browser.WindowSize = s
	}
	if s := strings.TrimSpace(fc.Browser.UserAgent); s != "" {
		cfg.Browser.UserAgent = s
	}
	cfg.Browser.ExtensionDir = fc.Browser.ExtensionDir

	base := tunnel.DefaultConfig()
	if argv := process.SplitCommand(fc.Tunnel.CommandLine); len(argv) > 0 {
		base.Command = argv
	} else if len(fc.Tunnel.Command) > 0 {
		base.Command = fc.Tunnel.Command
	}
	if fc.Tunnel.Host != "" {
		base.Host = fc.Tunnel.Host
	}
	if fc.Tunnel.Port != 0 {
		base.Port = fc.Tunnel.Port
	}
	if fc.Tunnel.ReadyTimeoutMs > 0 {
		base.ReadyTimeout = time.Duration(fc.Tunnel.ReadyTimeoutMs) * time.Millisecond
	}
	tcfg, err := tunnel.Resolve(base, e.Get)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.Tunnel = tcfg

	cfg.Log = logger.Config{
		Slog: logger.SlogConfig{
			Level:  strings.ToLower(fc.Log.Level),
			Format: strings.ToLower(fc.Log.Format),
			Color:  fc.Log.Color,
		},
		File: logger.FileConfig{
			Path:       fc.Log.File,
			MaxSizeMB:  fc.Log.MaxSizeMB,
			MaxBackups: fc.Log.MaxBackups,
			MaxAgeDays: fc.Log.MaxAgeDays,
			Compress:   fc.Log.Compress,
		},
	}
	return cfg, nil
}

// ParseTimeout turns the millisecond or minute setting into a duration.
// Milliseconds win when both are set. Unparsable, non-positive or
// out-of-range values are configuration errors.
func ParseTimeout(ms, minutes string) (time.Duration, error) {
	if s := strings.TrimSpace(ms); s != "" {
		d, ok := parseDuration(s, time.Millisecond)
		if !ok {
			return 0, fmt.Errorf("%w: session timeout %q ms: %w", ErrInvalidConfig, s, heartbeat.ErrInvalidTimeout)
		}
		return d, nil
	}
	s := strings.TrimSpace(minutes)
	if s == "" {
		return DefaultTimeoutMinutes * time.Minute, nil
	}
	d, ok := parseDuration(s, time.Minute)
	if !ok {
		return 0, fmt.Errorf("%w: session timeout %q minutes: %w", ErrInvalidConfig, s, heartbeat.ErrInvalidTimeout)
	}
	return d, nil
}

// ParseInterval parses the emitter interval in milliseconds, falling back
// to the default for anything unusable.
func ParseInterval(ms string) time.Duration {
	d, ok := parseDuration(strings.TrimSpace(ms), time.Millisecond)
	if !ok {
		return heartbeat.DefaultInterval
	}
	return d
}

// parseDuration reads s as a count of unit. It rejects values that are not
// positive or do not fit in a time.Duration.
func parseDuration(s string, unit time.Duration) (time.Duration, bool) {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || n <= 0 {
		return 0, false
	}
	f := n * float64(unit)
	if f < 1 || f >= math.MaxInt64 {
		return 0, false
	}
	return time.Duration(f), true
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
