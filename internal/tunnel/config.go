package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Environment variables naming an override JSON file. The legacy name is
// still honoured.
const (
	EnvOverride       = "BROWSER_TOOLS_SSH_PROXY_CONFIG"
	EnvLegacyOverride = "BROWSER_TOOLS_SSH_PROXY_TEST_CONFIG"
)

// Defaults for the SOCKS endpoint and the readiness/termination protocol.
const (
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 1080
	DefaultReadyTimeout  = 10 * time.Second
	DefaultRetryBackoff  = 250 * time.Millisecond
	DefaultGraceAttempts = 10
	DefaultGracePoll     = 100 * time.Millisecond
)

var (
	// ErrNotConfigured is returned when no usable tunnel command or endpoint is set.
	ErrNotConfigured = errors.New("ssh proxy command is not configured")
	// ErrInvalidOverride wraps any problem with the override JSON file.
	ErrInvalidOverride = errors.New("failed to load SSH proxy override config")
)

// DefaultCommand opens a dynamic SOCKS forward to the "proxy-exit" host.
// It assumes key-based authentication so it runs non-interactively.
func DefaultCommand() []string {
	return []string{
		"ssh", "-N",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
		"-D", "127.0.0.1:1080",
		"proxy-exit",
	}
}

// Config describes the tunnel subprocess and how long to wait for it.
type Config struct {
	Command       []string      `mapstructure:"command"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	ReadyTimeout  time.Duration `mapstructure:"ready_timeout"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	GraceAttempts int           `mapstructure:"grace_attempts"`
	GracePoll     time.Duration `mapstructure:"grace_poll"`
}

// DefaultConfig returns the built-in ssh SOCKS tunnel configuration.
func DefaultConfig() Config {
	return Config{
		Command:       DefaultCommand(),
		Host:          DefaultHost,
		Port:          DefaultPort,
		ReadyTimeout:  DefaultReadyTimeout,
		DialTimeout:   time.Second,
		RetryBackoff:  DefaultRetryBackoff,
		GraceAttempts: DefaultGraceAttempts,
		GracePoll:     DefaultGracePoll,
	}
}

// withDefaults fills zero timing fields. Command, Host and Port are left
// alone so Validate can report them.
func (c Config) withDefaults() Config {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.GraceAttempts <= 0 {
		c.GraceAttempts = DefaultGraceAttempts
	}
	if c.GracePoll <= 0 {
		c.GracePoll = DefaultGracePoll
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if len(c.Command) == 0 || c.Command[0] == "" {
		return ErrNotConfigured
	}
	if c.Host == "" {
		return fmt.Errorf("%w: empty local host", ErrNotConfigured)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid local port %d", ErrNotConfigured, c.Port)
	}
	return nil
}

// Endpoint returns host:port of the SOCKS listener.
func (c Config) Endpoint() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// OverridePath returns the override file named in the environment, if any.
func OverridePath(getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	if p := getenv(EnvOverride); p != "" {
		return p
	}
	return getenv(EnvLegacyOverride)
}

type overrideFile struct {
	Command        []string `json:"command"`
	LocalHost      *string  `json:"localHost"`
	LocalPort      *int     `json:"localPort"`
	ReadyTimeoutMs *int64   `json:"readyTimeoutMs"`
}

// LoadOverride reads an override JSON document on top of base.
// command must be a non-empty array and localHost/localPort are required.
func LoadOverride(path string, base Config) (Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}
	var of overrideFile
	if err := json.Unmarshal(b, &of); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}
	if len(of.Command) == 0 {
		return Config{}, fmt.Errorf("%w: override config is missing a command array", ErrInvalidOverride)
	}
	if of.LocalHost == nil || of.LocalPort == nil {
		return Config{}, fmt.Errorf("%w: override config must include localHost/localPort", ErrInvalidOverride)
	}
	cfg := base
	cfg.Command = of.Command
	cfg.Host = *of.LocalHost
	cfg.Port = *of.LocalPort
	if of.ReadyTimeoutMs != nil && *of.ReadyTimeoutMs > 0 {
		cfg.ReadyTimeout = time.Duration(*of.ReadyTimeoutMs) * time.Millisecond
	}
	return cfg, nil
}

// Resolve returns base, replaced by the environment's override file when
// one is named.
func Resolve(base Config, getenv func(string) string) (Config, error) {
	if p := OverridePath(getenv); p != "" {
		return LoadOverride(p, base)
	}
	return base, nil
}
