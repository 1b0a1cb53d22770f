// Package paths resolves where browsertools keeps its cache files.
//
// Layout:
//
//	<root>/session-heartbeat.json   heartbeat record
//	<root>/ssh-proxy.json           tunnel state
//	<root>/automation-profile/      browser user data dir
//	<root>/watchdog.log             watchdog log (rotated)
//	<root>/metrics/<component>.prom prometheus textfiles
//	<root>/history.db               session history (sqlite)
//
// The root is $BROWSER_TOOLS_CACHE when set, otherwise <user cache dir>/browsertools.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvCacheDir overrides the cache root.
const EnvCacheDir = "BROWSER_TOOLS_CACHE"

// Layout names every well-known file under one cache root.
type Layout struct {
	Root string
}

// Default resolves the layout from the environment.
func Default() Layout {
	return Layout{Root: CacheDir()}
}

// CacheDir returns the cache root.
// Priority: BROWSER_TOOLS_CACHE env > os.UserCacheDir()/browsertools > ./.cache
func CacheDir() string {
	if env := os.Getenv(EnvCacheDir); env != "" {
		return env
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return ".cache"
	}
	return filepath.Join(base, "browsertools")
}

func (l Layout) HeartbeatPath() string   { return filepath.Join(l.Root, "session-heartbeat.json") }
func (l Layout) TunnelStatePath() string { return filepath.Join(l.Root, "ssh-proxy.json") }
func (l Layout) ProfileDir() string      { return filepath.Join(l.Root, "automation-profile") }
func (l Layout) WatchdogLogPath() string { return filepath.Join(l.Root, "watchdog.log") }
func (l Layout) HistoryDBPath() string   { return filepath.Join(l.Root, "history.db") }
func (l Layout) MetricsDir() string      { return filepath.Join(l.Root, "metrics") }

// MetricsPath returns the textfile for one component (e.g. "watchdog").
func (l Layout) MetricsPath(component string) string {
	return filepath.Join(l.MetricsDir(), component+".prom")
}

// Ensure creates the cache root if it doesn't exist.
func (l Layout) Ensure() error {
	if err := os.MkdirAll(l.Root, 0o750); err != nil {
		return fmt.Errorf("create cache dir %s: %w", l.Root, err)
	}
	return nil
}
