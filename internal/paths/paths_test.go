package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCacheDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvCacheDir, dir)
	if got := CacheDir(); got != dir {
		t.Fatalf("CacheDir() = %q, want %q", got, dir)
	}
	l := Default()
	if l.HeartbeatPath() != filepath.Join(dir, "session-heartbeat.json") {
		t.Fatalf("unexpected heartbeat path %q", l.HeartbeatPath())
	}
	if l.TunnelStatePath() != filepath.Join(dir, "ssh-proxy.json") {
		t.Fatalf("unexpected tunnel path %q", l.TunnelStatePath())
	}
	if l.MetricsPath("watchdog") != filepath.Join(dir, "metrics", "watchdog.prom") {
		t.Fatalf("unexpected metrics path %q", l.MetricsPath("watchdog"))
	}
}

func TestCacheDirDefault(t *testing.T) {
	t.Setenv(EnvCacheDir, "")
	got := CacheDir()
	if got == "" {
		t.Fatal("CacheDir() returned empty path")
	}
	if filepath.Base(got) != "browsertools" && got != ".cache" {
		t.Fatalf("unexpected default cache dir %q", got)
	}
}

func TestEnsureCreatesRoot(t *testing.T) {
	l := Layout{Root: filepath.Join(t.TempDir(), "a", "b")}
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if fi, err := os.Stat(l.Root); err != nil || !fi.IsDir() {
		t.Fatalf("root not created: %v", err)
	}
}
