// Package browser launches the automation browser and talks to it over
// the DevTools protocol.
package browser

import (
	"fmt"
	"runtime"
	"strings"
)

const (
	DefaultDebugPort  = 9222
	DefaultWindowSize = "2560,1440"
	DefaultUserAgent  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

	macBrave = "/Applications/Brave Browser.app/Contents/MacOS/Brave Browser"
)

// DefaultExecutable returns Brave on macOS and chromium elsewhere.
func DefaultExecutable() string {
	if runtime.GOOS == "darwin" {
		return macBrave
	}
	return "chromium"
}

// Config describes one browser launch.
type Config struct {
	Executable string `mapstructure:"executable"`
	DebugPort  int    `mapstructure:"debug_port"`
	ProfileDir string `mapstructure:"-"`
	// Visible runs a persistent visible window; otherwise headless incognito.
	Visible      bool   `mapstructure:"-"`
	WindowSize   string `mapstructure:"window_size"`
	UserAgent    string `mapstructure:"user_agent"`
	ExtensionDir string `mapstructure:"extension_dir"`
	// ProxyServer is a SOCKS URL such as socks5://127.0.0.1:1080.
	ProxyServer string `mapstructure:"-"`
}

// DefaultConfig returns the stock launch settings.
func DefaultConfig() Config {
	return Config{
		Executable: DefaultExecutable(),
		DebugPort:  DefaultDebugPort,
		WindowSize: DefaultWindowSize,
		UserAgent:  DefaultUserAgent,
	}
}

// SOCKSProxy formats a proxy-server value for host and port.
func SOCKSProxy(host string, port int) string {
	return fmt.Sprintf("socks5://%s:%d", host, port)
}

// Args returns the command line flags for cfg, without the executable.
func (c Config) Args() []string {
	port := c.DebugPort
	if port <= 0 {
		port = DefaultDebugPort
	}
	size := strings.TrimSpace(c.WindowSize)
	if size == "" {
		size = DefaultWindowSize
	}
	ua := strings.TrimSpace(c.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--user-data-dir=" + c.ProfileDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-dev-shm-usage",
		"--user-agent=" + ua,
	}
	if c.ProxyServer != "" {
		args = append(args, "--proxy-server="+c.ProxyServer)
	}
	if !c.Visible {
		return append(args, "--incognito", "--headless=new", "--window-size="+size)
	}
	if c.ExtensionDir != "" {
		args = append(args,
			"--disable-extensions-except="+c.ExtensionDir,
			"--load-extension="+c.ExtensionDir,
		)
	}
	return append(args, "--window-size="+size)
}

// Command returns the full argv.
func (c Config) Command() []string {
	exe := c.Executable
	if exe == "" {
		exe = DefaultExecutable()
	}
	return append([]string{exe}, c.Args()...)
}
