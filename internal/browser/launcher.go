package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/loykin/browsertools/internal/detector"
	"github.com/loykin/browsertools/internal/process"
)

// Termination grace for profile processes.
const (
	DefaultGraceAttempts = 10
	DefaultGracePoll     = 100 * time.Millisecond
)

// Finder lists pids belonging to a browser profile.
// detector.ProfileDetector is the production implementation.
type Finder interface {
	PIDs(ctx context.Context) ([]int, error)
}

// Launcher starts browsers and terminates the processes of a profile.
type Launcher struct {
	spawner   process.Spawner
	signaller process.Signaller
	finder    func(profileDir string) Finder
	log       *slog.Logger
	// grace is how many liveness polls, poll apart, survivors of SIGTERM
	// get before SIGKILL.
	grace int
	poll  time.Duration
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

func WithSpawner(sp process.Spawner) LauncherOption { return func(l *Launcher) { l.spawner = sp } }
func WithSignaller(sg process.Signaller) LauncherOption { return func(l *Launcher) { l.signaller = sg } }
func WithLogger(lg *slog.Logger) LauncherOption { return func(l *Launcher) { l.log = lg } }

// WithGrace sets the polls allowed after SIGTERM before escalating.
func WithGrace(attempts int, poll time.Duration) LauncherOption {
	return func(l *Launcher) {
		if attempts > 0 {
			l.grace = attempts
		}
		if poll > 0 {
			l.poll = poll
		}
	}
}

// WithFinder replaces the process-table scan used to find profile processes.
func WithFinder(fn func(profileDir string) Finder) LauncherOption {
	return func(l *Launcher) { l.finder = fn }
}

func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		spawner:   process.OSSpawner{},
		signaller: process.OSSignaller{},
		finder: func(dir string) Finder {
			return detector.ProfileDetector{UserDataDir: dir}
		},
		log:   slog.Default(),
		grace: DefaultGraceAttempts,
		poll:  DefaultGracePoll,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Launch starts the browser detached with its output discarded and
// returns its pid. The handle is released.
func (l *Launcher) Launch(cfg Config) (int, error) {
	if cfg.ProfileDir == "" {
		return 0, errors.New("browser: profile dir is required")
	}
	h, err := l.spawner.Spawn(process.Spec{
		Name:     "browser",
		Args:     cfg.Command(),
		Detached: true,
	})
	if err != nil {
		return 0, fmt.Errorf("launch browser: %w", err)
	}
	pid := h.PID()
	_ = h.Release()
	l.log.Debug("browser launched", "pid", pid, "port", cfg.DebugPort, "visible", cfg.Visible)
	return pid, nil
}

// TerminateProfile sends SIGTERM to every process started with profileDir
// as its user data dir, polls until they exit and SIGKILLs whatever is left
// once the grace runs out. It returns how many were signalled. Processes
// that are already gone are skipped silently.
func (l *Launcher) TerminateProfile(ctx context.Context, profileDir string) (int, error) {
	pids, err := l.finder(profileDir).PIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("inspect browser processes: %w", err)
	}
	var errs []error
	var signalled []int
	for _, pid := range pids {
		if pid == os.Getpid() {
			continue
		}
		if err := l.signaller.Signal(pid, syscall.SIGTERM); err != nil {
			if process.IsGone(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("terminate browser process %d: %w", pid, err))
			continue
		}
		signalled = append(signalled, pid)
	}

	survivors := l.alive(signalled)
	for i := 0; i < l.grace && len(survivors) > 0; i++ {
		if err := process.Sleep(ctx, l.poll); err != nil {
			break
		}
		survivors = l.alive(survivors)
	}
	for _, pid := range l.alive(survivors) {
		l.log.Debug("browser process ignored SIGTERM; killing", "pid", pid)
		if err := l.signaller.Signal(pid, syscall.SIGKILL); err != nil && !process.IsGone(err) {
			errs = append(errs, fmt.Errorf("kill browser process %d: %w", pid, err))
		}
	}
	return len(signalled), errors.Join(errs...)
}

func (l *Launcher) alive(pids []int) []int {
	var out []int
	for _, pid := range pids {
		if l.signaller.Alive(pid) {
			out = append(out, pid)
		}
	}
	return out
}
