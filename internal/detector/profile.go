package detector

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ProfileDetector finds browser processes launched with a given
// --user-data-dir. Executable, when set, further restricts matches to
// command lines that mention it (e.g. "Brave Browser").
type ProfileDetector struct {
	UserDataDir string
	Executable  string
}

// PIDs lists matching processes, excluding the current one.
func (d ProfileDetector) PIDs(ctx context.Context) ([]int, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	var out []int
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			// process vanished or is not ours to inspect
			continue
		}
		if d.Matches(args) {
			out = append(out, int(p.Pid))
		}
	}
	return out, nil
}

// Matches reports whether a command line belongs to this profile.
func (d ProfileDetector) Matches(args []string) bool {
	if d.UserDataDir == "" {
		return false
	}
	want := filepath.Clean(d.UserDataDir)
	found := false
	for i, a := range args {
		if v, ok := strings.CutPrefix(a, "--user-data-dir="); ok && filepath.Clean(v) == want {
			found = true
			break
		}
		if a == "--user-data-dir" && i+1 < len(args) && filepath.Clean(args[i+1]) == want {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if d.Executable == "" {
		return true
	}
	return strings.Contains(strings.Join(args, " "), d.Executable)
}

func (d ProfileDetector) Alive() (bool, error) {
	pids, err := d.PIDs(context.Background())
	if err != nil {
		return false, err
	}
	return len(pids) > 0, nil
}

func (d ProfileDetector) Describe() string { return "profile:" + d.UserDataDir }
