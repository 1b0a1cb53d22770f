package process

import (
	"errors"
	"io"
	"os/exec"
	"strings"
)

// ErrEmptyCommand is returned when a Spec has no program to run.
var ErrEmptyCommand = errors.New("process: empty command")

// Spec describes a child process to launch.
type Spec struct {
	Name     string    // label used in logs
	Args     []string  // argv; Args[0] is the program
	Env      []string  // full environment; nil inherits the parent's
	Dir      string    // optional working dir
	Detached bool      // new session, survives the parent
	Stdin    io.Reader // nil reads from the null device
	Stdout   io.Writer // nil discards
	Stderr   io.Writer // nil discards
}

// BuildCommand constructs an *exec.Cmd for the spec's argv.
func (s Spec) BuildCommand() (*exec.Cmd, error) {
	if len(s.Args) == 0 || strings.TrimSpace(s.Args[0]) == "" {
		return nil, ErrEmptyCommand
	}
	// #nosec G204
	cmd := exec.Command(s.Args[0], s.Args[1:]...)
	cmd.Dir = s.Dir
	if s.Env != nil {
		cmd.Env = s.Env
	}
	cmd.Stdin = s.Stdin
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	configureSysProcAttr(cmd, s)
	return cmd, nil
}

// SplitCommand turns a single command line into argv. It avoids invoking a
// shell when not necessary, and it also respects an explicit shell
// invocation already present in the string (e.g., "sh -c 'echo hi'"),
// avoiding double-wrapping with another shell.
func SplitCommand(line string) []string {
	cmdStr := strings.TrimSpace(line)
	if cmdStr == "" {
		return nil
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return []string{"/bin/sh", "-c", afterC}
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return []string{"/bin/sh", "-c", cmdStr}
	}
	return strings.Fields(cmdStr)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// strip one pair of outer quotes so the shell parses the script
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
