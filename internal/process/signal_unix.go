//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// killProcess delivers signal to pid. Signal 0 only probes for existence;
// EPERM then means the process exists under another user.
func killProcess(pid int, signal syscall.Signal) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	err := syscall.Kill(pid, signal)
	if signal == 0 && errors.Is(err, syscall.EPERM) {
		return nil
	}
	return err
}
