//go:build windows

package process

import (
	"os"
	"syscall"
)

// killProcess terminates a Windows process by PID. Windows has no graceful
// signal for detached processes, so every signal except 0 terminates.
func killProcess(pid int, signal syscall.Signal) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return syscall.ESRCH
	}
	defer func() { _ = p.Release() }()
	if signal == 0 {
		return nil
	}
	return p.Kill()
}
