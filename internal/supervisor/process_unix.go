//go:build !windows

package supervisor

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// configureProcAttr puts the runtime in its own process group so that
// anything it spawns is signaled with it.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends SIGTERM to the handle's process group, waits for grace,
// then sends SIGKILL if the process hasn't exited.
func terminate(h *handle, grace time.Duration) error {
	if h.cmd.Process == nil {
		return nil
	}

	pid := h.cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		// Already reaped.
		return nil
	}

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("sigterm pgid %d: %w", pgid, err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-h.done
		return nil
	}
}
