//go:build windows

package supervisor

import (
	"os/exec"
	"time"
)

// configureProcAttr is a no-op on Windows (Setpgid not supported).
func configureProcAttr(_ *exec.Cmd) {}

// terminate on Windows falls back to Process.Kill().
func terminate(h *handle, _ time.Duration) error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil {
		return err
	}
	<-h.done
	return nil
}
