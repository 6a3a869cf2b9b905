//go:build unix

package bash

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup makes cancellation kill the whole pipeline, not
// only the shell.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
