//go:build unix

package sshclient

import (
	"os/exec"
	"syscall"
)

// setProcessGroup makes the child a group leader and replaces the default
// cancel with a kill of the whole group.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
