//go:build !unix

package sshclient

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
