// Package sshclient launches the system ssh binary for the relay's reverse
// tunnel.
//
// It does not implement SSH. Shelling out to "ssh" means the user's agent,
// known_hosts and ~/.ssh/config apply without any extra work here. Arguments
// are passed as argv, never through a shell, so host names and key paths with
// metacharacters cannot inject commands.
package sshclient

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/treykane/approval-relay/internal/model"
)

// TunnelProcess is a running ssh process. The caller owns its lifecycle: it
// must drain Stderr and eventually call Cmd.Wait.
type TunnelProcess struct {
	Cmd    *exec.Cmd
	Stderr io.ReadCloser
}

// PID returns the process id, or 0 if the process never started.
func (p *TunnelProcess) PID() int {
	if p == nil || p.Cmd == nil || p.Cmd.Process == nil {
		return 0
	}
	return p.Cmd.Process.Pid
}

// Client is stateless; each call creates an independent exec.Cmd.
type Client struct{}

func New() *Client { return &Client{} }

// EnsureSSHBinary checks that "ssh" is on PATH.
func EnsureSSHBinary() error {
	_, err := exec.LookPath("ssh")
	if err != nil {
		return fmt.Errorf("ssh binary not found in PATH")
	}
	return nil
}

// StartReverseTunnel starts ssh in the background, forwarding the remote
// port back to localPort on this machine. Cancelling ctx kills the process.
//
// Stdout and stdin are left nil, which exec connects to the null device:
// with -N there is no remote command and nothing is read. -v is always passed because the supervisor
// derives tunnel status from the debug lines on stderr.
func (c *Client) StartReverseTunnel(ctx context.Context, cfg model.TunnelConfig, localPort int) (*TunnelProcess, error) {
	return start(ctx, "ssh", BuildReverseTunnelArgs(cfg, localPort)...)
}

// waitDelay bounds how long Wait lingers on I/O after the process is killed.
const waitDelay = 2 * time.Second

// start runs name in its own process group so cancelling ctx also kills
// helpers it spawned, such as a ProxyCommand.
func start(ctx context.Context, name string, args ...string) (*TunnelProcess, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &TunnelProcess{Cmd: cmd, Stderr: stderr}, nil
}

// BuildReverseTunnelArgs returns the ssh argv (without "ssh") for cfg.
//
// Example: ["-R", "9000:localhost:9000", "-N", "-T", "-o", "ServerAliveInterval=60",
// "-o", "ServerAliveCountMax=3", "-o", "ExitOnForwardFailure=yes", "-v", "me@box"]
func BuildReverseTunnelArgs(cfg model.TunnelConfig, localPort int) []string {
	args := []string{"-R", forwardSpec(cfg, localPort)}
	if cfg.SSHPort > 0 {
		args = append(args, "-p", strconv.Itoa(cfg.SSHPort))
	}
	if cfg.KeyPath != "" {
		args = append(args, "-i", cfg.KeyPath)
	}
	args = append(args,
		"-N",
		"-T",
		"-o", "ServerAliveInterval=60",
		"-o", "ServerAliveCountMax=3",
		"-o", "ExitOnForwardFailure=yes",
		"-v",
		cfg.Destination(),
	)
	return args
}

// CommandString renders the short form of the tunnel command a user can
// paste into a shell: ssh -R r:localhost:l [-i key] user@host.
func CommandString(cfg model.TunnelConfig, localPort int) string {
	argv := []string{"ssh", "-R", forwardSpec(cfg, localPort)}
	if cfg.SSHPort > 0 {
		argv = append(argv, "-p", strconv.Itoa(cfg.SSHPort))
	}
	if cfg.KeyPath != "" {
		argv = append(argv, "-i", cfg.KeyPath)
	}
	argv = append(argv, cfg.Destination())
	return shellquote.Join(argv...)
}

func forwardSpec(cfg model.TunnelConfig, localPort int) string {
	return fmt.Sprintf("%d:localhost:%d", cfg.EffectiveRemotePort(localPort), localPort)
}
