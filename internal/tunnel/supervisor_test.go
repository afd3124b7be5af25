// Package tunnel tests drive the Supervisor with a fakeStarter that runs a
// small shell script in place of ssh. The script writes the same debug lines
// ssh -v would, so status detection is exercised without a network.
package tunnel

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/treykane/approval-relay/internal/events"
	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/sshclient"
)

// fakeStarter runs script under /bin/sh. When ctxs is set it receives the
// context each process was started with.
type fakeStarter struct {
	script string
	fail   bool
	ctxs   chan context.Context
}

func (f fakeStarter) StartReverseTunnel(ctx context.Context, cfg model.TunnelConfig, localPort int) (*sshclient.TunnelProcess, error) {
	if f.fail {
		return nil, exec.ErrNotFound
	}
	if f.ctxs != nil {
		f.ctxs <- ctx
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", f.script)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &sshclient.TunnelProcess{Cmd: cmd, Stderr: stderr}, nil
}

func enabledConfig() *model.TunnelConfig {
	return &model.TunnelConfig{Enabled: true, RemoteHost: "box", RemoteUser: "me"}
}

func waitForState(t *testing.T, s *Supervisor, want model.TunnelState) model.TunnelStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := s.Status()
		if st.State == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %s, still %s", want, st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSupervisorStartRunningStop(t *testing.T) {
	bus := events.NewBus(50, nil)
	s := NewSupervisor(fakeStarter{script: "echo 'debug1: remote forward success for: listen 9000' >&2; exec sleep 30"},
		enabledConfig(), 9000, bus)

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	waitForState(t, s, model.TunnelRunning)
	if !s.IsRunning() {
		t.Fatal("expected a live process")
	}
	if snap := s.Snapshot(); snap.PID <= 0 || snap.RemotePort != 9000 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if err := s.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	s.Stop()
	if st := s.Status(); st.State != model.TunnelStopped {
		t.Fatalf("stop must not look like a crash, got %s", st)
	}
	if s.IsRunning() {
		t.Fatal("process should be gone after Stop")
	}
	s.Stop()

	var states []string
	for _, e := range bus.Recent(0) {
		states = append(states, e.State)
	}
	if got := strings.Join(states, ","); got != "starting,running,stopped" {
		t.Fatalf("unexpected transitions %s", got)
	}
}

func TestSupervisorStopDoesNotWaitForChildren(t *testing.T) {
	// Without exec the shell forks sleep, which keeps stderr open after the
	// shell itself is killed.
	s := NewSupervisor(fakeStarter{script: "echo 'forwarding_success' >&2; sleep 5; true"},
		enabledConfig(), 9000, nil)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	waitForState(t, s, model.TunnelRunning)

	start := time.Now()
	s.Stop()
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("Stop blocked for %s on a child holding stderr", took)
	}
	if st := s.Status(); st.State != model.TunnelStopped {
		t.Fatalf("expected stopped, got %s", st)
	}
	if s.IsRunning() {
		t.Fatal("process should be gone after Stop")
	}
}

func TestSupervisorFatalMarker(t *testing.T) {
	s := NewSupervisor(fakeStarter{script: "echo 'me@box: Permission denied (publickey).' >&2; exit 255"},
		enabledConfig(), 9000, nil)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	st := waitForState(t, s, model.TunnelError)
	if !strings.Contains(st.Reason, "Permission denied") {
		t.Fatalf("reason should be the ssh line, got %q", st.Reason)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.Status().Reason; !strings.Contains(got, "Permission denied") {
		t.Fatalf("exit after a fatal marker must keep the original reason, got %q", got)
	}
}

func TestSupervisorStartupTimeout(t *testing.T) {
	s := NewSupervisor(fakeStarter{script: "exec sleep 30"}, enabledConfig(), 9000, nil,
		WithTimings(50*time.Millisecond, 0))
	defer s.Stop()
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	st := waitForState(t, s, model.TunnelError)
	if st.Reason != "startup timeout" {
		t.Fatalf("expected startup timeout, got %q", st.Reason)
	}
}

func TestSupervisorConnectionLost(t *testing.T) {
	ctxs := make(chan context.Context, 1)
	s := NewSupervisor(fakeStarter{script: "echo 'forwarding_success' >&2; sleep 0.2", ctxs: ctxs}, enabledConfig(), 9000, nil)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	procCtx := <-ctxs
	waitForState(t, s, model.TunnelRunning)
	st := waitForState(t, s, model.TunnelError)
	if st.Reason != "ssh connection lost" {
		t.Fatalf("expected connection lost, got %q", st.Reason)
	}
	if procCtx.Err() == nil {
		t.Fatal("the process context should be released once ssh exits")
	}
}

func TestSupervisorSpawnFailure(t *testing.T) {
	s := NewSupervisor(fakeStarter{fail: true}, enabledConfig(), 9000, nil)
	if err := s.Start(); err == nil {
		t.Fatal("expected start error")
	}
	if st := s.Status(); st.State != model.TunnelError {
		t.Fatalf("expected error state, got %s", st)
	}
}

func TestSupervisorRequiresEnabledConfig(t *testing.T) {
	s := NewSupervisor(fakeStarter{}, nil, 9000, nil)
	if err := s.Start(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, ok := s.CommandString(); ok {
		t.Fatal("no command without configuration")
	}

	s.UpdateConfig(model.TunnelConfig{RemoteHost: "box", RemoteUser: "me"})
	if err := s.Start(); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}

	s.UpdateConfig(model.TunnelConfig{Enabled: true, RemoteHost: "box", RemoteUser: "me", RemotePort: 19000})
	s.UpdatePort(9100)
	cmd, ok := s.CommandString()
	if !ok || cmd != "ssh -R 19000:localhost:9100 me@box" {
		t.Fatalf("unexpected command %q", cmd)
	}
}

func TestSupervisorRestart(t *testing.T) {
	s := NewSupervisor(fakeStarter{script: "echo 'remote forward success' >&2; exec sleep 30"}, enabledConfig(), 9000, nil,
		WithTimings(time.Second, 10*time.Millisecond))
	defer s.Stop()
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	waitForState(t, s, model.TunnelRunning)
	first := s.Snapshot().PID
	if err := s.Restart(); err != nil {
		t.Fatal(err)
	}
	waitForState(t, s, model.TunnelRunning)
	if pid := s.Snapshot().PID; pid == first || pid <= 0 {
		t.Fatalf("restart should spawn a new process, pid %d -> %d", first, pid)
	}
}
