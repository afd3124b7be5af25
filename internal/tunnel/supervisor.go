// Package tunnel supervises the SSH reverse tunnel that keeps the hub
// reachable from a remote machine.
//
// The supervisor owns at most one ssh process. Its status is derived from the
// process's stderr: ssh runs with -v, and the debug lines tell us when the
// remote forward is established or why it failed.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/treykane/approval-relay/internal/events"
	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/sshclient"
	"github.com/treykane/approval-relay/internal/util"
)

const source = "tunnel"

var (
	ErrNotConfigured  = errors.New("tunnel not configured")
	ErrDisabled       = errors.New("tunnel disabled in configuration")
	ErrAlreadyRunning = errors.New("tunnel already running")
)

var (
	successMarkers = []string{"remote forward success", "forwarding_success"}
	fatalMarkers   = []string{
		"Connection refused",
		"Permission denied",
		"Could not request local forwarding",
		"remote port forwarding failed",
	}
)

// TunnelStarter abstracts ssh process creation for testing.
type TunnelStarter interface {
	StartReverseTunnel(ctx context.Context, cfg model.TunnelConfig, localPort int) (*sshclient.TunnelProcess, error)
}

// Supervisor starts, stops and watches the reverse tunnel.
type Supervisor struct {
	mu        sync.Mutex
	starter   TunnelStarter
	bus       *events.Bus
	metrics   *Collector
	cfg       *model.TunnelConfig
	localPort int
	status    model.TunnelStatus

	// gen identifies the current process; callbacks from an older one are ignored.
	gen       uint64
	proc      *sshclient.TunnelProcess
	cancel    context.CancelFunc
	done      chan struct{}
	timer     *time.Timer
	startedAt time.Time

	startupTimeout time.Duration
	settleDelay    time.Duration
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithTimings overrides the startup watchdog and the restart settle delay.
func WithTimings(startup, settle time.Duration) Option {
	return func(s *Supervisor) {
		s.startupTimeout = startup
		s.settleDelay = settle
	}
}

// WithMetrics attaches a prometheus collector.
func WithMetrics(c *Collector) Option {
	return func(s *Supervisor) { s.metrics = c }
}

// NewSupervisor creates a stopped supervisor. cfg may be nil, in which case
// Start fails until UpdateConfig provides one.
func NewSupervisor(starter TunnelStarter, cfg *model.TunnelConfig, localPort int, bus *events.Bus, opts ...Option) *Supervisor {
	s := &Supervisor{
		starter:        starter,
		bus:            bus,
		localPort:      localPort,
		status:         model.TunnelStatus{State: model.TunnelStopped},
		startupTimeout: util.TunnelStartupTimeout,
		settleDelay:    util.TunnelSettleDelay,
	}
	if cfg != nil {
		c := *cfg
		s.cfg = &c
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.setState(s.status.State)
	return s
}

// Start spawns the ssh process and returns once it is running as a process;
// the tunnel itself is Starting until ssh confirms the forward.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.cfg == nil {
		s.mu.Unlock()
		return ErrNotConfigured
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if s.status.State == model.TunnelRunning {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	leftover := s.proc != nil
	s.mu.Unlock()

	// A process still hanging around from a Starting or Error state is replaced.
	if leftover {
		s.Stop()
	}

	s.mu.Lock()
	if s.cfg == nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrNotConfigured
	}
	cfg := *s.cfg
	port := s.localPort
	s.gen++
	gen := s.gen
	s.setStatusLocked(model.TunnelStatus{State: model.TunnelStarting})
	s.mu.Unlock()
	s.publish(model.TunnelStatus{State: model.TunnelStarting}, events.SeverityInfo)

	slog.Info("starting ssh tunnel", "command", sshclient.CommandString(cfg, port))
	ctx, cancel := context.WithCancel(context.Background())
	proc, err := s.starter.StartReverseTunnel(ctx, cfg, port)
	if err != nil {
		cancel()
		st := model.TunnelStatus{State: model.TunnelError, Reason: err.Error()}
		s.mu.Lock()
		if s.gen == gen {
			s.setStatusLocked(st)
		}
		s.mu.Unlock()
		s.metrics.failure("spawn")
		s.publish(st, events.SeverityError)
		return fmt.Errorf("start ssh tunnel: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		// Stopped while spawning.
		s.mu.Unlock()
		cancel()
		go drain(proc)
		return fmt.Errorf("start ssh tunnel: stopped during startup")
	}
	done := make(chan struct{})
	s.proc = proc
	s.cancel = cancel
	s.done = done
	s.startedAt = time.Now()
	s.timer = time.AfterFunc(s.startupTimeout, func() { s.startupExpired(gen) })
	s.mu.Unlock()
	s.metrics.started()

	go s.watch(gen, proc, done, cfg.VerboseLevel)
	return nil
}

// Stop marks the tunnel Stopped, then kills the process and waits for it.
// Setting the state first is what lets the stderr reader tell an intentional
// stop from a crash. Calling Stop when nothing runs is a no-op.
//
// The stderr pipe is closed after the kill: a helper ssh spawned (a
// ProxyCommand, say) may still hold the write end, and Stop waits for ssh
// only.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	wasStopped := s.status.State == model.TunnelStopped && s.proc == nil
	s.setStatusLocked(model.TunnelStatus{State: model.TunnelStopped})
	s.gen++
	proc, cancel, done := s.proc, s.cancel, s.done
	s.proc, s.cancel, s.done = nil, nil, nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.startedAt = time.Time{}
	s.mu.Unlock()

	if cancel != nil {
		slog.Info("stopping ssh tunnel")
		cancel()
		if proc != nil && proc.Stderr != nil {
			_ = proc.Stderr.Close()
		}
		<-done
	}
	if !wasStopped {
		s.publish(model.TunnelStatus{State: model.TunnelStopped}, events.SeverityInfo)
	}
}

// Restart stops, waits for the settle delay, then starts again.
func (s *Supervisor) Restart() error {
	s.Stop()
	time.Sleep(s.settleDelay)
	return s.Start()
}

// UpdateConfig replaces the tunnel configuration. It takes effect on the
// next Start.
func (s *Supervisor) UpdateConfig(cfg model.TunnelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = &cfg
}

// UpdatePort changes the local port forwarded to. It takes effect on the
// next Start.
func (s *Supervisor) UpdatePort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localPort = port
}

// CommandString returns the command a user could run by hand, or false when
// no enabled configuration exists.
func (s *Supervisor) CommandString() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil || !s.cfg.Enabled {
		return "", false
	}
	return sshclient.CommandString(*s.cfg, s.localPort), true
}

func (s *Supervisor) Status() model.TunnelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsRunning reports whether an ssh process is currently owned.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Config returns a copy of the current configuration, if any.
func (s *Supervisor) Config() (model.TunnelConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return model.TunnelConfig{}, false
	}
	return *s.cfg, true
}

// Snapshot returns the runtime view shown by the dashboard and CLI.
func (s *Supervisor) Snapshot() model.TunnelRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := model.TunnelRuntime{
		Status:    s.status,
		PID:       s.proc.PID(),
		LocalPort: s.localPort,
		StartedAt: s.startedAt,
	}
	if s.cfg != nil {
		rt.RemotePort = s.cfg.EffectiveRemotePort(s.localPort)
		if s.cfg.Enabled {
			rt.Command = sshclient.CommandString(*s.cfg, s.localPort)
		}
	}
	if !s.startedAt.IsZero() {
		rt.UptimeSec = int64(time.Since(s.startedAt).Seconds())
	}
	return rt
}

// watch reads stderr line by line until EOF, then reaps the process. Wait is
// only called after the pipe is drained, as exec requires.
func (s *Supervisor) watch(gen uint64, proc *sshclient.TunnelProcess, done chan struct{}, verbose int) {
	defer close(done)
	sc := bufio.NewScanner(proc.Stderr)
	for sc.Scan() {
		line := sc.Text()
		if verbose > 0 {
			s.bus.Log(source, events.SeverityDebug, "[ssh] "+line)
		}
		s.handleLine(gen, line)
	}
	err := proc.Cmd.Wait()
	s.exited(gen, err)
}

func (s *Supervisor) handleLine(gen uint64, line string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	var st model.TunnelStatus
	var sev events.Severity
	switch {
	case containsAny(line, successMarkers) && s.status.State != model.TunnelRunning:
		st = model.TunnelStatus{State: model.TunnelRunning}
		sev = events.SeverityInfo
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	case containsAny(line, fatalMarkers) && s.status.State == model.TunnelStarting:
		st = model.TunnelStatus{State: model.TunnelError, Reason: strings.TrimSpace(line)}
		sev = events.SeverityError
	default:
		s.mu.Unlock()
		return
	}
	s.setStatusLocked(st)
	s.mu.Unlock()

	if st.State == model.TunnelRunning {
		slog.Info("ssh tunnel established")
	} else {
		s.metrics.failure("forward")
		slog.Error("ssh tunnel failed", "line", line)
	}
	s.publish(st, sev)
}

func (s *Supervisor) exited(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.proc, s.cancel, s.done = nil, nil, nil
	s.startedAt = time.Time{}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.status.State == model.TunnelStopped || s.status.State == model.TunnelError {
		s.mu.Unlock()
		slog.Debug("ssh process exited", "error", err)
		return
	}
	st := model.TunnelStatus{State: model.TunnelError, Reason: "ssh connection lost"}
	s.setStatusLocked(st)
	s.mu.Unlock()

	s.metrics.failure("lost")
	slog.Error("ssh tunnel exited unexpectedly", "error", err)
	s.publish(st, events.SeverityError)
}

func (s *Supervisor) startupExpired(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.status.State != model.TunnelStarting {
		s.mu.Unlock()
		return
	}
	st := model.TunnelStatus{State: model.TunnelError, Reason: "startup timeout"}
	s.setStatusLocked(st)
	s.timer = nil
	s.mu.Unlock()

	s.metrics.failure("timeout")
	slog.Error("ssh tunnel startup timed out", "after", s.startupTimeout)
	s.publish(st, events.SeverityError)
}

func (s *Supervisor) setStatusLocked(st model.TunnelStatus) {
	s.status = st
	s.metrics.setState(st.State)
}

func (s *Supervisor) publish(st model.TunnelStatus, sev events.Severity) {
	s.bus.Status(source, string(st.State), st.Reason, sev)
}

// drain reaps a process that lost the race with Stop.
func drain(proc *sshclient.TunnelProcess) {
	sc := bufio.NewScanner(proc.Stderr)
	for sc.Scan() {
	}
	_ = proc.Cmd.Wait()
}

func containsAny(line string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}
