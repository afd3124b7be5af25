// Package app wires the hub, the client manager and the tunnel supervisor
// into one relay process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/client"
	"github.com/treykane/approval-relay/internal/events"
	"github.com/treykane/approval-relay/internal/executor"
	"github.com/treykane/approval-relay/internal/history"
	"github.com/treykane/approval-relay/internal/hub"
	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/sshclient"
	"github.com/treykane/approval-relay/internal/targets"
	"github.com/treykane/approval-relay/internal/tunnel"
	"golang.org/x/sync/errgroup"
)

// Options adjust how a Relay is built. Zero values use the configuration.
type Options struct {
	// Port overrides hub.port.
	Port int
	// NoTunnel skips tunnel auto_start.
	NoTunnel bool
	// Listener serves the hub instead of listening on the configured address.
	Listener net.Listener

	Executor executor.Executor
	Starter  tunnel.TunnelStarter
	Bus      *events.Bus
}

// Relay is the composition root: one hub, one client manager and one
// tunnel supervisor sharing an event bus.
type Relay struct {
	cfg  appconfig.Config
	opts Options

	Bus     *events.Bus
	Hub     *hub.Hub
	Clients *client.Manager
	Tunnel  *tunnel.Supervisor
}

// New builds a relay from cfg. Nothing runs until Run.
func New(cfg appconfig.Config, opts Options) (*Relay, error) {
	if opts.Port > 0 {
		cfg.Hub.Port = opts.Port
	}
	exec := opts.Executor
	if exec == nil {
		cmd, err := executor.New(cfg.Executor)
		if err != nil {
			return nil, err
		}
		exec = cmd
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(500, events.NewStore())
	}
	starter := opts.Starter
	if starter == nil {
		starter = sshclient.New()
	}

	r := &Relay{cfg: cfg, opts: opts, Bus: bus}
	r.Hub = hub.New(hub.Config{
		Listen:         cfg.Hub.Listen,
		Port:           cfg.Hub.Port,
		APIKey:         cfg.Hub.APIKey,
		PingInterval:   cfg.Hub.PingInterval(),
		PongTimeout:    cfg.Hub.PongTimeout(),
		AuthTimeout:    cfg.Hub.AuthTimeout(),
		RequestTimeout: cfg.Hub.RequestTimeout(),
		FallbackLocal:  cfg.Hub.FallbackLocal,
	}, exec, bus)

	r.Clients = client.NewManager(client.Config{
		ClientID:          cfg.ClientID(),
		HeartbeatInterval: cfg.Client.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.Client.HeartbeatTimeout(),
		BackoffMin:        cfg.Client.BackoffInitial(),
		BackoffMax:        cfg.Client.BackoffMax(),
		RequestTimeout:    cfg.Hub.RequestTimeout(),
		OnConnected:       recordConnection,
	}, exec, bus)

	tm := tunnel.NewMetricsCollector()
	if err := r.Hub.Registry().Register(tm); err != nil {
		return nil, fmt.Errorf("register tunnel metrics: %w", err)
	}
	tcfg := cfg.Tunnel
	r.Tunnel = tunnel.NewSupervisor(starter, &tcfg, cfg.Hub.Port, bus, tunnel.WithMetrics(tm))

	r.registerRoutes()
	return r, nil
}

func recordConnection(t model.TargetConfig) {
	if err := history.Touch(t.ID); err != nil {
		slog.Debug("record connection history failed", "target", t.ID, "error", err)
	}
}

// Config returns the effective configuration.
func (r *Relay) Config() appconfig.Config { return r.cfg }

// LoadTargets registers every stored target with the client manager.
func (r *Relay) LoadTargets() error {
	list, err := targets.LoadAll()
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range list {
		if err := r.Clients.AddTarget(t); err != nil && !errors.Is(err, client.ErrDuplicateTarget) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AddTarget stores t and registers it. The stored form, with any generated
// id, is returned.
func (r *Relay) AddTarget(t model.TargetConfig) (model.TargetConfig, error) {
	saved, err := targets.Add(t)
	if err != nil {
		return model.TargetConfig{}, err
	}
	if err := r.Clients.AddTarget(saved); err != nil {
		return saved, err
	}
	return saved, nil
}

// RemoveTarget disconnects, unregisters and deletes a stored target.
func (r *Relay) RemoveTarget(id string) error {
	if err := r.Clients.RemoveTarget(id); err != nil && !errors.Is(err, client.ErrUnknownTarget) {
		return err
	}
	if err := targets.Remove(id); err != nil {
		return err
	}
	if err := history.Forget(id); err != nil {
		slog.Debug("forget connection history failed", "target", id, "error", err)
	}
	return nil
}

// Run serves the hub, auto-starts the tunnel and auto-connects targets,
// then blocks until ctx ends or the hub fails. Everything is stopped before
// it returns.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.LoadTargets(); err != nil {
		slog.Warn("some targets could not be loaded", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if r.opts.Listener != nil {
			r.Tunnel.UpdatePort(listenerPort(r.opts.Listener, r.cfg.Hub.Port))
			return r.Hub.Serve(gctx, r.opts.Listener)
		}
		return r.Hub.ListenAndServe(gctx)
	})

	if r.cfg.Tunnel.Enabled && r.cfg.Tunnel.AutoStart && !r.opts.NoTunnel {
		g.Go(func() error {
			if err := r.Tunnel.Start(); err != nil {
				slog.Warn("tunnel auto start failed", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := r.Clients.AutoConnect(gctx); err != nil {
			slog.Warn("auto connect incomplete", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		r.Tunnel.Stop()
		r.Clients.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func listenerPort(ln net.Listener, fallback int) int {
	_, p, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return fallback
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return fallback
	}
	return port
}
