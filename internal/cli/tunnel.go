package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/treykane/approval-relay/internal/app"
	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/sshclient"
	"github.com/treykane/approval-relay/internal/tunnel"
)

func newTunnelCmd() *cobra.Command {
	root := &cobra.Command{Use: "tunnel", Short: "Manage the SSH reverse tunnel"}

	var port int
	up := &cobra.Command{
		Use:   "up",
		Short: "Run the reverse tunnel in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Hub.Port = port
			}
			if err := tunnelReady(cfg.Tunnel); err != nil {
				return err
			}
			if err := sshclient.EnsureSSHBinary(); err != nil {
				return err
			}
			bus, closeLog := startLogging(cfg, false)
			defer closeLog()

			sup := tunnel.NewSupervisor(sshclient.New(), &cfg.Tunnel, cfg.Hub.Port, bus)
			ch, unsubscribe := bus.Subscribe(32)
			defer unsubscribe()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "starting: %s\n", sshclient.CommandString(cfg.Tunnel, cfg.Hub.Port))
			if err := sup.Start(); err != nil {
				return err
			}
			defer sup.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					fmt.Fprintln(out, "stopping tunnel")
					return nil
				case evt := <-ch:
					if evt.Source != "tunnel" {
						continue
					}
					printEvent(out, evt)
				}
			}
		},
	}
	up.Flags().IntVar(&port, "port", 0, "local hub port to forward to (defaults to hub.port)")

	var (
		jsonOut bool
		hubURL  string
	)
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the tunnel state of a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			rt, err := app.NewHubClient(cfg, hubURL).Tunnel(cmd.Context())
			if err != nil {
				return fmt.Errorf("query relay: %w", err)
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), rt)
			}
			printTunnel(cmd, rt)
			return nil
		},
	}
	status.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	status.Flags().StringVar(&hubURL, "hub", "", "relay base URL (defaults to the local hub)")

	command := &cobra.Command{
		Use:   "command",
		Short: "Print the ssh command the supervisor runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			if err := tunnelReady(cfg.Tunnel); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sshclient.CommandString(cfg.Tunnel, cfg.Hub.Port))
			return nil
		},
	}

	root.AddCommand(up, status, command)
	return root
}

func tunnelReady(t model.TunnelConfig) error {
	if !t.Enabled {
		return fmt.Errorf("%w: set tunnel.enabled in config.yaml", tunnel.ErrDisabled)
	}
	if strings.TrimSpace(t.RemoteHost) == "" || strings.TrimSpace(t.RemoteUser) == "" {
		return fmt.Errorf("%w: tunnel.remote_host and tunnel.remote_user are required", tunnel.ErrNotConfigured)
	}
	return nil
}

func printTunnel(cmd *cobra.Command, rt model.TunnelRuntime) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "state:       %s\n", rt.Status)
	fmt.Fprintf(out, "local port:  %d\n", rt.LocalPort)
	fmt.Fprintf(out, "remote port: %d\n", rt.RemotePort)
	if rt.PID > 0 {
		fmt.Fprintf(out, "pid:         %d (up %ds)\n", rt.PID, rt.UptimeSec)
	}
	if rt.Command != "" {
		fmt.Fprintf(out, "command:     %s\n", rt.Command)
	}
}
