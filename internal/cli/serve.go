package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/treykane/approval-relay/internal/app"
	"github.com/treykane/approval-relay/internal/appconfig"
)

type serveFlags struct {
	port     int
	noTunnel bool
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay headless until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), f)
		},
	}
	cmd.Flags().IntVar(&f.port, "port", 0, "hub port (overrides config and "+appconfig.EnvPort+")")
	cmd.Flags().BoolVar(&f.noTunnel, "no-tunnel", false, "do not auto-start the reverse tunnel")
	return cmd
}

func runServe(ctx context.Context, f serveFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	bus, closeLog := startLogging(cfg, true)
	defer closeLog()

	r, err := app.New(cfg, app.Options{Port: f.port, NoTunnel: f.noTunnel, Bus: bus})
	if err != nil {
		return err
	}
	slog.Info("relay starting", "port", r.Config().Hub.Port, "client_id", cfg.ClientID())
	err = r.Run(ctx)
	slog.Info("relay stopped")
	return err
}
