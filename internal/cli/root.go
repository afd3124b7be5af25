// Package cli provides the command-line interface for approval-relay.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/treykane/approval-relay/internal/app"
	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/events"
	"github.com/treykane/approval-relay/internal/logging"
	"github.com/treykane/approval-relay/internal/ui"
)

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "approval-relay",
		Short:         "Relay approval prompts between machines over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isatty.IsTerminal(os.Stdout.Fd()) {
				return runServe(cmd.Context(), serveFlags{})
			}
			return runDashboard(cmd.Context())
		},
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newTargetCmd())
	root.AddCommand(newTunnelCmd())
	root.AddCommand(newRequestCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newKeygenCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newPromptCmd())
	return root
}

// Execute runs the command tree until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCommand().ExecuteContext(ctx)
}

// startLogging installs the file logger and returns the bus it mirrors
// warnings onto.
func startLogging(cfg appconfig.Config, console bool) (*events.Bus, func()) {
	bus := events.NewBus(500, events.NewStore())
	closer, err := logging.Setup(cfg, logging.Options{Console: console, Bus: bus})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: file logging disabled: %v\n", err)
		return bus, func() {}
	}
	return bus, func() { _ = closer.Close() }
}

func runDashboard(ctx context.Context) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	bus, closeLog := startLogging(cfg, false)
	defer closeLog()
	r, err := app.New(cfg, app.Options{Bus: bus})
	if err != nil {
		return err
	}
	slog.Info("starting dashboard", "port", cfg.Hub.Port)
	return ui.Run(ctx, r)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
