package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/treykane/approval-relay/internal/app"
	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/util"
)

type statusReport struct {
	Hub      model.HubStatus     `json:"hub"`
	Sessions []model.SessionInfo `json:"sessions,omitempty"`
	Tunnel   model.TunnelRuntime `json:"tunnel"`
}

func newStatusCmd() *cobra.Command {
	var (
		jsonOut bool
		hubURL  string
		key     string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			hc := app.NewHubClient(cfg, hubURL)
			if key != "" {
				hc.APIKey = key
			}
			ctx := cmd.Context()
			var rep statusReport
			if rep.Hub, err = hc.Status(ctx); err != nil {
				return err
			}
			if rep.Tunnel, err = hc.Tunnel(ctx); err != nil {
				return err
			}
			// Sessions need the key; without it the list is omitted.
			sessions, sessErr := hc.Sessions(ctx)
			rep.Sessions = sessions

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), rep)
			}
			out := cmd.OutOrStdout()
			state := "stopped"
			if rep.Hub.Running {
				state = "running"
			}
			fmt.Fprintf(out, "hub:      %s on %s (up %s)\n", state, rep.Hub.Address, time.Duration(rep.Hub.UptimeSec)*time.Second)
			fmt.Fprintf(out, "sessions: %d (%d authenticated), %d pending requests\n", rep.Hub.Sessions, rep.Hub.Authenticated, rep.Hub.PendingCount)
			if !rep.Hub.CredentialSet {
				fmt.Fprintln(out, "warning:  no api key configured; all connections are refused")
			}
			fmt.Fprintf(out, "tunnel:   %s\n", rep.Tunnel.Status)
			if sessErr != nil {
				fmt.Fprintf(out, "(session list unavailable: %v)\n", sessErr)
				return nil
			}
			if len(rep.Sessions) > 0 {
				fmt.Fprintf(out, "\n%-12s %-20s %-22s %-16s %s\n", "SESSION", "CLIENT", "REMOTE", "AUTH", "CONNECTED")
				for _, s := range rep.Sessions {
					fmt.Fprintf(out, "%-12s %-20s %-22s %-16s %s\n", util.Truncate(s.ID, 12), util.EmptyDash(s.ClientID), s.RemoteAddr, s.Auth, s.ConnectedAt.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.Flags().StringVar(&hubURL, "hub", "", "relay base URL (defaults to the local hub)")
	cmd.Flags().StringVar(&key, "key", "", "api key (defaults to hub.api_key)")
	return cmd
}
