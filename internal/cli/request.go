package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/treykane/approval-relay/internal/app"
	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/hub"
	"github.com/treykane/approval-relay/internal/protocol"
	"github.com/treykane/approval-relay/internal/targets"
)

func newRequestCmd() *cobra.Command {
	var (
		message  string
		options  []string
		markdown bool
		targetID string
		hubURL   string
		key      string
		jsonOut  bool
	)
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Send an approval request and print the answer",
		Long: "Send an approval request and print the answer.\n\n" +
			"With --target the request travels over a direct connection to that stored target.\n" +
			"Otherwise it is posted to a running hub (the local one unless --hub is given),\n" +
			"which forwards it to a connected session or answers locally.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(message) == "" {
				return fmt.Errorf("--message is required")
			}
			if targetID != "" && hubURL != "" {
				return fmt.Errorf("--target and --hub are mutually exclusive")
			}
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if targetID != "" {
				t, err := targets.Get(targetID)
				if err != nil {
					return err
				}
				req := protocol.NewPopupRequest("", message, options, markdown)
				answer, err := app.RequestViaTarget(cmd.Context(), cfg, t, req)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(out, hub.DispatchResult{RequestID: req.RequestID, Response: answer, Via: "target:" + t.ID})
				}
				fmt.Fprintln(out, answer)
				return nil
			}

			hc := app.NewHubClient(cfg, hubURL)
			if key != "" {
				hc.APIKey = key
			}
			res, err := hc.Popup(cmd.Context(), hub.PopupBody{Message: message, PredefinedOptions: options, IsMarkdown: markdown})
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(out, res)
			}
			fmt.Fprintln(out, res.Response)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "request text")
	cmd.Flags().StringArrayVarP(&options, "option", "o", nil, "predefined answer (repeatable)")
	cmd.Flags().BoolVar(&markdown, "markdown", false, "render the message as markdown")
	cmd.Flags().StringVar(&targetID, "target", "", "send over a direct connection to this stored target")
	cmd.Flags().StringVar(&hubURL, "hub", "", "relay base URL (defaults to the local hub)")
	cmd.Flags().StringVar(&key, "key", "", "api key for --hub (defaults to hub.api_key)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}
