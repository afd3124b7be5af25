package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/treykane/approval-relay/internal/events"
	"github.com/treykane/approval-relay/internal/security"
)

func newEventsCmd() *cobra.Command {
	var (
		q       events.Query
		since   time.Duration
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the relay event journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evts, err := events.NewStore().Read(q)
			if err != nil {
				return err
			}
			if jsonOut {
				if evts == nil {
					evts = []events.Event{}
				}
				return writeJSON(cmd.OutOrStdout(), evts)
			}
			for _, evt := range evts {
				printEvent(cmd.OutOrStdout(), evt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&q.Source, "source", "", "filter by source (hub, tunnel, target:<id>)")
	cmd.Flags().StringVar(&q.Kind, "kind", "", "filter by kind (status_changed, log, session, request)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "newest events to show (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func printEvent(w io.Writer, evt events.Event) {
	text := evt.State
	if evt.Message != "" {
		if text != "" {
			text += ": "
		}
		text += evt.Message
	}
	fmt.Fprintf(w, "%s %-5s %-16s %s\n", evt.Timestamp.Local().Format("2006-01-02 15:04:05"), evt.Severity, evt.Source, security.RedactMessage(text))
}
