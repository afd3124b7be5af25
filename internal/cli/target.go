package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/treykane/approval-relay/internal/app"
	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/history"
	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/targets"
	"github.com/treykane/approval-relay/internal/util"
)

// targetRow is the JSON shape of `target list --json`.
type targetRow struct {
	model.TargetConfig
	HasKey        bool  `json:"has_api_key"`
	LastConnected int64 `json:"last_connected,omitempty"`
}

func newTargetCmd() *cobra.Command {
	root := &cobra.Command{Use: "target", Short: "Manage the relays this machine connects to"}

	var jsonOut, recent bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := targets.LoadAll()
			if err != nil {
				return err
			}
			last, err := history.LastConnected()
			if err != nil {
				last = map[string]int64{}
			}
			if recent {
				all = history.SortTargetsRecent(all, last)
			}
			if jsonOut {
				rows := make([]targetRow, 0, len(all))
				for _, t := range all {
					rows = append(rows, targetRow{TargetConfig: t, HasKey: t.APIKey != "", LastConnected: last[t.ID]})
				}
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			now := time.Now()
			fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-20s %-26s %-8s %-8s %s\n", "ID", "NAME", "ENDPOINT", "ENABLED", "AUTO", "LAST CONNECTED")
			for _, t := range all {
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-20s %-26s %-8t %-8t %s\n", t.ID, util.EmptyDash(t.Name), t.Addr(), t.Enabled, t.AutoConnect, history.Ago(last[t.ID], now))
			}
			return nil
		},
	}
	list.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	list.Flags().BoolVar(&recent, "recent", false, "sort by most recent connection")

	var (
		name     string
		key      string
		disabled bool
		noAuto   bool
	)
	add := &cobra.Command{
		Use:   "add <id> <host[:port]>",
		Short: "Store a new target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, err := targets.ParseEndpoint(args[1])
			if err != nil {
				return err
			}
			saved, err := targets.Add(model.TargetConfig{
				ID:          args[0],
				Name:        name,
				Host:        host,
				Port:        port,
				APIKey:      key,
				Enabled:     !disabled,
				AutoConnect: !noAuto,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s -> %s\n", saved.ID, saved.URL())
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&key, "key", "", "api key of the remote hub")
	add.Flags().BoolVar(&disabled, "disabled", false, "store the target disabled")
	add.Flags().BoolVar(&noAuto, "no-auto-connect", false, "do not connect when the relay starts")

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a stored target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := targets.Remove(args[0]); err != nil {
				return err
			}
			_ = history.Forget(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}

	var timeout time.Duration
	connect := &cobra.Command{
		Use:   "connect <id>",
		Short: "Test a connection and handshake to a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			t, err := targets.Get(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			start := time.Now()
			if err := app.ProbeTarget(ctx, cfg, t); err != nil {
				return fmt.Errorf("[FAIL] %s %s: %w", t.ID, t.Addr(), err)
			}
			mode := "registered"
			if t.APIKey != "" {
				mode = "authenticated"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[PASS] %s %s %s in %s\n", t.ID, t.Addr(), mode, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	connect.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "overall timeout")

	root.AddCommand(list, add, remove, connect)
	return root
}
