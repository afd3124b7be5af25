package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/security"
)

func newKeygenCmd() *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a hub api key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := security.GenerateAPIKey()
			if save {
				cfg, err := appconfig.Load()
				if err != nil {
					return err
				}
				if os.Getenv(appconfig.EnvAPIKey) != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "note: %s is set and overrides the saved key\n", appconfig.EnvAPIKey)
				}
				cfg.Hub.APIKey = key
				if err := appconfig.Save(cfg); err != nil {
					return err
				}
				path, _ := appconfig.FilePath("config.yaml")
				fmt.Fprintf(cmd.ErrOrStderr(), "saved to %s\n", path)
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "write the key to hub.api_key in config.yaml")
	return cmd
}
