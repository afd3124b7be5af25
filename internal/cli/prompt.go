package cli

import (
	"github.com/spf13/cobra"
	"github.com/treykane/approval-relay/internal/prompt"
)

func newPromptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prompt <request-file>",
		Short: "Ask for an approval on this terminal (the default approval program)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return prompt.RunFile(args[0], cmd.OutOrStdout())
		},
	}
}
