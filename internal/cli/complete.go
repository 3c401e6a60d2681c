package cli

import (
	"github.com/spf13/cobra"
)

var completeCmd = &cobra.Command{
	Use:   "complete <caption>",
	Short: "Attempt to complete the pending update for one feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CompleteUpdate(cmd.Context(), args[0])
	},
	Args: cobra.ExactArgs(1),
}
