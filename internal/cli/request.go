package cli

import (
	"github.com/spf13/cobra"
)

var requestCmd = &cobra.Command{
	Use:   "request <caption>",
	Short: "Submit a single update request for one feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RequestUpdate(cmd.Context(), args[0])
	},
}
