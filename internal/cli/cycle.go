package cli

import (
	"github.com/spf13/cobra"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle <platform>",
	Short: "Run one full cycle for a platform and print the outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Cycle(cmd.Context(), args[0])
	},
}

var collectCmd = &cobra.Command{
	Use:   "collect <platform>",
	Short: "Fill the platform catalog toward the target without monitoring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Collect(cmd.Context(), args[0])
	},
}
