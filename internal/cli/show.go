package cli

import (
	"github.com/spf13/cobra"

	"dealwatch/internal/app"
)

var showLimit int

var showCmd = &cobra.Command{
	Use:   "show <platform>",
	Short: "Print recent observations for a platform",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{
			Platform: args[0],
			Limit:    showLimit,
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of observations to print")
}
