package cli

import (
	"github.com/spf13/cobra"
)

var catalogAddTopic string

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Administer platform catalogs",
}

var catalogAddCmd = &cobra.Command{
	Use:   "add <platform> <id>...",
	Short: "Add identifiers to a platform catalog",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CatalogAdd(cmd.Context(), args[0], catalogAddTopic, args[1:])
	},
}

var catalogRemoveCmd = &cobra.Command{
	Use:   "remove <platform> <id>...",
	Short: "Remove identifiers from a platform catalog",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CatalogRemove(cmd.Context(), args[0], args[1:])
	},
}

var catalogCountCmd = &cobra.Command{
	Use:   "count <platform>",
	Short: "Print the catalog size for a platform",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CatalogCount(cmd.Context(), args[0])
	},
}

var catalogRotateCmd = &cobra.Command{
	Use:   "rotate <platform>",
	Short: "Force a rotation pass and refill toward target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CatalogRotate(cmd.Context(), args[0])
	},
}

func init() {
	catalogAddCmd.Flags().StringVar(&catalogAddTopic, "topic", "manual", "Topic-of-origin recorded for added identifiers")

	catalogCmd.AddCommand(catalogAddCmd)
	catalogCmd.AddCommand(catalogRemoveCmd)
	catalogCmd.AddCommand(catalogCountCmd)
	catalogCmd.AddCommand(catalogRotateCmd)
}
