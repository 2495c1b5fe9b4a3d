package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateOldPrice string
	simulateNewPrice string
	simulateTitle    string
	simulateURL      string
)

var simulatePostCmd = &cobra.Command{
	Use:   "simulate-post",
	Short: "Push a synthetic change event through thresholds and the sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		oldPrice, err := decimal.NewFromString(simulateOldPrice)
		if err != nil {
			return fmt.Errorf("invalid --old-price value: %w", err)
		}
		newPrice, err := decimal.NewFromString(simulateNewPrice)
		if err != nil {
			return fmt.Errorf("invalid --new-price value: %w", err)
		}
		return getApp().SimulatePost(cmd.Context(), oldPrice, newPrice, simulateTitle, simulateURL)
	},
}

func init() {
	simulatePostCmd.Flags().StringVar(&simulateOldPrice, "old-price", "1000", "Baseline price before the change")
	simulatePostCmd.Flags().StringVar(&simulateNewPrice, "new-price", "850", "Baseline price after the change")
	simulatePostCmd.Flags().StringVar(&simulateTitle, "title", "Simulated item", "Item title for the message")
	simulatePostCmd.Flags().StringVar(&simulateURL, "url", "", "Item URL for the message")
}
