package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Show prints recent observations for a platform.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	observations, err := store.RecentObservations(ctx, opts.Platform, opts.Limit)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		fmt.Fprintln(os.Stdout, "no observations found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Checked (UTC)\tID\tPrice\tOld price\tDiscount\tRating\tIn stock")

	for _, obs := range observations {
		oldPrice := ""
		if obs.OldPrice != nil {
			oldPrice = obs.OldPrice.StringFixed(2)
		}
		discount := ""
		if obs.Discount != nil {
			discount = fmt.Sprintf("%.0f%%", *obs.Discount)
		}
		rating := ""
		if obs.Rating != nil {
			rating = fmt.Sprintf("%.1f", *obs.Rating)
		}
		inStock := ""
		if obs.InStock != nil {
			inStock = fmt.Sprintf("%t", *obs.InStock)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			obs.CheckedAt.UTC().Format(time.RFC3339),
			obs.ExternalID,
			obs.Price.StringFixed(2),
			oldPrice,
			discount,
			rating,
			inStock,
		)
	}

	writer.Flush()
	return nil
}
