package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"dealwatch/internal/detect"
	"dealwatch/internal/publish"
)

// SimulatePost pushes a synthetic change event through the publish thresholds
// and the configured delivery sink.
func (a *App) SimulatePost(ctx context.Context, oldPrice, newPrice decimal.Decimal, title, url string) error {
	sink := a.newSink()
	if sink == nil {
		return errors.New("telegram is not enabled; nothing to simulate against")
	}

	drop := 0.0
	if oldPrice.IsPositive() {
		drop, _ = oldPrice.Sub(newPrice).Div(oldPrice).Mul(decimal.NewFromInt(100)).Float64()
	}

	event := detect.Event{
		Platform:         "simulated",
		ExternalID:       "simulated",
		Title:            title,
		URL:              url,
		OldBaselinePrice: oldPrice,
		NewBaselinePrice: newPrice,
		PriceDropPercent: drop,
		At:               time.Now().UTC(),
	}

	publisher := publish.NewPublisher(a.Config.Publish, sink, nil, a.Logger)
	published, err := publisher.Flush(ctx, []detect.Event{event})
	if err != nil {
		return err
	}
	if published == 0 {
		fmt.Fprintf(os.Stdout, "event below thresholds (drop %.1f%%); nothing posted\n", drop)
		return nil
	}
	fmt.Fprintln(os.Stdout, "simulated event posted")
	return nil
}
