// Package detect maintains per-item baselines and emits change events once a
// newly observed state has stabilized.
package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dealwatch/internal/config"
	"dealwatch/internal/source"
	"dealwatch/internal/storage"
)

// Event describes a baseline change for one tracked item.
type Event struct {
	Platform   string
	ExternalID string
	Title      string
	URL        string
	ImageURL   string

	OldBaselinePrice    decimal.Decimal
	NewBaselinePrice    decimal.Decimal
	OldBaselineDiscount *float64
	NewBaselineDiscount *float64

	// PriceDropPercent is positive for a drop, negative for a rise.
	PriceDropPercent float64
	// DiscountIncreasePoints is the discount delta in percentage points.
	DiscountIncreasePoints float64

	At time.Time
}

// Detector folds normalized observations into tracked-item state.
type Detector struct {
	items   storage.ItemStore
	history storage.ObservationStore
	window  int
	logger  zerolog.Logger
	now     func() time.Time
}

// New constructs a Detector with the configured stability window.
func New(items storage.ItemStore, history storage.ObservationStore, cfg config.DetectConfig, logger zerolog.Logger) *Detector {
	window := cfg.StabilityWindow
	if window < 1 {
		window = 1
	}
	return &Detector{
		items:   items,
		history: history,
		window:  window,
		logger:  logger.With().Str("component", "detector").Logger(),
		now:     time.Now,
	}
}

// Observe applies one fetched detail payload to the item's state, appends the
// observation, and returns a non-nil event when the baseline moved.
//
// Raw values fluctuate under scraping noise, so a value only becomes the
// baseline after the stability window's worth of consecutive identical
// observations. The first-ever baseline assignment emits no event.
func (d *Detector) Observe(ctx context.Context, platform, externalID string, detail source.Detail) (*Event, error) {
	if !detail.HasPrice() {
		d.logger.Debug().Str("platform", platform).Str("id", externalID).Msg("detail without price; skipped")
		return nil, nil
	}

	item, err := d.items.GetItem(ctx, platform, externalID)
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", externalID, err)
	}

	now := d.now().UTC()
	price := *detail.Price

	if err := d.history.AppendObservation(ctx, storage.Observation{
		Platform:   platform,
		ExternalID: externalID,
		Price:      price,
		OldPrice:   detail.OldPrice,
		Discount:   detail.Discount,
		Rating:     detail.Rating,
		InStock:    detail.InStock,
		CheckedAt:  now,
	}); err != nil {
		return nil, fmt.Errorf("append observation %s: %w", externalID, err)
	}

	// A priced response revives an item previously counting toward death.
	if item.DeadFailCount > 0 {
		item.DeadFailCount = 0
		item.LastDeadReason = nil
	}

	if detail.Title != "" {
		item.Title = detail.Title
	}
	if detail.URL != "" {
		item.URL = detail.URL
	}
	item.OldPrice = detail.OldPrice
	item.Rating = detail.Rating
	item.InStock = detail.InStock
	item.LastCheckedAt = &now

	if sameObservation(item, price, detail.Discount) {
		if item.StableCount < d.window {
			item.StableCount++
		}
	} else {
		item.PreviousPrice = item.CurrentPrice
		item.CurrentPrice = &price
		item.CurrentDiscount = detail.Discount
		item.StableCount = 1
	}

	var event *Event
	if item.StableCount >= d.window && baselineDiverged(item) {
		first := item.BaselinePrice == nil
		if !first {
			event = buildEvent(platform, item, now, detail.ImageURL)
		}
		current := *item.CurrentPrice
		item.BaselinePrice = &current
		item.BaselineDiscount = item.CurrentDiscount
		item.BaselineSetAt = &now
		item.IsStable = true
	}

	if err := d.items.UpdateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("persist item %s: %w", externalID, err)
	}

	if event != nil {
		d.logger.Info().
			Str("platform", platform).
			Str("id", externalID).
			Str("old_baseline", event.OldBaselinePrice.String()).
			Str("new_baseline", event.NewBaselinePrice.String()).
			Msg("baseline changed")
	}
	return event, nil
}

func sameObservation(item storage.TrackedItem, price decimal.Decimal, discount *float64) bool {
	if item.CurrentPrice == nil || !item.CurrentPrice.Equal(price) {
		return false
	}
	return floatPtrEqual(item.CurrentDiscount, discount)
}

func baselineDiverged(item storage.TrackedItem) bool {
	if item.BaselinePrice == nil {
		return true
	}
	if item.CurrentPrice == nil {
		return false
	}
	if !item.BaselinePrice.Equal(*item.CurrentPrice) {
		return true
	}
	return !floatPtrEqual(item.BaselineDiscount, item.CurrentDiscount)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func buildEvent(platform string, item storage.TrackedItem, at time.Time, imageURL string) *Event {
	ev := &Event{
		Platform:            platform,
		ExternalID:          item.ExternalID,
		Title:               item.Title,
		URL:                 item.URL,
		ImageURL:            imageURL,
		OldBaselinePrice:    *item.BaselinePrice,
		NewBaselinePrice:    *item.CurrentPrice,
		OldBaselineDiscount: item.BaselineDiscount,
		NewBaselineDiscount: item.CurrentDiscount,
		At:                  at,
	}

	if item.BaselinePrice.IsPositive() {
		drop := item.BaselinePrice.Sub(*item.CurrentPrice).
			Div(*item.BaselinePrice).
			Mul(decimal.NewFromInt(100))
		ev.PriceDropPercent, _ = drop.Float64()
	}

	oldDiscount := 0.0
	if item.BaselineDiscount != nil {
		oldDiscount = *item.BaselineDiscount
	}
	newDiscount := 0.0
	if item.CurrentDiscount != nil {
		newDiscount = *item.CurrentDiscount
	}
	ev.DiscountIncreasePoints = newDiscount - oldDiscount

	return ev
}
