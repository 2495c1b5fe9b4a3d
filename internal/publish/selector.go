// Package publish filters change events by thresholds and a posting budget,
// then forwards the survivors to a delivery sink.
package publish

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dealwatch/internal/config"
	"dealwatch/internal/detect"
)

// Selector keeps events worth posting, bounded by a rolling-hour budget.
// Excess events are dropped for the cycle, not queued.
type Selector struct {
	cfg    config.PublishConfig
	posted []time.Time
	logger zerolog.Logger
	now    func() time.Time
}

// NewSelector constructs a Selector.
func NewSelector(cfg config.PublishConfig, logger zerolog.Logger) *Selector {
	return &Selector{
		cfg:    cfg,
		logger: logger.With().Str("component", "selector").Logger(),
		now:    time.Now,
	}
}

// Select returns the events to publish, in input order. Each selected event
// consumes one unit of the rolling-hour budget.
func (s *Selector) Select(events []detect.Event) []detect.Event {
	if len(events) == 0 {
		return nil
	}

	selected := make([]detect.Event, 0, len(events))
	dropped := 0
	for _, ev := range events {
		if !s.eligible(ev) {
			continue
		}
		if !s.reserveSlot() {
			dropped++
			continue
		}
		selected = append(selected, ev)
	}

	if dropped > 0 {
		s.logger.Warn().Int("dropped", dropped).Int("budget", s.cfg.MaxPostsPerHour).Msg("hourly posting budget exhausted")
	}
	return selected
}

// eligible applies the price band and the two change gates. A gate compares
// with >=, so a threshold of zero admits any non-negative change.
func (s *Selector) eligible(ev detect.Event) bool {
	if !withinPriceBand(ev.NewBaselinePrice, s.cfg.MinPrice, s.cfg.MaxPrice) {
		return false
	}
	if ev.PriceDropPercent >= s.cfg.MinPriceDropPercent {
		return true
	}
	return ev.DiscountIncreasePoints >= s.cfg.MinDiscountIncrease
}

func withinPriceBand(price decimal.Decimal, min, max float64) bool {
	if min > 0 && price.LessThan(decimal.NewFromFloat(min)) {
		return false
	}
	if max > 0 && price.GreaterThan(decimal.NewFromFloat(max)) {
		return false
	}
	return true
}

// reserveSlot consumes one posting slot if the rolling window has room.
func (s *Selector) reserveSlot() bool {
	if s.cfg.MaxPostsPerHour <= 0 {
		return true
	}

	now := s.now().UTC()
	cutoff := now.Add(-time.Hour)
	kept := s.posted[:0]
	for _, t := range s.posted {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.posted = kept

	if len(s.posted) >= s.cfg.MaxPostsPerHour {
		return false
	}
	s.posted = append(s.posted, now)
	return true
}
