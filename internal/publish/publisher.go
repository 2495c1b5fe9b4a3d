package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"dealwatch/internal/config"
	"dealwatch/internal/detect"
	"dealwatch/internal/storage"
)

// Publisher pushes selected events through the sink with a minimum inter-post
// delay and folds image failures into the soft-death counter.
type Publisher struct {
	selector  *Selector
	sink      Sink
	imageFail storage.ImageFailStore
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// NewPublisher constructs a Publisher. A nil sink disables delivery.
func NewPublisher(cfg config.PublishConfig, sink Sink, imageFail storage.ImageFailStore, logger zerolog.Logger) *Publisher {
	limit := rate.Inf
	if cfg.PostDelay > 0 {
		limit = rate.Every(cfg.PostDelay)
	}
	return &Publisher{
		selector:  NewSelector(cfg, logger),
		sink:      sink,
		imageFail: imageFail,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// Flush selects and delivers this cycle's events. Delivery failures are
// absorbed per event; only cancellation aborts the loop.
func (p *Publisher) Flush(ctx context.Context, events []detect.Event) (int, error) {
	selected := p.selector.Select(events)
	if len(selected) == 0 || p.sink == nil {
		return 0, nil
	}

	published := 0
	for _, event := range selected {
		if err := p.limiter.Wait(ctx); err != nil {
			return published, fmt.Errorf("inter-post delay: %w", err)
		}

		err := p.sink.Publish(ctx, event)
		if err == nil {
			published++
			if p.imageFail != nil {
				if resetErr := p.imageFail.ResetImageFail(ctx, event.Platform, event.ExternalID); resetErr != nil {
					p.logger.Error().Err(resetErr).Str("id", event.ExternalID).Msg("failed to reset image counter")
				}
			}
			continue
		}
		if ctx.Err() != nil {
			return published, ctx.Err()
		}

		if errors.Is(err, ErrImageUnavailable) && p.imageFail != nil {
			count, markErr := p.imageFail.MarkImageFail(ctx, event.Platform, event.ExternalID)
			if markErr != nil {
				p.logger.Error().Err(markErr).Str("id", event.ExternalID).Msg("failed to record image failure")
			} else {
				p.logger.Warn().Str("id", event.ExternalID).Int("no_image_fail_count", count).Msg("image unavailable; event skipped")
			}
			continue
		}

		p.logger.Error().Err(err).Str("id", event.ExternalID).Msg("failed to publish event")
	}

	return published, nil
}
