// Package scheduler triggers platform cycles on independent intervals.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RunFunc executes one platform cycle.
type RunFunc func(ctx context.Context, platform string) error

// Options tune scheduler behaviour.
type Options struct {
	// Platforms maps platform name to trigger interval.
	Platforms map[string]time.Duration
	// StartupDelay postpones the first tick of every platform.
	StartupDelay time.Duration
	// RunImmediately fires each platform once before its first interval.
	RunImmediately bool
}

// Scheduler drives one goroutine per platform. Overlap protection lives in
// the cycle itself; the scheduler only paces triggers.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks until ctx is cancelled, triggering each platform on its own
// interval.
func (s *Scheduler) Run(ctx context.Context, run RunFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	var wg sync.WaitGroup
	for platform, interval := range s.opts.Platforms {
		if interval <= 0 {
			s.logger.Warn().Str("platform", platform).Msg("non-positive interval; platform not scheduled")
			continue
		}
		wg.Add(1)
		go func(platform string, interval time.Duration) {
			defer wg.Done()
			s.runPlatform(ctx, platform, interval, run)
		}(platform, interval)
	}

	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) runPlatform(ctx context.Context, platform string, interval time.Duration, run RunFunc) {
	logger := s.logger.With().Str("platform", platform).Logger()

	if s.opts.RunImmediately {
		s.execute(ctx, platform, run, logger)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.execute(ctx, platform, run, logger)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, platform string, run RunFunc, logger zerolog.Logger) {
	if ctx.Err() != nil {
		return
	}
	logger.Debug().Msg("executing scheduled cycle")
	if err := run(ctx, platform); err != nil {
		logger.Error().Err(err).Msg("cycle execution failed")
	}
}
