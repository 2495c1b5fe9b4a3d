// Package monitor drives the per-identifier detail fetch loop with error
// classification, cooldown, and a bounded recovery budget.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"dealwatch/internal/config"
	"dealwatch/internal/detect"
	"dealwatch/internal/source"
	"dealwatch/internal/storage"
)

// Reason terminates a monitoring cycle.
type Reason string

const (
	// ReasonCompleted means every identifier was attempted.
	ReasonCompleted Reason = "completed"
	// ReasonAbortedMaxRecoveries means the recovery budget ran out and the
	// remaining identifiers were left unprocessed.
	ReasonAbortedMaxRecoveries Reason = "aborted_max_recoveries"
)

// state of the cycle machine. Transitions are driven purely by counters and
// thresholds so the bounded-recovery guarantee is testable without a network.
type state int

const (
	stateRunning state = iota
	stateCooldown
	stateAborted
	stateCompleted
)

// CycleResult partitions the input identifiers and records recovery activity.
type CycleResult struct {
	Processed   []string
	Unprocessed []string
	Recoveries  int
	Reason      Reason
	Events      []detect.Event
	DeadFlagged int
	Transient   int
	ParseErrors int
}

// Sink consumes successfully fetched detail payloads.
type Sink interface {
	Observe(ctx context.Context, platform, externalID string, detail source.Detail) (*detect.Event, error)
}

// Monitor runs one monitoring cycle over an ordered identifier set.
type Monitor struct {
	adapter source.Adapter
	dead    storage.DeadMarker
	sink    Sink
	cfg     config.MonitorConfig
	logger  zerolog.Logger
}

// New constructs a Monitor bound to one adapter and one sink.
func New(adapter source.Adapter, dead storage.DeadMarker, sink Sink, cfg config.MonitorConfig, logger zerolog.Logger) *Monitor {
	return &Monitor{
		adapter: adapter,
		dead:    dead,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With().Str("component", "monitor").Logger(),
	}
}

// Run processes identifiers in order. Per-identifier failures are absorbed
// into counters; only cancellation surfaces as an error, alongside the
// partial result.
func (m *Monitor) Run(ctx context.Context, platform string, ids []string) (CycleResult, error) {
	result := CycleResult{
		Processed: make([]string, 0, len(ids)),
		Reason:    ReasonCompleted,
	}

	st := stateRunning
	blockingErrors := 0
	next := 0 // index of the next unprocessed identifier

	for st == stateRunning || st == stateCooldown {
		if err := ctx.Err(); err != nil {
			result.Unprocessed = append(result.Unprocessed, ids[next:]...)
			return result, err
		}

		if st == stateCooldown {
			m.logger.Warn().
				Str("platform", platform).
				Dur("cooldown", m.cfg.Cooldown).
				Int("recovery", result.Recoveries+1).
				Msg("blocking wave; entering cooldown")
			if err := wait(ctx, m.cfg.Cooldown); err != nil {
				result.Unprocessed = append(result.Unprocessed, ids[next:]...)
				return result, err
			}
			if err := m.adapter.Reconnect(ctx); err != nil {
				m.logger.Error().Err(err).Str("platform", platform).Msg("reconnect failed; continuing cycle")
			}
			result.Recoveries++
			blockingErrors = 0
			st = stateRunning
			continue
		}

		if next >= len(ids) {
			st = stateCompleted
			break
		}

		id := ids[next]
		next++

		detail, err := m.adapter.FetchDetail(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				result.Unprocessed = append(result.Unprocessed, ids[next-1:]...)
				return result, ctx.Err()
			}
			result.Processed = append(result.Processed, id)

			switch source.Classify(err) {
			case source.KindBlocking:
				blockingErrors++
				m.logger.Warn().Err(err).Str("id", id).Int("consecutive", blockingErrors).Msg("blocking response")
				if blockingErrors >= m.cfg.MaxErrors {
					if result.Recoveries+1 > m.cfg.MaxRecoveries {
						st = stateAborted
						continue
					}
					st = stateCooldown
					continue
				}
			case source.KindNotFound:
				count, markErr := m.dead.MarkDeadCheck(ctx, platform, id, source.DeadReason(err))
				if markErr != nil {
					m.logger.Error().Err(markErr).Str("id", id).Msg("failed to record dead check")
				} else {
					result.DeadFlagged++
					m.logger.Info().Str("id", id).Int("dead_fail_count", count).Msg("item gone upstream")
				}
			case source.KindParse:
				result.ParseErrors++
				m.logger.Warn().Err(err).Str("id", id).Msg("detail payload no longer parses")
			default:
				result.Transient++
				m.logger.Debug().Err(err).Str("id", id).Msg("transient fetch failure")
			}

			if err := wait(ctx, m.cfg.ErrorDelay); err != nil {
				result.Unprocessed = append(result.Unprocessed, ids[next:]...)
				return result, err
			}
			continue
		}

		blockingErrors = 0
		if event, obsErr := m.sink.Observe(ctx, platform, id, detail); obsErr != nil {
			m.logger.Error().Err(obsErr).Str("id", id).Msg("failed to apply observation")
		} else if event != nil {
			result.Events = append(result.Events, *event)
		}
		result.Processed = append(result.Processed, id)

		if err := wait(ctx, m.cfg.ItemDelay); err != nil {
			result.Unprocessed = append(result.Unprocessed, ids[next:]...)
			return result, err
		}
	}

	if st == stateAborted {
		result.Reason = ReasonAbortedMaxRecoveries
		result.Unprocessed = append(result.Unprocessed, ids[next:]...)
		m.logger.Error().
			Str("platform", platform).
			Int("recoveries", result.Recoveries).
			Int("unprocessed", len(result.Unprocessed)).
			Msg("recovery budget exhausted; aborting cycle")
	}

	m.logger.Info().
		Str("platform", platform).
		Int("processed", len(result.Processed)).
		Int("events", len(result.Events)).
		Int("transient", result.Transient).
		Int("parse_errors", result.ParseErrors).
		Int("dead_flagged", result.DeadFlagged).
		Str("reason", string(result.Reason)).
		Msg("monitoring cycle finished")
	return result, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
