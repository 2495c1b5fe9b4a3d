// Package acquire implements the quota-based multi-pass catalog fill.
package acquire

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"dealwatch/internal/config"
	"dealwatch/internal/source"
)

// Result summarises one acquisition run.
type Result struct {
	// Found holds newly discovered entries in discovery order, never
	// containing duplicates or already-known identifiers.
	Found []source.Entry
	// Shortfall is how far the run fell below the requested capacity.
	Shortfall int
	// SourceBlocked is set when every topic reported a blocking condition
	// during the first pass.
	SourceBlocked bool
	// Passes is how many passes actually ran.
	Passes int
}

// Acquirer crawls topic listings until a target catalog size is met.
type Acquirer struct {
	adapter source.Adapter
	cfg     config.AcquireConfig
	logger  zerolog.Logger
}

// New constructs an Acquirer bound to one adapter.
func New(adapter source.Adapter, cfg config.AcquireConfig, logger zerolog.Logger) *Acquirer {
	return &Acquirer{
		adapter: adapter,
		cfg:     cfg,
		logger:  logger.With().Str("component", "acquirer").Logger(),
	}
}

// Quotas splits target across n topics: base floor(target/n), with the
// remainder distributed one unit each to the first target%n topics. The sum
// is exactly target and allotments differ by at most one.
func Quotas(target, n int) []int {
	if n <= 0 || target <= 0 {
		return nil
	}
	base := target / n
	remainder := target % n
	quotas := make([]int, n)
	for i := range quotas {
		quotas[i] = base
		if i < remainder {
			quotas[i]++
		}
	}
	return quotas
}

// topicState tracks per-topic progress across passes.
type topicState struct {
	name      string
	gathered  int
	metQuota  bool // filled its allotment in an earlier pass
	exhausted bool // adapter signalled permanent exhaustion
	blocked   bool // blocking condition during the current pass
}

// Acquire runs up to MaxPasses quota sweeps over topics and returns newly
// found identifiers. alreadyKnown identifiers are never returned; the result
// never exceeds target minus the known count.
func (a *Acquirer) Acquire(ctx context.Context, topics []string, target int, alreadyKnown map[string]struct{}) (Result, error) {
	capacity := target - len(alreadyKnown)
	if capacity <= 0 || len(topics) == 0 {
		return Result{}, nil
	}

	seen := make(map[string]struct{}, len(alreadyKnown)+capacity)
	for id := range alreadyKnown {
		seen[id] = struct{}{}
	}

	states := make([]*topicState, len(topics))
	for i, t := range topics {
		states[i] = &topicState{name: t}
	}

	result := Result{Found: make([]source.Entry, 0, capacity)}

	maxPasses := a.cfg.MaxPasses
	if maxPasses < 1 {
		maxPasses = 1
	}

	for pass := 1; pass <= maxPasses && len(result.Found) < capacity; pass++ {
		pending := pendingTopics(states, pass)
		if len(pending) == 0 {
			break
		}

		need := capacity - len(result.Found)
		quotas := Quotas(need, len(pending))

		blockedCount := 0
		attempted := 0
		for i, state := range pending {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if len(result.Found) >= capacity {
				break
			}
			// Zero-quota topics (capacity below the topic count) are not
			// attempted and must not dilute the blocked tally.
			if quotas[i] <= 0 {
				continue
			}
			attempted++

			state.blocked = false
			if err := a.crawlTopic(ctx, state, quotas[i], capacity, seen, &result); err != nil {
				return result, err
			}
			if state.blocked {
				blockedCount++
			}
		}

		result.Passes = pass

		if pass == 1 && attempted > 0 && blockedCount == attempted && len(result.Found) == 0 {
			a.logger.Warn().Int("topics", len(pending)).Msg("every topic blocked; abandoning acquisition")
			result.SourceBlocked = true
			break
		}
	}

	result.Shortfall = capacity - len(result.Found)
	a.logger.Info().
		Int("found", len(result.Found)).
		Int("shortfall", result.Shortfall).
		Int("passes", result.Passes).
		Msg("acquisition finished")
	return result, nil
}

// pendingTopics returns topics still worth crawling. The first pass takes
// every topic; later passes retry only topics that fell short of their
// allotment and are not permanently exhausted. A fresh listing call restarts
// a topic from the beginning, so a quiet-step stop in one pass does not
// retire the topic.
func pendingTopics(states []*topicState, pass int) []*topicState {
	pending := make([]*topicState, 0, len(states))
	for _, s := range states {
		if pass > 1 && (s.exhausted || s.metQuota) {
			continue
		}
		pending = append(pending, s)
	}
	return pending
}

func (a *Acquirer) crawlTopic(ctx context.Context, state *topicState, quota, capacity int, seen map[string]struct{}, result *Result) error {
	if quota <= 0 {
		return nil
	}

	listing, err := a.adapter.ListTopic(ctx, state.name)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if source.Classify(err) == source.KindBlocking {
			state.blocked = true
			a.logger.Warn().Err(err).Str("topic", state.name).Msg("topic listing blocked")
			return nil
		}
		a.logger.Warn().Err(err).Str("topic", state.name).Msg("topic listing failed")
		return nil
	}

	gathered := 0
	quietSteps := 0
	maxSteps := a.cfg.MaxListSteps
	if maxSteps <= 0 {
		maxSteps = 1
	}

	for step := 0; step < maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := listing.Next(ctx)
		if err != nil {
			if errors.Is(err, source.ErrExhausted) {
				state.exhausted = true
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if source.Classify(err) == source.KindBlocking {
				state.blocked = true
				a.logger.Warn().Err(err).Str("topic", state.name).Msg("listing step blocked")
				return nil
			}
			a.logger.Warn().Err(err).Str("topic", state.name).Msg("listing step failed")
			return nil
		}

		fresh := 0
		for _, entry := range entries {
			if _, dup := seen[entry.ID]; dup {
				continue
			}
			seen[entry.ID] = struct{}{}
			result.Found = append(result.Found, entry)
			state.gathered++
			gathered++
			fresh++

			if gathered >= quota {
				state.metQuota = true
				return nil
			}
			if len(result.Found) >= capacity {
				return nil
			}
		}

		if fresh == 0 {
			quietSteps++
			if quietSteps >= a.cfg.QuietStepsStop {
				a.logger.Debug().Str("topic", state.name).Int("quiet_steps", quietSteps).Msg("quiet-step stop")
				return nil
			}
		} else {
			quietSteps = 0
		}

		if err := wait(ctx, a.cfg.StepDelay); err != nil {
			return err
		}
	}
	return nil
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
