// Package maintain converges catalog size and freshness: dead-item eviction,
// lazy rotation, refill toward target, and trim above target.
package maintain

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"dealwatch/internal/acquire"
	"dealwatch/internal/config"
	"dealwatch/internal/storage"
)

// Refiller supplies new identifiers when the catalog is below target.
type Refiller interface {
	Acquire(ctx context.Context, topics []string, target int, alreadyKnown map[string]struct{}) (acquire.Result, error)
}

// Summary reports what one maintenance pass changed.
type Summary struct {
	Evicted     int
	Rotated     int
	Refilled    int
	Trimmed     int
	RotationRan bool
}

// Maintainer owns the per-platform maintenance pass.
type Maintainer struct {
	catalog  storage.CatalogSet
	rotation storage.RotationStore
	refiller Refiller
	cfg      config.CatalogConfig
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs a Maintainer.
func New(catalog storage.CatalogSet, rotation storage.RotationStore, refiller Refiller, cfg config.CatalogConfig, logger zerolog.Logger) *Maintainer {
	return &Maintainer{
		catalog:  catalog,
		rotation: rotation,
		refiller: refiller,
		cfg:      cfg,
		logger:   logger.With().Str("component", "maintainer").Logger(),
		now:      time.Now,
	}
}

// Maintain runs one pass: evict dead items, rotate when due, refill below
// target, trim above target. Each operation is idempotent and reads current
// size from the store rather than trusting earlier steps.
func (m *Maintainer) Maintain(ctx context.Context, platform string, topics []string) (Summary, error) {
	var summary Summary

	evicted, err := m.EvictDead(ctx, platform)
	if err != nil {
		return summary, err
	}
	summary.Evicted = evicted

	rotated, ran, err := m.RotateIfDue(ctx, platform)
	if err != nil {
		return summary, err
	}
	summary.Rotated = rotated
	summary.RotationRan = ran

	refilled, err := m.RefillIfBelow(ctx, platform, topics, m.cfg.TargetCount)
	if err != nil {
		return summary, err
	}
	summary.Refilled = refilled

	trimmed, err := m.TrimToTarget(ctx, platform, m.cfg.TargetCount)
	if err != nil {
		return summary, err
	}
	summary.Trimmed = trimmed

	m.logger.Info().
		Str("platform", platform).
		Int("evicted", summary.Evicted).
		Int("rotated", summary.Rotated).
		Int("refilled", summary.Refilled).
		Int("trimmed", summary.Trimmed).
		Bool("rotation_ran", summary.RotationRan).
		Msg("maintenance pass finished")
	return summary, nil
}

// EvictDead removes identifiers past either failure threshold.
func (m *Maintainer) EvictDead(ctx context.Context, platform string) (int, error) {
	ids, err := m.catalog.DeadIdentifiers(ctx, platform, m.cfg.DeadAfter, m.cfg.NoImageAfter)
	if err != nil {
		return 0, fmt.Errorf("list dead identifiers: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	removed, err := m.catalog.RemoveIdentifiers(ctx, platform, ids)
	if err != nil {
		return 0, fmt.Errorf("evict dead identifiers: %w", err)
	}
	return removed, nil
}

// RotateIfDue removes the configured fraction of oldest identifiers when the
// rotation period has elapsed. The first call only stamps the rotation clock.
func (m *Maintainer) RotateIfDue(ctx context.Context, platform string) (int, bool, error) {
	if !m.cfg.RotationEnabled || m.cfg.RotationFraction <= 0 {
		return 0, false, nil
	}

	last, err := m.rotation.LastRotation(ctx, platform)
	if err != nil {
		return 0, false, fmt.Errorf("read rotation state: %w", err)
	}

	now := m.now().UTC()
	if last == nil {
		if err := m.rotation.MarkRotation(ctx, platform, now); err != nil {
			return 0, false, fmt.Errorf("init rotation state: %w", err)
		}
		return 0, false, nil
	}

	period := time.Duration(m.cfg.RotationDays) * 24 * time.Hour
	if now.Sub(*last) < period {
		return 0, false, nil
	}

	removed, err := m.Rotate(ctx, platform)
	if err != nil {
		return 0, false, err
	}
	if err := m.rotation.MarkRotation(ctx, platform, now); err != nil {
		return removed, true, fmt.Errorf("stamp rotation state: %w", err)
	}
	return removed, true, nil
}

// Rotate removes floor(size * fraction) oldest identifiers unconditionally.
func (m *Maintainer) Rotate(ctx context.Context, platform string) (int, error) {
	size, err := m.catalog.Count(ctx, platform)
	if err != nil {
		return 0, fmt.Errorf("count catalog: %w", err)
	}

	n := int(float64(size) * m.cfg.RotationFraction)
	if n <= 0 {
		return 0, nil
	}

	oldest, err := m.catalog.OldestIdentifiers(ctx, platform, n)
	if err != nil {
		return 0, fmt.Errorf("list oldest identifiers: %w", err)
	}
	removed, err := m.catalog.RemoveIdentifiers(ctx, platform, oldest)
	if err != nil {
		return 0, fmt.Errorf("rotate identifiers: %w", err)
	}

	m.logger.Info().Str("platform", platform).Int("removed", removed).Msg("catalog rotated")
	return removed, nil
}

// RefillIfBelow tops the catalog up toward target. A shortfall leaves the
// catalog under target, which is a valid steady state rather than an error.
func (m *Maintainer) RefillIfBelow(ctx context.Context, platform string, topics []string, target int) (int, error) {
	size, err := m.catalog.Count(ctx, platform)
	if err != nil {
		return 0, fmt.Errorf("count catalog: %w", err)
	}
	if size >= target || len(topics) == 0 {
		return 0, nil
	}

	ids, err := m.catalog.ListIdentifiers(ctx, platform)
	if err != nil {
		return 0, fmt.Errorf("list identifiers: %w", err)
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}

	result, err := m.refiller.Acquire(ctx, topics, target, known)
	if err != nil {
		return 0, fmt.Errorf("refill acquisition: %w", err)
	}
	if len(result.Found) == 0 {
		if result.SourceBlocked {
			m.logger.Warn().Str("platform", platform).Msg("refill skipped; source blocked")
		}
		return 0, nil
	}

	items := make([]storage.NewItem, 0, len(result.Found))
	for _, entry := range result.Found {
		items = append(items, storage.NewItem{ExternalID: entry.ID, Topic: entry.Topic})
	}
	added, err := m.catalog.AddItems(ctx, platform, items)
	if err != nil {
		return 0, fmt.Errorf("merge refill results: %w", err)
	}
	return added, nil
}

// TrimToTarget removes the oldest excess identifiers above target.
func (m *Maintainer) TrimToTarget(ctx context.Context, platform string, target int) (int, error) {
	size, err := m.catalog.Count(ctx, platform)
	if err != nil {
		return 0, fmt.Errorf("count catalog: %w", err)
	}
	excess := size - target
	if excess <= 0 {
		return 0, nil
	}

	oldest, err := m.catalog.OldestIdentifiers(ctx, platform, excess)
	if err != nil {
		return 0, fmt.Errorf("list oldest identifiers: %w", err)
	}
	removed, err := m.catalog.RemoveIdentifiers(ctx, platform, oldest)
	if err != nil {
		return 0, fmt.Errorf("trim identifiers: %w", err)
	}
	return removed, nil
}
