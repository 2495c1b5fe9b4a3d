// Package service sequences acquisition, monitoring, maintenance, and
// publishing into one platform cycle.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dealwatch/internal/acquire"
	"dealwatch/internal/config"
	"dealwatch/internal/detect"
	"dealwatch/internal/maintain"
	"dealwatch/internal/monitor"
	"dealwatch/internal/publish"
	"dealwatch/internal/source"
	"dealwatch/internal/storage"
)

// Store is the persistence capability one cycle needs.
type Store interface {
	storage.ItemStore
	storage.CatalogSet
	storage.DeadMarker
	storage.ImageFailStore
	storage.RotationStore
	storage.ObservationStore
}

// AdapterFactory opens a fresh adapter for one platform run.
type AdapterFactory func(platform string, cfg config.PlatformConfig) (source.Adapter, error)

// CycleReport is the structured outcome of one platform cycle.
type CycleReport struct {
	RunID    string
	Platform string
	Mode     string
	Skipped  bool

	Acquired      int
	Shortfall     int
	SourceBlocked bool

	Monitored   int
	Unprocessed int
	Events      int
	Recoveries  int
	Reason      monitor.Reason

	Evicted  int
	Rotated  int
	Refilled int
	Trimmed  int

	Published int

	StartedAt  time.Time
	FinishedAt time.Time
}

// Orchestrator runs platform cycles. At most one cycle per platform is in
// flight; a second trigger is skipped, not queued.
type Orchestrator struct {
	cfg        *config.Config
	store      Store
	locker     storage.AdvisoryLocker
	newAdapter AdapterFactory
	publisher  *publish.Publisher
	logger     zerolog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// New constructs an Orchestrator. The publisher is shared across platforms so
// the posting budget spans the whole process.
func New(cfg *config.Config, store Store, newAdapter AdapterFactory, sink publish.Sink, logger zerolog.Logger) *Orchestrator {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		locker:     locker,
		newAdapter: newAdapter,
		publisher:  publish.NewPublisher(cfg.Publish, sink, store, logger),
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		running:    make(map[string]bool),
	}
}

// RunPlatformCycle executes one full cycle for a platform: decide mode, run
// acquisition or monitoring, maintain the catalog, publish surviving events.
// The adapter is released on every exit path.
func (o *Orchestrator) RunPlatformCycle(ctx context.Context, platform string) (CycleReport, error) {
	report := CycleReport{
		RunID:     uuid.NewString(),
		Platform:  platform,
		StartedAt: time.Now().UTC(),
	}
	logger := o.logger.With().Str("run_id", report.RunID).Str("platform", platform).Logger()

	if !o.tryLock(platform) {
		report.Skipped = true
		logger.Warn().Msg("cycle already in flight; skipping")
		return report, nil
	}
	defer o.unlock(platform)

	unlock, acquired, err := o.lockPlatform(ctx, platform)
	if err != nil {
		return report, fmt.Errorf("acquire platform lock: %w", err)
	}
	if !acquired {
		report.Skipped = true
		logger.Warn().Msg("platform lock held elsewhere; skipping")
		return report, nil
	}
	defer unlock()

	platformCfg, err := o.cfg.Platform(platform)
	if err != nil {
		return report, err
	}

	adapter, err := o.newAdapter(platform, platformCfg)
	if err != nil {
		return report, fmt.Errorf("open adapter: %w", err)
	}
	defer func() {
		if closeErr := adapter.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("adapter close failed")
		}
	}()

	acquirer := acquire.New(adapter, o.cfg.Acquire, logger)
	detector := detect.New(o.store, o.store, o.cfg.Detect, logger)
	monitorLoop := monitor.New(adapter, o.store, detector, o.cfg.Monitor, logger)
	maintainer := maintain.New(o.store, o.store, acquirer, o.cfg.Catalog, logger)

	count, err := o.store.Count(ctx, platform)
	if err != nil {
		return report, fmt.Errorf("count catalog: %w", err)
	}

	if count == 0 {
		report.Mode = "collect"
		if err := o.fillCatalog(ctx, platform, platformCfg, acquirer, &report); err != nil {
			return report, err
		}
	} else {
		report.Mode = "monitor"
	}

	ids, err := o.store.ListIdentifiers(ctx, platform)
	if err != nil {
		return report, fmt.Errorf("list identifiers: %w", err)
	}

	cycle, err := monitorLoop.Run(ctx, platform, ids)
	report.Monitored = len(cycle.Processed)
	report.Unprocessed = len(cycle.Unprocessed)
	report.Events = len(cycle.Events)
	report.Recoveries = cycle.Recoveries
	report.Reason = cycle.Reason
	if err != nil {
		return report, err
	}

	summary, err := maintainer.Maintain(ctx, platform, platformCfg.Topics)
	if err != nil {
		// The next scheduled run retries maintenance; monitoring results
		// are already persisted.
		logger.Error().Err(err).Msg("maintenance pass failed")
	}
	report.Evicted = summary.Evicted
	report.Rotated = summary.Rotated
	report.Refilled = summary.Refilled
	report.Trimmed = summary.Trimmed

	if o.cfg.Publish.Enabled {
		published, err := o.publisher.Flush(ctx, cycle.Events)
		report.Published = published
		if err != nil {
			return report, err
		}
	}

	report.FinishedAt = time.Now().UTC()
	logger.Info().
		Str("mode", report.Mode).
		Int("acquired", report.Acquired).
		Int("monitored", report.Monitored).
		Int("unprocessed", report.Unprocessed).
		Int("events", report.Events).
		Int("evicted", report.Evicted).
		Int("published", report.Published).
		Str("reason", string(report.Reason)).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Msg("platform cycle finished")
	return report, nil
}

// Collect fills an empty or partial catalog to target without monitoring.
func (o *Orchestrator) Collect(ctx context.Context, platform string) (CycleReport, error) {
	report := CycleReport{
		RunID:     uuid.NewString(),
		Platform:  platform,
		Mode:      "collect",
		StartedAt: time.Now().UTC(),
	}

	if !o.tryLock(platform) {
		report.Skipped = true
		return report, nil
	}
	defer o.unlock(platform)

	unlock, acquired, err := o.lockPlatform(ctx, platform)
	if err != nil {
		return report, fmt.Errorf("acquire platform lock: %w", err)
	}
	if !acquired {
		report.Skipped = true
		o.logger.Warn().Str("platform", platform).Msg("platform lock held elsewhere; skipping collect")
		return report, nil
	}
	defer unlock()

	platformCfg, err := o.cfg.Platform(platform)
	if err != nil {
		return report, err
	}

	adapter, err := o.newAdapter(platform, platformCfg)
	if err != nil {
		return report, fmt.Errorf("open adapter: %w", err)
	}
	defer adapter.Close()

	acquirer := acquire.New(adapter, o.cfg.Acquire, o.logger)
	if err := o.fillCatalog(ctx, platform, platformCfg, acquirer, &report); err != nil {
		return report, err
	}

	report.FinishedAt = time.Now().UTC()
	return report, nil
}

func (o *Orchestrator) fillCatalog(ctx context.Context, platform string, platformCfg config.PlatformConfig, acquirer *acquire.Acquirer, report *CycleReport) error {
	ids, err := o.store.ListIdentifiers(ctx, platform)
	if err != nil {
		return fmt.Errorf("list identifiers: %w", err)
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}

	result, err := acquirer.Acquire(ctx, platformCfg.Topics, o.cfg.Catalog.TargetCount, known)
	if err != nil {
		return err
	}
	report.Shortfall = result.Shortfall
	report.SourceBlocked = result.SourceBlocked

	if len(result.Found) == 0 {
		return nil
	}

	items := make([]storage.NewItem, 0, len(result.Found))
	for _, entry := range result.Found {
		items = append(items, storage.NewItem{ExternalID: entry.ID, Topic: entry.Topic})
	}
	added, err := o.store.AddItems(ctx, platform, items)
	if err != nil {
		return fmt.Errorf("persist acquired identifiers: %w", err)
	}
	report.Acquired = added
	return nil
}

// lockPlatform takes the cross-process advisory lock for a platform. Catalog
// membership only changes while it is held, so CLI admin commands and runs in
// other processes are excluded too, not just goroutines in this one.
func (o *Orchestrator) lockPlatform(ctx context.Context, platform string) (func(), bool, error) {
	if o.locker == nil {
		return func() {}, true, nil
	}
	return o.locker.TryAdvisoryLock(ctx, storage.PlatformLockKey(platform))
}

func (o *Orchestrator) tryLock(platform string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[platform] {
		return false
	}
	o.running[platform] = true
	return true
}

func (o *Orchestrator) unlock(platform string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, platform)
}
