package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"dealwatch/internal/acquire"
	"dealwatch/internal/maintain"
	"dealwatch/internal/marketplace"
	"dealwatch/internal/storage"
)

// withPlatformLock serializes administrative catalog mutations against
// scheduled cycles for the same platform.
func (a *App) withPlatformLock(ctx context.Context, store *storage.Store, platform string, fn func() error) error {
	unlock, acquired, err := store.TryAdvisoryLock(ctx, storage.PlatformLockKey(platform))
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("platform %s has a run in progress; try again later", platform)
	}
	defer unlock()
	return fn()
}

// CatalogAdd inserts identifiers into a platform catalog.
func (a *App) CatalogAdd(ctx context.Context, platform, topic string, ids []string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return a.withPlatformLock(ctx, store, platform, func() error {
		items := make([]storage.NewItem, 0, len(ids))
		for _, id := range ids {
			items = append(items, storage.NewItem{ExternalID: id, Topic: topic})
		}
		added, err := store.AddItems(ctx, platform, items)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "added %d of %d identifiers\n", added, len(ids))
		return nil
	})
}

// CatalogRemove deletes identifiers from a platform catalog.
func (a *App) CatalogRemove(ctx context.Context, platform string, ids []string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return a.withPlatformLock(ctx, store, platform, func() error {
		removed, err := store.RemoveIdentifiers(ctx, platform, ids)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "removed %d identifiers\n", removed)
		return nil
	})
}

// CatalogCount prints the catalog size for a platform.
func (a *App) CatalogCount(ctx context.Context, platform string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	count, err := store.Count(ctx, platform)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s: %d tracked identifiers (target %d)\n",
		platform, count, a.Config.Catalog.TargetCount)
	return nil
}

// CatalogRotate forces a rotation pass and refills toward target.
func (a *App) CatalogRotate(ctx context.Context, platform string) error {
	platformCfg, err := a.Config.Platform(platform)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return a.withPlatformLock(ctx, store, platform, func() error {
		adapter := marketplace.New(platform, platformCfg, a.Logger)
		defer adapter.Close()

		acquirer := acquire.New(adapter, a.Config.Acquire, a.Logger)
		maintainer := maintain.New(store, store, acquirer, a.Config.Catalog, a.Logger)

		rotated, err := maintainer.Rotate(ctx, platform)
		if err != nil {
			return err
		}
		refilled, err := maintainer.RefillIfBelow(ctx, platform, platformCfg.Topics, a.Config.Catalog.TargetCount)
		if err != nil {
			return err
		}
		if err := store.MarkRotation(ctx, platform, time.Now().UTC()); err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "rotated %d identifiers, refilled %d\n", rotated, refilled)
		return nil
	})
}
