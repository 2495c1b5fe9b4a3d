// Package app aggregates configuration and shared dependencies for the CLI
// commands.
package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"dealwatch/internal/config"
	"dealwatch/internal/marketplace"
	"dealwatch/internal/publish"
	"dealwatch/internal/scheduler"
	"dealwatch/internal/service"
	"dealwatch/internal/source"
	"dealwatch/internal/storage"
)

// App is the application handle shared by all commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is not configured")
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) newSink() publish.Sink {
	if !a.Config.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Telegram
	return publish.NewTelegramSink(cfg.BotToken, cfg.ChannelID, cfg.APIBase, 10*time.Second, a.Logger)
}

func (a *App) adapterFactory() service.AdapterFactory {
	return func(platform string, cfg config.PlatformConfig) (source.Adapter, error) {
		return marketplace.New(platform, cfg, a.Logger), nil
	}
}

func (a *App) newOrchestrator(store *storage.Store) *service.Orchestrator {
	return service.New(a.Config, store, a.adapterFactory(), a.newSink(), a.Logger)
}

func (a *App) enabledPlatforms() map[string]time.Duration {
	platforms := make(map[string]time.Duration)
	for name, p := range a.Config.Platforms {
		if p.Enabled {
			platforms[name] = p.Interval
		}
	}
	return platforms
}

// Run executes the long-running monitoring service across all enabled
// platforms.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	platforms := a.enabledPlatforms()
	if len(platforms) == 0 {
		return errors.New("no enabled platforms configured")
	}

	orch := a.newOrchestrator(store)
	sched := scheduler.New(scheduler.Options{
		Platforms:      platforms,
		RunImmediately: true,
	}, a.Logger)

	a.Logger.Info().Int("platforms", len(platforms)).Msg("starting monitoring service")
	err = sched.Run(ctx, func(ctx context.Context, platform string) error {
		_, runErr := orch.RunPlatformCycle(ctx, platform)
		return runErr
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting one item's history.
type ExportOptions struct {
	Platform  string
	ID        string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Platform string
	Limit    int
}
