package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"dealwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig                 `mapstructure:"app"`
	Logging   logging.Config            `mapstructure:"logging"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Platforms map[string]PlatformConfig `mapstructure:"platforms"`
	Catalog   CatalogConfig             `mapstructure:"catalog"`
	Acquire   AcquireConfig             `mapstructure:"acquire"`
	Monitor   MonitorConfig             `mapstructure:"monitor"`
	Detect    DetectConfig              `mapstructure:"detect"`
	Publish   PublishConfig             `mapstructure:"publish"`
	Telegram  TelegramConfig            `mapstructure:"telegram"`
	Export    ExportConfig              `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// PlatformConfig describes one tracked marketplace.
type PlatformConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	BaseURL        string        `mapstructure:"base_url"`
	SearchPath     string        `mapstructure:"search_path"`
	DetailPath     string        `mapstructure:"detail_path"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Topics         []string      `mapstructure:"topics"`
}

// CatalogConfig governs catalog size and maintenance.
type CatalogConfig struct {
	TargetCount      int     `mapstructure:"target_count"`
	DeadAfter        int     `mapstructure:"dead_after"`
	NoImageAfter     int     `mapstructure:"no_image_after"`
	RotationEnabled  bool    `mapstructure:"rotation_enabled"`
	RotationDays     int     `mapstructure:"rotation_days"`
	RotationFraction float64 `mapstructure:"rotation_fraction"`
}

// AcquireConfig paces the catalog acquisition crawl.
type AcquireConfig struct {
	QuietStepsStop int           `mapstructure:"quiet_steps_stop"`
	MaxListSteps   int           `mapstructure:"max_list_steps"`
	StepDelay      time.Duration `mapstructure:"step_delay"`
	MaxPasses      int           `mapstructure:"max_passes"`
}

// MonitorConfig tunes the per-identifier monitoring loop.
type MonitorConfig struct {
	MaxErrors     int           `mapstructure:"max_errors"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	MaxRecoveries int           `mapstructure:"max_recoveries"`
	ItemDelay     time.Duration `mapstructure:"item_delay"`
	ErrorDelay    time.Duration `mapstructure:"error_delay"`
}

// DetectConfig controls baseline stabilization.
type DetectConfig struct {
	StabilityWindow int `mapstructure:"stability_window"`
}

// PublishConfig defines publish thresholds and the posting budget.
type PublishConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	MinPriceDropPercent float64       `mapstructure:"min_price_drop_percent"`
	MinDiscountIncrease float64       `mapstructure:"min_discount_increase"`
	MaxPostsPerHour     int           `mapstructure:"max_posts_per_hour"`
	PostDelay           time.Duration `mapstructure:"post_delay"`
	MinPrice            float64       `mapstructure:"min_price"`
	MaxPrice            float64       `mapstructure:"max_price"`
}

// TelegramConfig describes the delivery channel.
type TelegramConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	BotToken  string `mapstructure:"bot_token"`
	ChannelID string `mapstructure:"channel_id"`
	APIBase   string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEALWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dealwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("catalog.target_count", 3000)
	v.SetDefault("catalog.dead_after", 3)
	v.SetDefault("catalog.no_image_after", 3)
	v.SetDefault("catalog.rotation_enabled", true)
	v.SetDefault("catalog.rotation_days", 7)
	v.SetDefault("catalog.rotation_fraction", 0.2)

	v.SetDefault("acquire.quiet_steps_stop", 30)
	v.SetDefault("acquire.max_list_steps", 500)
	v.SetDefault("acquire.step_delay", "1200ms")
	v.SetDefault("acquire.max_passes", 2)

	v.SetDefault("monitor.max_errors", 10)
	v.SetDefault("monitor.cooldown", "2m")
	v.SetDefault("monitor.max_recoveries", 3)
	v.SetDefault("monitor.item_delay", "300ms")
	v.SetDefault("monitor.error_delay", "2s")

	v.SetDefault("detect.stability_window", 2)

	v.SetDefault("publish.enabled", false)
	v.SetDefault("publish.min_price_drop_percent", 1.0)
	v.SetDefault("publish.min_discount_increase", 5.0)
	v.SetDefault("publish.max_posts_per_hour", 50)
	v.SetDefault("publish.post_delay", "3s")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Catalog.TargetCount <= 0 {
		return fmt.Errorf("catalog.target_count must be greater than zero")
	}
	if c.Catalog.DeadAfter <= 0 {
		return fmt.Errorf("catalog.dead_after must be greater than zero")
	}
	if c.Catalog.RotationFraction < 0 || c.Catalog.RotationFraction > 1 {
		return fmt.Errorf("catalog.rotation_fraction must be within [0, 1]")
	}
	if c.Detect.StabilityWindow < 1 {
		return fmt.Errorf("detect.stability_window must be at least 1")
	}
	if c.Monitor.MaxErrors <= 0 {
		return fmt.Errorf("monitor.max_errors must be greater than zero")
	}
	if c.Monitor.MaxRecoveries < 0 {
		return fmt.Errorf("monitor.max_recoveries cannot be negative")
	}
	if c.Acquire.QuietStepsStop <= 0 {
		return fmt.Errorf("acquire.quiet_steps_stop must be greater than zero")
	}
	if c.Acquire.MaxPasses < 1 {
		return fmt.Errorf("acquire.max_passes must be at least 1")
	}
	if c.Publish.MinPriceDropPercent < 0 {
		return fmt.Errorf("publish.min_price_drop_percent cannot be negative")
	}
	if c.Publish.MinDiscountIncrease < 0 {
		return fmt.Errorf("publish.min_discount_increase cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for name, p := range c.Platforms {
		if !p.Enabled {
			continue
		}
		if p.Interval <= 0 {
			return fmt.Errorf("platforms.%s.interval must be greater than zero", name)
		}
		if len(p.Topics) == 0 {
			return fmt.Errorf("platforms.%s.topics must not be empty", name)
		}
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token must be configured")
		}
		if c.Telegram.ChannelID == "" {
			return fmt.Errorf("telegram.channel_id must be configured")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Platform returns the configuration for a named platform.
func (c *Config) Platform(name string) (PlatformConfig, error) {
	p, ok := c.Platforms[name]
	if !ok {
		return PlatformConfig{}, fmt.Errorf("platform %q is not configured", name)
	}
	return p, nil
}
