package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.App.Name != "dealwatch" {
		t.Errorf("app name = %q, want dealwatch", cfg.App.Name)
	}
	if cfg.Catalog.TargetCount != 3000 {
		t.Errorf("target count = %d, want 3000", cfg.Catalog.TargetCount)
	}
	if cfg.Acquire.StepDelay != 1200*time.Millisecond {
		t.Errorf("step delay = %v, want 1.2s", cfg.Acquire.StepDelay)
	}
	if cfg.Monitor.Cooldown != 2*time.Minute {
		t.Errorf("cooldown = %v, want 2m", cfg.Monitor.Cooldown)
	}
	if cfg.Detect.StabilityWindow != 2 {
		t.Errorf("stability window = %d, want 2", cfg.Detect.StabilityWindow)
	}
	if cfg.Publish.Enabled {
		t.Error("publishing should be disabled by default")
	}
	if cfg.Telegram.APIBase != "https://api.telegram.org" {
		t.Errorf("telegram api base = %q", cfg.Telegram.APIBase)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
catalog:
  target_count: 150
  rotation_fraction: 0.5
monitor:
  cooldown: 45s
platforms:
  shopmart:
    enabled: true
    interval: 30m
    base_url: https://shopmart.example
    topics:
      - laptops
      - monitors
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Catalog.TargetCount != 150 {
		t.Errorf("target count = %d, want 150", cfg.Catalog.TargetCount)
	}
	if cfg.Catalog.RotationFraction != 0.5 {
		t.Errorf("rotation fraction = %v, want 0.5", cfg.Catalog.RotationFraction)
	}
	if cfg.Monitor.Cooldown != 45*time.Second {
		t.Errorf("cooldown = %v, want 45s", cfg.Monitor.Cooldown)
	}

	p, err := cfg.Platform("shopmart")
	if err != nil {
		t.Fatalf("Platform: %v", err)
	}
	if !p.Enabled || p.Interval != 30*time.Minute || len(p.Topics) != 2 {
		t.Errorf("unexpected platform config: %+v", p)
	}

	if _, err := cfg.Platform("unknown"); err == nil {
		t.Error("expected error for unconfigured platform")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "zero target count",
			mutate:  func(c *Config) { c.Catalog.TargetCount = 0 },
			wantSub: "target_count",
		},
		{
			name:    "rotation fraction above one",
			mutate:  func(c *Config) { c.Catalog.RotationFraction = 1.5 },
			wantSub: "rotation_fraction",
		},
		{
			name:    "stability window below one",
			mutate:  func(c *Config) { c.Detect.StabilityWindow = 0 },
			wantSub: "stability_window",
		},
		{
			name:    "zero max errors",
			mutate:  func(c *Config) { c.Monitor.MaxErrors = 0 },
			wantSub: "max_errors",
		},
		{
			name:    "zero passes",
			mutate:  func(c *Config) { c.Acquire.MaxPasses = 0 },
			wantSub: "max_passes",
		},
		{
			name: "enabled platform without topics",
			mutate: func(c *Config) {
				c.Platforms = map[string]PlatformConfig{
					"shopmart": {Enabled: true, Interval: time.Hour},
				}
			},
			wantSub: "topics",
		},
		{
			name: "telegram enabled without token",
			mutate: func(c *Config) {
				c.Telegram.Enabled = true
				c.Telegram.ChannelID = "@deals"
			},
			wantSub: "bot_token",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestValidateAllowsDisabledPlatformWithoutTopics(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Platforms = map[string]PlatformConfig{
		"paused": {Enabled: false},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 5000}}
	if got := cfg.ResolveMaxPoints(0); got != 5000 {
		t.Errorf("default = %d, want 5000", got)
	}
	if got := cfg.ResolveMaxPoints(250); got != 250 {
		t.Errorf("override = %d, want 250", got)
	}
}
