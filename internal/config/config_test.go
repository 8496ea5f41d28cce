package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Input.URLsFile != "in/product_links_for_get_data.txt" {
		t.Fatalf("unexpected urls file %q", cfg.Input.URLsFile)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.TransientBase != 10*time.Second || cfg.Retry.CrashRecoveryWait != 300*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	want := []time.Duration{60 * time.Second, 500 * time.Second, 3000 * time.Second}
	if len(cfg.Challenge.Schedule) != len(want) {
		t.Fatalf("unexpected schedule %v", cfg.Challenge.Schedule)
	}
	for i := range want {
		if cfg.Challenge.Schedule[i] != want[i] {
			t.Fatalf("schedule[%d] = %v, want %v", i, cfg.Challenge.Schedule[i], want[i])
		}
	}
	if cfg.Run.RestartEvery != 100 || cfg.Run.PauseMin != 3*time.Second || cfg.Run.PauseMax != 7*time.Second {
		t.Fatalf("unexpected run defaults: %+v", cfg.Run)
	}
	if cfg.Extract.Selectors.PriceBlock != ".product-cart" || cfg.Extract.AbsentPrice != "soft-fail" {
		t.Fatalf("unexpected extract defaults: %+v", cfg.Extract)
	}
	if len(cfg.AntiBot.Titles) != 1 || cfg.AntiBot.Titles[0] != "DDoS-Guard" {
		t.Fatalf("unexpected antibot titles %v", cfg.AntiBot.Titles)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
output:
  backend: postgres
postgres:
  dsn: postgres://harvest@localhost/harvest
session:
  driver: playwright
  nav_timeout: 45s
  identity:
    steps:
      - action: navigate
        target: https://shop.example/
      - action: click_text
        target: Нет, выбрать другой
        pause: 2s
      - action: click_text
        target: Выбрать
        optional: true
challenge:
  schedule: [1m, 10m]
  max_cycles: 2
notify:
  telegram:
    enabled: true
    token: abc
    chat_id: "42"
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Output.Backend != "postgres" || cfg.Postgres.Table != "harvest_checkpoint" {
		t.Fatalf("expected postgres backend with default table: %+v %+v", cfg.Output, cfg.Postgres)
	}
	if cfg.Session.Driver != "playwright" || cfg.Session.NavTimeout != 45*time.Second {
		t.Fatalf("expected session overrides: %+v", cfg.Session)
	}
	steps := cfg.Session.Identity.Steps
	if len(steps) != 3 {
		t.Fatalf("expected 3 identity steps, got %d", len(steps))
	}
	if steps[1].Action != harvest.StepClickText || steps[1].Pause != 2*time.Second || steps[1].Optional {
		t.Fatalf("unexpected step: %+v", steps[1])
	}
	if !steps[2].Optional {
		t.Fatalf("expected optional step: %+v", steps[2])
	}
	if len(cfg.Challenge.Schedule) != 2 || cfg.Challenge.Schedule[1] != 10*time.Minute || cfg.Challenge.MaxCycles != 2 {
		t.Fatalf("unexpected challenge config: %+v", cfg.Challenge)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HARVEST_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("HARVEST_NOTIFY_TELEGRAM_TOKEN", "from-env")
	t.Setenv("HARVEST_INPUT_URLS_FILE", "links.txt")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("expected env max attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Notify.Telegram.Token != "from-env" {
		t.Fatalf("expected env token, got %q", cfg.Notify.Telegram.Token)
	}
	if cfg.Input.URLsFile != "links.txt" {
		t.Fatalf("expected env urls file, got %q", cfg.Input.URLsFile)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := validConfig(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Output.Backend = "s3" }, "output.backend"},
		{"postgres without dsn", func(c *Config) { c.Output.Backend = "postgres" }, "postgres.dsn"},
		{"unknown driver", func(c *Config) { c.Session.Driver = "selenium" }, "session.driver"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"empty schedule", func(c *Config) { c.Challenge.Schedule = nil }, "challenge.schedule"},
		{"inverted pause", func(c *Config) { c.Run.PauseMin = 10 * time.Second }, "run.pause_min"},
		{"bad absent policy", func(c *Config) { c.Extract.AbsentPrice = "maybe" }, "extract.absent_price"},
		{"bad gate", func(c *Config) { c.Gate.Mode = "slack" }, "gate.mode"},
		{"telegram without token", func(c *Config) { c.Notify.Telegram.Enabled = true }, "notify.telegram"},
		{"pubsub without topic", func(c *Config) { c.Notify.PubSub.Enabled = true }, "notify.pubsub"},
		{"gcs without bucket", func(c *Config) { c.Debug.Backend = "gcs" }, "debug.gcs_bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateDiscover(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	if err := cfg.ValidateDiscover(); err == nil || !strings.Contains(err.Error(), "discover.root_url") {
		t.Fatalf("expected root url error, got %v", err)
	}
	cfg.Discover.RootURL = "https://shop.example/"
	if err := cfg.ValidateDiscover(); err == nil || !strings.Contains(err.Error(), "discover.catalog_selector") {
		t.Fatalf("expected catalog selector error, got %v", err)
	}
	cfg.Discover.CatalogSelector = ".catalog a[href]"
	if err := cfg.ValidateDiscover(); err != nil {
		t.Fatalf("ValidateDiscover() error = %v", err)
	}
}
