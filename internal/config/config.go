// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-harvester/internal/extract"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// EnvPrefix prefixes every environment override, e.g.
// HARVEST_RETRY_MAX_ATTEMPTS=5.
const EnvPrefix = "HARVEST"

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Input     InputConfig     `mapstructure:"input"`
	Output    OutputConfig    `mapstructure:"output"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Frontier  FrontierConfig  `mapstructure:"frontier"`
	Session   SessionConfig   `mapstructure:"session"`
	AntiBot   AntiBotConfig   `mapstructure:"antibot"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Run       RunConfig       `mapstructure:"run"`
	Gate      GateConfig      `mapstructure:"gate"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Server    ServerConfig    `mapstructure:"server"`
	Discover  DiscoverConfig  `mapstructure:"discover"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// InputConfig locates the URL frontier.
type InputConfig struct {
	URLsFile string `mapstructure:"urls_file"`
}

// OutputConfig selects the checkpoint backend and file locations.
type OutputConfig struct {
	Backend        string `mapstructure:"backend"`
	CheckpointFile string `mapstructure:"checkpoint_file"`
	FailureLog     string `mapstructure:"failure_log"`
}

// PostgresConfig controls the Postgres checkpoint backend.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// FrontierConfig controls item id derivation.
type FrontierConfig struct {
	IDPattern    string `mapstructure:"id_pattern"`
	HashFallback bool   `mapstructure:"hash_fallback"`
}

// SessionConfig configures the browser driver.
type SessionConfig struct {
	Driver           string         `mapstructure:"driver"`
	Headless         bool           `mapstructure:"headless"`
	UserAgent        string         `mapstructure:"user_agent"`
	Stealth          bool           `mapstructure:"stealth"`
	WindowWidth      int            `mapstructure:"window_width"`
	WindowHeight     int            `mapstructure:"window_height"`
	NavTimeout       time.Duration  `mapstructure:"nav_timeout"`
	ReadySelector    string         `mapstructure:"ready_selector"`
	ReadyTimeout     time.Duration  `mapstructure:"ready_timeout"`
	NotFoundSelector string         `mapstructure:"not_found_selector"`
	NotFoundText     string         `mapstructure:"not_found_text"`
	StepTimeout      time.Duration  `mapstructure:"step_timeout"`
	CrashSignatures  []string       `mapstructure:"crash_signatures"`
	Identity         IdentityConfig `mapstructure:"identity"`
}

// IdentityConfig lists the steps that pin city and pickup store.
type IdentityConfig struct {
	Steps []harvest.IdentityStep `mapstructure:"steps"`
}

// AntiBotConfig lists challenge page markers.
type AntiBotConfig struct {
	Titles      []string `mapstructure:"titles"`
	BodyMarkers []string `mapstructure:"body_markers"`
}

// ExtractConfig holds the page selectors.
type ExtractConfig struct {
	Selectors      extract.Selectors `mapstructure:"selectors"`
	DescriptionKey string            `mapstructure:"description_key"`
	DefaultStock   string            `mapstructure:"default_stock"`
	DefaultName    string            `mapstructure:"default_name"`
	AbsentPrice    string            `mapstructure:"absent_price"`
}

// RetryConfig tunes the per-item retry loop.
type RetryConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	TransientBase      time.Duration `mapstructure:"transient_base"`
	TransientJitter    time.Duration `mapstructure:"transient_jitter"`
	MaxSessionRestarts int           `mapstructure:"max_session_restarts"`
	CrashRecoveryWait  time.Duration `mapstructure:"crash_recovery_wait"`
}

// ChallengeConfig tunes anti-bot backoff.
type ChallengeConfig struct {
	Schedule  []time.Duration `mapstructure:"schedule"`
	MaxCycles int             `mapstructure:"max_cycles"`
}

// RunConfig tunes the orchestrator loop.
type RunConfig struct {
	RestartEvery      int           `mapstructure:"restart_every"`
	PauseMin          time.Duration `mapstructure:"pause_min"`
	PauseMax          time.Duration `mapstructure:"pause_max"`
	SoftFailIsPartial bool          `mapstructure:"soft_fail_is_partial"`
}

// GateConfig picks how an operator releases a stalled challenge.
type GateConfig struct {
	Mode string        `mapstructure:"mode"`
	Wait time.Duration `mapstructure:"wait"`
}

// NotifyConfig configures operator notification sinks.
type NotifyConfig struct {
	BufferSize  int            `mapstructure:"buffer_size"`
	SinkTimeout time.Duration  `mapstructure:"sink_timeout"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
	PubSub      PubSubConfig   `mapstructure:"pubsub"`
}

// TelegramConfig configures the Telegram bot sink.
type TelegramConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Token       string        `mapstructure:"token"`
	ChatID      string        `mapstructure:"chat_id"`
	BaseURL     string        `mapstructure:"base_url"`
	Tag         string        `mapstructure:"tag"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DebugConfig controls best-effort page snapshots.
type DebugConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	APIKey  string `mapstructure:"api_key"`
}

// DiscoverConfig drives catalog link discovery.
type DiscoverConfig struct {
	RootURL         string        `mapstructure:"root_url"`
	CatalogSelector string        `mapstructure:"catalog_selector"`
	CatalogsFile    string        `mapstructure:"catalogs_file"`
	ExcludeFile     string        `mapstructure:"exclude_file"`
	ProductSelector string        `mapstructure:"product_selector"`
	ProductPattern  string        `mapstructure:"product_pattern"`
	NextSelector    string        `mapstructure:"next_selector"`
	MaxPages        int           `mapstructure:"max_pages"`
	UserAgent       string        `mapstructure:"user_agent"`
	Delay           time.Duration `mapstructure:"delay"`
	Parallelism     int           `mapstructure:"parallelism"`
}

// Load builds a Config from an optional .env file, an optional config file,
// and HARVEST_* environment variables, in increasing precedence.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("input.urls_file", "in/product_links_for_get_data.txt")
	v.SetDefault("output.backend", "file")
	v.SetDefault("output.checkpoint_file", "out/data.json")
	v.SetDefault("output.failure_log", "out/articles_with_bad_req.txt")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.table", "harvest_checkpoint")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("postgres.max_conn_lifetime", "30m")

	v.SetDefault("frontier.id_pattern", `-(\d+)/?$`)
	v.SetDefault("frontier.hash_fallback", false)

	v.SetDefault("session.driver", "chromedp")
	v.SetDefault("session.headless", true)
	v.SetDefault("session.user_agent", "")
	v.SetDefault("session.stealth", true)
	v.SetDefault("session.window_width", 1366)
	v.SetDefault("session.window_height", 900)
	v.SetDefault("session.nav_timeout", "60s")
	v.SetDefault("session.ready_selector", ".product-cart")
	v.SetDefault("session.ready_timeout", "7s")
	v.SetDefault("session.not_found_selector", "h1")
	v.SetDefault("session.not_found_text", "Товар не найден")
	v.SetDefault("session.step_timeout", "15s")
	v.SetDefault("session.crash_signatures", []string{"crashed", "target closed", "browser has disconnected"})
	v.SetDefault("session.identity.steps", []map[string]any{})

	v.SetDefault("antibot.titles", []string{"DDoS-Guard"})
	v.SetDefault("antibot.body_markers", []string{})

	sel := extract.DefaultSelectors()
	v.SetDefault("extract.selectors.price_block", sel.PriceBlock)
	v.SetDefault("extract.selectors.price_int", sel.PriceInt)
	v.SetDefault("extract.selectors.price_frac", sel.PriceFrac)
	v.SetDefault("extract.selectors.name", sel.Name)
	v.SetDefault("extract.selectors.stock", sel.Stock)
	v.SetDefault("extract.selectors.nutrition_item", sel.NutritionItem)
	v.SetDefault("extract.selectors.nutrition_name", sel.NutritionName)
	v.SetDefault("extract.selectors.nutrition_value", sel.NutritionValue)
	v.SetDefault("extract.selectors.params", sel.Params)
	v.SetDefault("extract.selectors.params_columns_class", sel.ParamsColumns)
	v.SetDefault("extract.selectors.params_item", sel.ParamsItem)
	v.SetDefault("extract.selectors.params_name", sel.ParamsName)
	v.SetDefault("extract.selectors.params_value", sel.ParamsValue)
	v.SetDefault("extract.selectors.images", sel.Images)
	v.SetDefault("extract.selectors.image_attr", sel.ImageAttr)
	v.SetDefault("extract.description_key", "описание")
	v.SetDefault("extract.default_stock", "В наличии")
	v.SetDefault("extract.default_name", "-")
	v.SetDefault("extract.absent_price", string(extract.AbsentSoftFail))

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.transient_base", "10s")
	v.SetDefault("retry.transient_jitter", "5s")
	v.SetDefault("retry.max_session_restarts", 3)
	v.SetDefault("retry.crash_recovery_wait", "300s")

	v.SetDefault("challenge.schedule", []string{"60s", "500s", "3000s"})
	v.SetDefault("challenge.max_cycles", 0)

	v.SetDefault("run.restart_every", 100)
	v.SetDefault("run.pause_min", "3s")
	v.SetDefault("run.pause_max", "7s")
	v.SetDefault("run.soft_fail_is_partial", false)

	v.SetDefault("gate.mode", "timed")
	v.SetDefault("gate.wait", "30m")

	v.SetDefault("notify.buffer_size", 256)
	v.SetDefault("notify.sink_timeout", "15s")
	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.token", "")
	v.SetDefault("notify.telegram.chat_id", "")
	v.SetDefault("notify.telegram.base_url", "https://api.telegram.org")
	v.SetDefault("notify.telegram.tag", "harvester")
	v.SetDefault("notify.telegram.min_interval", "1s")
	v.SetDefault("notify.pubsub.enabled", false)
	v.SetDefault("notify.pubsub.project_id", "")
	v.SetDefault("notify.pubsub.topic_name", "")

	v.SetDefault("debug.enabled", true)
	v.SetDefault("debug.backend", "local")
	v.SetDefault("debug.local_dir", "debug_screenshots")
	v.SetDefault("debug.gcs_bucket", "")
	v.SetDefault("debug.prefix", "snapshots")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", ":9090")
	v.SetDefault("server.api_key", "")

	v.SetDefault("discover.root_url", "")
	v.SetDefault("discover.catalog_selector", "")
	v.SetDefault("discover.catalogs_file", "")
	v.SetDefault("discover.exclude_file", "in/bad_catalogs.txt")
	v.SetDefault("discover.product_selector", ".card-product-content__title[href]")
	v.SetDefault("discover.product_pattern", `-\d+/?$`)
	v.SetDefault("discover.next_selector", "")
	v.SetDefault("discover.max_pages", 500)
	v.SetDefault("discover.user_agent", "")
	v.SetDefault("discover.delay", "1s")
	v.SetDefault("discover.parallelism", 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Input.URLsFile == "" {
		return fmt.Errorf("input.urls_file must be set")
	}
	switch c.Output.Backend {
	case "file":
		if c.Output.CheckpointFile == "" {
			return fmt.Errorf("output.checkpoint_file must be set for the file backend")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("output.backend must be file or postgres, got %q", c.Output.Backend)
	}
	if c.Output.FailureLog == "" {
		return fmt.Errorf("output.failure_log must be set")
	}
	if c.Session.Driver != "chromedp" && c.Session.Driver != "playwright" {
		return fmt.Errorf("session.driver must be chromedp or playwright, got %q", c.Session.Driver)
	}
	if c.Session.NavTimeout <= 0 {
		return fmt.Errorf("session.nav_timeout must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.TransientBase < 0 || c.Retry.TransientJitter < 0 {
		return fmt.Errorf("retry.transient_base and retry.transient_jitter must be >= 0")
	}
	if len(c.Challenge.Schedule) == 0 {
		return fmt.Errorf("challenge.schedule must not be empty")
	}
	if c.Challenge.MaxCycles < 0 {
		return fmt.Errorf("challenge.max_cycles must be >= 0")
	}
	if c.Run.RestartEvery < 0 {
		return fmt.Errorf("run.restart_every must be >= 0")
	}
	if c.Run.PauseMin < 0 || c.Run.PauseMax < c.Run.PauseMin {
		return fmt.Errorf("run.pause_min must be >= 0 and <= run.pause_max")
	}
	switch extract.AbsentPricePolicy(c.Extract.AbsentPrice) {
	case extract.AbsentSoftFail, extract.AbsentZeroPrice:
	default:
		return fmt.Errorf("extract.absent_price must be soft-fail or zero-price, got %q", c.Extract.AbsentPrice)
	}
	if c.Gate.Mode != "timed" && c.Gate.Mode != "stdin" {
		return fmt.Errorf("gate.mode must be timed or stdin, got %q", c.Gate.Mode)
	}
	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.Token == "" || c.Notify.Telegram.ChatID == "") {
		return fmt.Errorf("notify.telegram.token and notify.telegram.chat_id must be set when telegram is enabled")
	}
	if c.Notify.PubSub.Enabled && (c.Notify.PubSub.ProjectID == "" || c.Notify.PubSub.TopicName == "") {
		return fmt.Errorf("notify.pubsub.project_id and notify.pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Debug.Enabled {
		switch c.Debug.Backend {
		case "local":
			if c.Debug.LocalDir == "" {
				return fmt.Errorf("debug.local_dir must be set for the local backend")
			}
		case "gcs":
			if c.Debug.GCSBucket == "" {
				return fmt.Errorf("debug.gcs_bucket must be set for the gcs backend")
			}
		default:
			return fmt.Errorf("debug.backend must be local or gcs, got %q", c.Debug.Backend)
		}
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set when the server is enabled")
	}
	return nil
}

// ValidateDiscover checks the settings the discover command needs.
func (c Config) ValidateDiscover() error {
	d := c.Discover
	if d.RootURL == "" && d.CatalogsFile == "" {
		return fmt.Errorf("discover.root_url or discover.catalogs_file must be set")
	}
	if d.RootURL != "" && d.CatalogsFile == "" && d.CatalogSelector == "" {
		return fmt.Errorf("discover.catalog_selector must be set with discover.root_url")
	}
	if d.ProductSelector == "" {
		return fmt.Errorf("discover.product_selector must be set")
	}
	if d.Parallelism <= 0 {
		return fmt.Errorf("discover.parallelism must be > 0")
	}
	return nil
}
