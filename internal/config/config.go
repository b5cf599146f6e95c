package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"spend-optimizer/internal/logging"
)

// Feed modes.
const (
	FeedHTTP = "http"
	FeedFile = "file"
)

// Apply modes.
const (
	ApplyLog     = "log"
	ApplyWebhook = "webhook"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Apply       ApplyConfig       `mapstructure:"apply"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Export      ExportConfig      `mapstructure:"export"`
	Attribution AttributionConfig `mapstructure:"attribution"`
	ABTest      ABTestConfig      `mapstructure:"abtest"`
	Budget      BudgetConfig      `mapstructure:"budget"`
	Allocator   AllocatorConfig   `mapstructure:"allocator"`
	Insights    InsightsConfig    `mapstructure:"insights"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN keeps
// everything in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	Retention       time.Duration `mapstructure:"retention"`
}

// RedisConfig enables the cross-host store lock.
type RedisConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	LockPrefix string        `mapstructure:"lock_prefix"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// SchedulerConfig governs cycle cadence and windows.
type SchedulerConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	AlignToBucket    bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey  int64         `mapstructure:"advisory_lock_key"`
	StartupDelay     time.Duration `mapstructure:"startup_delay"`
	Workers          int           `mapstructure:"workers"`
	TrailingWindow   time.Duration `mapstructure:"trailing_window"`
	ComparisonWindow time.Duration `mapstructure:"comparison_window"`
}

// FeedConfig selects where platform data comes from.
type FeedConfig struct {
	Mode                string        `mapstructure:"mode"`
	BaseURL             string        `mapstructure:"base_url"`
	Token               string        `mapstructure:"token"`
	File                string        `mapstructure:"file"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	UserAgent           string        `mapstructure:"user_agent"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBase           time.Duration `mapstructure:"retry_base"`
	MetaPurchaseActions []string      `mapstructure:"meta_purchase_actions"`
}

// ApplyConfig selects where change sets go.
type ApplyConfig struct {
	Mode           string        `mapstructure:"mode"`
	WebhookURL     string        `mapstructure:"webhook_url"`
	Secret         string        `mapstructure:"secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines insight routing.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	MinPriority string         `mapstructure:"min_priority"`
	Channels    []string       `mapstructure:"channels"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram notifier.
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	APIBase        string        `mapstructure:"api_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// HTTPConfig configures the ops server.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// AttributionConfig selects the models computed each cycle.
type AttributionConfig struct {
	Models   []string      `mapstructure:"models"`
	HalfLife time.Duration `mapstructure:"half_life"`
}

// ABTestConfig holds variant tester thresholds.
type ABTestConfig struct {
	Method             string  `mapstructure:"method"`
	MinSampleSize      int64   `mapstructure:"min_sample_size"`
	MinPerformanceDiff float64 `mapstructure:"min_performance_diff"`
	PauseDiff          float64 `mapstructure:"pause_diff"`
	PauseROAS          float64 `mapstructure:"pause_roas"`
	ScaleROAS          float64 `mapstructure:"scale_roas"`
	ConfidenceFloor    float64 `mapstructure:"confidence_floor"`
	ConfidenceCap      float64 `mapstructure:"confidence_cap"`
}

// BudgetConfig holds the decision ladder thresholds.
type BudgetConfig struct {
	MinLearningSpend float64 `mapstructure:"min_learning_spend"`
	MinLearningDays  int     `mapstructure:"min_learning_days"`
	ExcellentROAS    float64 `mapstructure:"excellent_roas"`
	ExcellentStep    float64 `mapstructure:"excellent_step"`
	ExcellentCap     float64 `mapstructure:"excellent_cap"`
	GoodROAS         float64 `mapstructure:"good_roas"`
	GoodStep         float64 `mapstructure:"good_step"`
	AcceptableROAS   float64 `mapstructure:"acceptable_roas"`
	PoorROAS         float64 `mapstructure:"poor_roas"`
	SuboptimalStep   float64 `mapstructure:"suboptimal_step"`
	MaxStepFraction  float64 `mapstructure:"max_step_fraction"`
}

// AllocatorConfig holds allocation bounds.
type AllocatorConfig struct {
	MinBudget          float64 `mapstructure:"min_budget"`
	MaxShare           float64 `mapstructure:"max_share"`
	MaxGrowth          float64 `mapstructure:"max_growth"`
	MinROAS            float64 `mapstructure:"min_roas"`
	ConversionCap      int64   `mapstructure:"conversion_cap"`
	RebalanceThreshold float64 `mapstructure:"rebalance_threshold_pct"`
}

// InsightsConfig holds reporter thresholds.
type InsightsConfig struct {
	WarningDecline    float64 `mapstructure:"warning_decline"`
	OpportunityGrowth float64 `mapstructure:"opportunity_growth"`
	Industry          string  `mapstructure:"industry"`
	BenchmarksFile    string  `mapstructure:"benchmarks_file"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPENDOPT")
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
	v.SetDefault("app.name", "spendopt")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.retention", "2160h")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.lock_prefix", "spendopt:lock:")
	v.SetDefault("redis.lock_ttl", "2m")
	v.SetDefault("redis.retry_delay", "100ms")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x7370656e))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.trailing_window", "168h")
	v.SetDefault("scheduler.comparison_window", "168h")

	v.SetDefault("feed.mode", FeedHTTP)
	v.SetDefault("feed.request_timeout", "15s")
	v.SetDefault("feed.user_agent", "spendopt/1.0")
	v.SetDefault("feed.max_retries", 3)
	v.SetDefault("feed.retry_base", "500ms")

	v.SetDefault("apply.mode", ApplyLog)
	v.SetDefault("apply.request_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_priority", "high")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.request_timeout", "10s")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":9090")
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("attribution.models", []string{"first_touch", "last_touch", "linear", "time_decay", "position_based"})
	v.SetDefault("attribution.half_life", "168h")

	v.SetDefault("abtest.method", "heuristic")
	v.SetDefault("abtest.min_sample_size", 1000)
	v.SetDefault("abtest.min_performance_diff", 0.20)
	v.SetDefault("abtest.pause_diff", 0.5)
	v.SetDefault("abtest.pause_roas", 1.0)
	v.SetDefault("abtest.scale_roas", 2.0)
	v.SetDefault("abtest.confidence_floor", 0.5)
	v.SetDefault("abtest.confidence_cap", 0.95)

	v.SetDefault("budget.min_learning_spend", 50.0)
	v.SetDefault("budget.min_learning_days", 3)
	v.SetDefault("budget.excellent_roas", 3.0)
	v.SetDefault("budget.excellent_step", 0.20)
	v.SetDefault("budget.excellent_cap", 100.0)
	v.SetDefault("budget.good_roas", 2.0)
	v.SetDefault("budget.good_step", 0.10)
	v.SetDefault("budget.acceptable_roas", 1.0)
	v.SetDefault("budget.poor_roas", 0.5)
	v.SetDefault("budget.suboptimal_step", 0.20)
	v.SetDefault("budget.max_step_fraction", 0.5)

	v.SetDefault("allocator.min_budget", 10.0)
	v.SetDefault("allocator.max_share", 0.5)
	v.SetDefault("allocator.max_growth", 1.5)
	v.SetDefault("allocator.min_roas", 0.1)
	v.SetDefault("allocator.conversion_cap", 100)
	v.SetDefault("allocator.rebalance_threshold_pct", 10.0)

	v.SetDefault("insights.warning_decline", 0.20)
	v.SetDefault("insights.opportunity_growth", 0.50)
	v.SetDefault("insights.industry", "*")
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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be greater than zero")
	}
	if c.Scheduler.TrailingWindow <= 0 || c.Scheduler.ComparisonWindow <= 0 {
		return fmt.Errorf("scheduler windows must be greater than zero")
	}

	switch c.Feed.Mode {
	case FeedHTTP:
		if c.Feed.BaseURL == "" {
			return fmt.Errorf("feed.base_url is required in http mode")
		}
	case FeedFile:
		if c.Feed.File == "" {
			return fmt.Errorf("feed.file is required in file mode")
		}
	default:
		return fmt.Errorf("feed.mode must be %q or %q, got %q", FeedHTTP, FeedFile, c.Feed.Mode)
	}

	switch c.Apply.Mode {
	case ApplyLog:
	case ApplyWebhook:
		if c.Apply.WebhookURL == "" {
			return fmt.Errorf("apply.webhook_url is required in webhook mode")
		}
	default:
		return fmt.Errorf("apply.mode must be %q or %q, got %q", ApplyLog, ApplyWebhook, c.Apply.Mode)
	}

	if len(c.Attribution.Models) == 0 {
		return fmt.Errorf("attribution.models cannot be empty")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.ABTest.MinPerformanceDiff < 0 {
		return fmt.Errorf("abtest.min_performance_diff cannot be negative")
	}
	if c.ABTest.ConfidenceFloor > c.ABTest.ConfidenceCap {
		return fmt.Errorf("abtest.confidence_floor cannot exceed abtest.confidence_cap")
	}
	if c.Budget.MaxStepFraction <= 0 || c.Budget.MaxStepFraction > 1 {
		return fmt.Errorf("budget.max_step_fraction must be in (0, 1]")
	}
	if c.Allocator.MinBudget < 0 {
		return fmt.Errorf("allocator.min_budget cannot be negative")
	}
	if c.Allocator.MaxShare <= 0 || c.Allocator.MaxShare > 1 {
		return fmt.Errorf("allocator.max_share must be in (0, 1]")
	}
	if c.Allocator.MaxGrowth < 1 {
		return fmt.Errorf("allocator.max_growth must be at least 1")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
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
