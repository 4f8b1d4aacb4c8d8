package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"funding-arb-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Exchanges ExchangesConfig `mapstructure:"exchanges"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	API       APIConfig       `mapstructure:"api"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// Production reports whether the process runs with production semantics.
// Synthetic funding fixtures are only reachable when this is false.
func (a AppConfig) Production() bool {
	return strings.EqualFold(a.Environment, "production")
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs scan cadence for scanner and detector cycles.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// VenueConfig describes one exchange endpoint set.
type VenueConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	WSURL          string        `mapstructure:"ws_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WSConfig tunes the shared websocket lifecycle parameters.
type WSConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectBase        time.Duration `mapstructure:"reconnect_base"`
	ReconnectCap         time.Duration `mapstructure:"reconnect_cap"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// ExchangesConfig enumerates the configured venues.
type ExchangesConfig struct {
	Hyperliquid VenueConfig   `mapstructure:"hyperliquid"`
	Asterdex    VenueConfig   `mapstructure:"asterdex"`
	WS          WSConfig      `mapstructure:"ws"`
	MarketTTL   time.Duration `mapstructure:"market_ttl"`
}

// IngestionConfig tunes the tick aggregation and write batching pipeline.
type IngestionConfig struct {
	Symbols          []string      `mapstructure:"symbols"`
	BucketSize       time.Duration `mapstructure:"bucket_size"`
	GraceWindow      time.Duration `mapstructure:"grace_window"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	MaxBatch         int           `mapstructure:"max_batch"`
	MaxStreamSymbols int           `mapstructure:"max_stream_symbols"`
	MinVolume        float64       `mapstructure:"min_volume"`
	FreshnessWindow  time.Duration `mapstructure:"freshness_window"`
	BackfillCooldown time.Duration `mapstructure:"backfill_cooldown"`
}

// ScannerConfig holds single-venue funding scan thresholds.
type ScannerConfig struct {
	// ExtremeAPR is the annualised funding fraction beyond which an
	// opportunity is emitted (0.30 means 30% APR).
	ExtremeAPR float64 `mapstructure:"extreme_apr"`
}

// DetectorConfig holds cross-venue divergence thresholds. All values are
// hot-swappable through the detector's UpdateConfig.
type DetectorConfig struct {
	// MinSpread is the per-period funding rate difference floor.
	MinSpread float64 `mapstructure:"min_spread"`
	// MinAnnualizedSpread is the APR percent floor.
	MinAnnualizedSpread float64 `mapstructure:"min_annualized_spread"`
	// PriceDiffThreshold caps inter-venue mark divergence, in percent.
	PriceDiffThreshold float64 `mapstructure:"price_diff_threshold"`
	// Urgency breakpoints in APR percent.
	HighUrgencyAPR   float64       `mapstructure:"high_urgency_apr"`
	MediumUrgencyAPR float64       `mapstructure:"medium_urgency_apr"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	LedgerSweepAge   time.Duration `mapstructure:"ledger_sweep_age"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram delivery channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// APIConfig configures the read-only HTTP query surface.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FUNDINGWATCHER")
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
	v.SetDefault("app.name", "fundingwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("exchanges.hyperliquid.enabled", true)
	v.SetDefault("exchanges.hyperliquid.base_url", "https://api.hyperliquid.xyz")
	v.SetDefault("exchanges.hyperliquid.ws_url", "wss://api.hyperliquid.xyz/ws")
	v.SetDefault("exchanges.hyperliquid.request_timeout", "20s")
	v.SetDefault("exchanges.asterdex.enabled", true)
	v.SetDefault("exchanges.asterdex.base_url", "https://fapi.asterdex.com")
	v.SetDefault("exchanges.asterdex.ws_url", "wss://fstream.asterdex.com/ws")
	v.SetDefault("exchanges.asterdex.request_timeout", "20s")
	v.SetDefault("exchanges.ws.heartbeat_interval", "30s")
	v.SetDefault("exchanges.ws.reconnect_base", "1s")
	v.SetDefault("exchanges.ws.reconnect_cap", "60s")
	v.SetDefault("exchanges.ws.max_reconnect_attempts", 10)
	v.SetDefault("exchanges.market_ttl", "5m")

	v.SetDefault("ingestion.symbols", []string{"BTC", "ETH", "SOL"})
	v.SetDefault("ingestion.bucket_size", "1s")
	v.SetDefault("ingestion.grace_window", "1500ms")
	v.SetDefault("ingestion.flush_interval", "200ms")
	v.SetDefault("ingestion.max_batch", 200)
	v.SetDefault("ingestion.max_stream_symbols", 50)
	v.SetDefault("ingestion.min_volume", 1000000.0)
	v.SetDefault("ingestion.freshness_window", "2m")
	v.SetDefault("ingestion.backfill_cooldown", "2m")

	v.SetDefault("scanner.extreme_apr", 0.30)

	v.SetDefault("detector.min_spread", 0.0001)
	v.SetDefault("detector.min_annualized_spread", 15.0)
	v.SetDefault("detector.price_diff_threshold", 0.5)
	v.SetDefault("detector.high_urgency_apr", 100.0)
	v.SetDefault("detector.medium_urgency_apr", 50.0)
	v.SetDefault("detector.stale_after", "5m")
	v.SetDefault("detector.ledger_sweep_age", "30m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
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
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Ingestion.BucketSize <= 0 {
		return fmt.Errorf("ingestion.bucket_size must be greater than zero")
	}
	if c.Ingestion.GraceWindow < c.Ingestion.BucketSize {
		return fmt.Errorf("ingestion.grace_window must be at least one bucket")
	}
	if c.Ingestion.MaxBatch <= 0 {
		return fmt.Errorf("ingestion.max_batch must be greater than zero")
	}
	if c.Scanner.ExtremeAPR <= 0 {
		return fmt.Errorf("scanner.extreme_apr must be greater than zero")
	}
	if c.Detector.MinSpread < 0 {
		return fmt.Errorf("detector.min_spread cannot be negative")
	}
	if c.Detector.PriceDiffThreshold <= 0 {
		return fmt.Errorf("detector.price_diff_threshold must be greater than zero")
	}
	if c.Detector.MediumUrgencyAPR > c.Detector.HighUrgencyAPR {
		return fmt.Errorf("detector.medium_urgency_apr cannot exceed high_urgency_apr")
	}
	if c.Exchanges.WS.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("exchanges.ws.max_reconnect_attempts must be greater than zero")
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
