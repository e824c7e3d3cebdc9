package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Staleness  StalenessConfig  `yaml:"staleness" mapstructure:"staleness"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig configures the postgres connection pool.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// IngestConfig configures endpoint fetching and parsing.
type IngestConfig struct {
	// FetchTimeoutSecs bounds a single endpoint download.
	FetchTimeoutSecs int `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`

	// MaxConcurrentEndpoints limits parallel endpoint fetches per run.
	MaxConcurrentEndpoints int `yaml:"max_concurrent_endpoints" mapstructure:"max_concurrent_endpoints"`

	// RequestsPerSecond throttles requests to a single host. Chamber
	// sites are small municipal servers; be polite.
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`

	UserAgent string `yaml:"user_agent" mapstructure:"user_agent"`

	// RunRetentionDays controls pruning of old ingestion run rows.
	RunRetentionDays int `yaml:"run_retention_days" mapstructure:"run_retention_days"`
}

// ReconcileConfig configures duty record reconciliation.
type ReconcileConfig struct {
	// EvidenceFreshnessMins excludes evidence fetched longer ago than
	// this from confidence scoring.
	EvidenceFreshnessMins int `yaml:"evidence_freshness_mins" mapstructure:"evidence_freshness_mins"`

	// OverrideCeiling is the confidence assigned to manual overrides.
	OverrideCeiling int `yaml:"override_ceiling" mapstructure:"override_ceiling"`

	Timezone string `yaml:"timezone" mapstructure:"timezone"`
}

// StalenessConfig configures degraded-region detection.
type StalenessConfig struct {
	// WindowMins marks a region degraded when its primary source has
	// not succeeded within this window.
	WindowMins int `yaml:"window_mins" mapstructure:"window_mins"`

	// CoverageFloorPct marks a region degraded below this district
	// coverage percentage.
	CoverageFloorPct int `yaml:"coverage_floor_pct" mapstructure:"coverage_floor_pct"`
}

// RetryConfig configures the persistent retry queue.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialDelaySecs int `yaml:"initial_delay_secs" mapstructure:"initial_delay_secs"`
	MaxDelaySecs     int `yaml:"max_delay_secs" mapstructure:"max_delay_secs"`

	// PollIntervalSecs is how often the worker checks for due entries.
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// MonitoringConfig configures alert delivery.
type MonitoringConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DUTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "duty.db")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("ingest.fetch_timeout_secs", 30)
	v.SetDefault("ingest.max_concurrent_endpoints", 5)
	v.SetDefault("ingest.requests_per_second", 2.0)
	v.SetDefault("ingest.user_agent", "duty-engine/1.0 (+https://github.com/pharmaduty/duty-engine)")
	v.SetDefault("ingest.run_retention_days", 30)
	v.SetDefault("reconcile.evidence_freshness_mins", 720)
	v.SetDefault("reconcile.override_ceiling", 99)
	v.SetDefault("reconcile.timezone", "Europe/Istanbul")
	v.SetDefault("staleness.window_mins", 90)
	v.SetDefault("staleness.coverage_floor_pct", 50)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_delay_secs", 300)
	v.SetDefault("retry.max_delay_secs", 7200)
	v.SetDefault("retry.poll_interval_secs", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
