// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	DB        DBConfig        `mapstructure:"db"`
	Data      DataConfig      `mapstructure:"data"`
	Converter ConverterConfig `mapstructure:"converter"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Retry     RetryConfig     `mapstructure:"retry"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the operator HTTP surface.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// RegistryConfig points at the remote preprint registry API.
type RegistryConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	Token          string  `mapstructure:"token"`
	UserAgent      string  `mapstructure:"user_agent"`
	PageSize       int     `mapstructure:"page_size"`
	RequestsPerSec float64 `mapstructure:"requests_per_sec"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// DBConfig controls access to the canonical Postgres store.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_minutes"`
}

// DataConfig sets the root directory for per-record artifacts.
type DataConfig struct {
	Root string `mapstructure:"root"`
}

// ConverterConfig configures the external document-to-PDF converter.
type ConverterConfig struct {
	Binary         string `mapstructure:"binary"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ExtractorConfig points at the full-text structuring service.
type ExtractorConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	ConsolidateHeader bool   `mapstructure:"consolidate_header"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
}

// SyncConfig governs the periodic jobs.
type SyncConfig struct {
	Subjects              []string `mapstructure:"subjects"`
	OnlyPublished         bool     `mapstructure:"only_published"`
	LookbackDays          int      `mapstructure:"lookback_days"`
	BatchSize             int      `mapstructure:"batch_size"`
	IntervalMinutes       int      `mapstructure:"interval_minutes"`
	DownloadLimit         int      `mapstructure:"download_limit"`
	DownloadIntervalMin   int      `mapstructure:"download_interval_minutes"`
	ExtractionLimit       int      `mapstructure:"extraction_limit"`
	ExtractionIntervalMin int      `mapstructure:"extraction_interval_minutes"`
}

// QueueConfig bounds the in-process task queues.
type QueueConfig struct {
	Depth int `mapstructure:"depth"`
}

// RetryConfig shapes per-item retry behavior for dispatched work.
type RetryConfig struct {
	MaxAttempts   int `mapstructure:"max_attempts"`
	BackoffBaseMs int `mapstructure:"backoff_base_ms"`
	BackoffMaxMs  int `mapstructure:"backoff_max_ms"`
}

// PubSubConfig holds metadata for pipeline event notifications.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PREPRINTD")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("registry.base_url", "https://api.osf.io/v2")
	v.SetDefault("registry.user_agent", "preprintd/0.1 (+https://github.com/openpreprints/preprintd)")
	v.SetDefault("registry.page_size", 100)
	v.SetDefault("registry.requests_per_sec", 3.0)
	v.SetDefault("registry.timeout_seconds", 120)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("data.root", "/data/preprints")
	v.SetDefault("converter.binary", "soffice")
	v.SetDefault("converter.timeout_seconds", 120)
	v.SetDefault("extractor.base_url", "http://localhost:8070")
	v.SetDefault("extractor.consolidate_header", true)
	v.SetDefault("extractor.timeout_seconds", 120)
	v.SetDefault("sync.only_published", true)
	v.SetDefault("sync.lookback_days", 7)
	v.SetDefault("sync.batch_size", 1000)
	v.SetDefault("sync.interval_minutes", 1440)
	v.SetDefault("sync.download_limit", 200)
	v.SetDefault("sync.download_interval_minutes", 1440)
	v.SetDefault("sync.extraction_limit", 200)
	v.SetDefault("sync.extraction_interval_minutes", 1440)
	v.SetDefault("queue.depth", 64)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_base_ms", 500)
	v.SetDefault("retry.backoff_max_ms", 30000)
	v.SetDefault("pubsub.provider", "noop")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Registry.BaseURL == "" {
		return fmt.Errorf("registry.base_url is required")
	}
	if c.Registry.PageSize <= 0 || c.Registry.PageSize > 100 {
		return fmt.Errorf("registry.page_size must be in 1..100")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be > 0")
	}
	if c.Sync.LookbackDays <= 0 {
		return fmt.Errorf("sync.lookback_days must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.PubSub.Provider == "pubsub" && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub.provider is 'pubsub'")
	}
	return nil
}

// RegistryTimeout converts the registry timeout config into a duration.
func (c Config) RegistryTimeout() time.Duration {
	return time.Duration(c.Registry.TimeoutSeconds) * time.Second
}

// RetryBackoffBase converts the retry base delay config into a duration.
func (c Config) RetryBackoffBase() time.Duration {
	return time.Duration(c.Retry.BackoffBaseMs) * time.Millisecond
}

// RetryBackoffMax converts the retry max delay config into a duration.
func (c Config) RetryBackoffMax() time.Duration {
	return time.Duration(c.Retry.BackoffMaxMs) * time.Millisecond
}

// ConverterTimeout converts the converter timeout config into a duration.
func (c Config) ConverterTimeout() time.Duration {
	return time.Duration(c.Converter.TimeoutSeconds) * time.Second
}
