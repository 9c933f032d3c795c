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
	DB        DBConfig        `mapstructure:"db"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Markdown  MarkdownConfig  `mapstructure:"markdown"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the operational HTTP surface.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	PoolSize int    `mapstructure:"pool_size"`
}

// QueueConfig points at the Redis-backed job queue.
type QueueConfig struct {
	URL           string `mapstructure:"url"`
	PoolSize      int    `mapstructure:"pool_size"`
	LeaseSeconds  int    `mapstructure:"lease_seconds"`
	ClaimAttempts int    `mapstructure:"claim_attempts"`
}

// StorageConfig sets the blob bucket for raw HTML and Markdown artifacts.
type StorageConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// MarkdownConfig points at the HTML-to-Markdown conversion service.
type MarkdownConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// CrawlerConfig governs per-job crawl defaults and the worker pool.
type CrawlerConfig struct {
	Workers              int    `mapstructure:"workers"`
	DefaultUserAgent     string `mapstructure:"default_user_agent"`
	DefaultDelayMs       int    `mapstructure:"default_delay_ms"`
	MaxConcurrentPerJob  int    `mapstructure:"max_concurrent_per_job"`
	MaxRetries           int    `mapstructure:"max_retries"`
	FetchTimeoutSeconds  int    `mapstructure:"fetch_timeout_seconds"`
	ConnectTimeoutSecond int    `mapstructure:"connect_timeout_seconds"`
}

// SchedulerConfig toggles the scheduled-job tick.
type SchedulerConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	CheckIntervalSeconds int  `mapstructure:"check_interval_seconds"`
}

// PubSubConfig enables the optional event mirror to a broker topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEGALCRAWL")
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
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("db.pool_size", 10)
	v.SetDefault("queue.url", "redis://localhost:6379/0")
	v.SetDefault("queue.pool_size", 10)
	v.SetDefault("queue.lease_seconds", 60)
	v.SetDefault("queue.claim_attempts", 2)
	v.SetDefault("storage.prefix", "")
	v.SetDefault("markdown.timeout_seconds", 15)
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.default_user_agent", "legalcrawl-bot/1.0")
	v.SetDefault("crawler.default_delay_ms", 1000)
	v.SetDefault("crawler.max_concurrent_per_job", 10)
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.fetch_timeout_seconds", 30)
	v.SetDefault("crawler.connect_timeout_seconds", 10)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.check_interval_seconds", 60)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must be set")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set")
	}
	if c.Queue.URL == "" {
		return fmt.Errorf("queue.url must be set")
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Queue.LeaseSeconds <= 0 {
		return fmt.Errorf("queue.lease_seconds must be > 0")
	}
	if c.Scheduler.Enabled && c.Scheduler.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.check_interval_seconds must be > 0")
	}
	return nil
}

// LeaseTTL returns the queue lease duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Queue.LeaseSeconds) * time.Second
}
