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
	Server      ServerConfig    `mapstructure:"server"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	Headless    HeadlessConfig  `mapstructure:"headless"`
	RateLimit   RateLimitConfig `mapstructure:"ratelimit"`
	Sites       SitesConfig     `mapstructure:"sites"`
	Credentials CredsConfig     `mapstructure:"credentials"`
	Archive     ArchiveConfig   `mapstructure:"archive"`
	PubSub      PubSubConfig    `mapstructure:"pubsub"`
	DB          DBConfig        `mapstructure:"db"`
	Logging     LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	RequestTimeout int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs job concurrency and retry behavior.
type SchedulerConfig struct {
	GlobalSlots        int `mapstructure:"global_slots"`
	SiteSlots          int `mapstructure:"site_slots"`
	DetailWorkers      int `mapstructure:"detail_workers"`
	RetryMax           int `mapstructure:"retry_max"`
	RetryBaseMs        int `mapstructure:"retry_base_ms"`
	RetryMaxBackoffSec int `mapstructure:"retry_max_backoff_seconds"`
	JobTimeoutMinutes  int `mapstructure:"job_timeout_minutes"`
}

// HTTPConfig configures the simple fetch capability.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the rendered fetch capability.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// RateLimitConfig parametrizes the per-site token bucket and circuit breaker.
type RateLimitConfig struct {
	RPS                float64 `mapstructure:"rps"`
	Burst              int     `mapstructure:"burst"`
	FailureThreshold   int     `mapstructure:"failure_threshold"`
	WindowSeconds      int     `mapstructure:"window_seconds"`
	CooldownSeconds    int     `mapstructure:"cooldown_seconds"`
	CooldownMultiplier float64 `mapstructure:"cooldown_multiplier"`
	MaxCooldownSeconds int     `mapstructure:"max_cooldown_seconds"`
}

// SitesConfig locates the site definition directory.
type SitesConfig struct {
	Dir string `mapstructure:"dir"`
}

// CredsConfig locates the read-only credential file.
type CredsConfig struct {
	File string `mapstructure:"file"`
}

// ArchiveConfig selects the raw-body archive provider.
type ArchiveConfig struct {
	// Provider is one of "gcs", "local" or "noop".
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds metadata for handoff notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig controls access to the relational job store. An empty DSN
// selects the in-memory store.
type DBConfig struct {
	DSN        string `mapstructure:"dsn"`
	JobsTable  string `mapstructure:"jobs_table"`
	PagesTable string `mapstructure:"pages_table"`
	MaxConns   int    `mapstructure:"max_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("scheduler.global_slots", 8)
	v.SetDefault("scheduler.site_slots", 2)
	v.SetDefault("scheduler.detail_workers", 4)
	v.SetDefault("scheduler.retry_max", 3)
	v.SetDefault("scheduler.retry_base_ms", 500)
	v.SetDefault("scheduler.retry_max_backoff_seconds", 30)
	v.SetDefault("scheduler.job_timeout_minutes", 30)
	v.SetDefault("http.user_agent", "crawl-engine/0.1")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("ratelimit.rps", 2)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("ratelimit.failure_threshold", 5)
	v.SetDefault("ratelimit.window_seconds", 30)
	v.SetDefault("ratelimit.cooldown_seconds", 10)
	v.SetDefault("ratelimit.cooldown_multiplier", 2.0)
	v.SetDefault("ratelimit.max_cooldown_seconds", 100)
	v.SetDefault("sites.dir", "sites")
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.local_dir", "archive")
	v.SetDefault("db.jobs_table", "crawl_jobs")
	v.SetDefault("db.pages_table", "crawl_pages")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.GlobalSlots <= 0 {
		return fmt.Errorf("scheduler.global_slots must be > 0")
	}
	if c.Scheduler.SiteSlots > c.Scheduler.GlobalSlots {
		return fmt.Errorf("scheduler.site_slots must not exceed scheduler.global_slots")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("ratelimit.rps must be > 0")
	}
	if c.RateLimit.CooldownMultiplier < 1 {
		return fmt.Errorf("ratelimit.cooldown_multiplier must be >= 1")
	}
	if c.Sites.Dir == "" {
		return fmt.Errorf("sites.dir must be set")
	}
	switch c.Archive.Provider {
	case "noop", "local":
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("archive.provider must be one of noop, local, gcs")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when a topic is configured")
	}
	return nil
}

// RequestTimeout converts the server request timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeout) * time.Second
}

// HTTPTimeout converts the simple fetch timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
