// Package config loads process-wide configuration at boot. The struct is
// immutable after init; per-group feature flags live in the
// engagement_settings and payment_settings collections, not here.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	Stripe     StripeConfig     `yaml:"stripe"`
	Automation AutomationConfig `yaml:"automation"`
	Schedulers SchedulerConfig  `yaml:"schedulers"`
	LLM        LLMConfig        `yaml:"llm"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type StoreConfig struct {
	// Backend is "postgres" or "memory".
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type StripeConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`
}

type AutomationConfig struct {
	// EngineVersion is stamped onto every automation at create time.
	EngineVersion string `yaml:"engine_version"`
}

type SchedulerConfig struct {
	EnqueueIntervalHours       int `yaml:"enqueue_interval_hours"`
	DispatchIntervalMinutes    int `yaml:"dispatch_interval_minutes"`
	DigestIntervalDays         int `yaml:"digest_interval_days"`
	SuggestionIntervalHours    int `yaml:"suggestion_interval_hours"`
	StalePollIntervalHours     int `yaml:"stale_poll_interval_hours"`
	RSVPReminderIntervalHours  int `yaml:"rsvp_reminder_interval_hours"`
	SettlementIntervalHours    int `yaml:"settlement_interval_hours"`
	StartupJitterMinMinutes    int `yaml:"startup_jitter_min_minutes"`
	StartupJitterMaxMinutes    int `yaml:"startup_jitter_max_minutes"`
	DispatchBatchSize          int `yaml:"dispatch_batch_size"`
	InactiveGroupThresholdDays int `yaml:"inactive_group_threshold_days"`
	InactiveUserThresholdDays  int `yaml:"inactive_user_threshold_days"`
}

type LLMConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Model     string `yaml:"model"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Load reads a YAML config file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	// Env overrides for secrets and deploy-specific values.
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.Backend = "postgres"
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Stripe.WebhookSecret = v
	}
	if v := os.Getenv("AUTOMATION_ENGINE_VERSION"); v != "" {
		cfg.Automation.EngineVersion = v
	}
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		cfg.PubSub.Enabled = true
		cfg.PubSub.ProjectID = v
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Store:  StoreConfig{Backend: "memory"},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		PubSub: PubSubConfig{TopicID: "oddside-events"},
		Automation: AutomationConfig{
			EngineVersion: "v1",
		},
		Schedulers: SchedulerConfig{
			EnqueueIntervalHours:       6,
			DispatchIntervalMinutes:    30,
			DigestIntervalDays:         7,
			SuggestionIntervalHours:    6,
			StalePollIntervalHours:     2,
			RSVPReminderIntervalHours:  4,
			SettlementIntervalHours:    24,
			StartupJitterMinMinutes:    2,
			StartupJitterMaxMinutes:    5,
			DispatchBatchSize:          20,
			InactiveGroupThresholdDays: 14,
			InactiveUserThresholdDays:  21,
		},
		LLM: LLMConfig{TimeoutMs: 10000},
	}
}

// DispatchInterval returns the dispatch loop interval.
func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.Schedulers.DispatchIntervalMinutes) * time.Minute
}

// EnqueueInterval returns the enqueue loop interval.
func (c *Config) EnqueueInterval() time.Duration {
	return time.Duration(c.Schedulers.EnqueueIntervalHours) * time.Hour
}

// DigestInterval returns the digest loop interval.
func (c *Config) DigestInterval() time.Duration {
	return time.Duration(c.Schedulers.DigestIntervalDays) * 24 * time.Hour
}
