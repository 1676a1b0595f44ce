// Package config loads the engine configuration from a YAML file with
// environment variable overrides for secrets and deploy-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the campaign orchestration engine.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	SES       SESConfig       `yaml:"ses"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Bounce    BounceConfig    `yaml:"bounce"`
	ABTest    ABTestConfig    `yaml:"ab_test"`
	Segment   SegmentConfig   `yaml:"segment"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection for the distributed rate limiter.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// SESConfig holds AWS SES credentials for the send adapter.
type SESConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	FromName  string `yaml:"from_name"`
	FromEmail string `yaml:"from_email"`
}

// RateLimitConfig holds the four send-ceiling windows.
type RateLimitConfig struct {
	MaxPerSecond int `yaml:"max_per_second"`
	MaxPerMinute int `yaml:"max_per_minute"`
	MaxPerHour   int `yaml:"max_per_hour"`
	MaxPerDay    int `yaml:"max_per_day"`
}

// BounceConfig holds the suppression state-machine parameters.
type BounceConfig struct {
	MaxSoftBounces      int             `yaml:"max_soft_bounces"`
	SoftBounceWindow    time.Duration   `yaml:"soft_bounce_window"`
	RetryBackoff        []time.Duration `yaml:"retry_backoff"`
	HardBounceAlertRate float64         `yaml:"hard_bounce_alert_rate"`
	SpamAlertRate       float64         `yaml:"spam_alert_rate"`
}

// UnmarshalYAML parses the window and backoff table from Go duration
// strings ("30m", "72h").
func (b *BounceConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxSoftBounces      int      `yaml:"max_soft_bounces"`
		SoftBounceWindow    string   `yaml:"soft_bounce_window"`
		RetryBackoff        []string `yaml:"retry_backoff"`
		HardBounceAlertRate float64  `yaml:"hard_bounce_alert_rate"`
		SpamAlertRate       float64  `yaml:"spam_alert_rate"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	b.MaxSoftBounces = raw.MaxSoftBounces
	b.HardBounceAlertRate = raw.HardBounceAlertRate
	b.SpamAlertRate = raw.SpamAlertRate

	var err error
	if b.SoftBounceWindow, err = parseDuration(raw.SoftBounceWindow); err != nil {
		return fmt.Errorf("soft_bounce_window: %w", err)
	}
	b.RetryBackoff = nil
	for i, s := range raw.RetryBackoff {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("retry_backoff[%d]: %w", i, err)
		}
		b.RetryBackoff = append(b.RetryBackoff, d)
	}
	return nil
}

// ABTestConfig holds defaults for newly-created A/B tests.
type ABTestConfig struct {
	MinimumSampleSize int     `yaml:"minimum_sample_size"`
	ConfidenceLevel   float64 `yaml:"confidence_level"`
}

// SegmentConfig holds evaluator cache settings.
type SegmentConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

func (s *SegmentConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		CacheTTL string `yaml:"cache_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var err error
	if s.CacheTTL, err = parseDuration(raw.CacheTTL); err != nil {
		return fmt.Errorf("cache_ttl: %w", err)
	}
	return nil
}

// TrackingConfig holds the tracking token secret and public base URL.
type TrackingConfig struct {
	Secret  string `yaml:"secret"`
	BaseURL string `yaml:"base_url"`
}

// SchedulerConfig holds drip-sequence engine settings.
type SchedulerConfig struct {
	SequenceTickInterval time.Duration `yaml:"sequence_tick_interval"`
}

func (s *SchedulerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		SequenceTickInterval string `yaml:"sequence_tick_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var err error
	if s.SequenceTickInterval, err = parseDuration(raw.SequenceTickInterval); err != nil {
		return fmt.Errorf("sequence_tick_interval: %w", err)
	}
	return nil
}

// parseDuration treats an absent value as zero so defaults can fill it.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Load reads a YAML config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("TRACKING_SECRET"); v != "" {
		cfg.Tracking.Secret = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("RATE_LIMIT_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.MaxPerSecond = n
		}
	}

	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.SES.Region == "" {
		c.SES.Region = "us-east-1"
	}
	if c.RateLimit.MaxPerSecond == 0 {
		c.RateLimit.MaxPerSecond = 10
	}
	if c.RateLimit.MaxPerMinute == 0 {
		c.RateLimit.MaxPerMinute = 300
	}
	if c.RateLimit.MaxPerHour == 0 {
		c.RateLimit.MaxPerHour = 5000
	}
	if c.RateLimit.MaxPerDay == 0 {
		c.RateLimit.MaxPerDay = 50000
	}
	if c.Bounce.MaxSoftBounces == 0 {
		c.Bounce.MaxSoftBounces = 3
	}
	if c.Bounce.SoftBounceWindow == 0 {
		c.Bounce.SoftBounceWindow = 7 * 24 * time.Hour
	}
	if len(c.Bounce.RetryBackoff) == 0 {
		c.Bounce.RetryBackoff = []time.Duration{30 * time.Minute, 2 * time.Hour, 8 * time.Hour}
	}
	if c.Bounce.HardBounceAlertRate == 0 {
		c.Bounce.HardBounceAlertRate = 0.05
	}
	if c.Bounce.SpamAlertRate == 0 {
		c.Bounce.SpamAlertRate = 0.001
	}
	if c.ABTest.MinimumSampleSize == 0 {
		c.ABTest.MinimumSampleSize = 100
	}
	if c.ABTest.ConfidenceLevel == 0 {
		c.ABTest.ConfidenceLevel = 0.95
	}
	if c.Segment.CacheTTL == 0 {
		c.Segment.CacheTTL = 5 * time.Minute
	}
	if c.Scheduler.SequenceTickInterval == 0 {
		c.Scheduler.SequenceTickInterval = 30 * time.Second
	}
}
