package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the send pipeline
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Log         LogConfig         `yaml:"log"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Providers   []ProviderConfig  `yaml:"providers"`
	Analytics   AnalyticsConfig   `yaml:"analytics"`
	Attachments AttachmentsConfig `yaml:"attachments"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the Redis connection used for the durable queue,
// the shared rate limiter, locks and progress events.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// KeepPII disables redaction of email addresses in log fields.
	KeepPII bool `yaml:"keep_pii"`
}

// PipelineConfig holds the send pipeline tunables.
type PipelineConfig struct {
	BatchSize            int                    `yaml:"batch_size"`
	RecipientConcurrency int                    `yaml:"recipient_concurrency"`
	BatchConcurrency     int                    `yaml:"batch_concurrency"`
	MaxAttemptRounds     int                    `yaml:"max_attempt_rounds"`
	RoundBackoffMS       int                    `yaml:"round_backoff_ms"`
	MaxQueueDepth        int64                  `yaml:"max_queue_depth"`
	RateLimit            RateLimitConfig        `yaml:"rate_limit"`
	Retry                RetryConfig            `yaml:"retry"`
	ProgressBatching     ProgressBatchingConfig `yaml:"progress_batching"`
	AnalyticsEnabled     bool                   `yaml:"analytics_enabled"`
	PerEmailEvents       bool                   `yaml:"per_email_events"`
}

// RateLimitConfig caps total sends per rolling window across all workers.
type RateLimitConfig struct {
	Max           int `yaml:"max"`
	WindowSeconds int `yaml:"window_seconds"`
}

// Window returns the rolling window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// RetryConfig holds the failed-recipient retry policy.
type RetryConfig struct {
	Ceiling             int `yaml:"ceiling"`
	BackoffBaseSeconds  int `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds   int `yaml:"backoff_max_seconds"`
	ScanIntervalSeconds int `yaml:"scan_interval_seconds"`
}

func (c RetryConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

func (c RetryConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

func (c RetryConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// ProgressBatchingConfig controls buffered counter updates.
type ProgressBatchingConfig struct {
	Enabled         bool `yaml:"enabled"`
	FlushEvery      int  `yaml:"flush_every"`
	FlushIntervalMS int  `yaml:"flush_interval_ms"`
}

// FlushInterval returns the periodic flush cadence.
func (c ProgressBatchingConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// RoundBackoff returns the sleep before the second provider round.
func (c PipelineConfig) RoundBackoff() time.Duration {
	return time.Duration(c.RoundBackoffMS) * time.Millisecond
}

// ProviderConfig holds credentials and priority for one delivery provider.
// Lower priority values are tried first.
type ProviderConfig struct {
	Name          string `yaml:"name"`
	Type          string `yaml:"type"`
	Priority      int    `yaml:"priority"`
	APIKey        string `yaml:"api_key"`
	SecretKey     string `yaml:"secret_key"`
	Domain        string `yaml:"domain"`
	Region        string `yaml:"region"`
	BaseURL       string `yaml:"base_url"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	PoolSize      int    `yaml:"pool_size"`
	RatePerSecond int    `yaml:"rate_per_second"`
	TimeoutSecs   int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-request timeout for HTTP providers.
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// AnalyticsConfig points at the DynamoDB table outcomes are recorded to.
type AnalyticsConfig struct {
	DynamoTable string `yaml:"dynamo_table"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
}

// AttachmentsConfig points at the S3 bucket attachments are read from.
type AttachmentsConfig struct {
	S3Bucket string `yaml:"s3_bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "sendpipeline:"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	p := &cfg.Pipeline
	if p.BatchSize == 0 {
		p.BatchSize = 1000
	}
	if p.RecipientConcurrency == 0 {
		p.RecipientConcurrency = 10
	}
	if p.BatchConcurrency == 0 {
		p.BatchConcurrency = 2
	}
	if p.MaxAttemptRounds == 0 {
		p.MaxAttemptRounds = 3
	}
	if p.RoundBackoffMS == 0 {
		p.RoundBackoffMS = 500
	}
	if p.MaxQueueDepth == 0 {
		p.MaxQueueDepth = 100000
	}
	if p.RateLimit.Max == 0 {
		p.RateLimit.Max = 50000
	}
	if p.RateLimit.WindowSeconds == 0 {
		p.RateLimit.WindowSeconds = 3600
	}
	if p.Retry.Ceiling == 0 {
		p.Retry.Ceiling = 3
	}
	if p.Retry.BackoffBaseSeconds == 0 {
		p.Retry.BackoffBaseSeconds = 30
	}
	if p.Retry.BackoffMaxSeconds == 0 {
		p.Retry.BackoffMaxSeconds = 1800
	}
	if p.Retry.ScanIntervalSeconds == 0 {
		p.Retry.ScanIntervalSeconds = 60
	}
	if p.ProgressBatching.FlushEvery == 0 {
		p.ProgressBatching.FlushEvery = 50
	}
	if p.ProgressBatching.FlushIntervalMS == 0 {
		p.ProgressBatching.FlushIntervalMS = 2000
	}

	for i := range cfg.Providers {
		pc := &cfg.Providers[i]
		if pc.Name == "" {
			pc.Name = pc.Type
		}
		if pc.TimeoutSecs == 0 {
			pc.TimeoutSecs = 30
		}
		if pc.Type == "ses" && pc.Region == "" {
			pc.Region = "us-east-1"
		}
		if pc.Type == "smtp" {
			if pc.Port == 0 {
				pc.Port = 587
			}
			if pc.PoolSize == 0 {
				pc.PoolSize = 5
			}
		}
	}

	if cfg.Analytics.Region == "" {
		cfg.Analytics.Region = "us-east-1"
	}
	if cfg.Attachments.Region == "" {
		cfg.Attachments.Region = "us-east-1"
	}
}

// Validate rejects settings the pipeline cannot run with.
func (cfg *Config) Validate() error {
	p := cfg.Pipeline
	if p.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive, got %d", p.BatchSize)
	}
	if p.RecipientConcurrency <= 0 || p.BatchConcurrency <= 0 {
		return fmt.Errorf("pipeline concurrency must be positive")
	}
	if p.RateLimit.Max <= 0 || p.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("pipeline.rate_limit must be positive")
	}
	if p.MaxAttemptRounds <= 0 {
		return fmt.Errorf("pipeline.max_attempt_rounds must be positive")
	}
	if p.RoundBackoffMS <= 0 {
		return fmt.Errorf("pipeline.round_backoff_ms must be positive, got %d", p.RoundBackoffMS)
	}
	seen := make(map[int]string)
	for _, pc := range cfg.Providers {
		if other, ok := seen[pc.Priority]; ok {
			return fmt.Errorf("providers %q and %q share priority %d", other, pc.Name, pc.Priority)
		}
		seen[pc.Priority] = pc.Name
	}
	return nil
}

// LoadFromEnv loads configuration from a YAML file and overrides it with
// environment variables. Without a path only defaults and env are used.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	var cfg *Config
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = Default()
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	envInt("SEND_BATCH_SIZE", &cfg.Pipeline.BatchSize)
	envInt("SEND_RECIPIENT_CONCURRENCY", &cfg.Pipeline.RecipientConcurrency)
	envInt("SEND_BATCH_CONCURRENCY", &cfg.Pipeline.BatchConcurrency)
	envInt("SEND_RATE_LIMIT_MAX", &cfg.Pipeline.RateLimit.Max)
	envInt("SEND_RATE_LIMIT_WINDOW_SECONDS", &cfg.Pipeline.RateLimit.WindowSeconds)
	envInt("SEND_RETRY_CEILING", &cfg.Pipeline.Retry.Ceiling)
	envInt("SEND_RETRY_BACKOFF_BASE_SECONDS", &cfg.Pipeline.Retry.BackoffBaseSeconds)
	envBool("SEND_PROGRESS_BATCHING", &cfg.Pipeline.ProgressBatching.Enabled)
	envInt("SEND_PROGRESS_FLUSH_EVERY", &cfg.Pipeline.ProgressBatching.FlushEvery)
	envBool("SEND_ANALYTICS_ENABLED", &cfg.Pipeline.AnalyticsEnabled)
	envBool("SEND_PER_EMAIL_EVENTS", &cfg.Pipeline.PerEmailEvents)

	// Provider secrets: <NAME>_API_KEY, <NAME>_SECRET_KEY, <NAME>_PASSWORD
	for i := range cfg.Providers {
		pc := &cfg.Providers[i]
		prefix := strings.ToUpper(strings.ReplaceAll(pc.Name, "-", "_"))
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			pc.APIKey = v
		}
		if v := os.Getenv(prefix + "_SECRET_KEY"); v != "" {
			pc.SecretKey = v
		}
		if v := os.Getenv(prefix + "_PASSWORD"); v != "" {
			pc.Password = v
		}
	}

	return cfg, nil
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
