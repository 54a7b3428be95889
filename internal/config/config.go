// Package config loads the importer configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/hris-importer/pkg/hrclient"
	"github.com/Sternrassler/hris-importer/pkg/loader"
	"github.com/Sternrassler/hris-importer/pkg/logging"
	"github.com/Sternrassler/hris-importer/pkg/queue"
	"github.com/Sternrassler/hris-importer/pkg/ratelimit"
	"github.com/Sternrassler/hris-importer/pkg/upload"
)

type Config struct {
	HRIS      HRISConfig      `yaml:"hris"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Upload    UploadConfig    `yaml:"upload"`
	Loader    LoaderConfig    `yaml:"loader"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type HRISConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIToken  string        `yaml:"api_token"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
	Tenant    string        `yaml:"tenant"`
}

// RedisConfig enables the response cache when Addr is set.
type RedisConfig struct {
	Addr           string        `yaml:"addr"`
	DB             int           `yaml:"db"`
	CacheRetention time.Duration `yaml:"cache_retention"`
}

type SchedulerConfig struct {
	MaxConcurrency     int           `yaml:"max_concurrency"`
	PerSecondLimit     int           `yaml:"per_second_limit"`
	PerMinuteLimit     int           `yaml:"per_minute_limit"`
	InitialSpeed       string        `yaml:"initial_speed"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryPriorityBoost int           `yaml:"retry_priority_boost"`
	BaseBackoff        time.Duration `yaml:"base_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
}

type UploadConfig struct {
	BatchSize           int           `yaml:"batch_size"`
	DelayBetweenBatches time.Duration `yaml:"delay_between_batches"`
	Mode                string        `yaml:"mode"`
}

type LoaderConfig struct {
	ChunkSize int `yaml:"chunk_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// MetricsConfig holds the address of the status and metrics endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads path, applies defaults and environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return finish(&cfg)
}

// Default returns the defaults plus environment overrides, for runs
// without a config file.
func Default() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyDefaults()
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HRIS.UserAgent == "" {
		c.HRIS.UserAgent = "hris-importer/1.0"
	}
	if c.HRIS.Timeout == 0 {
		c.HRIS.Timeout = 30 * time.Second
	}
	if c.Redis.CacheRetention == 0 {
		c.Redis.CacheRetention = 24 * time.Hour
	}
	if c.Scheduler.MaxConcurrency == 0 {
		c.Scheduler.MaxConcurrency = queue.DefaultMaxConcurrency
	}
	if c.Scheduler.PerSecondLimit == 0 {
		c.Scheduler.PerSecondLimit = queue.DefaultPerSecondLimit
	}
	if c.Scheduler.PerMinuteLimit == 0 {
		c.Scheduler.PerMinuteLimit = queue.DefaultPerMinuteLimit
	}
	if c.Scheduler.InitialSpeed == "" {
		c.Scheduler.InitialSpeed = ratelimit.SpeedMedium.String()
	}
	if c.Scheduler.MaxRetries == 0 {
		c.Scheduler.MaxRetries = queue.DefaultMaxRetries
	}
	if c.Scheduler.RetryPriorityBoost == 0 {
		c.Scheduler.RetryPriorityBoost = queue.DefaultRetryPriorityBoost
	}
	if c.Scheduler.BaseBackoff == 0 {
		c.Scheduler.BaseBackoff = time.Second
	}
	if c.Scheduler.MaxBackoff == 0 {
		c.Scheduler.MaxBackoff = 30 * time.Second
	}
	if c.Upload.BatchSize == 0 {
		c.Upload.BatchSize = upload.DefaultBatchSize
	}
	if c.Upload.DelayBetweenBatches == 0 {
		c.Upload.DelayBetweenBatches = upload.DefaultDelayBetweenBatches
	}
	if c.Upload.Mode == "" {
		c.Upload.Mode = string(upload.ModeBestEffort)
	}
	if c.Loader.ChunkSize == 0 {
		c.Loader.ChunkSize = loader.DefaultChunkSize
	}
	if c.Log.Level == "" {
		c.Log.Level = string(logging.LevelInfo)
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

// applyEnv overrides the settings operators commonly inject at runtime.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("HRIS_BASE_URL"); ok && v != "" {
		c.HRIS.BaseURL = v
	}
	if v, ok := lookup("HRIS_API_TOKEN"); ok && v != "" {
		c.HRIS.APIToken = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("METRICS_ADDR"); ok && v != "" {
		c.Metrics.Addr = v
	}
}

func (c *Config) validate() error {
	if c.HRIS.BaseURL == "" {
		return fmt.Errorf("hris.base_url is required")
	}
	if u, err := url.Parse(c.HRIS.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("hris.base_url %q is not an absolute URL", c.HRIS.BaseURL)
	}
	if c.HRIS.APIToken == "" {
		return fmt.Errorf("hris.api_token is required (or set HRIS_API_TOKEN)")
	}
	if c.Scheduler.MaxConcurrency < 1 {
		return fmt.Errorf("scheduler.max_concurrency must be >= 1 (got %d)", c.Scheduler.MaxConcurrency)
	}
	if _, err := ratelimit.ParseSpeed(c.Scheduler.InitialSpeed); err != nil {
		return fmt.Errorf("scheduler.initial_speed: %w", err)
	}
	if c.Scheduler.MaxBackoff < c.Scheduler.BaseBackoff {
		return fmt.Errorf("scheduler.max_backoff (%v) is below scheduler.base_backoff (%v)",
			c.Scheduler.MaxBackoff, c.Scheduler.BaseBackoff)
	}
	if c.Upload.BatchSize < 1 {
		return fmt.Errorf("upload.batch_size must be >= 1 (got %d)", c.Upload.BatchSize)
	}
	if _, err := upload.ParseMode(c.Upload.Mode); err != nil {
		return fmt.Errorf("upload.mode: %w", err)
	}
	if c.Loader.ChunkSize < 1 {
		return fmt.Errorf("loader.chunk_size must be >= 1 (got %d)", c.Loader.ChunkSize)
	}
	switch logging.Level(c.Log.Level) {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// QueueConfig returns the request queue settings. Negative rate limits in
// the file disable the corresponding window.
func (c *Config) QueueConfig() queue.Config {
	speed, _ := ratelimit.ParseSpeed(c.Scheduler.InitialSpeed)
	return queue.Config{
		MaxConcurrency:     c.Scheduler.MaxConcurrency,
		PerSecondLimit:     c.Scheduler.PerSecondLimit,
		PerMinuteLimit:     c.Scheduler.PerMinuteLimit,
		InitialSpeed:       speed,
		MaxRetries:         c.Scheduler.MaxRetries,
		RetryPriorityBoost: c.Scheduler.RetryPriorityBoost,
		Backoff: queue.BackoffConfig{
			BaseDelay:  c.Scheduler.BaseBackoff,
			MaxDelay:   c.Scheduler.MaxBackoff,
			Multiplier: 2,
		},
		Speed: ratelimit.DefaultSpeedConfig(),
	}
}

// ClientConfig returns the HR API client settings without Redis; the
// caller attaches a Redis client when Redis.Addr is set.
func (c *Config) ClientConfig() hrclient.Config {
	return hrclient.Config{
		BaseURL:        c.HRIS.BaseURL,
		APIToken:       c.HRIS.APIToken,
		UserAgent:      c.HRIS.UserAgent,
		Timeout:        c.HRIS.Timeout,
		Tenant:         c.HRIS.Tenant,
		CacheRetention: c.Redis.CacheRetention,
	}
}

// OrchestratorConfig returns the upload orchestrator settings.
func (c *Config) OrchestratorConfig() upload.Config {
	return upload.Config{
		BatchSize:           c.Upload.BatchSize,
		DelayBetweenBatches: c.Upload.DelayBetweenBatches,
	}
}

// UploadMode returns the configured upload mode.
func (c *Config) UploadMode() upload.Mode {
	mode, _ := upload.ParseMode(c.Upload.Mode)
	return mode
}

// BatchLoaderConfig returns the batch loader settings.
func (c *Config) BatchLoaderConfig() loader.Config {
	return loader.Config{ChunkSize: c.Loader.ChunkSize}
}

// LoggingConfig returns the logger settings.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.Level(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}
