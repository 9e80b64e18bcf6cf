// Package config holds the single immutable configuration value that is
// passed into every planrelay component at construction.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "PLANRELAY_"

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Addr string `yaml:"addr"`

	RateLimitPerHour int `yaml:"rate_limit_per_hour"`
	MaxTasksPerPlan  int `yaml:"max_tasks_per_plan"`
	BatchSize        int `yaml:"batch_size"`

	MaxRetryCount    int           `yaml:"max_retry_count"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `yaml:"retry_backoff_max"`
	RetryBatchSize   int           `yaml:"retry_batch_size"`
	// ProcessingLease is how long a submission may sit in Processing before
	// the retry sweep treats its sync as lost.
	ProcessingLease  time.Duration `yaml:"processing_lease"`

	NotificationRecipient  string `yaml:"notification_recipient"`
	NotificationWebhookURL string `yaml:"notification_webhook_url"`

	DispatchWorkers   int `yaml:"dispatch_workers"`
	DispatchQueueSize int `yaml:"dispatch_queue_size"`
	RecordConcurrency int `yaml:"record_concurrency"`

	StagingDSN     string `yaml:"staging_dsn"`
	EventQueueDSN  string `yaml:"event_queue_dsn"`
	EventQueueSize int    `yaml:"event_queue_size"`

	ProductionBaseURL    string `yaml:"production_base_url"`
	ProductionToken      string `yaml:"production_token"`
	ProductionMaxRetries int    `yaml:"production_max_retries"`

	CatalogPath string `yaml:"catalog_path"`
	JWTSecret   string `yaml:"jwt_secret"`

	PublicRateLimitMax    int           `yaml:"public_rate_limit_max"`
	PublicRateLimitWindow time.Duration `yaml:"public_rate_limit_window"`
	MaxBodyBytes          int64         `yaml:"max_body_bytes"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Default() Config {
	return Config{
		Addr:                  ":8080",
		RateLimitPerHour:      5,
		MaxTasksPerPlan:       50,
		BatchSize:             25,
		MaxRetryCount:         3,
		RetryInterval:         15 * time.Minute,
		RetryBackoffBase:      time.Minute,
		RetryBackoffMax:       time.Hour,
		RetryBatchSize:        200,
		ProcessingLease:       30 * time.Minute,
		DispatchWorkers:       2,
		DispatchQueueSize:     256,
		RecordConcurrency:     4,
		StagingDSN:            "memory://",
		EventQueueDSN:         "memory://",
		EventQueueSize:        1024,
		ProductionMaxRetries:  3,
		PublicRateLimitMax:    60,
		PublicRateLimitWindow: time.Minute,
		MaxBodyBytes:          1 << 20,
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path or a missing file yields defaults plus
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg = cfg.ApplyEnv(os.LookupEnv, nil)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv returns a copy with PLANRELAY_* overrides applied. Invalid numeric
// or duration values keep the current value and are reported to logger.
func (c Config) ApplyEnv(lookup func(string) (string, bool), logger *slog.Logger) Config {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if logger == nil {
		logger = slog.Default()
	}
	env := envReader{lookup: lookup, logger: logger}

	c.Addr = env.str("ADDR", c.Addr)
	c.RateLimitPerHour = env.int("RATE_LIMIT_PER_HOUR", c.RateLimitPerHour)
	c.MaxTasksPerPlan = env.int("MAX_TASKS_PER_PLAN", c.MaxTasksPerPlan)
	c.BatchSize = env.int("BATCH_SIZE", c.BatchSize)
	c.MaxRetryCount = env.int("MAX_RETRY_COUNT", c.MaxRetryCount)
	c.RetryInterval = env.duration("RETRY_INTERVAL", c.RetryInterval)
	c.RetryBackoffBase = env.duration("RETRY_BACKOFF_BASE", c.RetryBackoffBase)
	c.RetryBackoffMax = env.duration("RETRY_BACKOFF_MAX", c.RetryBackoffMax)
	c.RetryBatchSize = env.int("RETRY_BATCH_SIZE", c.RetryBatchSize)
	c.ProcessingLease = env.duration("PROCESSING_LEASE", c.ProcessingLease)
	c.NotificationRecipient = env.str("NOTIFICATION_RECIPIENT", c.NotificationRecipient)
	c.NotificationWebhookURL = env.str("NOTIFICATION_WEBHOOK_URL", c.NotificationWebhookURL)
	c.DispatchWorkers = env.int("DISPATCH_WORKERS", c.DispatchWorkers)
	c.DispatchQueueSize = env.int("DISPATCH_QUEUE_SIZE", c.DispatchQueueSize)
	c.RecordConcurrency = env.int("RECORD_CONCURRENCY", c.RecordConcurrency)
	c.StagingDSN = env.str("STAGING_DSN", c.StagingDSN)
	c.EventQueueDSN = env.str("EVENT_QUEUE_DSN", c.EventQueueDSN)
	c.EventQueueSize = env.int("EVENT_QUEUE_SIZE", c.EventQueueSize)
	c.ProductionBaseURL = env.str("PRODUCTION_BASE_URL", c.ProductionBaseURL)
	c.ProductionToken = env.str("PRODUCTION_TOKEN", c.ProductionToken)
	c.ProductionMaxRetries = env.int("PRODUCTION_MAX_RETRIES", c.ProductionMaxRetries)
	c.CatalogPath = env.str("CATALOG_PATH", c.CatalogPath)
	c.JWTSecret = env.str("JWT_SECRET", c.JWTSecret)
	c.PublicRateLimitMax = env.int("PUBLIC_RATE_LIMIT_MAX", c.PublicRateLimitMax)
	c.PublicRateLimitWindow = env.duration("PUBLIC_RATE_LIMIT_WINDOW", c.PublicRateLimitWindow)
	c.MaxBodyBytes = env.int64("MAX_BODY_BYTES", c.MaxBodyBytes)
	c.LogLevel = env.str("LOG_LEVEL", c.LogLevel)
	c.LogFormat = env.str("LOG_FORMAT", c.LogFormat)
	return c
}

func (c Config) Validate() error {
	var problems []string
	for _, field := range []struct {
		name  string
		value int
	}{
		{"rate_limit_per_hour", c.RateLimitPerHour},
		{"max_tasks_per_plan", c.MaxTasksPerPlan},
		{"batch_size", c.BatchSize},
		{"retry_batch_size", c.RetryBatchSize},
		{"dispatch_workers", c.DispatchWorkers},
		{"dispatch_queue_size", c.DispatchQueueSize},
		{"record_concurrency", c.RecordConcurrency},
		{"event_queue_size", c.EventQueueSize},
	} {
		if field.value <= 0 {
			problems = append(problems, field.name+" must be positive")
		}
	}
	if c.MaxRetryCount < 0 {
		problems = append(problems, "max_retry_count must not be negative")
	}
	if c.ProductionMaxRetries < 0 {
		problems = append(problems, "production_max_retries must not be negative")
	}
	if c.RetryInterval <= 0 {
		problems = append(problems, "retry_interval must be positive")
	}
	if c.RetryBackoffBase < 0 || c.RetryBackoffMax < 0 {
		problems = append(problems, "retry backoff must not be negative")
	}
	if c.ProcessingLease <= 0 {
		problems = append(problems, "processing_lease must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		problems = append(problems, "max_body_bytes must be positive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("unknown log_format %q", c.LogFormat))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

type envReader struct {
	lookup func(string) (string, bool)
	logger *slog.Logger
}

func (e envReader) raw(name string) (string, bool) {
	value, ok := e.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (e envReader) str(name, fallback string) string {
	if value, ok := e.raw(name); ok {
		return value
	}
	return fallback
}

func (e envReader) int(name string, fallback int) int {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.logger.Warn("invalid env value, using fallback", "name", EnvPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (e envReader) int64(name string, fallback int64) int64 {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.logger.Warn("invalid env value, using fallback", "name", EnvPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (e envReader) duration(name string, fallback time.Duration) time.Duration {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.logger.Warn("invalid env value, using fallback", "name", EnvPrefix+name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
