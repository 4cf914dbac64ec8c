// Package config loads and validates pipeline configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all pipeline configuration.
type Config struct {
	// Collector settings.
	Endpoint    string // host:port of the OTLP/gRPC collector.
	APIKey      string
	SpaceID     string
	ProjectName string
	Insecure    bool // plaintext gRPC, for local collectors only.

	// Batching settings.
	BatchSize      int
	FlushInterval  time.Duration
	QueueCapacity  int
	MaxRetries     int
	RetryBaseDelay time.Duration

	// Hierarchy settings.
	TraceIdleTimeout   time.Duration
	PendingParentLimit int

	// Operational settings.
	ShutdownTimeout time.Duration
	LogLevel        string
	OTELEndpoint    string // self-telemetry, not span transport.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	var cfg Config
	var err error

	cfg.Endpoint = envStr("KAKEHASHI_ENDPOINT", "otlp.arize.com:443")
	cfg.APIKey = envStr("KAKEHASHI_API_KEY", "")
	cfg.SpaceID = envStr("KAKEHASHI_SPACE_ID", "")
	cfg.ProjectName = envStr("KAKEHASHI_PROJECT_NAME", "strands-agent")
	cfg.LogLevel = envStr("KAKEHASHI_LOG_LEVEL", "info")
	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	if cfg.Insecure, err = envBool("KAKEHASHI_INSECURE", false); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = envInt("KAKEHASHI_BATCH_SIZE", 512); err != nil {
		return Config{}, err
	}
	if cfg.FlushInterval, err = envDuration("KAKEHASHI_FLUSH_INTERVAL", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.QueueCapacity, err = envInt("KAKEHASHI_QUEUE_CAPACITY", 2048); err != nil {
		return Config{}, err
	}
	if cfg.MaxRetries, err = envInt("KAKEHASHI_MAX_RETRIES", 3); err != nil {
		return Config{}, err
	}
	if cfg.RetryBaseDelay, err = envDuration("KAKEHASHI_RETRY_BASE_DELAY", 200*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.TraceIdleTimeout, err = envDuration("KAKEHASHI_TRACE_IDLE_TIMEOUT", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.PendingParentLimit, err = envInt("KAKEHASHI_PENDING_PARENT_LIMIT", 128); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = envDuration("KAKEHASHI_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks numeric sanity. Credentials are checked at dial time, not
// here, so a pipeline with an injected test client needs none.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("config: KAKEHASHI_ENDPOINT is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: KAKEHASHI_BATCH_SIZE must be positive")
	}
	if c.QueueCapacity < c.BatchSize {
		return fmt.Errorf("config: KAKEHASHI_QUEUE_CAPACITY must be at least the batch size")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("config: KAKEHASHI_FLUSH_INTERVAL must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("config: KAKEHASHI_MAX_RETRIES must be positive")
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("config: KAKEHASHI_RETRY_BASE_DELAY must be positive")
	}
	if c.PendingParentLimit <= 0 {
		return fmt.Errorf("config: KAKEHASHI_PENDING_PARENT_LIMIT must be positive")
	}
	if c.TraceIdleTimeout <= 0 {
		return fmt.Errorf("config: KAKEHASHI_TRACE_IDLE_TIMEOUT must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: KAKEHASHI_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
