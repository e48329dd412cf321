// Package config loads process settings from the environment and suspender
// profiles from YAML or TOML files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Signal backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds process configuration.
type Config struct {
	LogLevel  string
	LogFormat string

	SignalBackend string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JournalDriver string
	JournalDSN    string

	CheckpointTimeout time.Duration

	OTelEnabled  bool
	OTelEndpoint string
	OTelInsecure bool

	Profile string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	logFormat := os.Getenv("LOG_FORMAT")
	if logFormat == "" {
		logFormat = "text"
	}

	backend := os.Getenv("SIGNAL_BACKEND")
	if backend == "" {
		backend = BackendRedis
	}
	if backend != BackendMemory && backend != BackendRedis {
		return nil, fmt.Errorf("SIGNAL_BACKEND: unknown backend %q", backend)
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	redisDB := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("REDIS_DB: invalid database %q", v)
		}
		redisDB = n
	}

	driver := os.Getenv("JOURNAL_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	dsn := os.Getenv("JOURNAL_DSN")
	if dsn == "" {
		// Local file next to the working directory
		dsn = "bluesky-journal.db"
	}

	timeout := 30 * time.Second
	if v := os.Getenv("CHECKPOINT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("CHECKPOINT_TIMEOUT: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("CHECKPOINT_TIMEOUT: must be positive, got %s", d)
		}
		timeout = d
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	return &Config{
		LogLevel:          logLevel,
		LogFormat:         logFormat,
		SignalBackend:     backend,
		RedisAddr:         redisAddr,
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           redisDB,
		JournalDriver:     driver,
		JournalDSN:        dsn,
		CheckpointTimeout: timeout,
		OTelEnabled:       os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:      endpoint,
		OTelInsecure:      os.Getenv("OTEL_INSECURE") != "false",
		Profile:           os.Getenv("SUSPEND_PROFILE"),
	}, nil
}
