package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the conversion API.
type Config struct {
	Env               string
	HTTPPort          string
	LogLevel          slog.Level
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	EventsChannel     string
	NATSURL           string
	EventsSubject     string
	SeedDir           string
	MaxFileSize       int64
	MaxConcurrentJobs int
	CheckpointDelays  []time.Duration
	FailureRate       float64
	ImageFailureRate  float64
	HistoryLimit      int
	DownloadBasePath  string
	PreviewBasePath   string
	RateLimitCapacity int
	RateLimitRefill   float64
	SSEInterval       time.Duration
	ShutdownTimeout   time.Duration
}

// Load reads configuration from environment variables with defaults suited to local development.
func Load() Config {
	return Config{
		Env:               getEnv("APP_ENV", "dev"),
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		LogLevel:          getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		EventsChannel:     getEnv("EVENTS_CHANNEL", "conversions:events"),
		NATSURL:           getEnv("NATS_URL", ""),
		EventsSubject:     getEnv("EVENTS_SUBJECT", "conversions.events"),
		SeedDir:           getEnv("SEED_DIR", ""),
		MaxFileSize:       int64(getEnvInt("MAX_FILE_SIZE", 10*1024*1024)),
		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 3),
		CheckpointDelays: getEnvDurationList("CHECKPOINT_DELAYS", []time.Duration{
			500 * time.Millisecond, 800 * time.Millisecond, 600 * time.Millisecond, 400 * time.Millisecond,
		}),
		FailureRate:       getEnvFloat("FAILURE_RATE", 0),
		ImageFailureRate:  getEnvFloat("IMAGE_FAILURE_RATE", 0),
		HistoryLimit:      getEnvInt("HISTORY_LIMIT", 10),
		DownloadBasePath:  getEnv("DOWNLOAD_BASE_PATH", "/downloads"),
		PreviewBasePath:   getEnv("PREVIEW_BASE_PATH", "/previews"),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 20),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 1),
		SSEInterval:       getEnvDuration("SSE_INTERVAL", 500*time.Millisecond),
		ShutdownTimeout:   getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_FILE_SIZE must be positive (got %d)", c.MaxFileSize))
	}
	if c.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1 (got %d)", c.MaxConcurrentJobs))
	}
	if len(c.CheckpointDelays) != 4 {
		errs = append(errs, fmt.Errorf("CHECKPOINT_DELAYS needs 4 durations (got %d)", len(c.CheckpointDelays)))
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("FAILURE_RATE must be within 0..1 (got %g)", c.FailureRate))
	}
	if c.ImageFailureRate < 0 || c.ImageFailureRate > 1 {
		errs = append(errs, fmt.Errorf("IMAGE_FAILURE_RATE must be within 0..1 (got %g)", c.ImageFailureRate))
	}
	if c.HistoryLimit < 1 {
		errs = append(errs, fmt.Errorf("HISTORY_LIMIT must be at least 1 (got %d)", c.HistoryLimit))
	}
	if c.SSEInterval <= 0 {
		errs = append(errs, errors.New("SSE_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvDurationList(key string, def []time.Duration) []time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return def
		}
		out = append(out, d)
	}
	return out
}

func getEnvLevel(key string, def slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return def
	}
	return lvl
}
