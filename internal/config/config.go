// Package config loads and validates application configuration from
// environment variables. A .env file in the working directory is merged in
// first (godotenv), matching how the deployment images ship defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the tracking server.
// Values are populated by Load from environment variables.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Defaults to "8080".
	Port string

	// MetricsPort is the TCP port for the prometheus /metrics endpoint.
	// Defaults to "9090".
	MetricsPort string

	// DatabaseURL is the Postgres connection string. Required.
	DatabaseURL string

	// LogLevel controls the minimum log level. Defaults to "info".
	// Valid values: debug, info, warn, error.
	LogLevel string

	// CORSOrigins is the list of allowed cross-origin request origins.
	// Set CORS_ORIGINS to a comma-separated list to override.
	CORSOrigins []string

	// AccuracyThresholdM is the GPS accuracy guard in meters: samples
	// reporting a worse accuracy are stored for audit but not applied.
	// Defaults to 50.
	AccuracyThresholdM float64

	// SubscriberQueueSize is the per-subscriber outbound buffer depth.
	// Defaults to 16.
	SubscriberQueueSize int

	// SubscriberIdleTimeout closes subscriber connections with no
	// successful delivery for this long. Defaults to 5m.
	SubscriberIdleTimeout time.Duration

	// PoolWorkers and PoolQueueDepth size the side-effect worker pool.
	PoolWorkers    int
	PoolQueueDepth int

	// MonitorInterval is how often the delay/auto-end monitor sweeps
	// active trips. Defaults to 30s.
	MonitorInterval time.Duration

	// OverdueGrace is how long past scheduled_end an active trip may run
	// before the monitor force-completes it. Defaults to 1h; 0 disables.
	OverdueGrace time.Duration

	// OSRMBaseURL points at the external routing provider. Empty disables
	// route-level precomputation.
	OSRMBaseURL string

	// NATSURL points at the notification broker. Empty falls back to the
	// log sink.
	NATSURL string

	// NATSSubjectPrefix is the subject root for outbound notifications.
	// Defaults to "fleettrack.notifications".
	NATSSubjectPrefix string

	// RedisURL points at the identity platform's session store. Empty
	// falls back to the static token table in AuthTokens.
	RedisURL string

	// RedisKeyPrefix namespaces session keys. Defaults to
	// "fleettrack:session:".
	RedisKeyPrefix string

	// AuthTokens is a development-only static token table, comma-separated
	// token=principalID:role:schoolID entries. Ignored when RedisURL is set.
	AuthTokens string
}

// Load reads configuration from the environment, merging in a .env file
// when present. Returns an error listing any required variables not set.
func Load() (Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg := Config{
		Port:              getEnv("PORT", "8080"),
		MetricsPort:       getEnv("METRICS_PORT", "9090"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		CORSOrigins:       splitCSV(getEnv("CORS_ORIGINS", "http://localhost:5173")),
		OSRMBaseURL:       os.Getenv("OSRM_BASE_URL"),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "fleettrack.notifications"),
		RedisURL:          os.Getenv("REDIS_URL"),
		RedisKeyPrefix:    getEnv("REDIS_KEY_PREFIX", "fleettrack:session:"),
		AuthTokens:        os.Getenv("AUTH_TOKENS"),
	}

	var err error
	if cfg.AccuracyThresholdM, err = getFloat("ACCURACY_THRESHOLD_M", 50); err != nil {
		return Config{}, err
	}
	if cfg.SubscriberQueueSize, err = getInt("SUBSCRIBER_QUEUE_SIZE", 16); err != nil {
		return Config{}, err
	}
	if cfg.SubscriberIdleTimeout, err = getDuration("SUBSCRIBER_IDLE_TIMEOUT", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.PoolWorkers, err = getInt("POOL_WORKERS", 4); err != nil {
		return Config{}, err
	}
	if cfg.PoolQueueDepth, err = getInt("POOL_QUEUE_DEPTH", 256); err != nil {
		return Config{}, err
	}
	if cfg.MonitorInterval, err = getDuration("MONITOR_INTERVAL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.OverdueGrace, err = getDuration("OVERDUE_GRACE", time.Hour); err != nil {
		return Config{}, err
	}

	var missing []string
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}

// getEnv returns the value of the environment variable named by key,
// or fallback if the variable is not set or is empty.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// splitCSV splits a comma-separated string into a trimmed slice, ignoring
// empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}
