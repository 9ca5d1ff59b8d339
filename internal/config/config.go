// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Token settings.
	TokenPrivateKeyPath string // Path to Ed25519 private key PEM file.
	TokenPublicKeyPath  string // Path to Ed25519 public key PEM file.
	TokenLifetime       time.Duration

	// Admin surface.
	AdminAPIKey string // Key for force-removal endpoints; empty disables them.

	// Heartbeat monitor settings.
	HeartbeatInterval time.Duration // Scan interval.
	SoftTTL           time.Duration // Missed-heartbeat window before a component is marked UNHEALTHY.
	HardTTL           time.Duration // Window before the record is evicted outright.

	// Message bus settings.
	HistoryCapacity int           // Per-channel replay buffer size.
	QueueCapacity   int           // Per-subscriber delivery queue size.
	DeliveryTimeout time.Duration // Per-subscriber delivery timeout.

	// Router settings.
	MaxRetries          int           // Alternate candidates tried after the first failure.
	DefaultRouteTimeout time.Duration // Applied when the caller supplies no deadline.

	// Snapshot settings. Path selects the embedded SQLite store; URL selects
	// Postgres. Both empty disables snapshots (all components re-register on
	// restart).
	SnapshotPath     string
	SnapshotURL      string
	SnapshotInterval time.Duration

	// Rate limiting.
	RegisterRatePerMin  int // Per source IP.
	HeartbeatRatePerMin int // Per component ID.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("MUSUBI_PORT", 8080),
		ReadTimeout:         envDuration("MUSUBI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("MUSUBI_WRITE_TIMEOUT", 30*time.Second),
		TokenPrivateKeyPath: envStr("MUSUBI_TOKEN_PRIVATE_KEY", ""),
		TokenPublicKeyPath:  envStr("MUSUBI_TOKEN_PUBLIC_KEY", ""),
		TokenLifetime:       envDuration("MUSUBI_TOKEN_LIFETIME", 7*24*time.Hour),
		AdminAPIKey:         envStr("MUSUBI_ADMIN_API_KEY", ""),
		HeartbeatInterval:   envDuration("MUSUBI_HEARTBEAT_INTERVAL", 10*time.Second),
		SoftTTL:             envDuration("MUSUBI_SOFT_TTL", 45*time.Second),
		HardTTL:             envDuration("MUSUBI_HARD_TTL", 3*time.Minute),
		HistoryCapacity:     envInt("MUSUBI_HISTORY_CAPACITY", 100),
		QueueCapacity:       envInt("MUSUBI_QUEUE_CAPACITY", 64),
		DeliveryTimeout:     envDuration("MUSUBI_DELIVERY_TIMEOUT", 5*time.Second),
		MaxRetries:          envInt("MUSUBI_MAX_RETRIES", 2),
		DefaultRouteTimeout: envDuration("MUSUBI_ROUTE_TIMEOUT", 10*time.Second),
		SnapshotPath:        envStr("MUSUBI_SNAPSHOT_PATH", ""),
		SnapshotURL:         envStr("MUSUBI_SNAPSHOT_URL", ""),
		SnapshotInterval:    envDuration("MUSUBI_SNAPSHOT_INTERVAL", 30*time.Second),
		RegisterRatePerMin:  envInt("MUSUBI_REGISTER_RATE_PER_MIN", 60),
		HeartbeatRatePerMin: envInt("MUSUBI_HEARTBEAT_RATE_PER_MIN", 120),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "musubi"),
		LogLevel:            envStr("MUSUBI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("MUSUBI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: MUSUBI_HEARTBEAT_INTERVAL must be positive")
	}
	if c.SoftTTL <= 0 || c.HardTTL <= 0 {
		return fmt.Errorf("config: MUSUBI_SOFT_TTL and MUSUBI_HARD_TTL must be positive")
	}
	if c.HardTTL <= c.SoftTTL {
		return fmt.Errorf("config: MUSUBI_HARD_TTL (%s) must exceed MUSUBI_SOFT_TTL (%s)", c.HardTTL, c.SoftTTL)
	}
	if c.HistoryCapacity <= 0 {
		return fmt.Errorf("config: MUSUBI_HISTORY_CAPACITY must be positive")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("config: MUSUBI_QUEUE_CAPACITY must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: MUSUBI_MAX_RETRIES must not be negative")
	}
	if c.SnapshotPath != "" && c.SnapshotURL != "" {
		return fmt.Errorf("config: set at most one of MUSUBI_SNAPSHOT_PATH and MUSUBI_SNAPSHOT_URL")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: MUSUBI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
