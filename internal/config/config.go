// internal/config/config.go
// Package config provides configuration loading for the fieldsync engine.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// so the process environment always wins over .env files.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// .env.local holds per-machine overrides and is gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the device engine.
type Config struct {
	Env           string // Deployment environment (dev, staging, prod)
	ServerURL     string // Base URL of the central service
	DataDir       string // Root directory for identity files and queued photos
	DatabaseDSN   string // "memory", a SQLite file path, or a postgres:// DSN
	KeyPassphrase string // Unlocks the device key file; empty means locked
	DisplayName   string // Display name sent with registration
	AppVersion    string // Reported in User-Agent and device info

	// RPC transport
	HTTPConnectTimeout time.Duration // Dial timeout
	HTTPTimeout        time.Duration // Whole-request timeout
	SubmitTimeout      time.Duration // Per-report submission timeout

	// Photo ingest
	PhotoMaxSide  int   // Pixel ceiling of the longer side
	PhotoQuality  int   // JPEG quality 1..100
	PhotoMaxBytes int64 // Hard ceiling of an encoded photo

	// Queue and scheduling
	QueueMaxReports    int           // Offline queue capacity, 0 disables the check
	ImmediateBatch     int           // Batch cap of the one-shot drain
	PeriodicBatch      int           // Batch cap of the periodic drain
	PollDrainBatch     int           // Best-effort drain before each poll
	DrainInterval      time.Duration // Periodic drain interval
	PollInterval       time.Duration // Delta sync interval
	BackoffMin         time.Duration // Retry backoff floor
	BackoffMax         time.Duration // Retry backoff ceiling
	ActivationCheckMin time.Duration // First activation recheck delay
	ActivationCheckMax time.Duration // Longest activation recheck delay

	// Signals and observability
	NATSURL    string // NATS server URL for signal publishing
	MQTTBroker string // MQTT broker URL for signal publishing
	MQTTTopic  string // MQTT topic prefix
	ListenAddr string // Local diagnostics listener, empty disables it
	Tracing    bool   // Export spans to stdout
}

// Default configuration values used when environment variables are not set
const (
	defaultEnv        = "dev"
	defaultDataDir    = "./data"
	defaultAppVersion = "0.1.0"
	defaultMQTTTopic  = "fieldsync"
)

// Load reads environment variables and produces a Config suitable for wiring the engine.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:           getEnv("FIELDSYNC_ENV", defaultEnv),
		ServerURL:     getEnv("FIELDSYNC_SERVER_URL", ""),
		DataDir:       getEnv("FIELDSYNC_DATA_DIR", defaultDataDir),
		KeyPassphrase: os.Getenv("FIELDSYNC_KEY_PASSPHRASE"),
		DisplayName:   os.Getenv("FIELDSYNC_DISPLAY_NAME"),
		AppVersion:    getEnv("FIELDSYNC_APP_VERSION", defaultAppVersion),

		HTTPConnectTimeout: getDuration("FIELDSYNC_HTTP_CONNECT_TIMEOUT", 10*time.Second),
		HTTPTimeout:        getDuration("FIELDSYNC_HTTP_TIMEOUT", 30*time.Second),
		SubmitTimeout:      getDuration("FIELDSYNC_SUBMIT_TIMEOUT", 35*time.Second),

		PhotoMaxSide:  getInt("FIELDSYNC_PHOTO_MAX_SIDE", 1600),
		PhotoQuality:  getInt("FIELDSYNC_PHOTO_QUALITY", 82),
		PhotoMaxBytes: int64(getInt("FIELDSYNC_PHOTO_MAX_BYTES", 1_800_000)),

		QueueMaxReports:    getInt("FIELDSYNC_QUEUE_MAX_REPORTS", 50),
		ImmediateBatch:     getInt("FIELDSYNC_IMMEDIATE_BATCH", 10),
		PeriodicBatch:      getInt("FIELDSYNC_PERIODIC_BATCH", 50),
		PollDrainBatch:     getInt("FIELDSYNC_POLL_DRAIN_BATCH", 5),
		DrainInterval:      getDuration("FIELDSYNC_DRAIN_INTERVAL", 15*time.Minute),
		PollInterval:       getDuration("FIELDSYNC_POLL_INTERVAL", 15*time.Minute),
		BackoffMin:         getDuration("FIELDSYNC_BACKOFF_MIN", 10*time.Second),
		BackoffMax:         getDuration("FIELDSYNC_BACKOFF_MAX", 5*time.Minute),
		ActivationCheckMin: getDuration("FIELDSYNC_ACTIVATION_CHECK_MIN", 10*time.Second),
		ActivationCheckMax: getDuration("FIELDSYNC_ACTIVATION_CHECK_MAX", 120*time.Second),

		NATSURL:    os.Getenv("FIELDSYNC_NATS_URL"),
		MQTTBroker: os.Getenv("FIELDSYNC_MQTT_BROKER"),
		MQTTTopic:  getEnv("FIELDSYNC_MQTT_TOPIC", defaultMQTTTopic),
		ListenAddr: os.Getenv("FIELDSYNC_LISTEN_ADDR"),
		Tracing:    parseBool(os.Getenv("FIELDSYNC_TRACING")),
	}

	cfg.DatabaseDSN = getEnv("FIELDSYNC_DB_DSN", filepath.Join(cfg.DataDir, "fieldsync.db"))

	// Validate required parameters
	if cfg.ServerURL == "" {
		return cfg, fmt.Errorf("FIELDSYNC_SERVER_URL is required")
	}
	if u, err := url.Parse(cfg.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		return cfg, fmt.Errorf("FIELDSYNC_SERVER_URL must be an absolute URL, got %q", cfg.ServerURL)
	}
	if cfg.PhotoQuality < 1 || cfg.PhotoQuality > 100 {
		return cfg, fmt.Errorf("FIELDSYNC_PHOTO_QUALITY must be within 1..100, got %d", cfg.PhotoQuality)
	}
	if cfg.PhotoMaxSide <= 0 || cfg.PhotoMaxBytes <= 0 {
		return cfg, fmt.Errorf("photo limits must be positive")
	}
	if cfg.BackoffMin <= 0 || cfg.BackoffMax < cfg.BackoffMin {
		return cfg, fmt.Errorf("FIELDSYNC_BACKOFF_MIN must be positive and not above FIELDSYNC_BACKOFF_MAX")
	}

	return cfg, nil
}

// QueueDir is where ingested photos of pending reports live.
func (c Config) QueueDir() string {
	return filepath.Join(c.DataDir, "queued_reports")
}

// DrainLockPath is the lock file that serializes drains across processes.
func (c Config) DrainLockPath() string {
	return filepath.Join(c.DataDir, "drain.lock")
}

// IdentityDir holds the device id and the encrypted key file.
func (c Config) IdentityDir() string {
	return filepath.Join(c.DataDir, "identity")
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// getDuration parses a Go duration, warning and falling back on bad input
func getDuration(key string, fallback time.Duration) time.Duration {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", fallback.String())
		return fallback
	}
	return d
}

// getInt parses a base-10 integer, warning and falling back on bad input
func getInt(key string, fallback int) int {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
