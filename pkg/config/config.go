// Package config loads the controller's process-scoped configuration
// from CONTROLLER_* environment variables, in the twelve-factor style,
// and fails fast on anything that would leave the controller unsafe to
// run.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the controller's complete process-scoped configuration.
// None of it is persisted; it is reloaded from the environment on every
// start.
type Config struct {
	Port        int
	DBPath      string // Postgres connection string/DSN
	StoragePath string

	APIKey string

	MaxSourceSize int64
	MaxCertsSize  int64
	MaxResultSize int64

	PollInterval         time.Duration
	WorkerTokenTTL       time.Duration
	BuildTimeout         time.Duration
	WorkerOfflineTimeout time.Duration
	MonitorInterval      time.Duration
}

const (
	defaultPort                 = 8080
	defaultMaxSourceSize   int64 = 500 * 1024 * 1024
	defaultMaxCertsSize    int64 = 10 * 1024 * 1024
	defaultMaxResultSize   int64 = 1024 * 1024 * 1024
	defaultPollInterval          = 30 * time.Second
	defaultWorkerTokenTTL        = 90 * time.Second
	defaultBuildTimeout          = 300 * time.Second
	defaultWorkerOffline         = 300 * time.Second
	defaultMonitorInterval       = 60 * time.Second

	minAPIKeyLen = 16
)

// knownDefaultAPIKey is a value operators sometimes leave in place from
// example configs; Load warns (but does not fail) when it sees it.
const knownDefaultAPIKey = "change-me-please"

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getInt("CONTROLLER_PORT", defaultPort),
		DBPath:      getString("CONTROLLER_DB_PATH", ""),
		StoragePath: getString("CONTROLLER_STORAGE_PATH", "./data/artifacts"),

		APIKey: getString("CONTROLLER_API_KEY", ""),

		MaxSourceSize: defaultMaxSourceSize,
		MaxCertsSize:  defaultMaxCertsSize,
		MaxResultSize: defaultMaxResultSize,

		PollInterval:         getSeconds("CONTROLLER_POLL_INTERVAL_SEC", defaultPollInterval),
		WorkerTokenTTL:       defaultWorkerTokenTTL,
		BuildTimeout:         getSeconds("CONTROLLER_BUILD_TIMEOUT_SEC", defaultBuildTimeout),
		WorkerOfflineTimeout: getSeconds("CONTROLLER_WORKER_OFFLINE_TIMEOUT_SEC", defaultWorkerOffline),
		MonitorInterval:      defaultMonitorInterval,
	}

	// TTL is derived from poll interval per spec: poll_interval + 60s.
	cfg.WorkerTokenTTL = cfg.PollInterval + 60*time.Second

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.APIKey) < minAPIKeyLen {
		return fmt.Errorf("CONTROLLER_API_KEY must be at least %d characters (got %d)", minAPIKeyLen, len(c.APIKey))
	}
	if c.APIKey == knownDefaultAPIKey {
		fmt.Fprintln(os.Stderr, "warning: CONTROLLER_API_KEY is set to a known default value, change it before exposing this controller")
	}
	if c.DBPath == "" {
		return fmt.Errorf("CONTROLLER_DB_PATH is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("CONTROLLER_PORT out of range: %d", c.Port)
	}
	return nil
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getSeconds(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}
