// Package config loads daemon configuration from the environment. All
// variables use the KESTREL_ prefix; unset variables fall back to local
// development defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all daemon settings.
type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Enrichment EnrichmentConfig
	Queue      QueueConfig
	Rollout    RolloutConfig
}

// ServerConfig holds HTTP front-end settings.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string

	// CommitRate and CommitBurst bound the commit endpoint.
	CommitRate  int
	CommitBurst int
}

// StorageConfig selects the canonical store backend.
type StorageConfig struct {
	// PostgresURL, when set, selects the PostgreSQL backend.
	PostgresURL string

	// SQLitePath is the local-mode database path, used when PostgresURL
	// is empty.
	SQLitePath string
}

// EnrichmentConfig holds the enrichment backend settings.
type EnrichmentConfig struct {
	BaseURL string
	APIKey  string
}

// QueueConfig holds the queue broker settings.
type QueueConfig struct {
	BrokerURL string
	Topic     string
}

// RolloutConfig locates the rollout policy file.
type RolloutConfig struct {
	// Path to the YAML rollout config. Watched for changes when set.
	Path string

	// TraceExport enables commit trace logging.
	TraceExport bool
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:        getEnv("KESTREL_ADDR", ":7171"),
			CommitRate:  getEnvInt("KESTREL_COMMIT_RATE", 100),
			CommitBurst: getEnvInt("KESTREL_COMMIT_BURST", 200),
		},
		Storage: StorageConfig{
			PostgresURL: getEnv("KESTREL_POSTGRES_URL", ""),
			SQLitePath:  getEnv("KESTREL_SQLITE_PATH", "data/kestrel.db"),
		},
		Enrichment: EnrichmentConfig{
			BaseURL: getEnv("KESTREL_ENRICHMENT_URL", ""),
			APIKey:  getEnv("KESTREL_ENRICHMENT_API_KEY", ""),
		},
		Queue: QueueConfig{
			BrokerURL: getEnv("KESTREL_QUEUE_URL", ""),
			Topic:     getEnv("KESTREL_QUEUE_TOPIC", "memory.turns"),
		},
		Rollout: RolloutConfig{
			Path:        getEnv("KESTREL_ROLLOUT_CONFIG", ""),
			TraceExport: getEnvBool("KESTREL_TRACE_EXPORT", true),
		},
	}

	if cfg.Server.CommitRate < 1 {
		return nil, fmt.Errorf("KESTREL_COMMIT_RATE must be at least 1")
	}
	if cfg.Storage.PostgresURL == "" && cfg.Storage.SQLitePath == "" {
		return nil, fmt.Errorf("either KESTREL_POSTGRES_URL or KESTREL_SQLITE_PATH is required")
	}
	return cfg, nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparsable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. It recognizes "true", "1", "yes" and "false", "0", "no".
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
