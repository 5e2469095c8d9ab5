// Package config provides utilities for loading and managing the almapipo
// configuration from an embedded YAML file and environment variables.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tigerroll/almapipo/internal/support/exception"
	"github.com/tigerroll/almapipo/internal/support/logger"
)

const moduleName = "config"

// LoggingConfig holds logging-related settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SystemConfig holds system-wide settings.
type SystemConfig struct {
	Logging LoggingConfig `yaml:"logging"`
}

// AlmaConfig holds the settings for the Alma REST API transport.
type AlmaConfig struct {
	// BaseURL is the API gateway root, e.g.
	// "https://api-eu.hosted.exlibrisgroup.com/almaws/v1".
	BaseURL string `yaml:"baseUrl"`
	// APIKey is sent as "authorization: apikey <key>" on every request.
	APIKey string `yaml:"apiKey"`
	// RequestsPerSecond caps the client-side request rate. Alma enforces a
	// per-institution cap on API traffic; staying below it client-side avoids
	// burning attempts on 429 responses.
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	// Burst is the rate limiter's burst size.
	Burst int `yaml:"burst"`
	// TimeoutSeconds is the per-request HTTP timeout.
	TimeoutSeconds int `yaml:"timeoutSeconds"`
	// IDSuffix is the institutional suffix of valid Alma IDs, used for
	// optional input validation (e.g. "1234" for IDs ending in the
	// institution code).
	IDSuffix string `yaml:"idSuffix"`
}

// PoolConfig holds connection pool settings for the ledger database.
type PoolConfig struct {
	MaxOpenConns int `yaml:"maxOpenConns"`
	MaxIdleConns int `yaml:"maxIdleConns"`
}

// DatabaseConfig holds the settings for the ledger database connection.
type DatabaseConfig struct {
	// Type selects the dialect: "sqlite", "postgres" or "mysql".
	Type string `yaml:"type"`
	// DSN is the driver-specific data source name.
	DSN  string     `yaml:"dsn"`
	Pool PoolConfig `yaml:"pool"`
}

// BatchConfig holds the settings of the batch run itself.
type BatchConfig struct {
	// Workers is the worker pool size; 0 means available parallelism.
	Workers int `yaml:"workers"`
}

// AlmapipoConfig is the root of the application's own configuration section.
type AlmapipoConfig struct {
	System   SystemConfig   `yaml:"system"`
	Alma     AlmaConfig     `yaml:"alma"`
	Database DatabaseConfig `yaml:"database"`
	Batch    BatchConfig    `yaml:"batch"`
}

// Config is the top-level configuration structure.
type Config struct {
	Almapipo AlmapipoConfig `yaml:"almapipo"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Almapipo: AlmapipoConfig{
			System: SystemConfig{
				Logging: LoggingConfig{Level: "INFO"},
			},
			Alma: AlmaConfig{
				RequestsPerSecond: 20,
				Burst:             5,
				TimeoutSeconds:    30,
			},
			Database: DatabaseConfig{
				Type: "sqlite",
				DSN:  "almapipo.db",
				Pool: PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5},
			},
			Batch: BatchConfig{Workers: 0},
		},
	}
}

// Load loads configuration in three passes: defaults from NewConfig, the
// embedded YAML (with ${VAR} placeholders expanded from the environment),
// and finally explicit environment variable overrides. The .env file at
// envFilePath is loaded first so its values participate in both expansions.
// This function is expected to be called only once during application
// startup.
func Load(envFilePath string, embedded []byte) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env file (%s) not found or could not be loaded: %v", envFilePath, err)
		}
	} else {
		if err := godotenv.Load(); err != nil {
			logger.Debugf(".env file not found or could not be loaded: %v", err)
		}
	}

	cfg := NewConfig()

	// Expand ${VAR} placeholders in the embedded YAML before parsing, so
	// secrets like the API key never need to live in the file itself.
	expanded := os.ExpandEnv(string(embedded))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, exception.NewBatchError(moduleName, "failed to unmarshal embedded config", err, false, false)
	}

	overrideFromEnv(cfg)

	return cfg, nil
}

// overrideFromEnv applies ALMAPIPO_* environment variables on top of the
// loaded configuration. Environment always wins over the YAML file.
func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("ALMAPIPO_LOG_LEVEL"); v != "" {
		cfg.Almapipo.System.Logging.Level = v
	}
	if v := os.Getenv("ALMAPIPO_ALMA_BASE_URL"); v != "" {
		cfg.Almapipo.Alma.BaseURL = v
	}
	if v := os.Getenv("ALMAPIPO_ALMA_API_KEY"); v != "" {
		cfg.Almapipo.Alma.APIKey = v
	}
	if v := os.Getenv("ALMAPIPO_ALMA_ID_SUFFIX"); v != "" {
		cfg.Almapipo.Alma.IDSuffix = v
	}
	if v := os.Getenv("ALMAPIPO_DB_TYPE"); v != "" {
		cfg.Almapipo.Database.Type = v
	}
	if v := os.Getenv("ALMAPIPO_DB_DSN"); v != "" {
		cfg.Almapipo.Database.DSN = v
	}
	if v := os.Getenv("ALMAPIPO_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Almapipo.Batch.Workers = n
		} else {
			logger.Warnf("Ignoring non-numeric ALMAPIPO_WORKERS value %q.", v)
		}
	}
}
