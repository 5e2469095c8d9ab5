package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/almapipo/internal/config"
)

const testYAML = `
almapipo:
  system:
    logging:
      level: DEBUG
  alma:
    baseUrl: ${ALMA_API_BASE_URL}
    apiKey: ${ALMA_API_KEY}
    requestsPerSecond: 10
    burst: 2
    timeoutSeconds: 15
  database:
    type: sqlite
    dsn: test.db
    pool:
      maxOpenConns: 4
      maxIdleConns: 2
  batch:
    workers: 3
`

func TestLoadExpandsPlaceholders(t *testing.T) {
	t.Setenv("ALMA_API_BASE_URL", "https://api.example.org/almaws/v1")
	t.Setenv("ALMA_API_KEY", "secret")

	cfg, err := config.Load("", []byte(testYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.org/almaws/v1", cfg.Almapipo.Alma.BaseURL)
	assert.Equal(t, "secret", cfg.Almapipo.Alma.APIKey)
	assert.Equal(t, "DEBUG", cfg.Almapipo.System.Logging.Level)
	assert.Equal(t, float64(10), cfg.Almapipo.Alma.RequestsPerSecond)
	assert.Equal(t, 3, cfg.Almapipo.Batch.Workers)
	assert.Equal(t, 4, cfg.Almapipo.Database.Pool.MaxOpenConns)
}

func TestLoadEnvOverridesWinOverYAML(t *testing.T) {
	t.Setenv("ALMA_API_BASE_URL", "https://yaml.example.org")
	t.Setenv("ALMA_API_KEY", "yaml-key")
	t.Setenv("ALMAPIPO_ALMA_API_KEY", "env-key")
	t.Setenv("ALMAPIPO_DB_DSN", "override.db")
	t.Setenv("ALMAPIPO_WORKERS", "7")

	cfg, err := config.Load("", []byte(testYAML))
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Almapipo.Alma.APIKey)
	assert.Equal(t, "override.db", cfg.Almapipo.Database.DSN)
	assert.Equal(t, 7, cfg.Almapipo.Batch.Workers)
}

func TestLoadIgnoresInvalidWorkerOverride(t *testing.T) {
	t.Setenv("ALMAPIPO_WORKERS", "many")

	cfg, err := config.Load("", []byte(testYAML))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Almapipo.Batch.Workers)
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	_, err := config.Load("", []byte("almapipo: [broken"))
	assert.Error(t, err)
}

func TestNewConfigDefaults(t *testing.T) {
	cfg := config.NewConfig()
	assert.Equal(t, "INFO", cfg.Almapipo.System.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Almapipo.Database.Type)
	assert.Equal(t, float64(20), cfg.Almapipo.Alma.RequestsPerSecond)
}
