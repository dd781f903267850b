package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "./data/runway.db", cfg.Database.DSN)
	assert.Equal(t, "us-central1", cfg.Platform.Region)
	assert.Equal(t, 3, cfg.Deploy.MaxConcurrent)
	assert.Equal(t, 5*time.Minute, cfg.Deploy.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Deploy.PollInterval)
	assert.Equal(t, 3, cfg.Deploy.PushRetries)
	assert.Equal(t, time.Second, cfg.Deploy.PushRetryDelay)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  host: "127.0.0.1"
  port: 9000

database:
  dsn: "/tmp/test.db"

platform:
  project: "acme-prod"
  region: "europe-west1"

deploy:
  max_concurrent: 5
  timeout: 10m

log:
  level: "debug"
  format: "text"
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/tmp/test.db", cfg.Database.DSN)
	assert.Equal(t, "acme-prod", cfg.Platform.Project)
	assert.Equal(t, "europe-west1", cfg.Platform.Region)
	assert.Equal(t, 5, cfg.Deploy.MaxConcurrent)
	assert.Equal(t, 10*time.Minute, cfg.Deploy.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("RUNWAY_PLATFORM_PROJECT", "acme-staging")
	t.Setenv("RUNWAY_PLATFORM_TOKEN", "ya29.token")
	t.Setenv("RUNWAY_DATABASE_DSN", "/custom/path.db")
	t.Setenv("RUNWAY_LOG_LEVEL", "warn")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "acme-staging", cfg.Platform.Project)
	assert.Equal(t, "ya29.token", cfg.Platform.Token)
	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8090, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger_Formats(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"json info", "info", "json"},
		{"text info", "info", "text"},
		{"debug", "debug", "json"},
		{"warn", "warn", "json"},
		{"error", "error", "json"},
		{"invalid level falls back", "invalid", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Log: LogConfig{Level: tt.level, Format: tt.format},
			}
			assert.NotNil(t, SetupLogger(cfg))
		})
	}
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestConfig_Address(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8090,
		},
	}

	assert.Equal(t, "localhost:8090", cfg.Server.Address())
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"RUNWAY_SERVER_HOST",
		"RUNWAY_SERVER_PORT",
		"RUNWAY_DATABASE_DSN",
		"RUNWAY_PLATFORM_PROJECT",
		"RUNWAY_PLATFORM_REGION",
		"RUNWAY_PLATFORM_TOKEN",
		"RUNWAY_LOG_LEVEL",
		"RUNWAY_LOG_FORMAT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}
