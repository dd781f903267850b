package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Registry RegistryConfig `mapstructure:"registry"`
	Platform PlatformConfig `mapstructure:"platform"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration for serve mode.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds the state database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// RegistryConfig holds image registry credentials for pushes.
type RegistryConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Server   string `mapstructure:"server"`
}

// PlatformConfig holds the deployment platform configuration.
type PlatformConfig struct {
	// Project is the platform project every service deploys into.
	Project string `mapstructure:"project"`

	// Region is the default region for services that do not set one.
	Region string `mapstructure:"region"`

	// Token is the bearer token for the platform Admin API.
	// Set via RUNWAY_PLATFORM_TOKEN.
	Token string `mapstructure:"token"`

	// Endpoint overrides the regional API endpoint; mainly for tests.
	Endpoint string `mapstructure:"endpoint"`
}

// DeployConfig holds pass execution tuning.
type DeployConfig struct {
	// MaxConcurrent bounds how many service chains run at once.
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// Timeout bounds one service reconciliation, polling included.
	Timeout time.Duration `mapstructure:"timeout"`

	// PollInterval is the delay between service readiness checks.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// PushRetries is the number of push attempts before giving up.
	PushRetries int `mapstructure:"push_retries"`

	// PushRetryDelay is the backoff base delay; doubled per attempt.
	PushRetryDelay time.Duration `mapstructure:"push_retry_delay"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "10m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/runway.db")
	v.SetDefault("docker.host", "")
	v.SetDefault("registry.username", "")
	v.SetDefault("registry.password", "")
	v.SetDefault("registry.server", "")
	v.SetDefault("platform.project", "")
	v.SetDefault("platform.region", "us-central1")
	v.SetDefault("platform.token", "")
	v.SetDefault("platform.endpoint", "")
	v.SetDefault("deploy.max_concurrent", 3)
	v.SetDefault("deploy.timeout", "5m")
	v.SetDefault("deploy.poll_interval", "2s")
	v.SetDefault("deploy.push_retries", 3)
	v.SetDefault("deploy.push_retry_delay", "1s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("RUNWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
