// Package config loads license-server configuration. Precedence, lowest to
// highest: built-in defaults, an optional YAML file, environment variables
// with the CALLPULSE prefix.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the environment variable prefix for all settings.
const EnvPrefix = "CALLPULSE"

// Config represents the complete license-server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Database  DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	Client    ClientConfig    `yaml:"client" envconfig:"CLIENT"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig contains license store configuration.
type DatabaseConfig struct {
	Driver string `yaml:"driver" envconfig:"DRIVER"`
	DSN    string `yaml:"dsn" envconfig:"DSN"`
	Debug  bool   `yaml:"debug" envconfig:"DEBUG"`
}

// SecurityConfig contains secrets and rate limiting.
type SecurityConfig struct {
	// LicenseSecret keys the HMAC under which license keys are stored.
	// Rotating it orphans every stored hash, so treat it like a root secret.
	LicenseSecret string `yaml:"license_secret" envconfig:"LICENSE_SECRET"`
	// AdminKey gates the create and revoke endpoints via X-Admin-Key.
	AdminKey  string          `yaml:"admin_key" envconfig:"ADMIN_KEY"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration. Activation gets its
// own, tighter per-address budget to blunt key guessing.
type RateLimitConfig struct {
	Enabled          bool          `yaml:"enabled" envconfig:"ENABLED"`
	RPS              float64       `yaml:"rps" envconfig:"RPS"`
	Burst            int           `yaml:"burst" envconfig:"BURST"`
	ActivationWindow time.Duration `yaml:"activation_window" envconfig:"ACTIVATION_WINDOW"`
	ActivationMax    int           `yaml:"activation_max" envconfig:"ACTIVATION_MAX"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig toggles tracing and the Prometheus metrics endpoint.
type TelemetryConfig struct {
	EnableTracing bool `yaml:"enable_tracing" envconfig:"ENABLE_TRACING"`
	EnableMetrics bool `yaml:"enable_metrics" envconfig:"ENABLE_METRICS"`
}

// ClientConfig configures the consumer-side license client embedded in the
// dashboard backend.
type ClientConfig struct {
	ServerURL         string        `yaml:"server_url" envconfig:"SERVER_URL"`
	Timeout           time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	PositiveCacheTTL  time.Duration `yaml:"positive_cache_ttl" envconfig:"POSITIVE_CACHE_TTL"`
	NegativeCacheTTL  time.Duration `yaml:"negative_cache_ttl" envconfig:"NEGATIVE_CACHE_TTL"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            3002,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "data/licenses.db",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:          true,
				RPS:              100,
				Burst:            50,
				ActivationWindow: 15 * time.Minute,
				ActivationMax:    10,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "stdout",
			FilePath: "logs/license-server.log",
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
		},
		Client: ClientConfig{
			ServerURL:         "http://localhost:3002",
			Timeout:           10 * time.Second,
			PositiveCacheTTL:  5 * time.Minute,
			NegativeCacheTTL:  time.Minute,
			HeartbeatInterval: 5 * time.Minute,
		},
	}
}

// Load loads configuration. When CALLPULSE_CONFIG points at a YAML file (or
// config.yaml exists in the working directory) its values override the
// defaults; environment variables override both.
func Load() (*Config, error) {
	cfg := Default()

	configFile := os.Getenv(EnvPrefix + "_CONFIG")
	if configFile == "" {
		configFile = "config.yaml"
	}
	if _, err := os.Stat(configFile); err == nil {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configFile, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if strings.TrimSpace(c.Security.LicenseSecret) == "" {
		return fmt.Errorf("security.license_secret is required")
	}
	if strings.TrimSpace(c.Security.AdminKey) == "" {
		return fmt.Errorf("security.admin_key is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}

	if c.Client.PositiveCacheTTL <= 0 || c.Client.NegativeCacheTTL <= 0 {
		return fmt.Errorf("client cache TTLs must be positive")
	}

	return nil
}
