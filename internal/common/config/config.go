// Package config provides configuration management for claudelet.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jasonkneen/claudelet/internal/common/logger"
)

// Config holds all configuration sections for claudelet.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Database DatabaseConfig       `mapstructure:"database"`
	NATS     NATSConfig           `mapstructure:"nats"`
	Runtime  RuntimeConfig        `mapstructure:"runtime"`
	Tracing  TracingConfig        `mapstructure:"tracing"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds task store configuration. Driver selects the backend:
// "memory" (default), "sqlite3", or "pgx".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite3 file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service"`
}

// RuntimeConfig holds agent runtime tuning options.
type RuntimeConfig struct {
	// DefaultTier is the model tier used when task analysis is skipped or
	// inconclusive: fast, smart-mid, smart-high, or auto.
	DefaultTier string `mapstructure:"defaultTier"`

	// MaxConcurrentAgents caps the pool size; 0 means unlimited.
	MaxConcurrentAgents int `mapstructure:"maxConcurrentAgents"`

	// MaxLiveOutputBytes bounds each agent's retained live output.
	MaxLiveOutputBytes int `mapstructure:"maxLiveOutputBytes"`

	// EventBufferSize is the aggregated event replay buffer capacity.
	EventBufferSize int `mapstructure:"eventBufferSize"`

	// InterruptGraceMs is how long a soft interrupt may run before the
	// session is stopped hard.
	InterruptGraceMs int `mapstructure:"interruptGraceMs"`

	// AgentNamePrefixes maps model tiers to spawned agent name prefixes.
	AgentNamePrefixes map[string]string `mapstructure:"agentNamePrefixes"`

	// SessionIDSeed makes generated IDs deterministic when set; intended
	// for tests and reproduction runs.
	SessionIDSeed string `mapstructure:"sessionIdSeed"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// InterruptGrace returns the interrupt grace window as a time.Duration.
func (r *RuntimeConfig) InterruptGrace() time.Duration {
	return time.Duration(r.InterruptGraceMs) * time.Millisecond
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns the appropriate log format based on
// environment: json in Kubernetes/production, text for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CLAUDELET_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - in-memory store unless configured otherwise
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.path", "claudelet.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "claudelet")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "claudelet")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "claudelet")
	v.SetDefault("nats.maxReconnects", 10)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service", "claudelet")

	// Runtime defaults
	v.SetDefault("runtime.defaultTier", "fast")
	v.SetDefault("runtime.maxConcurrentAgents", 0)
	v.SetDefault("runtime.maxLiveOutputBytes", 10000)
	v.SetDefault("runtime.eventBufferSize", 1000)
	v.SetDefault("runtime.interruptGraceMs", 5000)
	v.SetDefault("runtime.agentNamePrefixes", map[string]string{
		"fast":       "haiku",
		"smart-mid":  "sonnet",
		"smart-high": "opus",
	})
	v.SetDefault("runtime.sessionIdSeed", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CLAUDELET_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/claudelet/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CLAUDELET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind keys whose env var naming differs from the config key naming.
	_ = v.BindEnv("runtime.defaultTier", "CLAUDELET_RUNTIME_DEFAULT_TIER")
	_ = v.BindEnv("runtime.maxConcurrentAgents", "CLAUDELET_RUNTIME_MAX_CONCURRENT_AGENTS")
	_ = v.BindEnv("runtime.maxLiveOutputBytes", "CLAUDELET_RUNTIME_MAX_LIVE_OUTPUT_BYTES")
	_ = v.BindEnv("runtime.eventBufferSize", "CLAUDELET_RUNTIME_EVENT_BUFFER_SIZE")
	_ = v.BindEnv("runtime.interruptGraceMs", "CLAUDELET_RUNTIME_INTERRUPT_GRACE_MS")
	_ = v.BindEnv("runtime.sessionIdSeed", "CLAUDELET_RUNTIME_SESSION_ID_SEED")
	_ = v.BindEnv("database.driver", "CLAUDELET_DATABASE_DRIVER")
	_ = v.BindEnv("database.dbName", "CLAUDELET_DATABASE_DB_NAME")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/claudelet/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "memory", "sqlite3":
	case "pgx":
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: memory, sqlite3, pgx")
	}

	switch cfg.Runtime.DefaultTier {
	case "fast", "smart-mid", "smart-high", "auto":
	default:
		errs = append(errs, "runtime.defaultTier must be one of: fast, smart-mid, smart-high, auto")
	}
	if cfg.Runtime.MaxConcurrentAgents < 0 {
		errs = append(errs, "runtime.maxConcurrentAgents must be >= 0")
	}
	if cfg.Runtime.MaxLiveOutputBytes <= 0 {
		errs = append(errs, "runtime.maxLiveOutputBytes must be positive")
	}
	if cfg.Runtime.EventBufferSize <= 0 {
		errs = append(errs, "runtime.eventBufferSize must be positive")
	}
	if cfg.Runtime.InterruptGraceMs <= 0 {
		errs = append(errs, "runtime.interruptGraceMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
