// Package config loads application configuration from file and environment
// using Viper. This covers runtime wiring only; clinical content lives in
// the separately versioned ruleset file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete application configuration.
type Config struct {
	Environment string        `mapstructure:"environment"`
	Server      ServerConfig  `mapstructure:"server"`
	Ruleset     RulesetConfig `mapstructure:"ruleset"`
	FHIR        FHIRConfig    `mapstructure:"fhir"`
	Cache       CacheConfig   `mapstructure:"cache"`
	Audit       AuditConfig   `mapstructure:"audit"`
	Logging     LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// RulesetConfig points at the clinical ruleset file.
type RulesetConfig struct {
	Path string `mapstructure:"path"`
}

// FHIRConfig tunes the FHIR retrieval client. The server base URL and token
// arrive per request, not from configuration.
type FHIRConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RateLimit     int           `mapstructure:"rate_limit"`
	RetryCount    int           `mapstructure:"retry_count"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	PageCount     int           `mapstructure:"page_count"`
}

// CacheConfig holds Redis settings for FHIR response caching.
type CacheConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// AuditConfig selects and configures the assessment audit store.
type AuditConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig holds the embedded store settings.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds the shared store settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Manager loads and validates configuration using Viper.
type Manager struct {
	config *Config
}

// NewManager creates a configuration manager and loads configuration from
// file, environment and defaults.
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

func (m *Manager) loadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/precise-hbr-cdss/")

	viper.SetEnvPrefix("PRECISE_HBR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	m.setDefaults()

	// Config file is optional; defaults and environment cover everything.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

func (m *Manager) setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	viper.SetDefault("ruleset.path", "ruleset.json")

	viper.SetDefault("fhir.timeout", "30s")
	viper.SetDefault("fhir.rate_limit", 10)
	viper.SetDefault("fhir.retry_count", 3)
	viper.SetDefault("fhir.max_concurrent", 5)
	viper.SetDefault("fhir.page_count", 200)

	viper.SetDefault("cache.enabled", false)
	viper.SetDefault("cache.redis_url", "redis://localhost:6379")
	viper.SetDefault("cache.default_ttl", "15m")
	viper.SetDefault("cache.pool_size", 10)
	viper.SetDefault("cache.pool_timeout", "4s")

	viper.SetDefault("audit.driver", "sqlite")
	viper.SetDefault("audit.sqlite.path", "audit.db")
	viper.SetDefault("audit.postgres.host", "localhost")
	viper.SetDefault("audit.postgres.port", 5432)
	viper.SetDefault("audit.postgres.database", "precise_hbr")
	viper.SetDefault("audit.postgres.username", "postgres")
	viper.SetDefault("audit.postgres.password", "")
	viper.SetDefault("audit.postgres.ssl_mode", "disable")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration.
func (m *Manager) GetConfig() *Config {
	return m.config
}

// GetServerConfig returns server configuration.
func (m *Manager) GetServerConfig() *ServerConfig {
	return &m.config.Server
}

// GetFHIRConfig returns FHIR client configuration.
func (m *Manager) GetFHIRConfig() *FHIRConfig {
	return &m.config.FHIR
}

// GetAuditConfig returns audit store configuration.
func (m *Manager) GetAuditConfig() *AuditConfig {
	return &m.config.Audit
}

// Reload reloads the configuration.
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration.
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Ruleset.Path == "" {
		return fmt.Errorf("ruleset path is required")
	}

	if config.FHIR.RateLimit <= 0 {
		return fmt.Errorf("FHIR rate limit must be positive: %d", config.FHIR.RateLimit)
	}
	if config.FHIR.MaxConcurrent <= 0 {
		return fmt.Errorf("FHIR max concurrent fetches must be positive: %d", config.FHIR.MaxConcurrent)
	}

	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("Redis URL is required when caching is enabled")
	}

	switch config.Audit.Driver {
	case "sqlite":
		if config.Audit.SQLite.Path == "" {
			return fmt.Errorf("SQLite path is required for the sqlite audit driver")
		}
	case "postgres":
		if config.Audit.Postgres.Host == "" {
			return fmt.Errorf("Postgres host is required for the postgres audit driver")
		}
		if config.Audit.Postgres.Database == "" {
			return fmt.Errorf("Postgres database name is required")
		}
		if config.Audit.Postgres.Username == "" {
			return fmt.Errorf("Postgres username is required")
		}
	case "none":
	default:
		return fmt.Errorf("unknown audit driver: %s", config.Audit.Driver)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetPostgresConnectionString returns a formatted Postgres connection string
// for the audit store.
func (m *Manager) GetPostgresConnectionString() string {
	pg := m.config.Audit.Postgres
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		pg.Host, pg.Port, pg.Username, pg.Password, pg.Database, pg.SSLMode)
}

// GetRedisConnectionString returns the Redis connection string.
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}

// IsProduction returns true if running in production mode.
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.config.Environment) == "production"
}
