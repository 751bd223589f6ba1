package config

import (
	"fmt"
	"time"
)

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host        string          `yaml:"host,omitempty" mapstructure:"host"`
	Port        int             `yaml:"port" mapstructure:"port"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Metrics     bool            `yaml:"metrics" mapstructure:"metrics"`
}

// Address returns the listen address in host:port form.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RateLimitConfig configures per-IP rate limiting of the token endpoint.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// UpstreamConfig describes the upstream identity API.
type UpstreamConfig struct {
	URL                string          `yaml:"url" mapstructure:"url"`
	APIKey             string          `yaml:"api_key" mapstructure:"api_key"`
	InsecureSkipVerify bool            `yaml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
	RequestTimeout     time.Duration   `yaml:"request_timeout" mapstructure:"request_timeout"`
	SyncConcurrency    int             `yaml:"sync_concurrency" mapstructure:"sync_concurrency"`
	TokenExpiresIn     int             `yaml:"token_expires_in" mapstructure:"token_expires_in"`
	Readiness          ReadinessConfig `yaml:"readiness" mapstructure:"readiness"`
}

// ReadinessConfig controls polling of the upstream status endpoint.
// With the defaults the poll never gives up and never backs off.
type ReadinessConfig struct {
	Interval    time.Duration `yaml:"interval" mapstructure:"interval"`
	MaxInterval time.Duration `yaml:"max_interval,omitempty" mapstructure:"max_interval"`
	Timeout     time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
	MaxAttempts uint          `yaml:"max_attempts,omitempty" mapstructure:"max_attempts"`
}

// SessionConfig configures the session middleware and its backing store.
type SessionConfig struct {
	Driver     string               `yaml:"driver" mapstructure:"driver"`
	CookieName string               `yaml:"cookie_name" mapstructure:"cookie_name"`
	TTL        time.Duration        `yaml:"ttl" mapstructure:"ttl"`
	SQLite     SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres   PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
	Redis      RedisConfig          `yaml:"redis,omitempty" mapstructure:"redis"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Username  string `yaml:"username,omitempty" mapstructure:"username"`
	Password  string `yaml:"password,omitempty" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// TokensConfig controls the token cache.
type TokensConfig struct {
	// Coalesce collapses concurrent upstream token requests for the same
	// user into one call. When false, concurrent refreshes race and the
	// last response to arrive wins the cache slot.
	Coalesce bool `yaml:"coalesce" mapstructure:"coalesce"`
}

// RosterConfig points at an optional YAML roster file replacing the
// built-in demo roster.
type RosterConfig struct {
	File string `yaml:"file,omitempty" mapstructure:"file"`
}
