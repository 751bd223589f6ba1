package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultPort is the default local listen port.
	DefaultPort = 3001

	// DefaultSessionDriver keeps sessions in process memory.
	DefaultSessionDriver = "memory"

	// DefaultSessionCookie is the name of the session cookie.
	DefaultSessionCookie = "devauth.sid"

	// DefaultSessionTTL is how long an idle session lives.
	DefaultSessionTTL = 24 * time.Hour

	// DefaultRequestTimeout bounds every upstream call.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultReadinessInterval is the wait between upstream status polls.
	DefaultReadinessInterval = 500 * time.Millisecond

	// DefaultSyncConcurrency bounds parallel roster sync calls.
	DefaultSyncConcurrency = 8

	// DefaultTokenExpiresIn is the lifetime in seconds requested for
	// issued tokens.
	DefaultTokenExpiresIn = 3600

	// DefaultRequestsPerMinute is the default token endpoint rate limit.
	DefaultRequestsPerMinute = 120

	// EnvPrefix prefixes environment overrides for every config key.
	EnvPrefix = "DEVAUTH"
)

// ErrConfiguration marks a fatal configuration problem. The process must
// not start when Validate returns an error wrapping it.
var ErrConfiguration = errors.New("configuration error")

// Config is the root configuration for devauth.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`
	Session  SessionConfig  `yaml:"session" mapstructure:"session"`
	Tokens   TokensConfig   `yaml:"tokens" mapstructure:"tokens"`
	Roster   RosterConfig   `yaml:"roster" mapstructure:"roster"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// envAliases maps config keys to the well-known variables that set them.
// The DEVAUTH_ prefixed form is accepted as a fallback.
var envAliases = map[string]string{
	"upstream.url":     "WEAVY_URL",
	"upstream.api_key": "WEAVY_APIKEY",
	"server.port":      "PORT",
}

// LoadDotEnv loads variables from an env file without overriding
// variables already present in the environment. An empty path loads
// ./.env and ignores a missing file.
func LoadDotEnv(path string) error {
	if path == "" {
		_ = godotenv.Load()

		return nil
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %q: %w", path, err)
	}

	return nil
}

// Load builds the configuration from defaults, the given YAML files
// (later files override earlier ones) and the process environment.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")

	for i, path := range paths {
		v.SetConfigFile(path)

		read := v.MergeInConfig
		if i == 0 {
			read = v.ReadInConfig
		}

		if err := read(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range envAliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(
			strings.ReplaceAll(key, ".", "_"),
		)

		if err := v.BindEnv(key, env, prefixed); err != nil {
			return nil, fmt.Errorf("binding env %s: %w", env, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           &cfg,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every key so that AllSettings picks up
// environment overrides for keys absent from the config files.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("server.host", "")
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.metrics", true)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.requests_per_minute", DefaultRequestsPerMinute)

	v.SetDefault("upstream.insecure_skip_verify", true)
	v.SetDefault("upstream.request_timeout", DefaultRequestTimeout)
	v.SetDefault("upstream.sync_concurrency", DefaultSyncConcurrency)
	v.SetDefault("upstream.token_expires_in", DefaultTokenExpiresIn)
	v.SetDefault("upstream.readiness.interval", DefaultReadinessInterval)
	v.SetDefault("upstream.readiness.max_interval", time.Duration(0))
	v.SetDefault("upstream.readiness.timeout", time.Duration(0))
	v.SetDefault("upstream.readiness.max_attempts", 0)

	v.SetDefault("session.driver", DefaultSessionDriver)
	v.SetDefault("session.cookie_name", DefaultSessionCookie)
	v.SetDefault("session.ttl", DefaultSessionTTL)
	v.SetDefault("session.sqlite.path", ":memory:")
	v.SetDefault("session.postgres.host", "localhost")
	v.SetDefault("session.postgres.port", 5432)
	v.SetDefault("session.postgres.user", "")
	v.SetDefault("session.postgres.password", "")
	v.SetDefault("session.postgres.database", "devauth")
	v.SetDefault("session.postgres.ssl_mode", "disable")
	v.SetDefault("session.redis.addr", "localhost:6379")
	v.SetDefault("session.redis.username", "")
	v.SetDefault("session.redis.password", "")
	v.SetDefault("session.redis.db", 0)
	v.SetDefault("session.redis.key_prefix", "devauth:session:")

	v.SetDefault("tokens.coalesce", false)

	v.SetDefault("roster.file", "")
}

// applyDefaults fills zero values that survived decoding, for example
// from an explicit empty value in a config file.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}

	if c.Server.RateLimit.RequestsPerMinute == 0 {
		c.Server.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}

	if c.Upstream.RequestTimeout == 0 {
		c.Upstream.RequestTimeout = DefaultRequestTimeout
	}

	if c.Upstream.SyncConcurrency <= 0 {
		c.Upstream.SyncConcurrency = DefaultSyncConcurrency
	}

	if c.Upstream.TokenExpiresIn <= 0 {
		c.Upstream.TokenExpiresIn = DefaultTokenExpiresIn
	}

	if c.Upstream.Readiness.Interval <= 0 {
		c.Upstream.Readiness.Interval = DefaultReadinessInterval
	}

	c.Upstream.URL = strings.TrimSpace(c.Upstream.URL)
	c.Upstream.APIKey = strings.TrimSpace(c.Upstream.APIKey)

	if c.Session.Driver == "" {
		c.Session.Driver = DefaultSessionDriver
	}

	if c.Session.CookieName == "" {
		c.Session.CookieName = DefaultSessionCookie
	}

	if c.Session.TTL <= 0 {
		c.Session.TTL = DefaultSessionTTL
	}
}

// Validate checks the configuration for errors. Every returned error
// wraps ErrConfiguration.
func (c *Config) Validate() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("%w: WEAVY_URL is required", ErrConfiguration)
	}

	if err := validateBaseURL(c.Upstream.URL); err != nil {
		return fmt.Errorf("%w: WEAVY_URL: %w", ErrConfiguration, err)
	}

	if c.Upstream.APIKey == "" {
		return fmt.Errorf("%w: WEAVY_APIKEY is required", ErrConfiguration)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrConfiguration, c.Server.Port)
	}

	if _, ok := validSessionDrivers[c.Session.Driver]; !ok {
		return fmt.Errorf(
			"%w: unknown session driver %q", ErrConfiguration, c.Session.Driver,
		)
	}

	r := c.Upstream.Readiness
	if r.MaxInterval != 0 && r.MaxInterval < r.Interval {
		return fmt.Errorf(
			"%w: readiness max_interval %s is below interval %s",
			ErrConfiguration, r.MaxInterval, r.Interval,
		)
	}

	if r.Timeout < 0 {
		return fmt.Errorf("%w: readiness timeout must not be negative", ErrConfiguration)
	}

	return nil
}

// validSessionDrivers is the list of supported session store drivers.
var validSessionDrivers = map[string]struct{}{
	"memory":   {},
	"sqlite":   {},
	"postgres": {},
	"redis":    {},
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("missing host")
	}

	return nil
}
