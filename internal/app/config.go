package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/querydeck/querydeck/internal/ratelimit"
)

// Config represents the runtime configuration for the QueryDeck backend.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AuthConfig captures all authentication-related settings.
type AuthConfig struct {
	JWT     JWTSettings     `mapstructure:"jwt"`
	Session SessionSettings `mapstructure:"session"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// SessionSettings configures refresh tokens and session lifetimes.
type SessionSettings struct {
	RefreshTTL    time.Duration `mapstructure:"refresh_token_ttl"`
	RefreshLength int           `mapstructure:"refresh_token_length"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// RateLimitConfig tunes per-tier request ceilings (requests per minute).
// A ceiling of zero disables limiting for that tier and category.
// Distributed switches the counters from the in-process sliding window to
// the shared cache backend (Redis when connected, the database otherwise)
// so replicas see one window.
type RateLimitConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	Distributed          bool `mapstructure:"distributed"`
	AnonymousDefault     int  `mapstructure:"anonymous_default"`
	AnonymousAuth        int  `mapstructure:"anonymous_auth"`
	AuthenticatedDefault int  `mapstructure:"authenticated_default"`
	AuthenticatedAuth    int  `mapstructure:"authenticated_auth"`
}

// Limits converts the configuration into the limiter's tier table. Admin
// ceilings are pinned at zero (unlimited) and are not configurable. When
// limiting is disabled every ceiling collapses to zero, which the limiter
// treats as unlimited.
func (c RateLimitConfig) Limits() map[ratelimit.Tier]map[ratelimit.Category]int {
	if !c.Enabled {
		return map[ratelimit.Tier]map[ratelimit.Category]int{
			ratelimit.TierAnonymous:     {ratelimit.CategoryDefault: 0, ratelimit.CategoryAuth: 0},
			ratelimit.TierAuthenticated: {ratelimit.CategoryDefault: 0, ratelimit.CategoryAuth: 0},
			ratelimit.TierAdmin:         {ratelimit.CategoryDefault: 0, ratelimit.CategoryAuth: 0},
		}
	}
	return map[ratelimit.Tier]map[ratelimit.Category]int{
		ratelimit.TierAnonymous: {
			ratelimit.CategoryDefault: c.AnonymousDefault,
			ratelimit.CategoryAuth:    c.AnonymousAuth,
		},
		ratelimit.TierAuthenticated: {
			ratelimit.CategoryDefault: c.AuthenticatedDefault,
			ratelimit.CategoryAuth:    c.AuthenticatedAuth,
		},
		ratelimit.TierAdmin: {
			ratelimit.CategoryDefault: 0,
			ratelimit.CategoryAuth:    0,
		},
	}
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("QUERYDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/querydeck.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("auth.jwt.issuer", "querydeck")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")
	v.SetDefault("auth.session.refresh_token_ttl", "720h") // 30 days
	v.SetDefault("auth.session.refresh_token_length", 48)
	v.SetDefault("auth.session.session_ttl", "24h")
	v.SetDefault("auth.session.idle_timeout", "2h")
	v.SetDefault("auth.session.max_concurrent", 5)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.distributed", false)
	v.SetDefault("rate_limit.anonymous_default", 30)
	v.SetDefault("rate_limit.anonymous_auth", 10)
	v.SetDefault("rate_limit.authenticated_default", 120)
	v.SetDefault("rate_limit.authenticated_auth", 20)

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
