// Package config defines all configuration for the exchange daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via BETX_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Environment string        `mapstructure:"environment"` // "production", "staging", "dev"
	Database    DatabaseConfig `mapstructure:"database"`
	Server      ServerConfig   `mapstructure:"server"`
	Auth        AuthConfig     `mapstructure:"auth"`
	Feed        FeedConfig     `mapstructure:"feed"`
	Logging     LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig holds the Postgres connection. An empty URL in a dev
// environment selects the in-memory store.
type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	Migrate      bool   `mapstructure:"migrate"`
}

// ServerConfig controls the HTTP/WebSocket API server.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AuthConfig holds JWT signing material. Tokens carry the user id and role;
// TokenTTL bounds how long an issued token stays valid.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// FeedConfig controls the odds provider integration.
//
//   - Sports: provider sport keys to poll (e.g. "soccer_epl").
//   - OddsInterval: how often display prices are refreshed.
//   - ScoresInterval: how often the settlement scanner checks for finals.
type FeedConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Sports         []string      `mapstructure:"sports"`
	OddsInterval   time.Duration `mapstructure:"odds_interval"`
	ScoresInterval time.Duration `mapstructure:"scores_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: BETX_DATABASE_URL, BETX_JWT_SECRET, BETX_FEED_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BETX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "dev")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.migrate", true)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("feed.odds_interval", 15*time.Second)
	v.SetDefault("feed.scores_interval", 60*time.Second)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if url := os.Getenv("BETX_DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if secret := os.Getenv("BETX_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if key := os.Getenv("BETX_FEED_API_KEY"); key != "" {
		cfg.Feed.APIKey = key
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (set BETX_JWT_SECRET)")
	}
	if c.Environment == "production" && c.Database.URL == "" {
		return fmt.Errorf("database.url is required in production (set BETX_DATABASE_URL)")
	}
	if c.Feed.Enabled {
		if c.Feed.BaseURL == "" {
			return fmt.Errorf("feed.base_url is required when feed.enabled")
		}
		if c.Feed.APIKey == "" {
			return fmt.Errorf("feed.api_key is required when feed.enabled (set BETX_FEED_API_KEY)")
		}
		if len(c.Feed.Sports) == 0 {
			return fmt.Errorf("feed.sports must list at least one sport key")
		}
	}
	return nil
}
