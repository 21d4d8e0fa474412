// Package config defines the top-level configuration for the points market
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POINTSMARKET_* environment variables.
type Config struct {
	Market   MarketConfig   `toml:"market"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// MarketConfig holds the market engine parameters.
type MarketConfig struct {
	InitialLiquidity float64  `toml:"initial_liquidity"`
	VoteThreshold    int      `toml:"vote_threshold"`
	GracePeriod      duration `toml:"grace_period"`
	// ResolverIDs may vote on and resolve markets.
	ResolverIDs []string `toml:"resolver_ids"`
	// HouseAccountID receives bet debits when set; otherwise points are burned.
	HouseAccountID     string `toml:"house_account_id"`
	BetsPerMinute      int    `toml:"bets_per_minute"`
	EventBuffer        int    `toml:"event_buffer"`
	DefaultProbePoints int64  `toml:"default_probe_points"`
}

// LedgerConfig selects and configures the points ledger.
type LedgerConfig struct {
	Driver             string   `toml:"driver"` // "http" or "memory"
	BaseURL            string   `toml:"base_url"`
	RealmID            string   `toml:"realm_id"`
	APIToken           string   `toml:"api_token"`
	EncryptedTokenPath string   `toml:"encrypted_token_path"`
	TokenPassword      string   `toml:"token_password"`
	Timeout            duration `toml:"timeout"`
	RequestsPerSecond  int      `toml:"requests_per_second"`
	SeedBalance        int64    `toml:"seed_balance"`
}

// PostgresConfig holds the history store connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	CacheTTL     duration `toml:"cache_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the archive sweep of settled markets.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Cron      string   `toml:"cron"`
	Retention duration `toml:"retention"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "120h").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled           bool     `toml:"enabled"`
	Port              int      `toml:"port"`
	CORSOrigins       []string `toml:"cors_origins"`
	APIKey            string   `toml:"api_key"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Market: MarketConfig{
			InitialLiquidity:   30000,
			VoteThreshold:      1,
			GracePeriod:        duration{120 * time.Hour},
			BetsPerMinute:      30,
			EventBuffer:        1024,
			DefaultProbePoints: 100,
		},
		Ledger: LedgerConfig{
			Driver:            "memory",
			Timeout:           duration{10 * time.Second},
			RequestsPerSecond: 20,
			SeedBalance:       10000,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "pointsmarket",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "pm",
			CacheTTL:     duration{10 * time.Minute},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "pointsmarket-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Cron:      "0 3 * * *",
			Retention: duration{7 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:           true,
			Port:              8000,
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
			RequestsPerMinute: 300,
		},
		Notify: NotifyConfig{
			Events: []string{"market_created", "market_resolved", "market_refunded", "payouts_settled"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Market
	if c.Market.InitialLiquidity <= 0 {
		errs = append(errs, "market: initial_liquidity must be > 0")
	}
	if c.Market.VoteThreshold < 1 {
		errs = append(errs, "market: vote_threshold must be >= 1")
	}
	if c.Market.GracePeriod.Duration <= 0 {
		errs = append(errs, "market: grace_period must be > 0")
	}
	if c.Market.BetsPerMinute < 0 {
		errs = append(errs, "market: bets_per_minute must be >= 0")
	}
	if c.Market.DefaultProbePoints <= 0 {
		errs = append(errs, "market: default_probe_points must be > 0")
	}

	// Ledger
	switch strings.ToLower(c.Ledger.Driver) {
	case "memory":
		if c.Ledger.SeedBalance < 0 {
			errs = append(errs, "ledger: seed_balance must be >= 0")
		}
	case "http":
		if c.Ledger.BaseURL == "" {
			errs = append(errs, "ledger: base_url must not be empty for the http driver")
		}
		if c.Ledger.RealmID == "" {
			errs = append(errs, "ledger: realm_id must not be empty for the http driver")
		}
		if c.Ledger.APIToken == "" && c.Ledger.EncryptedTokenPath == "" {
			errs = append(errs, "ledger: either api_token or encrypted_token_path must be set for the http driver")
		}
		if c.Ledger.EncryptedTokenPath != "" && c.Ledger.TokenPassword == "" {
			errs = append(errs, "ledger: token_password is required when encrypted_token_path is set")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown driver %q (valid: http, memory)", c.Ledger.Driver))
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 and archive
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			errs = append(errs, "archive: requires s3.enabled")
		}
		if _, err := cron.ParseStandard(c.Archive.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("archive: invalid cron %q: %v", c.Archive.Cron, err))
		}
		if c.Archive.Retention.Duration < 0 {
			errs = append(errs, "archive: retention must be >= 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RequestsPerMinute < 0 {
			errs = append(errs, "server: requests_per_minute must be >= 0")
		}
	}

	// Notify
	if c.Notify.TelegramToken != "" {
		if _, err := strconv.ParseInt(c.Notify.TelegramChatID, 10, 64); err != nil {
			errs = append(errs, "notify: telegram_chat_id must be a numeric chat id")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
