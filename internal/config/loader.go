package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POINTSMARKET_* environment variable overrides,
// and returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POINTSMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Market ──
	setFloat64(&cfg.Market.InitialLiquidity, "POINTSMARKET_MARKET_INITIAL_LIQUIDITY")
	setInt(&cfg.Market.VoteThreshold, "POINTSMARKET_MARKET_VOTE_THRESHOLD")
	setDuration(&cfg.Market.GracePeriod, "POINTSMARKET_MARKET_GRACE_PERIOD")
	setStringSlice(&cfg.Market.ResolverIDs, "POINTSMARKET_MARKET_RESOLVER_IDS")
	setStr(&cfg.Market.HouseAccountID, "POINTSMARKET_MARKET_HOUSE_ACCOUNT_ID")
	setInt(&cfg.Market.BetsPerMinute, "POINTSMARKET_MARKET_BETS_PER_MINUTE")
	setInt(&cfg.Market.EventBuffer, "POINTSMARKET_MARKET_EVENT_BUFFER")
	setInt64(&cfg.Market.DefaultProbePoints, "POINTSMARKET_MARKET_DEFAULT_PROBE_POINTS")

	// ── Ledger ──
	setStr(&cfg.Ledger.Driver, "POINTSMARKET_LEDGER_DRIVER")
	setStr(&cfg.Ledger.BaseURL, "POINTSMARKET_LEDGER_BASE_URL")
	setStr(&cfg.Ledger.RealmID, "POINTSMARKET_LEDGER_REALM_ID")
	setStr(&cfg.Ledger.APIToken, "POINTSMARKET_LEDGER_API_TOKEN")
	setStr(&cfg.Ledger.EncryptedTokenPath, "POINTSMARKET_LEDGER_ENCRYPTED_TOKEN_PATH")
	setStr(&cfg.Ledger.TokenPassword, "POINTSMARKET_LEDGER_TOKEN_PASSWORD")
	setDuration(&cfg.Ledger.Timeout, "POINTSMARKET_LEDGER_TIMEOUT")
	setInt(&cfg.Ledger.RequestsPerSecond, "POINTSMARKET_LEDGER_REQUESTS_PER_SECOND")
	setInt64(&cfg.Ledger.SeedBalance, "POINTSMARKET_LEDGER_SEED_BALANCE")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POINTSMARKET_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POINTSMARKET_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "POINTSMARKET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POINTSMARKET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POINTSMARKET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POINTSMARKET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POINTSMARKET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POINTSMARKET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POINTSMARKET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POINTSMARKET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POINTSMARKET_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POINTSMARKET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POINTSMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POINTSMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POINTSMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POINTSMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POINTSMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POINTSMARKET_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "POINTSMARKET_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.CacheTTL, "POINTSMARKET_REDIS_CACHE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POINTSMARKET_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POINTSMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POINTSMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "POINTSMARKET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POINTSMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POINTSMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POINTSMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POINTSMARKET_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "POINTSMARKET_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "POINTSMARKET_ARCHIVE_CRON")
	setDuration(&cfg.Archive.Retention, "POINTSMARKET_ARCHIVE_RETENTION")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POINTSMARKET_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POINTSMARKET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POINTSMARKET_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "POINTSMARKET_SERVER_API_KEY")
	setInt(&cfg.Server.RequestsPerMinute, "POINTSMARKET_SERVER_REQUESTS_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POINTSMARKET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POINTSMARKET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POINTSMARKET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POINTSMARKET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POINTSMARKET_MODE")
	setStr(&cfg.LogLevel, "POINTSMARKET_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
