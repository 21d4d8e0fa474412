package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/pointsmarket/internal/blob/s3"
	"github.com/alanyoungcy/pointsmarket/internal/cache/redis"
	"github.com/alanyoungcy/pointsmarket/internal/config"
	"github.com/alanyoungcy/pointsmarket/internal/crypto"
	"github.com/alanyoungcy/pointsmarket/internal/domain"
	"github.com/alanyoungcy/pointsmarket/internal/ledger"
	"github.com/alanyoungcy/pointsmarket/internal/notify"
	"github.com/alanyoungcy/pointsmarket/internal/server/handler"
	"github.com/alanyoungcy/pointsmarket/internal/store/postgres"
)

// Dependencies bundles every external dependency the modes need. Optional
// backends are nil when disabled. It is constructed by Wire and torn down by
// the returned cleanup function.
type Dependencies struct {
	// History store (postgres)
	MarketStore     domain.MarketStore
	BetStore        domain.BetStore
	SettlementStore domain.SettlementStore
	AuditStore      domain.AuditStore

	// Redis
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver domain.Archiver

	Ledger   domain.LedgerClient
	Notifier *notify.Notifier

	// HealthChecks probes every wired backend.
	HealthChecks map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.BetStore = postgres.NewBetStore(pool)
		deps.SettlementStore = postgres.NewSettlementStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Ledger.RequestsPerSecond, time.Second)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewMarketArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client))
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Ledger ---
	led, err := newLedger(cfg.Ledger, deps.RateLimiter, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: ledger: %w", err))
	}
	deps.Ledger = led

	// --- Notifications ---
	senders, err := newSenders(cfg.Notify)
	if err != nil {
		return fail(fmt.Errorf("wire: notify: %w", err))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// newLedger builds the configured LedgerClient. The http driver reads its
// API token from config or from an encrypted file.
func newLedger(cfg config.LedgerConfig, limiter domain.RateLimiter, logger *slog.Logger) (domain.LedgerClient, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		logger.Warn("using in-memory ledger; balances are lost on restart",
			slog.Int64("seed_balance", cfg.SeedBalance),
		)
		return ledger.NewMemory(cfg.SeedBalance), nil
	case "http":
		token, err := crypto.LoadSecret(crypto.SecretConfig{
			Raw:           cfg.APIToken,
			EncryptedPath: cfg.EncryptedTokenPath,
			Password:      cfg.TokenPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("load api token: %w", err)
		}
		return ledger.NewHTTPClient(ledger.HTTPConfig{
			BaseURL:  strings.TrimRight(cfg.BaseURL, "/"),
			RealmID:  cfg.RealmID,
			APIToken: token,
			Timeout:  cfg.Timeout.Duration,
			Limiter:  limiter,
			Logger:   logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

func newSenders(cfg config.NotifyConfig) ([]notify.Sender, error) {
	var senders []notify.Sender
	if cfg.TelegramToken != "" {
		chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram chat id %q: %w", cfg.TelegramChatID, err)
		}
		tg, err := notify.NewTelegramSender(cfg.TelegramToken, chatID)
		if err != nil {
			return nil, err
		}
		senders = append(senders, tg)
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return senders, nil
}
