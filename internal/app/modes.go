package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pointsmarket/internal/market"
	"github.com/alanyoungcy/pointsmarket/internal/pipeline"
	"github.com/alanyoungcy/pointsmarket/internal/scheduler"
	"github.com/alanyoungcy/pointsmarket/internal/server"
	"github.com/alanyoungcy/pointsmarket/internal/server/handler"
	"github.com/alanyoungcy/pointsmarket/internal/server/ws"
	"github.com/alanyoungcy/pointsmarket/internal/service"
	"github.com/alanyoungcy/pointsmarket/internal/settlement"
)

// shutdownTimeout bounds the HTTP drain on shutdown.
const shutdownTimeout = 5 * time.Second

// core is the in-process market engine shared by every mode.
type core struct {
	registry   *market.Registry
	settlement *settlement.Engine
	scheduler  *scheduler.Scheduler
	markets    *service.MarketService
	relay      *service.EventRelay
}

func (a *App) buildCore(deps *Dependencies) *core {
	mc := a.cfg.Market

	registry := market.NewRegistry(market.RegistryConfig{
		Liquidity:     mc.InitialLiquidity,
		VoteThreshold: mc.VoteThreshold,
		EventBuffer:   mc.EventBuffer,
		Logger:        a.logger,
	})
	engine := settlement.NewEngine(settlement.Config{
		Ledger:   deps.Ledger,
		Notifier: deps.Notifier,
		Store:    deps.SettlementStore,
		Locks:    deps.LockManager,
		Emitter:  registry,
		Clock:    registry.Clock(),
		Logger:   a.logger,
	})
	sched := scheduler.New(scheduler.Config{
		GracePeriod: mc.GracePeriod.Duration,
		Refunder:    engine,
		Notifier:    deps.Notifier,
		Clock:       registry.Clock(),
		Logger:      a.logger,
	})
	markets := service.NewMarketService(service.MarketServiceConfig{
		Registry:       registry,
		Ledger:         deps.Ledger,
		Settler:        engine,
		Scheduler:      sched,
		Cache:          deps.MarketCache,
		Store:          deps.MarketStore,
		Bets:           deps.BetStore,
		Limiter:        deps.RateLimiter,
		BetsPerMinute:  mc.BetsPerMinute,
		HouseAccountID: mc.HouseAccountID,
		DefaultProbe:   mc.DefaultProbePoints,
		Logger:         a.logger,
	})

	var alerter service.Alerter
	if deps.Notifier.Enabled() {
		alerter = deps.Notifier
	}
	relay := service.NewEventRelay(service.EventRelayConfig{
		Bus:     deps.SignalBus,
		Cache:   deps.MarketCache,
		Store:   deps.MarketStore,
		Bets:    deps.BetStore,
		Audit:   deps.AuditStore,
		Alerter: alerter,
		Logger:  a.logger,
	})

	return &core{
		registry:   registry,
		settlement: engine,
		scheduler:  sched,
		markets:    markets,
		relay:      relay,
	}
}

// ServerMode runs the market engine behind the HTTP API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	c := a.buildCore(deps)
	a.startCore(ctx, g, c)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}
	return g.Wait()
}

// FullMode runs everything in ServerMode plus the archive sweep.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	c := a.buildCore(deps)
	a.startCore(ctx, g, c)

	if a.cfg.Archive.Enabled {
		if deps.Archiver == nil {
			return errors.New("full mode: archive enabled without object storage")
		}
		archiver := pipeline.NewArchiver(pipeline.ArchiverConfig{
			Archiver:    deps.Archiver,
			Markets:     c.registry,
			Settlements: c.settlement,
			Cache:       deps.MarketCache,
			Store:       deps.MarketStore,
			Audit:       deps.AuditStore,
			Retention:   a.cfg.Archive.Retention.Duration,
			Clock:       c.registry.Clock(),
			Logger:      a.logger,
		})
		g.Go(func() error {
			return archiver.RunCron(ctx, a.cfg.Archive.Cron)
		})
	} else {
		a.logger.InfoContext(ctx, "archive.enabled is false; settled markets stay in memory")
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}
	return g.Wait()
}

// startCore runs the event relay and stops the resolution timers on
// shutdown.
func (a *App) startCore(ctx context.Context, g *errgroup.Group, c *core) {
	g.Go(func() error {
		return c.relay.Run(ctx, c.registry.Events())
	})
	g.Go(func() error {
		<-ctx.Done()
		c.scheduler.Stop()
		a.logger.Info("resolution timers stopped",
			slog.Int("live_markets", c.registry.Len()),
		)
		return nil
	})
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	startedAt := time.Now().UTC()

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: startedAt,
			Status:    c.markets.Counts,
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	} else {
		a.logger.WarnContext(ctx, "redis disabled; /ws feed is not served")
	}
	if deps.RateLimiter == nil && a.cfg.Server.RequestsPerMinute > 0 {
		a.logger.WarnContext(ctx, "redis disabled; HTTP rate limiting is off")
	}

	var audit *handler.AuditHandler
	if deps.AuditStore != nil {
		audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:              a.cfg.Server.Port,
		CORSOrigins:       a.cfg.Server.CORSOrigins,
		APIKey:            a.cfg.Server.APIKey,
		RequestsPerMinute: a.cfg.Server.RequestsPerMinute,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:  handler.NewStatusHandler(a.cfg.Mode, startedAt, c.markets),
		Markets: handler.NewMarketHandler(c.markets, a.cfg.Market.ResolverIDs, a.logger),
		Audit:   audit,
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
