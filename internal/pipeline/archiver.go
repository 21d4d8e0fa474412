// Package pipeline runs background maintenance over the market registry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
	"github.com/alanyoungcy/pointsmarket/internal/market"
)

// DefaultRetention is how long a settled market stays live before it is
// archived and evicted.
const DefaultRetention = 7 * 24 * time.Hour

// MarketSource is the slice of the registry the archiver needs.
type MarketSource interface {
	List(f market.Filter) []*market.Market
	Remove(id string) error
}

// SettlementSource provides settlement records and lets the archiver drop
// the in-memory copy once a market is in cold storage.
type SettlementSource interface {
	Settlement(ctx context.Context, marketID string) (domain.Settlement, error)
	Forget(marketID string)
}

// ArchiverConfig wires an Archiver. Cache, Store and Audit are optional.
type ArchiverConfig struct {
	Archiver    domain.Archiver
	Markets     MarketSource
	Settlements SettlementSource
	Cache       domain.MarketCache
	Store       domain.MarketStore
	Audit       domain.AuditStore
	Retention   time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Archiver moves settled markets past their retention into object storage
// and evicts them from the registry.
type Archiver struct {
	archiver    domain.Archiver
	markets     MarketSource
	settlements SettlementSource
	cache       domain.MarketCache
	store       domain.MarketStore
	audit       domain.AuditStore
	retention   time.Duration
	clock       clock.Clock
	logger      *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(cfg ArchiverConfig) *Archiver {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Archiver{
		archiver:    cfg.Archiver,
		markets:     cfg.Markets,
		settlements: cfg.Settlements,
		cache:       cfg.Cache,
		store:       cfg.Store,
		audit:       cfg.Audit,
		retention:   cfg.Retention,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With(slog.String("component", "archiver")),
	}
}

// Run archives every eligible market once and returns how many were moved.
// Markets with uncredited payouts stay live so they can still be retried.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	now := a.clock.Now()
	cutoff := now.Add(-a.retention)
	a.logger.Info("starting archive run", slog.Time("cutoff", cutoff))

	var (
		archived int
		errs     []error
	)
	for _, m := range a.markets.List(market.Filter{}) {
		if ctx.Err() != nil {
			return archived, ctx.Err()
		}
		snap := m.Snapshot()
		if !snap.Status.Terminal() || snap.SettledAt == nil || snap.SettledAt.After(cutoff) {
			continue
		}
		if err := a.archiveOne(ctx, m, snap, now); err != nil {
			errs = append(errs, err)
			continue
		}
		archived++
	}

	a.logger.Info("archive run complete", slog.Int("archived", archived), slog.Int("failed", len(errs)))
	return archived, errors.Join(errs...)
}

func (a *Archiver) archiveOne(ctx context.Context, m *market.Market, snap domain.Market, now time.Time) error {
	log := a.logger.With(slog.String("market_id", snap.ID))

	doc := domain.MarketArchive{Market: snap, Bets: m.BetHistory(), ArchivedAt: now}
	s, err := a.settlements.Settlement(ctx, snap.ID)
	switch {
	case err == nil:
		if failed := s.Failed(); len(failed) > 0 {
			log.Info("archive deferred, payouts pending", slog.Int("pending", len(failed)))
			return nil
		}
		doc.Settlement = &s
	case errors.Is(err, domain.ErrNotFound):
	default:
		return fmt.Errorf("pipeline: archive %s: %w", snap.ID, err)
	}
	doc.Market.ArchivedAt = &now

	path, err := a.archiver.ArchiveMarket(ctx, doc)
	if err != nil {
		return fmt.Errorf("pipeline: archive %s: %w", snap.ID, err)
	}

	if a.store != nil {
		if err := a.store.Upsert(ctx, doc.Market); err != nil {
			log.Warn("mark archived failed", slog.String("error", err.Error()))
		}
	}
	if a.audit != nil {
		if err := a.audit.Log(ctx, "market.archived", map[string]any{
			"market_id": snap.ID,
			"path":      path,
			"bets":      len(doc.Bets),
		}); err != nil {
			log.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}

	if err := a.markets.Remove(snap.ID); err != nil {
		return fmt.Errorf("pipeline: evict %s: %w", snap.ID, err)
	}
	a.settlements.Forget(snap.ID)
	// Reads fall through to the history store, which carries archived_at.
	if a.cache != nil {
		if err := a.cache.Invalidate(ctx, snap.ID); err != nil {
			log.Warn("cache invalidate failed", slog.String("error", err.Error()))
		}
	}
	log.Info("market archived", slog.String("path", path))
	return nil
}

// RunCron runs the archiver on a standard five-field cron schedule until ctx
// is cancelled. Overlapping runs are skipped.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("pipeline: parse cron %q: %w", expr, err)
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := a.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("archive run failed", slog.String("error", err.Error()))
		}
	}))

	a.logger.Info("archiver cron started",
		slog.String("cron", expr),
		slog.Time("next_run", schedule.Next(time.Now().UTC())),
	)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	a.logger.Info("archiver cron stopped")
	return nil
}
