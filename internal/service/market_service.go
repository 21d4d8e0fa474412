// Package service is the market API consumed by the presentation layer. It
// composes the registry, the ledger, settlement and the resolution
// scheduler.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
	"github.com/alanyoungcy/pointsmarket/internal/market"
)

// Settler pays out and refunds terminal markets.
type Settler interface {
	Settle(ctx context.Context, m *market.Market) (domain.Settlement, error)
	Refund(ctx context.Context, m *market.Market) (domain.Settlement, error)
	RetryFailed(ctx context.Context, marketID string) (domain.Settlement, error)
	Settlement(ctx context.Context, marketID string) (domain.Settlement, error)
}

// Scheduler runs the close-and-refund timer of each market.
type Scheduler interface {
	Schedule(m *market.Market) error
	Cancel(marketID string)
}

// MarketServiceConfig wires a MarketService. Cache, Store, Bets and Limiter
// are optional.
type MarketServiceConfig struct {
	Registry  *market.Registry
	Ledger    domain.LedgerClient
	Settler   Settler
	Scheduler Scheduler

	Cache   domain.MarketCache
	Store   domain.MarketStore
	Bets    domain.BetStore
	Limiter domain.RateLimiter

	BetsPerMinute  int
	HouseAccountID string
	DefaultProbe   int64
	Logger         *slog.Logger
}

// MarketService implements the market API.
type MarketService struct {
	registry  *market.Registry
	ledger    domain.LedgerClient
	settler   Settler
	scheduler Scheduler

	cache   domain.MarketCache
	store   domain.MarketStore
	bets    domain.BetStore
	limiter domain.RateLimiter

	betsPerMinute int
	house         string
	defaultProbe  int64
	logger        *slog.Logger
}

// NewMarketService creates a MarketService.
func NewMarketService(cfg MarketServiceConfig) *MarketService {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MarketService{
		registry:      cfg.Registry,
		ledger:        cfg.Ledger,
		settler:       cfg.Settler,
		scheduler:     cfg.Scheduler,
		cache:         cfg.Cache,
		store:         cfg.Store,
		bets:          cfg.Bets,
		limiter:       cfg.Limiter,
		betsPerMinute: cfg.BetsPerMinute,
		house:         strings.TrimSpace(cfg.HouseAccountID),
		defaultProbe:  cfg.DefaultProbe,
		logger:        cfg.Logger.With(slog.String("component", "market_service")),
	}
}

// CreateMarket registers a market and starts its resolution timer.
func (s *MarketService) CreateMarket(ctx context.Context, req domain.CreateMarketRequest) (domain.Market, error) {
	var end time.Time
	switch {
	case req.Duration != "" && req.EndTime != nil:
		return domain.Market{}, fmt.Errorf("market_service: create: both end_time and duration given: %w", domain.ErrInvalidMarket)
	case req.Duration != "":
		d, err := market.ParseDuration(req.Duration)
		if err != nil {
			return domain.Market{}, fmt.Errorf("market_service: create: %w", err)
		}
		end = s.registry.EndTimeFor(d)
	case req.EndTime != nil:
		end = *req.EndTime
	default:
		return domain.Market{}, fmt.Errorf("market_service: create: end_time or duration required: %w", domain.ErrInvalidMarket)
	}

	m, err := s.registry.Create(market.Params{
		Question:  req.Question,
		Options:   req.Options,
		EndTime:   end,
		CreatorID: req.CreatorID,
		Category:  strings.TrimSpace(req.Category),
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create: %w", err)
	}

	if err := s.scheduler.Schedule(m); err != nil {
		s.logger.ErrorContext(ctx, "schedule resolution timer failed",
			slog.String("market_id", m.ID()),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", m.ID()),
		slog.String("creator_id", req.CreatorID),
		slog.Time("end_time", end),
	)
	return m.Snapshot(), nil
}

// PlaceBet checks the throttle and the user's balance, then executes the bet
// with the ledger debit inside the market's critical section.
func (s *MarketService) PlaceBet(ctx context.Context, marketID, userID, outcome string, amount int64) (domain.BetReceipt, error) {
	if amount <= 0 {
		return domain.BetReceipt{}, fmt.Errorf("market_service: place bet: %w", domain.ErrInvalidAmount)
	}
	m, err := s.registry.Get(marketID)
	if err != nil {
		return domain.BetReceipt{}, fmt.Errorf("market_service: place bet: %w", err)
	}
	if st := m.Status(); st != domain.MarketStatusOpen {
		return domain.BetReceipt{}, fmt.Errorf("market_service: place bet on %s market: %w", st, domain.ErrMarketClosed)
	}

	if err := s.throttle(ctx, userID); err != nil {
		return domain.BetReceipt{}, err
	}

	balance, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return domain.BetReceipt{}, fmt.Errorf("market_service: balance of %s: %w: %w", userID, domain.ErrLedgerFailure, err)
	}
	if balance < amount {
		return domain.BetReceipt{}, fmt.Errorf("market_service: balance %d < %d: %w", balance, amount, domain.ErrInsufficientBalance)
	}

	receipt, err := m.PlaceBet(ctx, userID, outcome, amount, s.debit(userID, amount))
	if err != nil {
		return domain.BetReceipt{}, fmt.Errorf("market_service: place bet: %w", err)
	}
	return receipt, nil
}

// throttle enforces the per-user bet rate. A limiter outage lets the bet
// through.
func (s *MarketService) throttle(ctx context.Context, userID string) error {
	if s.limiter == nil || s.betsPerMinute <= 0 {
		return nil
	}
	allowed, err := s.limiter.Allow(ctx, "bets:"+userID, s.betsPerMinute, time.Minute)
	if err != nil {
		s.logger.WarnContext(ctx, "bet rate limiter unavailable",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !allowed {
		return fmt.Errorf("market_service: place bet for %s: %w", userID, domain.ErrRateLimited)
	}
	return nil
}

func (s *MarketService) debit(userID string, amount int64) market.DebitFunc {
	return func(ctx context.Context) error {
		if s.house != "" {
			return s.ledger.TransferPoints(ctx, userID, s.house, amount)
		}
		return s.ledger.RemovePoints(ctx, userID, amount)
	}
}

// Vote records a resolution vote. The vote that resolves the market also
// settles it; a settlement problem is logged and does not undo the vote.
func (s *MarketService) Vote(ctx context.Context, marketID string, voter domain.Voter, outcome string) (domain.VoteReceipt, error) {
	m, err := s.registry.Get(marketID)
	if err != nil {
		return domain.VoteReceipt{}, fmt.Errorf("market_service: vote: %w", err)
	}
	receipt, err := m.Vote(voter, outcome)
	if err != nil {
		return domain.VoteReceipt{}, fmt.Errorf("market_service: vote: %w", err)
	}
	if receipt.Resolved {
		if _, err := s.settle(ctx, m); err != nil {
			s.logger.ErrorContext(ctx, "settle after vote failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}
	return receipt, nil
}

// Resolve fixes the winning outcome immediately and settles the market.
func (s *MarketService) Resolve(ctx context.Context, marketID string, voter domain.Voter, outcome string) (domain.Settlement, error) {
	m, err := s.registry.Get(marketID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("market_service: resolve: %w", err)
	}
	if err := m.Resolve(voter, outcome); err != nil {
		return domain.Settlement{}, fmt.Errorf("market_service: resolve: %w", err)
	}
	s.logger.InfoContext(ctx, "market resolved by admin",
		slog.String("market_id", marketID),
		slog.String("user_id", voter.UserID),
		slog.String("outcome", outcome),
	)
	return s.settle(ctx, m)
}

// Refund forces a refund of every wager.
func (s *MarketService) Refund(ctx context.Context, marketID string) (domain.Settlement, error) {
	m, err := s.registry.Get(marketID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("market_service: refund: %w", err)
	}
	settlement, err := s.settler.Refund(ctx, m)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("market_service: refund: %w", err)
	}
	s.scheduler.Cancel(marketID)
	return settlement, nil
}

func (s *MarketService) settle(ctx context.Context, m *market.Market) (domain.Settlement, error) {
	s.scheduler.Cancel(m.ID())
	settlement, err := s.settler.Settle(ctx, m)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("market_service: settle: %w", err)
	}
	return settlement, nil
}

// CurrentQuote prices every outcome for probe points. A non-positive probe
// uses the configured default.
func (s *MarketService) CurrentQuote(_ context.Context, marketID string, probe int64) (domain.Quote, error) {
	m, err := s.registry.Get(marketID)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("market_service: quote: %w", err)
	}
	if probe <= 0 {
		probe = s.defaultProbe
	}
	return m.Quote(probe), nil
}

// BetHistory returns a market's bets in placement order. Archived markets
// are served from the history store.
func (s *MarketService) BetHistory(ctx context.Context, marketID string) ([]domain.Bet, error) {
	m, err := s.registry.Get(marketID)
	if err == nil {
		return m.BetHistory(), nil
	}
	if !errors.Is(err, domain.ErrNotFound) || s.bets == nil {
		return nil, fmt.Errorf("market_service: bet history: %w", err)
	}
	if _, err := s.GetMarket(ctx, marketID); err != nil {
		return nil, fmt.Errorf("market_service: bet history: %w", err)
	}
	bets, err := s.bets.ListByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("market_service: bet history: %w", err)
	}
	return bets, nil
}

// ListMarkets returns snapshots of live markets, optionally by status.
func (s *MarketService) ListMarkets(_ context.Context, status *domain.MarketStatus) []domain.Market {
	return s.registry.Snapshots(market.Filter{Status: status})
}

// ListByCategory groups live market ids by category.
func (s *MarketService) ListByCategory(_ context.Context, status *domain.MarketStatus) []domain.CategoryGroup {
	return s.registry.ByCategory(market.Filter{Status: status})
}

// GetMarket returns a snapshot from the registry, then the cache, then the
// history store. Store hits back-fill the cache.
func (s *MarketService) GetMarket(ctx context.Context, marketID string) (domain.Market, error) {
	if m, err := s.registry.Get(marketID); err == nil {
		return m.Snapshot(), nil
	}

	if s.cache != nil {
		if snap, err := s.cache.Get(ctx, marketID); err == nil {
			return snap, nil
		}
	}
	if s.store == nil {
		return domain.Market{}, fmt.Errorf("market_service: get %s: %w", marketID, domain.ErrNotFound)
	}

	snap, err := s.store.GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %s: %w", marketID, err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, snap); err != nil {
			s.logger.WarnContext(ctx, "cache set failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}
	return snap, nil
}

// Settlement reports every payout line of a settled market.
func (s *MarketService) Settlement(ctx context.Context, marketID string) (domain.Settlement, error) {
	settlement, err := s.settler.Settlement(ctx, marketID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("market_service: settlement: %w", err)
	}
	return settlement, nil
}

// RetryPayouts re-attempts every failed credit of a market.
func (s *MarketService) RetryPayouts(ctx context.Context, marketID string) (domain.Settlement, error) {
	settlement, err := s.settler.RetryFailed(ctx, marketID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("market_service: retry payouts: %w", err)
	}
	return settlement, nil
}

// ShareValuePayout values a user's winning shares against the winning pool.
//
// Deprecated: payouts follow the wagered-amount ratio; see Settlement.
func (s *MarketService) ShareValuePayout(_ context.Context, marketID, userID string) (int64, error) {
	m, err := s.registry.Get(marketID)
	if err != nil {
		return 0, fmt.Errorf("market_service: share value payout: %w", err)
	}
	v, err := m.ShareValuePayout(userID)
	if err != nil {
		return 0, fmt.Errorf("market_service: share value payout: %w", err)
	}
	return v, nil
}

// History pages through the stored snapshots, live and archived, newest
// first. Without a history store it returns nothing.
func (s *MarketService) History(ctx context.Context, status *domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, int64, error) {
	if s.store == nil {
		return nil, 0, nil
	}
	markets, err := s.store.List(ctx, status, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("market_service: history: %w", err)
	}
	total, err := s.store.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("market_service: history count: %w", err)
	}
	return markets, total, nil
}

// Counts returns the number of live markets per status.
func (s *MarketService) Counts(_ context.Context) map[domain.MarketStatus]int {
	counts := make(map[domain.MarketStatus]int)
	for _, snap := range s.registry.Snapshots(market.Filter{}) {
		counts[snap.Status]++
	}
	return counts
}
