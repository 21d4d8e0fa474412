// Package settlement pays out resolved markets and refunds expired ones.
//
// Credits are best-effort: a failed credit is recorded on its payout line and
// the remaining lines are still processed. Each market is settled at most
// once; failed lines can be retried afterwards.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
	"github.com/alanyoungcy/pointsmarket/internal/market"
	"github.com/alanyoungcy/pointsmarket/internal/payout"
)

// DefaultLockTTL bounds how long the distributed settle lock is held.
const DefaultLockTTL = 5 * time.Minute

// Config wires the engine's collaborators. Store, Locks and Emitter are
// optional.
type Config struct {
	Ledger   domain.LedgerClient
	Notifier domain.Notifier
	Store    domain.SettlementStore
	Locks    domain.LockManager
	Emitter  market.Emitter
	Clock    clock.Clock
	LockTTL  time.Duration
	Logger   *slog.Logger
}

type record struct {
	mu       sync.Mutex
	question string
	s        domain.Settlement
}

// Engine settles terminal markets.
type Engine struct {
	ledger   domain.LedgerClient
	notifier domain.Notifier
	store    domain.SettlementStore
	locks    domain.LockManager
	emitter  market.Emitter
	clock    clock.Clock
	lockTTL  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	records map[string]*record
}

// NewEngine creates a settlement engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		ledger:   cfg.Ledger,
		notifier: cfg.Notifier,
		store:    cfg.Store,
		locks:    cfg.Locks,
		emitter:  cfg.Emitter,
		clock:    cfg.Clock,
		lockTTL:  cfg.LockTTL,
		logger:   cfg.Logger.With(slog.String("component", "settlement")),
		records:  make(map[string]*record),
	}
}

// Refund moves m to Refunded and returns every wager. It fails with
// domain.ErrAlreadySettled, without touching the ledger, when m is already
// resolved or refunded.
func (e *Engine) Refund(ctx context.Context, m *market.Market) (domain.Settlement, error) {
	if err := m.Refund(); err != nil {
		return domain.Settlement{}, fmt.Errorf("settlement: refund %s: %w", m.ID(), err)
	}
	return e.Settle(ctx, m)
}

// Settle pays out a market that has already reached a terminal status. Only
// the first call per market does any ledger work; later calls fail with
// domain.ErrAlreadySettled.
//
// The settlement record is registered with every line pending before the
// distributed lock is taken. When the lock cannot be acquired the record
// stays pending and RetryFailed pays it later.
func (e *Engine) Settle(ctx context.Context, m *market.Market) (domain.Settlement, error) {
	status := m.Status()
	if !status.Terminal() {
		return domain.Settlement{}, fmt.Errorf("settlement: settle %s: market is %s: %w", m.ID(), status, domain.ErrNotSettled)
	}
	if !m.ClaimSettlement() {
		return domain.Settlement{}, fmt.Errorf("settlement: settle %s: %w", m.ID(), domain.ErrAlreadySettled)
	}

	// Payouts run to completion once claimed.
	ctx = context.WithoutCancel(ctx)

	now := e.clock.Now()
	var s domain.Settlement
	if status == domain.MarketStatusRefunded {
		s = payout.Refund(m.ID(), m.Wagers(), now)
	} else {
		result, _ := m.Result()
		s = payout.Resolution(m.ID(), m.Wagers(), result, now)
	}

	rec := &record{question: m.Question(), s: s}
	e.mu.Lock()
	e.records[m.ID()] = rec
	e.mu.Unlock()

	unlock, err := e.lock(ctx, m.ID())
	if err != nil {
		rec.mu.Lock()
		pending := rec.copyLocked()
		rec.mu.Unlock()
		e.persist(ctx, pending.Payouts)
		e.logger.Warn("settle lock unavailable, payouts left pending",
			slog.String("market_id", m.ID()),
			slog.Int("pending", len(pending.Failed())),
			slog.String("error", err.Error()),
		)
		return domain.Settlement{}, fmt.Errorf("settlement: settle %s: %w", m.ID(), err)
	}
	defer unlock()

	rec.mu.Lock()
	for i := range rec.s.Payouts {
		e.pay(ctx, rec, i)
	}
	snapshot := rec.copyLocked()
	rec.mu.Unlock()

	e.persist(ctx, snapshot.Payouts)

	failed := len(snapshot.Failed())
	e.logger.Info("market settled",
		slog.String("market_id", m.ID()),
		slog.String("status", string(snapshot.Status)),
		slog.String("result", snapshot.Result),
		slog.Int64("total_pool", snapshot.TotalPool),
		slog.Int64("paid", snapshot.Paid()),
		slog.Int("failed", failed),
	)

	if e.emitter != nil {
		ev := snapshot
		e.emitter.Emit(domain.MarketEvent{
			Type:       domain.EventPayoutsSettled,
			MarketID:   m.ID(),
			Market:     m.Snapshot(),
			Settlement: &ev,
			At:         now,
		})
	}
	return snapshot, nil
}

// lock takes the cross-process settle lock of a market. Without a lock
// manager it returns a no-op unlock.
func (e *Engine) lock(ctx context.Context, marketID string) (func(), error) {
	if e.locks == nil {
		return func() {}, nil
	}
	unlock, err := e.locks.Acquire(ctx, "settle:"+marketID, e.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	return unlock, nil
}

// RetryFailed re-attempts every credit of the market that has not succeeded.
func (e *Engine) RetryFailed(ctx context.Context, marketID string) (domain.Settlement, error) {
	e.mu.Lock()
	rec, ok := e.records[marketID]
	e.mu.Unlock()
	if !ok {
		return domain.Settlement{}, fmt.Errorf("settlement: retry %s: %w", marketID, domain.ErrNotFound)
	}

	ctx = context.WithoutCancel(ctx)

	unlock, err := e.lock(ctx, marketID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("settlement: retry %s: %w", marketID, err)
	}
	defer unlock()

	rec.mu.Lock()
	var retried []domain.Payout
	for i := range rec.s.Payouts {
		if !rec.s.Payouts[i].Pending() {
			continue
		}
		e.pay(ctx, rec, i)
		retried = append(retried, rec.s.Payouts[i])
	}
	snapshot := rec.copyLocked()
	rec.mu.Unlock()

	if len(retried) > 0 {
		e.persist(ctx, retried)
	}
	e.logger.Info("retried failed payouts",
		slog.String("market_id", marketID),
		slog.Int("retried", len(retried)),
		slog.Int("still_failed", len(snapshot.Failed())),
	)
	return snapshot, nil
}

// Settlement returns the settlement record of a market. Records from an
// earlier process are rebuilt from the store when one is configured.
func (e *Engine) Settlement(ctx context.Context, marketID string) (domain.Settlement, error) {
	e.mu.Lock()
	rec, ok := e.records[marketID]
	e.mu.Unlock()
	if ok {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.copyLocked(), nil
	}

	if e.store != nil {
		payouts, err := e.store.ListByMarket(ctx, marketID)
		if err != nil {
			return domain.Settlement{}, fmt.Errorf("settlement: get %s: %w", marketID, err)
		}
		if len(payouts) > 0 {
			return fromPayouts(marketID, payouts), nil
		}
	}
	return domain.Settlement{}, fmt.Errorf("settlement: get %s: %w", marketID, domain.ErrNotFound)
}

// Forget drops the in-memory record of an archived market. Later reads fall
// back to the store.
func (e *Engine) Forget(marketID string) {
	e.mu.Lock()
	delete(e.records, marketID)
	e.mu.Unlock()
}

// pay credits and notifies line i. rec.mu must be held.
func (e *Engine) pay(ctx context.Context, rec *record, i int) {
	p := &rec.s.Payouts[i]
	log := e.logger.With(
		slog.String("market_id", p.MarketID),
		slog.String("user_id", p.UserID),
		slog.String("kind", string(p.Kind)),
	)

	if p.Amount > 0 && !p.Credited {
		p.Attempts++
		if err := e.ledger.AddPoints(ctx, p.UserID, p.Amount); err != nil {
			p.Error = fmt.Errorf("%w: %w", domain.ErrLedgerFailure, err).Error()
			log.Warn("credit failed",
				slog.Int64("amount", p.Amount),
				slog.Int("attempt", p.Attempts),
				slog.String("error", err.Error()),
			)
			return
		}
		p.Credited = true
		p.Error = ""
	}

	if p.Notified || e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyUser(ctx, p.UserID, message(rec.question, rec.s, *p)); err != nil {
		log.Warn("notify failed", slog.String("error", err.Error()))
		return
	}
	p.Notified = true
}

func (e *Engine) persist(ctx context.Context, payouts []domain.Payout) {
	if e.store == nil || len(payouts) == 0 {
		return
	}
	if err := e.store.SavePayouts(ctx, payouts); err != nil {
		e.logger.Warn("persist payouts failed",
			slog.String("market_id", payouts[0].MarketID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *record) copyLocked() domain.Settlement {
	s := r.s
	s.Payouts = make([]domain.Payout, len(r.s.Payouts))
	copy(s.Payouts, r.s.Payouts)
	return s
}

func fromPayouts(marketID string, payouts []domain.Payout) domain.Settlement {
	s := domain.Settlement{
		MarketID: marketID,
		Status:   domain.MarketStatusResolved,
		Payouts:  payouts,
	}
	for _, p := range payouts {
		s.TotalPool += p.Wagered
		if p.SettledAt.After(s.SettledAt) {
			s.SettledAt = p.SettledAt
		}
		switch p.Kind {
		case domain.PayoutKindRefund:
			s.Status = domain.MarketStatusRefunded
		case domain.PayoutKindWin:
			s.Result = p.Outcome
			s.TotalWinning += p.Wagered
		}
	}
	return s
}

// IsAlreadySettled reports whether err means the market was settled by
// another caller.
func IsAlreadySettled(err error) bool {
	return errors.Is(err, domain.ErrAlreadySettled)
}
