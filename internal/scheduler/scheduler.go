// Package scheduler runs the per-market deadline tasks: close betting at the
// end time, remind the creator, and refund the market if nobody resolved it
// within the grace period.
package scheduler

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
)

// DefaultGracePeriod is how long a market may await resolution before it is
// refunded.
const DefaultGracePeriod = 120 * time.Hour

// Refunder refunds an expired market. Implementations must fail with
// domain.ErrAlreadySettled when the market is already terminal.
type Refunder interface {
	Refund(ctx context.Context, m *market.Market) (domain.Settlement, error)
}

// Config configures a Scheduler. Notifier is optional.
type Config struct {
	GracePeriod time.Duration
	Refunder    Refunder
	Notifier    domain.Notifier
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Scheduler owns one goroutine per scheduled market.
type Scheduler struct {
	grace    time.Duration
	refunder Refunder
	notifier domain.Notifier
	clock    clock.Clock
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]context.CancelFunc
	stopped bool
}

// New creates a Scheduler. Tasks run until their market is terminal, they
// are cancelled, or Stop is called.
func New(cfg Config) *Scheduler {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		grace:    cfg.GracePeriod,
		refunder: cfg.Refunder,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With(slog.String("component", "scheduler")),
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]context.CancelFunc),
	}
}

// GracePeriod returns the configured grace period.
func (s *Scheduler) GracePeriod() time.Duration { return s.grace }

// Schedule starts the deadline task of m. Scheduling a market twice is a
// no-op.
func (s *Scheduler) Schedule(m *market.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler: schedule %s: scheduler stopped", m.ID())
	}
	if _, ok := s.tasks[m.ID()]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.tasks[m.ID()] = cancel
	s.wg.Add(1)
	go s.run(ctx, m)
	return nil
}

// Cancel stops the task of the given market, if any.
func (s *Scheduler) Cancel(marketID string) {
	s.mu.Lock()
	cancel, ok := s.tasks[marketID]
	delete(s.tasks, marketID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Pending returns the number of running tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every task and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, m *market.Market) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.tasks, m.ID())
		s.mu.Unlock()
	}()

	log := s.logger.With(slog.String("market_id", m.ID()))

	if !s.waitUntil(ctx, m, m.EndTime()) {
		log.Debug("task ended before betting closed")
		return
	}
	if m.CloseBetting() {
		log.Info("betting closed")
		s.notifyCreator(ctx, m, log)
	}

	if !s.waitUntil(ctx, m, m.EndTime().Add(s.grace)) {
		log.Debug("task ended during grace period")
		return
	}

	st, err := s.refunder.Refund(ctx, m)
	switch {
	case errors.Is(err, domain.ErrAlreadySettled):
		log.Debug("market settled before refund")
	case err != nil:
		log.Error("refund failed", slog.String("error", err.Error()))
	default:
		log.Info("market refunded after grace period",
			slog.Int64("total_pool", st.TotalPool),
			slog.Int("failed", len(st.Failed())),
		)
	}
}

// waitUntil blocks until the clock reaches t. It returns false when the
// market became terminal or the task was cancelled first.
func (s *Scheduler) waitUntil(ctx context.Context, m *market.Market, t time.Time) bool {
	select {
	case <-m.Done():
		return false
	case <-ctx.Done():
		return false
	default:
	}

	d := t.Sub(s.clock.Now())
	if d <= 0 {
		return true
	}
	timer := s.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-m.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) notifyCreator(ctx context.Context, m *market.Market, log *slog.Logger) {
	if s.notifier == nil || m.CreatorID() == "" {
		return
	}
	if err := s.notifier.NotifyUser(ctx, m.CreatorID(), CreatorMessage(m.Question(), s.grace)); err != nil {
		log.Warn("notify creator failed", slog.String("error", err.Error()))
	}
}

// CreatorMessage is sent to a market's creator when betting ends.
func CreatorMessage(question string, grace time.Duration) string {
	return fmt.Sprintf("Betting has ended for your prediction: '%s'\n"+
		"Please resolve the market.\n"+
		"If not resolved within %s, all bets will be automatically refunded.",
		question, market.FormatDuration(grace))
}
