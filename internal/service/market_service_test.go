package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
	"github.com/alanyoungcy/pointsmarket/internal/ledger"
	"github.com/alanyoungcy/pointsmarket/internal/market"
	"github.com/alanyoungcy/pointsmarket/internal/scheduler"
	"github.com/alanyoungcy/pointsmarket/internal/settlement"
)

var (
	admin = domain.Voter{UserID: "admin", CanResolve: true}
	start = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
)

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []string
	cancelled []string
}

func (f *fakeScheduler) Schedule(m *market.Market) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, m.ID())
	return nil
}

func (f *fakeScheduler) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
}

type fakeLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	f.keys = append(f.keys, key)
	return f.allow, f.err
}

func (f *fakeLimiter) Wait(context.Context, string) error { return nil }

type fakeCache struct {
	mu   sync.Mutex
	data map[string]domain.Market
}

func (f *fakeCache) Set(_ context.Context, m domain.Market) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		f.data = make(map[string]domain.Market)
	}
	f.data[m.ID] = m
	return nil
}

func (f *fakeCache) Get(_ context.Context, id string) (domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.data[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (f *fakeCache) Invalidate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, id)
	return nil
}

type fakeStore struct {
	markets map[string]domain.Market
}

func (f *fakeStore) Upsert(_ context.Context, m domain.Market) error {
	if f.markets == nil {
		f.markets = make(map[string]domain.Market)
	}
	f.markets[m.ID] = m
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	m, ok := f.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) List(context.Context, *domain.MarketStatus, domain.ListOpts) ([]domain.Market, error) {
	return nil, nil
}

func (f *fakeStore) Count(context.Context) (int64, error) { return int64(len(f.markets)), nil }

type fakeBets struct{ bets []domain.Bet }

func (f *fakeBets) Insert(_ context.Context, b domain.Bet) error {
	f.bets = append(f.bets, b)
	return nil
}

func (f *fakeBets) ListByMarket(_ context.Context, id string) ([]domain.Bet, error) {
	var out []domain.Bet
	for _, b := range f.bets {
		if b.MarketID == id {
			out = append(out, b)
		}
	}
	return out, nil
}

type fixture struct {
	svc      *MarketService
	registry *market.Registry
	ledger   *ledger.Memory
	sched    *fakeScheduler
	mock     *clock.Mock
}

func newFixture(t *testing.T, mutate func(*MarketServiceConfig)) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(start)

	registry := market.NewRegistry(market.RegistryConfig{VoteThreshold: 1, Clock: mock})
	mem := ledger.NewMemory(10_000)
	engine := settlement.NewEngine(settlement.Config{Ledger: mem, Emitter: registry, Clock: mock})
	sched := &fakeScheduler{}

	cfg := MarketServiceConfig{
		Registry:     registry,
		Ledger:       mem,
		Settler:      engine,
		Scheduler:    sched,
		DefaultProbe: 100,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{svc: NewMarketService(cfg), registry: registry, ledger: mem, sched: sched, mock: mock}
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	snap, err := f.svc.CreateMarket(context.Background(), domain.CreateMarketRequest{
		Question:  "Will it rain tomorrow?",
		Options:   []string{"Yes", "No"},
		Duration:  "0,1,0",
		CreatorID: "creator",
	})
	require.NoError(t, err)
	return snap.ID
}

func (f *fixture) balance(t *testing.T, user string) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return b
}

func TestCreateMarket(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	end := start.Add(2 * time.Hour)

	t.Run("duration", func(t *testing.T) {
		snap, err := f.svc.CreateMarket(ctx, domain.CreateMarketRequest{
			Question: "q", Options: []string{"Yes", "No"}, Duration: "1,2,30",
		})
		require.NoError(t, err)
		assert.Equal(t, start.Add(26*time.Hour+30*time.Minute), snap.EndTime)
		assert.Equal(t, domain.MarketStatusOpen, snap.Status)
		assert.Contains(t, f.sched.scheduled, snap.ID)
	})

	t.Run("end time", func(t *testing.T) {
		snap, err := f.svc.CreateMarket(ctx, domain.CreateMarketRequest{
			Question: "q", Options: []string{"Yes", "No"}, EndTime: &end, Category: " sports ",
		})
		require.NoError(t, err)
		assert.Equal(t, end, snap.EndTime)
		assert.Equal(t, "sports", snap.Category)
	})

	tests := []struct {
		name string
		req  domain.CreateMarketRequest
		want error
	}{
		{"both", domain.CreateMarketRequest{Question: "q", Options: []string{"Yes", "No"}, EndTime: &end, Duration: "0,1,0"}, domain.ErrInvalidMarket},
		{"neither", domain.CreateMarketRequest{Question: "q", Options: []string{"Yes", "No"}}, domain.ErrInvalidMarket},
		{"zero duration", domain.CreateMarketRequest{Question: "q", Options: []string{"Yes", "No"}, Duration: "0,0,0"}, domain.ErrInvalidDuration},
		{"three options", domain.CreateMarketRequest{Question: "q", Options: []string{"a", "b", "c"}, Duration: "0,1,0"}, domain.ErrInvalidOptions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateMarket(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPlaceBet_DebitsLedger(t *testing.T) {
	f := newFixture(t, nil)
	id := f.create(t)

	receipt, err := f.svc.PlaceBet(context.Background(), id, "alice", "Yes", 1000)
	require.NoError(t, err)
	assert.InDelta(t, 967.74, receipt.Shares, 0.01)
	assert.Equal(t, int64(9_000), f.balance(t, "alice"))
}

func TestPlaceBet_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.create(t)

	_, err := f.svc.PlaceBet(ctx, id, "alice", "Yes", 0)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.svc.PlaceBet(ctx, "missing", "alice", "Yes", 10)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.PlaceBet(ctx, id, "alice", "Yes", 20_000)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, int64(10_000), f.balance(t, "alice"))

	_, err = f.svc.PlaceBet(ctx, id, "alice", "Maybe", 10)
	require.ErrorIs(t, err, domain.ErrUnknownOutcome)
	assert.Equal(t, int64(10_000), f.balance(t, "alice"))

	f.mock.Add(2 * time.Hour)
	_, err = f.svc.PlaceBet(ctx, id, "alice", "Yes", 10)
	require.ErrorIs(t, err, domain.ErrMarketClosed)
}

func TestPlaceBet_HouseAccount(t *testing.T) {
	f := newFixture(t, func(c *MarketServiceConfig) { c.HouseAccountID = "house" })
	id := f.create(t)

	_, err := f.svc.PlaceBet(context.Background(), id, "alice", "No", 250)
	require.NoError(t, err)
	assert.Equal(t, int64(9_750), f.balance(t, "alice"))
	assert.Equal(t, int64(10_250), f.balance(t, "house"))
}

func TestPlaceBet_RateLimit(t *testing.T) {
	limiter := &fakeLimiter{}
	f := newFixture(t, func(c *MarketServiceConfig) {
		c.Limiter = limiter
		c.BetsPerMinute = 5
	})
	ctx := context.Background()
	id := f.create(t)

	_, err := f.svc.PlaceBet(ctx, id, "alice", "Yes", 10)
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, []string{"bets:alice"}, limiter.keys)

	limiter.err = errors.New("redis down")
	_, err = f.svc.PlaceBet(ctx, id, "alice", "Yes", 10)
	require.NoError(t, err, "limiter outage must not block bets")
}

func TestVote_ResolvesAndSettles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.create(t)

	for _, b := range []struct {
		user, outcome string
		amount        int64
	}{{"alice", "Yes", 100}, {"bob", "Yes", 300}, {"carol", "No", 600}} {
		_, err := f.svc.PlaceBet(ctx, id, b.user, b.outcome, b.amount)
		require.NoError(t, err)
	}

	_, err := f.svc.Vote(ctx, id, admin, "Yes")
	require.ErrorIs(t, err, domain.ErrVotingNotOpen)

	f.mock.Add(time.Hour)

	_, err = f.svc.Vote(ctx, id, domain.Voter{UserID: "dave"}, "Yes")
	require.ErrorIs(t, err, domain.ErrNotResolver)

	receipt, err := f.svc.Vote(ctx, id, admin, "Yes")
	require.NoError(t, err)
	assert.True(t, receipt.Resolved)
	assert.Contains(t, f.sched.cancelled, id)

	assert.Equal(t, int64(10_150), f.balance(t, "alice"))
	assert.Equal(t, int64(10_450), f.balance(t, "bob"))
	assert.Equal(t, int64(9_400), f.balance(t, "carol"))

	s, err := f.svc.Settlement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), s.TotalPool)
	assert.Equal(t, int64(1000), s.Paid())
	assert.Empty(t, s.Failed())

	_, err = f.svc.Refund(ctx, id)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
	assert.Equal(t, int64(10_150), f.balance(t, "alice"))
}

func TestResolve_AdminBeforeEndTime(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.create(t)

	_, err := f.svc.PlaceBet(ctx, id, "alice", "No", 200)
	require.NoError(t, err)

	s, err := f.svc.Resolve(ctx, id, admin, "No")
	require.NoError(t, err)
	assert.Equal(t, "No", s.Result)
	assert.Equal(t, int64(10_000), f.balance(t, "alice"))

	_, err = f.svc.Resolve(ctx, id, admin, "Yes")
	require.ErrorIs(t, err, domain.ErrAlreadySettled)

	_, err = f.svc.PlaceBet(ctx, id, "bob", "Yes", 10)
	require.ErrorIs(t, err, domain.ErrMarketClosed)
}

func TestRefund_ReturnsWagers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.create(t)

	_, err := f.svc.PlaceBet(ctx, id, "alice", "Yes", 500)
	require.NoError(t, err)
	_, err = f.svc.PlaceBet(ctx, id, "bob", "No", 200)
	require.NoError(t, err)

	s, err := f.svc.Refund(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusRefunded, s.Status)
	assert.Equal(t, int64(10_000), f.balance(t, "alice"))
	assert.Equal(t, int64(10_000), f.balance(t, "bob"))
	assert.Contains(t, f.sched.cancelled, id)

	_, err = f.svc.Refund(ctx, id)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestQuoteHistoryAndListings(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.create(t)

	_, err := f.svc.PlaceBet(ctx, id, "alice", "Yes", 300)
	require.NoError(t, err)
	_, err = f.svc.PlaceBet(ctx, id, "bob", "No", 100)
	require.NoError(t, err)

	q, err := f.svc.CurrentQuote(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), q.ProbePoints)
	require.Len(t, q.Outcomes, 2)

	history, err := f.svc.BetHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "alice", history[0].UserID)

	open := domain.MarketStatusOpen
	assert.Len(t, f.svc.ListMarkets(ctx, &open), 1)
	groups := f.svc.ListByCategory(ctx, nil)
	require.Len(t, groups, 1)
	assert.Equal(t, domain.UncategorizedLabel, groups[0].Category)
	assert.Equal(t, 1, f.svc.Counts(ctx)[domain.MarketStatusOpen])
}

func TestGetMarket_Fallbacks(t *testing.T) {
	cache := &fakeCache{}
	store := &fakeStore{}
	bets := &fakeBets{}
	f := newFixture(t, func(c *MarketServiceConfig) {
		c.Cache = cache
		c.Store = store
		c.Bets = bets
	})
	ctx := context.Background()

	live := f.create(t)
	snap, err := f.svc.GetMarket(ctx, live)
	require.NoError(t, err)
	assert.Equal(t, live, snap.ID)

	require.NoError(t, store.Upsert(ctx, domain.Market{ID: "archived", Question: "old", Status: domain.MarketStatusResolved}))
	require.NoError(t, bets.Insert(ctx, domain.Bet{MarketID: "archived", Seq: 1, UserID: "zed", Amount: 5}))

	snap, err = f.svc.GetMarket(ctx, "archived")
	require.NoError(t, err)
	assert.Equal(t, "old", snap.Question)
	_, err = cache.Get(ctx, "archived")
	require.NoError(t, err, "store hit back-fills the cache")

	history, err := f.svc.BetHistory(ctx, "archived")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = f.svc.GetMarket(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestShareValuePayout(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.create(t)

	_, err := f.svc.PlaceBet(ctx, id, "alice", "Yes", 100)
	require.NoError(t, err)

	_, err = f.svc.ShareValuePayout(ctx, id, "alice")
	require.ErrorIs(t, err, domain.ErrNotSettled)

	_, err = f.svc.Resolve(ctx, id, admin, "Yes")
	require.NoError(t, err)
	v, err := f.svc.ShareValuePayout(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(99), v, "99.67 shares valued against a 100 point pool")
}

func TestTimeoutRefund_EndToEnd(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(start)
	registry := market.NewRegistry(market.RegistryConfig{VoteThreshold: 1, Clock: mock})
	mem := ledger.NewMemory(1_000)
	engine := settlement.NewEngine(settlement.Config{Ledger: mem, Emitter: registry, Clock: mock})
	sched := scheduler.New(scheduler.Config{GracePeriod: 2 * time.Hour, Refunder: engine, Clock: mock})
	t.Cleanup(sched.Stop)

	svc := NewMarketService(MarketServiceConfig{Registry: registry, Ledger: mem, Settler: engine, Scheduler: sched})
	ctx := context.Background()

	snap, err := svc.CreateMarket(ctx, domain.CreateMarketRequest{Question: "q", Options: []string{"Yes", "No"}, Duration: "0,1,0"})
	require.NoError(t, err)
	_, err = svc.PlaceBet(ctx, snap.ID, "alice", "Yes", 500)
	require.NoError(t, err)
	_, err = svc.PlaceBet(ctx, snap.ID, "bob", "No", 200)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Minute)
		s, err := svc.GetMarket(ctx, snap.ID)
		return err == nil && s.Status == domain.MarketStatusRefunded
	}, 5*time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		a, _ := mem.GetBalance(ctx, "alice")
		b, _ := mem.GetBalance(ctx, "bob")
		return a == 1_000 && b == 1_000
	}, time.Second, time.Millisecond)
}
