package pipeline

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
	"github.com/alanyoungcy/pointsmarket/internal/market"
)

var admin = domain.Voter{UserID: "admin", CanResolve: true}

type fakeArchiver struct {
	mu   sync.Mutex
	docs map[string]domain.MarketArchive
	fail error
}

func (f *fakeArchiver) ArchiveMarket(_ context.Context, doc domain.MarketArchive) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	if f.docs == nil {
		f.docs = make(map[string]domain.MarketArchive)
	}
	f.docs[doc.Market.ID] = doc
	return "archive/markets/" + doc.Market.ID + ".json", nil
}

func (f *fakeArchiver) LoadMarket(_ context.Context, id string, _ time.Time) (domain.MarketArchive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return domain.MarketArchive{}, domain.ErrNotFound
	}
	return doc, nil
}

type fakeSettlements struct {
	records   map[string]domain.Settlement
	forgotten []string
}

func (f *fakeSettlements) Settlement(_ context.Context, id string) (domain.Settlement, error) {
	s, ok := f.records[id]
	if !ok {
		return domain.Settlement{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeSettlements) Forget(id string) { f.forgotten = append(f.forgotten, id) }

type fakeAudit struct{ events []string }

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fakeCache struct{ invalidated []string }

func (f *fakeCache) Set(context.Context, domain.Market) error { return nil }

func (f *fakeCache) Get(context.Context, string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}

func (f *fakeCache) Invalidate(_ context.Context, id string) error {
	f.invalidated = append(f.invalidated, id)
	return nil
}

func setup(t *testing.T) (*market.Registry, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return market.NewRegistry(market.RegistryConfig{VoteThreshold: 1, Clock: mock}), mock
}

func create(t *testing.T, r *market.Registry, question string) *market.Market {
	t.Helper()
	m, err := r.Create(market.Params{
		Question: question,
		Options:  []string{"Yes", "No"},
		EndTime:  r.EndTimeFor(time.Hour),
	})
	require.NoError(t, err)
	return m
}

func TestArchiver_ArchivesPastRetention(t *testing.T) {
	r, mock := setup(t)
	ctx := context.Background()

	resolved := create(t, r, "resolved")
	_, err := resolved.PlaceBet(ctx, "alice", "Yes", 100, nil)
	require.NoError(t, err)
	require.NoError(t, resolved.Resolve(admin, "Yes"))
	live := create(t, r, "live")

	blobs := &fakeArchiver{}
	settlements := &fakeSettlements{records: map[string]domain.Settlement{
		resolved.ID(): {MarketID: resolved.ID(), Status: domain.MarketStatusResolved, Result: "Yes"},
	}}
	audit := &fakeAudit{}
	cache := &fakeCache{}
	a := NewArchiver(ArchiverConfig{
		Archiver:    blobs,
		Markets:     r,
		Settlements: settlements,
		Cache:       cache,
		Audit:       audit,
		Retention:   24 * time.Hour,
		Clock:       mock,
	})

	n, err := a.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "retention not yet elapsed")

	mock.Add(25 * time.Hour)
	n, err = a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc := blobs.docs[resolved.ID()]
	require.NotNil(t, doc.Market.ArchivedAt)
	require.NotNil(t, doc.Settlement)
	assert.Len(t, doc.Bets, 1)
	assert.Equal(t, []string{"market.archived"}, audit.events)
	assert.Equal(t, []string{resolved.ID()}, settlements.forgotten)
	assert.Equal(t, []string{resolved.ID()}, cache.invalidated)

	_, err = r.Get(resolved.ID())
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = r.Get(live.ID())
	require.NoError(t, err)
}

func TestArchiver_DefersPendingPayouts(t *testing.T) {
	r, mock := setup(t)
	m := create(t, r, "pending")
	require.NoError(t, m.Refund())

	settlements := &fakeSettlements{records: map[string]domain.Settlement{
		m.ID(): {MarketID: m.ID(), Payouts: []domain.Payout{{UserID: "bob", Amount: 50}}},
	}}
	a := NewArchiver(ArchiverConfig{
		Archiver:    &fakeArchiver{},
		Markets:     r,
		Settlements: settlements,
		Retention:   time.Hour,
		Clock:       mock,
	})

	mock.Add(2 * time.Hour)
	n, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, r.Len())
}

func TestArchiver_UploadFailureKeepsMarket(t *testing.T) {
	r, mock := setup(t)
	m := create(t, r, "fails")
	require.NoError(t, m.Refund())

	a := NewArchiver(ArchiverConfig{
		Archiver:    &fakeArchiver{fail: errors.New("bucket unavailable")},
		Markets:     r,
		Settlements: &fakeSettlements{},
		Retention:   time.Hour,
		Clock:       mock,
	})

	mock.Add(2 * time.Hour)
	n, err := a.Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, r.Len())
}

func TestArchiver_RunCronRejectsBadExpression(t *testing.T) {
	a := NewArchiver(ArchiverConfig{Markets: market.NewRegistry(market.RegistryConfig{}), Settlements: &fakeSettlements{}})
	require.Error(t, a.RunCron(context.Background(), "not a cron"))
}
