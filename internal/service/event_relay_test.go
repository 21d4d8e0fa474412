package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	stream    [][]byte
	failPub   bool
}

func (f *fakeBus) Publish(_ context.Context, ch string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPub {
		return errors.New("publish refused")
	}
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[ch] = append(f.published[ch], payload)
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (f *fakeBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stream = append(f.stream, payload)
	return nil
}

func (f *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type recordingAudit struct {
	events  []string
	details []map[string]any
}

func (r *recordingAudit) Log(_ context.Context, event string, detail map[string]any) error {
	r.events = append(r.events, event)
	r.details = append(r.details, detail)
	return nil
}

func (r *recordingAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type recordingAlerter struct{ types []domain.EventType }

func (r *recordingAlerter) Notify(_ context.Context, ev domain.MarketEvent) error {
	r.types = append(r.types, ev.Type)
	return errors.New("telegram down")
}

func betEvent() domain.MarketEvent {
	bet := domain.Bet{Seq: 1, MarketID: "m-1", UserID: "alice", Outcome: "Yes", Amount: 50}
	return domain.MarketEvent{
		Type:     domain.EventBetPlaced,
		MarketID: "m-1",
		UserID:   "alice",
		Outcome:  "Yes",
		Amount:   50,
		Market:   domain.Market{ID: "m-1", Status: domain.MarketStatusOpen, TotalBets: 50},
		Bet:      &bet,
		At:       start,
	}
}

func TestEventRelay_FansOut(t *testing.T) {
	bus := &fakeBus{}
	cache := &fakeCache{}
	store := &fakeStore{}
	bets := &fakeBets{}
	audit := &recordingAudit{}
	alerter := &recordingAlerter{}
	r := NewEventRelay(EventRelayConfig{
		Bus: bus, Cache: cache, Store: store, Bets: bets, Audit: audit, Alerter: alerter,
	})

	r.Handle(context.Background(), betEvent())

	require.Len(t, bus.published[domain.ChannelMarkets], 1)
	require.Len(t, bus.published[domain.MarketChannel("m-1")], 1)
	require.Len(t, bus.stream, 1)

	var decoded domain.MarketEvent
	require.NoError(t, json.Unmarshal(bus.stream[0], &decoded))
	assert.Equal(t, domain.EventBetPlaced, decoded.Type)
	assert.Equal(t, int64(50), decoded.Bet.Amount)

	cached, err := cache.Get(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), cached.TotalBets)
	assert.Contains(t, store.markets, "m-1")
	assert.Len(t, bets.bets, 1)

	assert.Equal(t, []string{"market.bet_placed"}, audit.events)
	assert.Equal(t, "alice", audit.details[0]["user_id"])
	assert.Equal(t, []domain.EventType{domain.EventBetPlaced}, alerter.types)
}

func TestEventRelay_SinkFailuresAreIsolated(t *testing.T) {
	bus := &fakeBus{failPub: true}
	store := &fakeStore{}
	r := NewEventRelay(EventRelayConfig{Bus: bus, Store: store})

	r.Handle(context.Background(), betEvent())
	assert.Len(t, bus.stream, 1, "stream append still runs after publish fails")
	assert.Contains(t, store.markets, "m-1")
}

func TestEventRelay_RunDrainsOnShutdown(t *testing.T) {
	store := &fakeStore{}
	r := NewEventRelay(EventRelayConfig{Store: store})

	events := make(chan domain.MarketEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events <- betEvent()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, events) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Contains(t, store.markets, "m-1")
}
