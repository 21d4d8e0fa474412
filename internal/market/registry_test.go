package market

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

func newTestRegistry(t *testing.T, buffer int) (*Registry, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(start)
	return NewRegistry(RegistryConfig{EventBuffer: buffer, VoteThreshold: 1, Clock: mock}), mock
}

func TestRegistry_CreateGet(t *testing.T) {
	r, _ := newTestRegistry(t, 16)

	m, err := r.Create(Params{Question: "q", Options: []string{"Yes", "No"}, EndTime: r.EndTimeFor(time.Hour)})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID())

	got, err := r.Get(m.ID())
	require.NoError(t, err)
	assert.Same(t, m, got)

	_, err = r.Get("missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = r.Create(Params{ID: m.ID(), Question: "q", Options: []string{"Yes", "No"}, EndTime: r.EndTimeFor(time.Hour)})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = r.Create(Params{Question: "q", Options: []string{"only"}, EndTime: r.EndTimeFor(time.Hour)})
	require.ErrorIs(t, err, domain.ErrInvalidOptions)
	assert.Equal(t, 1, r.Len())

	ev := <-r.Events()
	assert.Equal(t, domain.EventMarketCreated, ev.Type)
	assert.Equal(t, m.ID(), ev.MarketID)
}

func TestRegistry_ListAndCategories(t *testing.T) {
	r, mock := newTestRegistry(t, 64)

	short, err := r.Create(Params{Question: "a", Options: []string{"Yes", "No"}, EndTime: r.EndTimeFor(time.Minute), Category: "sports"})
	require.NoError(t, err)
	_, err = r.Create(Params{Question: "b", Options: []string{"Yes", "No"}, EndTime: r.EndTimeFor(time.Hour)})
	require.NoError(t, err)
	resolved, err := r.Create(Params{Question: "c", Options: []string{"Yes", "No"}, EndTime: r.EndTimeFor(time.Hour), Category: "sports"})
	require.NoError(t, err)
	require.NoError(t, resolved.Resolve(resolver, "Yes"))

	mock.Add(2 * time.Minute)

	assert.Len(t, r.List(Filter{}), 3)

	open := domain.MarketStatusOpen
	assert.Len(t, r.List(Filter{Status: &open}), 1)

	awaiting := domain.MarketStatusAwaitingResolution
	got := r.List(Filter{Status: &awaiting})
	require.Len(t, got, 1)
	assert.Equal(t, short.ID(), got[0].ID())

	assert.Len(t, r.List(Filter{Category: "sports"}), 2)
	assert.Len(t, r.List(Filter{Category: domain.UncategorizedLabel}), 1)

	groups := r.ByCategory(Filter{})
	require.Len(t, groups, 2)
	assert.Equal(t, domain.UncategorizedLabel, groups[0].Category)
	assert.Equal(t, "sports", groups[1].Category)
	assert.Equal(t, []string{short.ID(), resolved.ID()}, groups[1].MarketIDs)
}

func TestRegistry_Remove(t *testing.T) {
	r, _ := newTestRegistry(t, 16)
	m, err := r.Create(Params{Question: "q", Options: []string{"Yes", "No"}, EndTime: r.EndTimeFor(time.Hour)})
	require.NoError(t, err)

	require.ErrorIs(t, r.Remove(m.ID()), domain.ErrMarketClosed)
	require.NoError(t, m.Refund())
	require.NoError(t, r.Remove(m.ID()))
	require.ErrorIs(t, r.Remove(m.ID()), domain.ErrNotFound)
	assert.Zero(t, r.Len())
}

func TestRegistry_EmitNeverBlocks(t *testing.T) {
	r, _ := newTestRegistry(t, 2)
	m, err := r.Create(Params{Question: "q", Options: []string{"Yes", "No"}, EndTime: r.EndTimeFor(time.Hour)})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_, err := m.PlaceBet(context.Background(), "u", "Yes", 10, nil)
			assert.NoError(t, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("bets blocked on a full event buffer")
	}
	assert.Len(t, r.Events(), 2)
	assert.Equal(t, int64(100), m.TotalBets())
}
