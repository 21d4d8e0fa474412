package payout

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

func TestProportional(t *testing.T) {
	tests := []struct {
		name                        string
		amount, totalWin, totalPool int64
		want                        int64
	}{
		{"quarter of winners", 100, 400, 1000, 250},
		{"three quarters of winners", 300, 400, 1000, 750},
		{"truncates", 1, 3, 10, 3},
		{"nobody won", 100, 0, 1000, 0},
		{"no amount", 0, 400, 1000, 0},
		{"sole winner takes pool", 500, 500, 700, 700},
		{"large values do not overflow", math.MaxInt64 / 2, math.MaxInt64 / 2, math.MaxInt64 / 2, math.MaxInt64 / 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Proportional(tt.amount, tt.totalWin, tt.totalPool))
		})
	}
}

func TestShareValue(t *testing.T) {
	assert.Equal(t, int64(2419), ShareValue(967.74, 400, 1000))
	assert.Zero(t, ShareValue(0, 400, 1000))
	assert.Zero(t, ShareValue(10, 0, 1000))
}

func TestResolution(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	wagers := []domain.Wager{
		{UserID: "bob", Outcome: "Yes", Amount: 300},
		{UserID: "carol", Outcome: "No", Amount: 600},
		{UserID: "alice", Outcome: "Yes", Amount: 100},
	}

	s := Resolution("m1", wagers, "Yes", at)
	assert.Equal(t, domain.MarketStatusResolved, s.Status)
	assert.Equal(t, int64(1000), s.TotalPool)
	assert.Equal(t, int64(400), s.TotalWinning)
	require.Len(t, s.Payouts, 3)

	byUser := map[string]domain.Payout{}
	for _, p := range s.Payouts {
		byUser[p.UserID] = p
	}
	assert.Equal(t, int64(250), byUser["alice"].Amount)
	assert.Equal(t, int64(750), byUser["bob"].Amount)
	assert.Equal(t, domain.PayoutKindLoss, byUser["carol"].Kind)
	assert.Zero(t, byUser["carol"].Amount)
	assert.Len(t, s.Failed(), 2)

	t.Run("resolving to an empty side pays nothing", func(t *testing.T) {
		s := Resolution("m1", []domain.Wager{wagers[0]}, "No", at)
		assert.Zero(t, s.TotalWinning)
		for _, p := range s.Payouts {
			assert.Zero(t, p.Amount)
		}
	})
}

func TestRefund(t *testing.T) {
	s := Refund("m1", []domain.Wager{
		{UserID: "u1", Outcome: "Yes", Amount: 500},
		{UserID: "u2", Outcome: "No", Amount: 200},
	}, time.Now())

	assert.Equal(t, domain.MarketStatusRefunded, s.Status)
	assert.Equal(t, int64(700), s.TotalPool)
	require.Len(t, s.Payouts, 2)
	assert.Equal(t, "u2", s.Payouts[0].UserID)
	assert.Equal(t, int64(200), s.Payouts[0].Amount)
	assert.Equal(t, int64(500), s.Payouts[1].Amount)
	for _, p := range s.Payouts {
		assert.Equal(t, domain.PayoutKindRefund, p.Kind)
	}
}
