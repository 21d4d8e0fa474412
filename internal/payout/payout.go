// Package payout holds the settlement arithmetic shared by quotes and the
// settlement engine. Products are computed with arbitrary precision decimals
// so amount*total_pool never overflows and truncation happens exactly once.
package payout

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

// Proportional returns floor(amount / totalWinning * totalPool). It returns
// zero when nothing was wagered on the winning side.
func Proportional(amount, totalWinning, totalPool int64) int64 {
	if amount <= 0 || totalWinning <= 0 || totalPool <= 0 {
		return 0
	}
	q, _ := decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(totalPool)).
		QuoRem(decimal.NewFromInt(totalWinning), 0)
	return q.IntPart()
}

// ShareValue returns floor(shares * totalPool / totalWinning).
//
// Deprecated: settlement pays by wagered amount (see Proportional). This
// formula is kept only for the share-value query.
func ShareValue(shares float64, totalWinning, totalPool int64) int64 {
	if shares <= 0 || totalWinning <= 0 {
		return 0
	}
	v := decimal.NewFromFloat(shares).
		Mul(decimal.NewFromInt(totalPool)).
		Div(decimal.NewFromInt(totalWinning))
	return v.Floor().IntPart()
}

// Totals returns the sum of all wagers and the sum of wagers on result.
func Totals(wagers []domain.Wager, result string) (totalPool, totalWinning int64) {
	for _, w := range wagers {
		totalPool += w.Amount
		if w.Outcome == result {
			totalWinning += w.Amount
		}
	}
	return totalPool, totalWinning
}

// Resolution builds the settlement lines of a market resolved to result.
// Winners get their proportional share, losers get a zero line.
func Resolution(marketID string, wagers []domain.Wager, result string, at time.Time) domain.Settlement {
	totalPool, totalWinning := Totals(wagers, result)

	s := domain.Settlement{
		MarketID:     marketID,
		Status:       domain.MarketStatusResolved,
		Result:       result,
		TotalPool:    totalPool,
		TotalWinning: totalWinning,
		SettledAt:    at,
	}
	for _, w := range sorted(wagers) {
		if w.Amount <= 0 {
			continue
		}
		p := domain.Payout{
			MarketID:  marketID,
			UserID:    w.UserID,
			Outcome:   w.Outcome,
			Wagered:   w.Amount,
			SettledAt: at,
		}
		if w.Outcome == result {
			p.Kind = domain.PayoutKindWin
			p.Amount = Proportional(w.Amount, totalWinning, totalPool)
		} else {
			p.Kind = domain.PayoutKindLoss
		}
		s.Payouts = append(s.Payouts, p)
	}
	return s
}

// Refund builds settlement lines that return every wager in full.
func Refund(marketID string, wagers []domain.Wager, at time.Time) domain.Settlement {
	totalPool, _ := Totals(wagers, "")

	s := domain.Settlement{
		MarketID:  marketID,
		Status:    domain.MarketStatusRefunded,
		TotalPool: totalPool,
		SettledAt: at,
	}
	for _, w := range sorted(wagers) {
		if w.Amount <= 0 {
			continue
		}
		s.Payouts = append(s.Payouts, domain.Payout{
			MarketID:  marketID,
			UserID:    w.UserID,
			Outcome:   w.Outcome,
			Kind:      domain.PayoutKindRefund,
			Wagered:   w.Amount,
			Amount:    w.Amount,
			SettledAt: at,
		})
	}
	return s
}

func sorted(wagers []domain.Wager) []domain.Wager {
	out := make([]domain.Wager, len(wagers))
	copy(out, wagers)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Outcome != out[j].Outcome {
			return out[i].Outcome < out[j].Outcome
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
