// Package amm implements the constant-product market maker that prices the
// two outcomes of a binary market.
//
// Both outcomes start with the same reserve L0 and the product of the two
// reserves is held at k = L0 * L0. Buying an outcome with p points adds p to
// the opposite reserve and removes enough of the bought reserve to restore k;
// the removed amount is the number of shares received.
package amm

import "math"

// DefaultLiquidity is the initial reserve of every outcome.
const DefaultLiquidity = 30000.0

// DefaultProbePoints is the probe amount used for quotes when none is given.
const DefaultProbePoints = 100

// ConstantProduct holds the curve parameters of one market.
type ConstantProduct struct {
	L0 float64
	K  float64
}

// New returns the curve for an initial reserve of l0 per outcome. A
// non-positive l0 falls back to DefaultLiquidity.
func New(l0 float64) ConstantProduct {
	if l0 <= 0 {
		l0 = DefaultLiquidity
	}
	return ConstantProduct{L0: l0, K: l0 * l0}
}

// SharesForPoints returns the shares bought on the side holding pool when
// points are paid into otherPool. A result <= 0 means the trade must be
// rejected.
func SharesForPoints(pool, otherPool, k, points float64) float64 {
	if points <= 0 {
		return 0
	}
	newOther := otherPool + points
	newSelf := k / newOther
	if newSelf >= pool {
		return 0
	}
	return pool - newSelf
}

// PriceForShares returns the points needed to buy shares out of pool. It
// returns +Inf when the pool cannot supply that many shares.
func PriceForShares(pool, otherPool, k, shares float64) float64 {
	newSelf := pool - shares
	if newSelf <= 0 {
		return math.Inf(1)
	}
	cost := k/newSelf - otherPool
	if cost < 0 {
		return 0
	}
	return cost
}

// PricePerShare returns the average price of the shares a probe buys, and
// the number of shares. The price is +Inf when no shares can be bought.
func PricePerShare(pool, otherPool, k, probe float64) (price, shares float64) {
	shares = SharesForPoints(pool, otherPool, k, probe)
	if shares <= 0 {
		return math.Inf(1), 0
	}
	return probe / shares, shares
}

// Probabilities returns the volume-weighted probability of each outcome. With
// no volume at all the split is uniform.
func Probabilities(volumes []int64) []float64 {
	out := make([]float64, len(volumes))
	if len(volumes) == 0 {
		return out
	}
	var total int64
	for _, v := range volumes {
		total += v
	}
	for i, v := range volumes {
		if total <= 0 {
			out[i] = 1 / float64(len(volumes))
			continue
		}
		out[i] = float64(v) / float64(total)
	}
	return out
}

// Invariant returns the relative deviation of pool*otherPool from k.
func Invariant(pool, otherPool, k float64) float64 {
	if k == 0 {
		return math.Abs(pool * otherPool)
	}
	return math.Abs(pool*otherPool-k) / k
}
