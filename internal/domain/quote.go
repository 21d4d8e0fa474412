package domain

// OutcomeQuote is the pricing snapshot of a single outcome for a probe
// amount. PricePerShare is +Inf when the outcome's pool has no depth left.
type OutcomeQuote struct {
	Outcome         string  `json:"outcome"`
	PricePerShare   float64 `json:"price_per_share"`
	PotentialShares float64 `json:"potential_shares"`
	Probability     float64 `json:"probability"`
	PotentialPayout int64   `json:"potential_payout"`
	TotalBets       int64   `json:"total_bets"`
}

// Quote is the per-outcome pricing snapshot of a market.
type Quote struct {
	MarketID    string         `json:"market_id"`
	ProbePoints int64          `json:"probe_points"`
	Outcomes    []OutcomeQuote `json:"outcomes"`
}
