package domain

import "time"

// Bet is one accepted wager, in placement order.
type Bet struct {
	Seq      int64     `json:"seq"`
	MarketID string    `json:"market_id"`
	UserID   string    `json:"user_id"`
	Outcome  string    `json:"outcome"`
	Amount   int64     `json:"amount"`
	Shares   float64   `json:"shares"`
	PlacedAt time.Time `json:"placed_at"`
}

// Wager is a user's accumulated position on a single outcome.
type Wager struct {
	UserID  string  `json:"user_id"`
	Outcome string  `json:"outcome"`
	Amount  int64   `json:"amount"`
	Shares  float64 `json:"shares"`
}

// BetReceipt is returned to the caller of a successful bet.
type BetReceipt struct {
	MarketID      string             `json:"market_id"`
	UserID        string             `json:"user_id"`
	Outcome       string             `json:"outcome"`
	Amount        int64              `json:"amount"`
	Shares        float64            `json:"shares"`
	PricePerShare float64            `json:"price_per_share"`
	Position      Wager              `json:"position"`
	Pools         map[string]float64 `json:"liquidity_pool"`
	PlacedAt      time.Time          `json:"placed_at"`
}

// Voter carries the identity of a caller together with the resolution
// capability granted to it by the presentation layer.
type Voter struct {
	UserID     string
	CanResolve bool
}

// VoteReceipt describes the outcome of a vote.
type VoteReceipt struct {
	MarketID string `json:"market_id"`
	UserID   string `json:"user_id"`
	Outcome  string `json:"outcome"`
	Tally    int    `json:"tally"`
	Resolved bool   `json:"resolved"`
	Result   string `json:"result,omitempty"`
}
