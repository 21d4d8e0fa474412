package domain

import "time"

// PayoutKind distinguishes a winning payout from a refund.
type PayoutKind string

const (
	PayoutKindWin    PayoutKind = "win"
	PayoutKindLoss   PayoutKind = "loss"
	PayoutKindRefund PayoutKind = "refund"
)

// Payout is the settlement line for one user on one outcome. Losing lines
// carry a zero Amount and exist so losers can be notified and audited.
type Payout struct {
	MarketID  string     `json:"market_id"`
	UserID    string     `json:"user_id"`
	Outcome   string     `json:"outcome"`
	Kind      PayoutKind `json:"kind"`
	Wagered   int64      `json:"wagered"`
	Amount    int64      `json:"amount"`
	Credited  bool       `json:"credited"`
	Notified  bool       `json:"notified"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error,omitempty"`
	SettledAt time.Time  `json:"settled_at"`
}

// Pending reports whether the line still owes the user points.
func (p Payout) Pending() bool {
	return p.Amount > 0 && !p.Credited
}

// Settlement is the full record of a resolution or refund.
type Settlement struct {
	MarketID     string       `json:"market_id"`
	Status       MarketStatus `json:"status"`
	Result       string       `json:"result,omitempty"`
	TotalPool    int64        `json:"total_pool"`
	TotalWinning int64        `json:"total_winning"`
	Payouts      []Payout     `json:"payouts"`
	SettledAt    time.Time    `json:"settled_at"`
}

// Failed returns the lines whose ledger credit has not succeeded.
func (s Settlement) Failed() []Payout {
	var out []Payout
	for _, p := range s.Payouts {
		if p.Pending() {
			out = append(out, p)
		}
	}
	return out
}

// Paid returns the sum of credited amounts.
func (s Settlement) Paid() int64 {
	var total int64
	for _, p := range s.Payouts {
		if p.Credited {
			total += p.Amount
		}
	}
	return total
}
