package domain

import (
	"fmt"
	"time"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen               MarketStatus = "open"
	MarketStatusAwaitingResolution MarketStatus = "awaiting_resolution"
	MarketStatusResolved           MarketStatus = "resolved"
	MarketStatusRefunded           MarketStatus = "refunded"
)

// Terminal reports whether no further bets or votes can be accepted.
func (s MarketStatus) Terminal() bool {
	return s == MarketStatusResolved || s == MarketStatusRefunded
}

// ParseMarketStatus converts a filter string into a MarketStatus.
func ParseMarketStatus(s string) (MarketStatus, error) {
	switch st := MarketStatus(s); st {
	case MarketStatusOpen, MarketStatusAwaitingResolution, MarketStatusResolved, MarketStatusRefunded:
		return st, nil
	default:
		return "", fmt.Errorf("unknown market status %q", s)
	}
}

// UncategorizedLabel groups markets created without a category.
const UncategorizedLabel = "Uncategorized"

// Market is a point-in-time snapshot of a prediction market. It is the shape
// that is cached, persisted and served to the presentation layer; the live
// aggregate lives in internal/market.
type Market struct {
	ID         string             `json:"id"`
	Question   string             `json:"question"`
	Options    []string           `json:"options"`
	EndTime    time.Time          `json:"end_time"`
	CreatorID  string             `json:"creator_id"`
	Category   string             `json:"category,omitempty"`
	Status     MarketStatus       `json:"status"`
	Result     string             `json:"result,omitempty"`
	Pools      map[string]float64 `json:"liquidity_pool"`
	K          float64            `json:"k_constant"`
	TotalBets  int64              `json:"total_bets"`
	Volume     map[string]int64   `json:"volume"`
	Votes      map[string]int     `json:"votes"`
	Bettors    int                `json:"bettors"`
	CreatedAt  time.Time          `json:"created_at"`
	SettledAt  *time.Time         `json:"settled_at,omitempty"`
	ArchivedAt *time.Time         `json:"archived_at,omitempty"`
}

// CategoryOrDefault returns the market's category, falling back to
// UncategorizedLabel.
func (m Market) CategoryOrDefault() string {
	if m.Category == "" {
		return UncategorizedLabel
	}
	return m.Category
}

// CategoryGroup lists the ids of the markets in one category.
type CategoryGroup struct {
	Category  string   `json:"category"`
	MarketIDs []string `json:"market_ids"`
}

// CreateMarketRequest describes a new market. Exactly one of EndTime and
// Duration ("days,hours,minutes") must be given.
type CreateMarketRequest struct {
	Question  string     `json:"question"`
	Options   []string   `json:"options"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Duration  string     `json:"duration,omitempty"`
	CreatorID string     `json:"creator_id"`
	Category  string     `json:"category,omitempty"`
}
