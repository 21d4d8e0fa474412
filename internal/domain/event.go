package domain

import "time"

// EventType names a market state change.
type EventType string

const (
	EventMarketCreated  EventType = "market_created"
	EventBetPlaced      EventType = "bet_placed"
	EventVoteCast       EventType = "vote_cast"
	EventBettingClosed  EventType = "betting_closed"
	EventMarketResolved EventType = "market_resolved"
	EventMarketRefunded EventType = "market_refunded"
	EventPayoutsSettled EventType = "payouts_settled"
)

// MarketEvent is emitted on every state change of a market. Bet is set for
// bet_placed, Settlement for payouts_settled.
type MarketEvent struct {
	Type       EventType   `json:"type"`
	MarketID   string      `json:"market_id"`
	UserID     string      `json:"user_id,omitempty"`
	Outcome    string      `json:"outcome,omitempty"`
	Amount     int64       `json:"amount,omitempty"`
	Market     Market      `json:"market"`
	Bet        *Bet        `json:"bet,omitempty"`
	Settlement *Settlement `json:"settlement,omitempty"`
	At         time.Time   `json:"at"`
}

// Bus channels and streams used for market events.
const (
	ChannelMarkets      = "markets"
	StreamMarketEvents  = "market_events"
	channelMarketPrefix = "market:"
)

// MarketChannel returns the per-market pub/sub channel.
func MarketChannel(marketID string) string {
	return channelMarketPrefix + marketID
}
