package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore keeps the history of market snapshots.
type MarketStore interface {
	Upsert(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, status *MarketStatus, opts ListOpts) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// BetStore keeps every accepted bet.
type BetStore interface {
	Insert(ctx context.Context, bet Bet) error
	ListByMarket(ctx context.Context, marketID string) ([]Bet, error)
}

// SettlementStore keeps settlement lines and their credit state.
type SettlementStore interface {
	SavePayouts(ctx context.Context, payouts []Payout) error
	ListByMarket(ctx context.Context, marketID string) ([]Payout, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
