package domain

import (
	"context"
	"time"
)

// MarketCache holds the latest snapshot of each market for read endpoints.
// Get returns ErrNotFound on a miss.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id string) (Market, error)
	Invalidate(ctx context.Context, id string) error
}

// RateLimiter throttles bet placement, API clients and ledger calls.
// Allow never blocks; Wait blocks until a slot frees up or ctx is done.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager guards settlement so that only one process pays out a market.
// Acquire fails with ErrLockHeld when another holder owns the key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is one entry of the market event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus fans market events out to live subscribers and keeps a capped
// stream for replay.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
