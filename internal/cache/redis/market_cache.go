package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

// DefaultMarketTTL is how long a cached snapshot lives without refresh.
const DefaultMarketTTL = 10 * time.Minute

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)

// MarketCache stores market snapshots as JSON in Redis hashes.
//
// Key schema:
//
//	{prefix}:market:{id}          hash, field "data" holds the snapshot JSON
//	{prefix}:markets:status:{st}  set of market ids per status
type MarketCache struct {
	c   *Client
	ttl time.Duration
}

// NewMarketCache creates a MarketCache. A non-positive ttl uses
// DefaultMarketTTL.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = DefaultMarketTTL
	}
	return &MarketCache{c: c, ttl: ttl}
}

func (mc *MarketCache) marketKey(id string) string { return mc.c.Key("market", id) }

func (mc *MarketCache) statusKey(st domain.MarketStatus) string {
	return mc.c.Key("markets", "status", string(st))
}

var allStatuses = []domain.MarketStatus{
	domain.MarketStatusOpen,
	domain.MarketStatusAwaitingResolution,
	domain.MarketStatusResolved,
	domain.MarketStatusRefunded,
}

// Set stores the snapshot and moves its id into the matching status set.
func (mc *MarketCache) Set(ctx context.Context, m domain.Market) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", m.ID, err)
	}

	key := mc.marketKey(m.ID)
	pipe := mc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data, "status", string(m.Status))
	pipe.Expire(ctx, key, mc.ttl)
	for _, st := range allStatuses {
		if st == m.Status {
			pipe.SAdd(ctx, mc.statusKey(st), m.ID)
		} else {
			pipe.SRem(ctx, mc.statusKey(st), m.ID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", m.ID, err)
	}
	return nil
}

// Get returns the cached snapshot or domain.ErrNotFound.
func (mc *MarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	data, err := mc.c.rdb.HGet(ctx, mc.marketKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, domain.ErrNotFound)
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}

	var m domain.Market
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return m, nil
}

// IDsByStatus returns the ids last cached with the given status.
func (mc *MarketCache) IDsByStatus(ctx context.Context, st domain.MarketStatus) ([]string, error) {
	ids, err := mc.c.rdb.SMembers(ctx, mc.statusKey(st)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list %s markets: %w", st, err)
	}
	return ids, nil
}

// Invalidate removes the snapshot and its status index entries.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	pipe := mc.c.rdb.TxPipeline()
	pipe.Del(ctx, mc.marketKey(id))
	for _, st := range allStatuses {
		pipe.SRem(ctx, mc.statusKey(st), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}
