package redis

import (
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

func TestClientKey(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{Addr: "localhost:0"})
	defer rdb.Close()

	tests := []struct {
		prefix string
		parts  []string
		want   string
	}{
		{"pm", []string{"market", "abc"}, "pm:market:abc"},
		{"pm:", []string{"lock", "settle:abc"}, "pm:lock:settle:abc"},
		{"", []string{domain.MarketChannel("abc")}, "market:abc"},
	}
	for _, tt := range tests {
		c := Wrap(rdb, tt.prefix)
		assert.Equal(t, tt.want, c.Key(tt.parts...))
	}
}

func TestMarketCacheKeys(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{Addr: "localhost:0"})
	defer rdb.Close()

	mc := NewMarketCache(Wrap(rdb, "pm"), 0)
	assert.Equal(t, DefaultMarketTTL, mc.ttl)
	assert.Equal(t, "pm:market:m1", mc.marketKey("m1"))
	assert.Equal(t, "pm:markets:status:awaiting_resolution", mc.statusKey(domain.MarketStatusAwaitingResolution))
}
