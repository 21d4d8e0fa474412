package market

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

// DefaultEventBuffer is the capacity of the registry event channel.
const DefaultEventBuffer = 1024

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Liquidity     float64
	VoteThreshold int
	EventBuffer   int
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Filter selects markets for List. A nil Status matches every status.
type Filter struct {
	Status   *domain.MarketStatus
	Category string
}

func (f Filter) match(snap domain.Market) bool {
	if f.Status != nil && snap.Status != *f.Status {
		return false
	}
	if f.Category != "" && snap.CategoryOrDefault() != f.Category {
		return false
	}
	return true
}

// Registry owns every live market and publishes their events on a single
// buffered channel. It is the only writer of that channel.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market
	order   []string

	cfg    Config
	clock  clock.Clock
	events chan domain.MarketEvent
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		markets: make(map[string]*Market),
		clock:   cfg.Clock,
		events:  make(chan domain.MarketEvent, cfg.EventBuffer),
		logger:  cfg.Logger.With(slog.String("component", "market_registry")),
	}
	r.cfg = Config{
		Liquidity:     cfg.Liquidity,
		VoteThreshold: cfg.VoteThreshold,
		Clock:         cfg.Clock,
		Emitter:       r,
	}
	return r
}

// Clock returns the clock shared by every market of the registry.
func (r *Registry) Clock() clock.Clock { return r.clock }

// Create validates p, assigns a fresh id and registers the market.
func (r *Registry) Create(p Params) (*Market, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[p.ID]; exists {
		return nil, fmt.Errorf("market: create %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	m, err := New(p, r.cfg)
	if err != nil {
		return nil, err
	}
	r.markets[m.ID()] = m
	r.order = append(r.order, m.ID())
	return m, nil
}

// Get returns the market with the given id.
func (r *Registry) Get(id string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.markets[id]
	if !ok {
		return nil, fmt.Errorf("market: get %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

// List returns the markets matching f in creation order.
func (r *Registry) List(f Filter) []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Market
	for _, id := range r.order {
		m := r.markets[id]
		if f.match(m.Snapshot()) {
			out = append(out, m)
		}
	}
	return out
}

// Snapshots returns the snapshots of the markets matching f.
func (r *Registry) Snapshots(f Filter) []domain.Market {
	ms := r.List(f)
	out := make([]domain.Market, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Snapshot())
	}
	return out
}

// ByCategory groups the ids of the markets matching f by category, sorted by
// category name.
func (r *Registry) ByCategory(f Filter) []domain.CategoryGroup {
	groups := make(map[string][]string)
	for _, snap := range r.Snapshots(f) {
		c := snap.CategoryOrDefault()
		groups[c] = append(groups[c], snap.ID)
	}
	names := make([]string, 0, len(groups))
	for c := range groups {
		names = append(names, c)
	}
	sort.Strings(names)

	out := make([]domain.CategoryGroup, 0, len(names))
	for _, c := range names {
		out = append(out, domain.CategoryGroup{Category: c, MarketIDs: groups[c]})
	}
	return out
}

// Remove drops a terminal market from memory. Live markets cannot be removed.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.markets[id]
	if !ok {
		return fmt.Errorf("market: remove %s: %w", id, domain.ErrNotFound)
	}
	if !m.Status().Terminal() {
		return fmt.Errorf("market: remove %s: %w", id, domain.ErrMarketClosed)
	}
	delete(r.markets, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of markets held in memory.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}

// Events returns the channel every market event is delivered on.
func (r *Registry) Events() <-chan domain.MarketEvent { return r.events }

// Emit queues ev without blocking. When the buffer is full the event is
// dropped and logged; market state never waits on consumers.
func (r *Registry) Emit(ev domain.MarketEvent) {
	if ev.At.IsZero() {
		ev.At = r.clock.Now()
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("event buffer full, dropping event",
			slog.String("type", string(ev.Type)),
			slog.String("market_id", ev.MarketID),
		)
	}
}

// EndTimeFor returns now + d on the registry clock.
func (r *Registry) EndTimeFor(d time.Duration) time.Time {
	return r.clock.Now().Add(d)
}
