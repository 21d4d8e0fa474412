package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

// Alerter forwards market events to operators.
type Alerter interface {
	Notify(ctx context.Context, ev domain.MarketEvent) error
}

// EventRelayConfig wires an EventRelay. Every collaborator is optional.
type EventRelayConfig struct {
	Bus     domain.SignalBus
	Cache   domain.MarketCache
	Store   domain.MarketStore
	Bets    domain.BetStore
	Audit   domain.AuditStore
	Alerter Alerter
	Logger  *slog.Logger
}

// EventRelay drains the registry event channel into the signal bus, the
// snapshot cache, the history store, the audit log and operator alerts.
// Every sink is best-effort.
type EventRelay struct {
	bus     domain.SignalBus
	cache   domain.MarketCache
	store   domain.MarketStore
	bets    domain.BetStore
	audit   domain.AuditStore
	alerter Alerter
	logger  *slog.Logger
}

// NewEventRelay creates an EventRelay.
func NewEventRelay(cfg EventRelayConfig) *EventRelay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &EventRelay{
		bus:     cfg.Bus,
		cache:   cfg.Cache,
		store:   cfg.Store,
		bets:    cfg.Bets,
		audit:   cfg.Audit,
		alerter: cfg.Alerter,
		logger:  cfg.Logger.With(slog.String("component", "event_relay")),
	}
}

// Run consumes events until ctx is done or the channel is closed. Events
// still buffered at shutdown are flushed first.
func (r *EventRelay) Run(ctx context.Context, events <-chan domain.MarketEvent) error {
	r.logger.Info("event relay started")
	for {
		select {
		case <-ctx.Done():
			r.drain(events)
			r.logger.Info("event relay stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.Handle(ctx, ev)
		}
	}
}

func (r *EventRelay) drain(events <-chan domain.MarketEvent) {
	ctx := context.Background()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Handle(ctx, ev)
		default:
			return
		}
	}
}

// Handle fans one event out to every configured sink.
func (r *EventRelay) Handle(ctx context.Context, ev domain.MarketEvent) {
	log := r.logger.With(
		slog.String("event", string(ev.Type)),
		slog.String("market_id", ev.MarketID),
	)

	if r.bus != nil {
		r.publish(ctx, log, ev)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, ev.Market); err != nil {
			log.Warn("cache set failed", slog.String("error", err.Error()))
		}
	}

	if r.store != nil {
		if err := r.store.Upsert(ctx, ev.Market); err != nil {
			log.Warn("store upsert failed", slog.String("error", err.Error()))
		}
	}
	if r.bets != nil && ev.Bet != nil {
		if err := r.bets.Insert(ctx, *ev.Bet); err != nil {
			log.Warn("store bet failed", slog.String("error", err.Error()))
		}
	}

	if r.audit != nil {
		if err := r.audit.Log(ctx, "market."+string(ev.Type), auditDetail(ev)); err != nil {
			log.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}

	if r.alerter != nil {
		if err := r.alerter.Notify(ctx, ev); err != nil {
			log.Warn("operator alert failed", slog.String("error", err.Error()))
		}
	}
}

func (r *EventRelay) publish(ctx context.Context, log *slog.Logger, ev domain.MarketEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Warn("marshal event failed", slog.String("error", err.Error()))
		return
	}
	for _, ch := range []string{domain.ChannelMarkets, domain.MarketChannel(ev.MarketID)} {
		if err := r.bus.Publish(ctx, ch, payload); err != nil {
			log.Warn("publish failed", slog.String("channel", ch), slog.String("error", err.Error()))
		}
	}
	if err := r.bus.StreamAppend(ctx, domain.StreamMarketEvents, payload); err != nil {
		log.Warn("stream append failed", slog.String("error", err.Error()))
	}
}

func auditDetail(ev domain.MarketEvent) map[string]any {
	detail := map[string]any{
		"market_id": ev.MarketID,
		"status":    string(ev.Market.Status),
		"at":        ev.At,
	}
	if ev.UserID != "" {
		detail["user_id"] = ev.UserID
	}
	if ev.Outcome != "" {
		detail["outcome"] = ev.Outcome
	}
	if ev.Amount != 0 {
		detail["amount"] = ev.Amount
	}
	if s := ev.Settlement; s != nil {
		detail["total_pool"] = s.TotalPool
		detail["paid"] = s.Paid()
		detail["failed"] = len(s.Failed())
	}
	return detail
}
