// Package notify delivers market messages through one or more chat
// channels. Users receive direct messages (payouts, refunds, creator
// reminders); operators receive market event alerts filtered by event type.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

// Compile-time interface check.
var _ domain.Notifier = (*Notifier)(nil)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers an operator alert to the channel's configured chat.
	Send(ctx context.Context, title, message string) error
	// SendTo delivers a direct message to a user.
	SendTo(ctx context.Context, userID, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches to every registered Sender. Market event alerts are
// filtered by event type; direct messages are never filtered.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If events is empty, every event type is
// forwarded by Notify.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether at least one sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// NotifyUser sends a direct message to userID on every channel.
func (n *Notifier) NotifyUser(ctx context.Context, userID, message string) error {
	return n.dispatch(ctx, func(s Sender) error { return s.SendTo(ctx, userID, message) }, "dm")
}

// Notify forwards a market event alert when its type is allowed.
func (n *Notifier) Notify(ctx context.Context, ev domain.MarketEvent) error {
	if len(n.events) > 0 && !n.events[ev.Type] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", string(ev.Type)),
		)
		return nil
	}
	title, message := render(ev)
	return n.dispatch(ctx, func(s Sender) error { return s.Send(ctx, title, message) }, string(ev.Type))
}

// dispatch calls send on every sender. A single sender failure does not
// prevent delivery to the others; failures are combined into one error.
func (n *Notifier) dispatch(ctx context.Context, send func(Sender) error, kind string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := send(s); err != nil {
			n.logger.WarnContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("kind", kind),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("kind", kind),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// render builds the alert title and body for ev.
func render(ev domain.MarketEvent) (title, message string) {
	q := ev.Market.Question
	switch ev.Type {
	case domain.EventMarketCreated:
		return "Market created", fmt.Sprintf("%s\nOptions: %s\nEnds: %s",
			q, strings.Join(ev.Market.Options, ", "), ev.Market.EndTime.UTC().Format("2006-01-02 15:04 MST"))
	case domain.EventBetPlaced:
		return "Bet placed", fmt.Sprintf("%s bet %d on %s\n%s", ev.UserID, ev.Amount, ev.Outcome, q)
	case domain.EventVoteCast:
		return "Vote cast", fmt.Sprintf("%s voted %s\n%s", ev.UserID, ev.Outcome, q)
	case domain.EventBettingClosed:
		return "Betting closed", fmt.Sprintf("%s\nTotal volume: %d", q, ev.Market.TotalBets)
	case domain.EventMarketResolved:
		return "Market resolved", fmt.Sprintf("%s\nWinning option: %s", q, ev.Outcome)
	case domain.EventMarketRefunded:
		return "Market refunded", q
	case domain.EventPayoutsSettled:
		if ev.Settlement == nil {
			return "Payouts settled", q
		}
		return "Payouts settled", fmt.Sprintf("%s\nPaid %d of %d, %d failed",
			q, ev.Settlement.Paid(), ev.Settlement.TotalPool, len(ev.Settlement.Failed()))
	default:
		return string(ev.Type), q
	}
}
