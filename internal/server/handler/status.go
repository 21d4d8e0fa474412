package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

// MarketCounter reports live markets per status.
type MarketCounter interface {
	Counts(ctx context.Context) map[domain.MarketStatus]int
}

// StatusHandler serves the runtime status of the engine.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	markets   MarketCounter
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, startedAt time.Time, markets MarketCounter) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, markets: markets}
}

// GetStatus responds with mode, uptime and market counts.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	counts := h.markets.Counts(r.Context())
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"started_at":     h.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"live_markets":   total,
		"by_status":      counts,
	})
}
