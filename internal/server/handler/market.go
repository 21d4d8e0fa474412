package handler

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

// MarketService defines the methods that the market handlers require from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	CreateMarket(ctx context.Context, req domain.CreateMarketRequest) (domain.Market, error)
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListMarkets(ctx context.Context, status *domain.MarketStatus) []domain.Market
	ListByCategory(ctx context.Context, status *domain.MarketStatus) []domain.CategoryGroup
	History(ctx context.Context, status *domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, int64, error)
	CurrentQuote(ctx context.Context, id string, probe int64) (domain.Quote, error)
	BetHistory(ctx context.Context, id string) ([]domain.Bet, error)
	PlaceBet(ctx context.Context, id, userID, outcome string, amount int64) (domain.BetReceipt, error)
	Vote(ctx context.Context, id string, voter domain.Voter, outcome string) (domain.VoteReceipt, error)
	Resolve(ctx context.Context, id string, voter domain.Voter, outcome string) (domain.Settlement, error)
	Refund(ctx context.Context, id string) (domain.Settlement, error)
	Settlement(ctx context.Context, id string) (domain.Settlement, error)
	RetryPayouts(ctx context.Context, id string) (domain.Settlement, error)
	ShareValuePayout(ctx context.Context, id, userID string) (int64, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets   MarketService
	resolvers map[string]struct{}
	logger    *slog.Logger
}

// NewMarketHandler creates a MarketHandler. resolverIDs lists the users
// allowed to resolve markets directly.
func NewMarketHandler(markets MarketService, resolverIDs []string, logger *slog.Logger) *MarketHandler {
	resolvers := make(map[string]struct{}, len(resolverIDs))
	for _, id := range resolverIDs {
		if id = strings.TrimSpace(id); id != "" {
			resolvers[id] = struct{}{}
		}
	}
	return &MarketHandler{
		markets:   markets,
		resolvers: resolvers,
		logger:    logger,
	}
}

func (h *MarketHandler) voter(userID string) domain.Voter {
	_, ok := h.resolvers[userID]
	return domain.Voter{UserID: userID, CanResolve: ok}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Total   int64           `json:"total"`
	Limit   int             `json:"limit,omitempty"`
	Offset  int             `json:"offset,omitempty"`
}

// ListMarkets returns live markets, or persisted history when
// source=history is given.
// GET /api/markets?status=open&source=history&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatus(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.URL.Query().Get("source") == "history" {
		opts := parseListOpts(r)
		markets, total, err := h.markets.History(r.Context(), status, opts)
		if err != nil {
			writeServiceError(w, r, h.logger, "list market history", err)
			return
		}
		writeJSON(w, http.StatusOK, listMarketsResponse{
			Markets: nonNil(markets),
			Total:   total,
			Limit:   opts.Limit,
			Offset:  opts.Offset,
		})
		return
	}

	markets := h.markets.ListMarkets(r.Context(), status)
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: nonNil(markets),
		Total:   int64(len(markets)),
	})
}

// ListCategories groups market ids by category.
// GET /api/categories?status=open
func (h *MarketHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatus(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"categories": nonNil(h.markets.ListByCategory(r.Context(), status)),
	})
}

// CreateMarket opens a new market.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateMarketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := h.markets.CreateMarket(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.GetMarket(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// outcomeQuoteDTO mirrors domain.OutcomeQuote with a JSON-safe price: a
// depleted pool has an infinite price, which is sent as null.
type outcomeQuoteDTO struct {
	Outcome         string   `json:"outcome"`
	PricePerShare   *float64 `json:"price_per_share"`
	Depleted        bool     `json:"depleted,omitempty"`
	PotentialShares float64  `json:"potential_shares"`
	Probability     float64  `json:"probability"`
	PotentialPayout int64    `json:"potential_payout"`
	TotalBets       int64    `json:"total_bets"`
}

type quoteDTO struct {
	MarketID    string            `json:"market_id"`
	ProbePoints int64             `json:"probe_points"`
	Outcomes    []outcomeQuoteDTO `json:"outcomes"`
}

func toQuoteDTO(q domain.Quote) quoteDTO {
	out := quoteDTO{
		MarketID:    q.MarketID,
		ProbePoints: q.ProbePoints,
		Outcomes:    make([]outcomeQuoteDTO, 0, len(q.Outcomes)),
	}
	for _, oq := range q.Outcomes {
		dto := outcomeQuoteDTO{
			Outcome:         oq.Outcome,
			PotentialShares: oq.PotentialShares,
			Probability:     oq.Probability,
			PotentialPayout: oq.PotentialPayout,
			TotalBets:       oq.TotalBets,
		}
		if math.IsInf(oq.PricePerShare, 0) || math.IsNaN(oq.PricePerShare) {
			dto.Depleted = true
		} else {
			price := oq.PricePerShare
			dto.PricePerShare = &price
		}
		out.Outcomes = append(out.Outcomes, dto)
	}
	return out
}

// GetQuote prices every outcome for a probe amount.
// GET /api/markets/{id}/quote?probe=100
func (h *MarketHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	var probe int64
	if raw := r.URL.Query().Get("probe"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "probe must be a positive integer")
			return
		}
		probe = n
	}

	q, err := h.markets.CurrentQuote(r.Context(), r.PathValue("id"), probe)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote market", err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(q))
}

// ListBets returns every bet on a market in placement order.
// GET /api/markets/{id}/bets
func (h *MarketHandler) ListBets(w http.ResponseWriter, r *http.Request) {
	bets, err := h.markets.BetHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "list bets", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bets": nonNil(bets)})
}

// PlaceBet debits the user and buys shares of an outcome.
// POST /api/markets/{id}/bets
func (h *MarketHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipt, err := h.markets.PlaceBet(r.Context(), r.PathValue("id"), req.UserID, req.Outcome, req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "place bet", err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// Vote records a resolution vote.
// POST /api/markets/{id}/votes
func (h *MarketHandler) Vote(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipt, err := h.markets.Vote(r.Context(), r.PathValue("id"), h.voter(req.UserID), req.Outcome)
	if err != nil {
		writeServiceError(w, r, h.logger, "vote", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// Resolve settles a market on the caller's outcome. Only configured
// resolvers may call it.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.markets.Resolve(r.Context(), r.PathValue("id"), h.voter(req.UserID), req.Outcome)
	if err != nil {
		writeServiceError(w, r, h.logger, "resolve market", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Refund returns every wager on a market.
// POST /api/markets/{id}/refund
func (h *MarketHandler) Refund(w http.ResponseWriter, r *http.Request) {
	s, err := h.markets.Refund(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "refund market", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// GetSettlement returns the settlement record of a market.
// GET /api/markets/{id}/settlement
func (h *MarketHandler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	s, err := h.markets.Settlement(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// RetryPayouts re-attempts failed ledger credits.
// POST /api/markets/{id}/settlement/retry
func (h *MarketHandler) RetryPayouts(w http.ResponseWriter, r *http.Request) {
	s, err := h.markets.RetryPayouts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "retry payouts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settlement": s,
		"pending":    len(s.Failed()),
	})
}

// GetSharePayout reports the legacy share-value payout of a user.
// GET /api/markets/{id}/payouts/{user}
func (h *MarketHandler) GetSharePayout(w http.ResponseWriter, r *http.Request) {
	id, user := r.PathValue("id"), r.PathValue("user")
	amount, err := h.markets.ShareValuePayout(r.Context(), id, user)
	if err != nil {
		writeServiceError(w, r, h.logger, "share payout", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":  id,
		"user_id":    user,
		"payout":     amount,
		"deprecated": true,
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
