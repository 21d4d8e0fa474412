package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

type stubMarkets struct {
	markets   map[string]domain.Market
	lastVoter domain.Voter
	lastBet   userRequest
	lastProbe int64
	betErr    error
	history   []domain.Market
}

func (s *stubMarkets) CreateMarket(_ context.Context, req domain.CreateMarketRequest) (domain.Market, error) {
	if req.Question == "" {
		return domain.Market{}, fmt.Errorf("%w: question is required", domain.ErrInvalidMarket)
	}
	m := domain.Market{ID: "m-new", Question: req.Question, Options: req.Options, Status: domain.MarketStatusOpen}
	s.markets[m.ID] = m
	return m, nil
}

func (s *stubMarkets) GetMarket(_ context.Context, id string) (domain.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("market %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

func (s *stubMarkets) ListMarkets(_ context.Context, status *domain.MarketStatus) []domain.Market {
	var out []domain.Market
	for _, m := range s.markets {
		if status == nil || m.Status == *status {
			out = append(out, m)
		}
	}
	return out
}

func (s *stubMarkets) ListByCategory(context.Context, *domain.MarketStatus) []domain.CategoryGroup {
	return []domain.CategoryGroup{{Category: domain.UncategorizedLabel, MarketIDs: []string{"m-1"}}}
}

func (s *stubMarkets) History(_ context.Context, _ *domain.MarketStatus, _ domain.ListOpts) ([]domain.Market, int64, error) {
	return s.history, 42, nil
}

func (s *stubMarkets) CurrentQuote(_ context.Context, id string, probe int64) (domain.Quote, error) {
	if _, err := s.GetMarket(context.Background(), id); err != nil {
		return domain.Quote{}, err
	}
	s.lastProbe = probe
	return domain.Quote{
		MarketID:    id,
		ProbePoints: 100,
		Outcomes: []domain.OutcomeQuote{
			{Outcome: "Yes", PricePerShare: 1.0033, Probability: 0.5},
			{Outcome: "No", PricePerShare: math.Inf(1), Probability: 0.5},
		},
	}, nil
}

func (s *stubMarkets) BetHistory(context.Context, string) ([]domain.Bet, error) { return nil, nil }

func (s *stubMarkets) PlaceBet(_ context.Context, id, userID, outcome string, amount int64) (domain.BetReceipt, error) {
	s.lastBet = userRequest{UserID: userID, Outcome: outcome, Amount: amount}
	if s.betErr != nil {
		return domain.BetReceipt{}, s.betErr
	}
	return domain.BetReceipt{MarketID: id, UserID: userID, Outcome: outcome, Amount: amount, Shares: 96.77}, nil
}

func (s *stubMarkets) Vote(_ context.Context, id string, v domain.Voter, outcome string) (domain.VoteReceipt, error) {
	s.lastVoter = v
	return domain.VoteReceipt{MarketID: id, UserID: v.UserID, Outcome: outcome, Tally: 1}, nil
}

func (s *stubMarkets) Resolve(_ context.Context, id string, v domain.Voter, outcome string) (domain.Settlement, error) {
	s.lastVoter = v
	if !v.CanResolve {
		return domain.Settlement{}, domain.ErrNotResolver
	}
	return domain.Settlement{MarketID: id, Status: domain.MarketStatusResolved, Result: outcome}, nil
}

func (s *stubMarkets) Refund(_ context.Context, id string) (domain.Settlement, error) {
	return domain.Settlement{MarketID: id, Status: domain.MarketStatusRefunded}, nil
}

func (s *stubMarkets) Settlement(context.Context, string) (domain.Settlement, error) {
	return domain.Settlement{}, errors.New("connection reset")
}

func (s *stubMarkets) RetryPayouts(_ context.Context, id string) (domain.Settlement, error) {
	return domain.Settlement{
		MarketID: id,
		Payouts:  []domain.Payout{{UserID: "alice", Amount: 10}, {UserID: "bob", Amount: 5, Credited: true}},
	}, nil
}

func (s *stubMarkets) ShareValuePayout(context.Context, string, string) (int64, error) { return 99, nil }

func newTestMux(t *testing.T) (*http.ServeMux, *stubMarkets) {
	t.Helper()
	stub := &stubMarkets{markets: map[string]domain.Market{
		"m-1": {ID: "m-1", Question: "Rain?", Options: []string{"Yes", "No"}, Status: domain.MarketStatusOpen},
		"m-2": {ID: "m-2", Question: "Snow?", Options: []string{"Yes", "No"}, Status: domain.MarketStatusResolved},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewMarketHandler(stub, []string{"admin", " "}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/markets", h.ListMarkets)
	mux.HandleFunc("POST /api/markets", h.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", h.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/quote", h.GetQuote)
	mux.HandleFunc("GET /api/markets/{id}/bets", h.ListBets)
	mux.HandleFunc("POST /api/markets/{id}/bets", h.PlaceBet)
	mux.HandleFunc("POST /api/markets/{id}/votes", h.Vote)
	mux.HandleFunc("POST /api/markets/{id}/resolve", h.Resolve)
	mux.HandleFunc("POST /api/markets/{id}/refund", h.Refund)
	mux.HandleFunc("GET /api/markets/{id}/settlement", h.GetSettlement)
	mux.HandleFunc("POST /api/markets/{id}/settlement/retry", h.RetryPayouts)
	mux.HandleFunc("GET /api/markets/{id}/payouts/{user}", h.GetSharePayout)
	mux.HandleFunc("GET /api/categories", h.ListCategories)
	return mux, stub
}

func do(t *testing.T, mux http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestMarketHandler_ListAndFilter(t *testing.T) {
	mux, stub := newTestMux(t)

	rec, body := do(t, mux, http.MethodGet, "/api/markets", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["total"])

	rec, body = do(t, mux, http.MethodGet, "/api/markets?status=RESOLVED", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])

	rec, _ = do(t, mux, http.MethodGet, "/api/markets?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	stub.history = nil
	rec, body = do(t, mux, http.MethodGet, "/api/markets?source=history&limit=9999", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(42), body["total"])
	assert.Equal(t, float64(500), body["limit"])
	assert.Equal(t, []any{}, body["markets"])
}

func TestMarketHandler_CreateAndGet(t *testing.T) {
	mux, _ := newTestMux(t)

	rec, body := do(t, mux, http.MethodPost, "/api/markets",
		`{"question":"Will it rain?","options":["Yes","No"],"duration":"0,1,0","creator_id":"u1"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "m-new", body["id"])

	rec, body = do(t, mux, http.MethodPost, "/api/markets", `{"options":["Yes","No"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_market", body["code"])

	rec, _ = do(t, mux, http.MethodPost, "/api/markets", `{"question":"q","colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	rec, body = do(t, mux, http.MethodGet, "/api/markets/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["code"])
}

func TestMarketHandler_QuoteMarksDepletedOutcomes(t *testing.T) {
	mux, stub := newTestMux(t)

	rec, body := do(t, mux, http.MethodGet, "/api/markets/m-1/quote?probe=250", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(250), stub.lastProbe)

	outcomes := body["outcomes"].([]any)
	require.Len(t, outcomes, 2)
	yes := outcomes[0].(map[string]any)
	no := outcomes[1].(map[string]any)
	assert.InDelta(t, 1.0033, yes["price_per_share"], 1e-9)
	assert.Nil(t, no["price_per_share"])
	assert.Equal(t, true, no["depleted"])

	rec, _ = do(t, mux, http.MethodGet, "/api/markets/m-1/quote?probe=-3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarketHandler_PlaceBet(t *testing.T) {
	mux, stub := newTestMux(t)

	rec, body := do(t, mux, http.MethodPost, "/api/markets/m-1/bets", `{"user_id":"alice","outcome":"Yes","amount":100}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "alice", body["user_id"])
	assert.Equal(t, int64(100), stub.lastBet.Amount)

	rec, _ = do(t, mux, http.MethodPost, "/api/markets/m-1/bets", `{"user_id":"alice","outcome":"Yes"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
		{domain.ErrMarketClosed, http.StatusConflict, "market_closed"},
		{domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{fmt.Errorf("%w: %w", domain.ErrLedgerFailure, errors.New("timeout")), http.StatusBadGateway, "ledger_failure"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			stub.betErr = tc.err
			rec, body := do(t, mux, http.MethodPost, "/api/markets/m-1/bets", `{"user_id":"bob","outcome":"No","amount":5}`)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, body["code"])
		})
	}
}

func TestMarketHandler_ResolverCapability(t *testing.T) {
	mux, stub := newTestMux(t)

	rec, _ := do(t, mux, http.MethodPost, "/api/markets/m-1/votes", `{"user_id":"carol","outcome":"Yes"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, stub.lastVoter.CanResolve)

	rec, body := do(t, mux, http.MethodPost, "/api/markets/m-1/resolve", `{"user_id":"carol","outcome":"Yes"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_resolver", body["code"])

	rec, body = do(t, mux, http.MethodPost, "/api/markets/m-1/resolve", `{"user_id":"admin","outcome":"Yes"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Yes", body["result"])
	assert.True(t, stub.lastVoter.CanResolve)
}

func TestMarketHandler_Settlement(t *testing.T) {
	mux, _ := newTestMux(t)

	rec, body := do(t, mux, http.MethodGet, "/api/markets/m-1/settlement", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "get settlement failed", body["error"], "internal errors are not echoed")

	rec, body = do(t, mux, http.MethodPost, "/api/markets/m-1/settlement/retry", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["pending"])

	rec, body = do(t, mux, http.MethodPost, "/api/markets/m-1/refund", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "refunded", body["status"])

	rec, body = do(t, mux, http.MethodGet, "/api/markets/m-1/payouts/alice", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(99), body["payout"])
	assert.Equal(t, true, body["deprecated"])
}

func TestMarketHandler_Categories(t *testing.T) {
	mux, _ := newTestMux(t)
	rec, body := do(t, mux, http.MethodGet, "/api/categories", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	cats := body["categories"].([]any)
	require.Len(t, cats, 1)
	assert.Equal(t, domain.UncategorizedLabel, cats[0].(map[string]any)["category"])
}

type fixedCounter map[domain.MarketStatus]int

func (f fixedCounter) Counts(context.Context) map[domain.MarketStatus]int { return f }

func TestHealthAndStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	health := NewHealthHandler(map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("dial tcp: refused") },
	}, logger)

	rec := httptest.NewRecorder()
	health.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)

	status := NewStatusHandler("full", time.Now().Add(-time.Minute), fixedCounter{
		domain.MarketStatusOpen:     3,
		domain.MarketStatusResolved: 1,
	})
	rec = httptest.NewRecorder()
	status.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "full", body["mode"])
	assert.Equal(t, float64(4), body["live_markets"])
	assert.GreaterOrEqual(t, body["uptime_seconds"], float64(59))
}
