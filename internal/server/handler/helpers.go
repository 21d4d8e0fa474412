package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// writeJSON marshals v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError sends a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// errorMapping pairs a domain error with its HTTP status and stable code.
type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrAlreadyExists, http.StatusConflict, "already_exists"},
	{domain.ErrInvalidMarket, http.StatusBadRequest, "invalid_market"},
	{domain.ErrInvalidOptions, http.StatusBadRequest, "invalid_options"},
	{domain.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{domain.ErrInvalidDuration, http.StatusBadRequest, "invalid_duration"},
	{domain.ErrUnknownOutcome, http.StatusBadRequest, "unknown_outcome"},
	{domain.ErrMarketClosed, http.StatusConflict, "market_closed"},
	{domain.ErrInsufficientLiquidity, http.StatusConflict, "insufficient_liquidity"},
	{domain.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{domain.ErrAlreadyVoted, http.StatusConflict, "already_voted"},
	{domain.ErrVotingNotOpen, http.StatusConflict, "voting_not_open"},
	{domain.ErrNotSettled, http.StatusConflict, "not_settled"},
	{domain.ErrAlreadySettled, http.StatusConflict, "already_settled"},
	{domain.ErrLockHeld, http.StatusConflict, "settlement_in_progress"},
	{domain.ErrNotResolver, http.StatusForbidden, "not_resolver"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{domain.ErrLedgerFailure, http.StatusBadGateway, "ledger_failure"},
}

// statusFor returns the HTTP status and code for err.
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// writeServiceError maps a service error onto the response. Server-side
// failures are logged; client errors are only echoed back.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", msg))
		if status == http.StatusInternalServerError {
			msg = op + " failed"
		}
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseStatus reads the optional ?status= filter.
func parseStatus(r *http.Request) (*domain.MarketStatus, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("status"))
	if raw == "" {
		return nil, nil
	}
	st, err := domain.ParseMarketStatus(strings.ToLower(raw))
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// parseListOpts extracts pagination parameters. Defaults: limit=50 (max
// 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, 500)
	}
	offset := 0
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		offset = n
	}
	return domain.ListOpts{Limit: limit, Offset: offset}
}

// userRequest is the body shared by bet, vote and resolve calls.
type userRequest struct {
	UserID  string `json:"user_id"`
	Outcome string `json:"outcome"`
	Amount  int64  `json:"amount,omitempty"`
}

func (u userRequest) validate(needAmount bool) error {
	if strings.TrimSpace(u.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(u.Outcome) == "" {
		return errors.New("outcome is required")
	}
	if needAmount && u.Amount == 0 {
		return errors.New("amount is required")
	}
	return nil
}
