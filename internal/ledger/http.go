// Package ledger implements domain.LedgerClient against the external points
// service, plus an in-memory ledger for local runs.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

// Compile-time interface check.
var _ domain.LedgerClient = (*HTTPClient)(nil)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL is the API root, e.g. "https://points.example.com".
	BaseURL  string
	RealmID  string
	APIToken string
	Timeout  time.Duration
	// Limiter throttles outgoing calls when set. All calls share one key.
	Limiter domain.RateLimiter
	Logger  *slog.Logger
}

// HTTPClient talks to the realm token-balance API.
type HTTPClient struct {
	baseURL    string
	realmID    string
	token      string
	limiter    domain.RateLimiter
	httpClient *http.Client
	logger     *slog.Logger
}

const (
	// maxResponseBytes caps how much of a ledger response is read.
	maxResponseBytes = 1 << 20
	// maxErrorBodyBytes caps the body echoed into error messages.
	maxErrorBodyBytes = 1024
)

type balanceBody struct {
	Tokens int64 `json:"tokens"`
}

// NewHTTPClient creates a ledger client.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		realmID: cfg.RealmID,
		token:   cfg.APIToken,
		limiter: cfg.Limiter,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: cfg.Logger.With(slog.String("component", "ledger")),
	}
}

// GetBalance returns the user's current token balance.
func (c *HTTPClient) GetBalance(ctx context.Context, userID string) (int64, error) {
	body, err := c.do(ctx, http.MethodGet, userID, nil)
	if err != nil {
		return 0, fmt.Errorf("ledger: get balance %s: %w", userID, err)
	}
	var b balanceBody
	if err := json.Unmarshal(body, &b); err != nil {
		return 0, fmt.Errorf("ledger: decode balance: %w", err)
	}
	return b.Tokens, nil
}

// AddPoints credits amount to the user.
func (c *HTTPClient) AddPoints(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: add points: %w", domain.ErrInvalidAmount)
	}
	if _, err := c.do(ctx, http.MethodPatch, userID, &balanceBody{Tokens: amount}); err != nil {
		return fmt.Errorf("ledger: add %d points to %s: %w", amount, userID, err)
	}
	return nil
}

// RemovePoints debits amount from the user.
func (c *HTTPClient) RemovePoints(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: remove points: %w", domain.ErrInvalidAmount)
	}
	if _, err := c.do(ctx, http.MethodPatch, userID, &balanceBody{Tokens: -amount}); err != nil {
		return fmt.Errorf("ledger: remove %d points from %s: %w", amount, userID, err)
	}
	return nil
}

// TransferPoints moves amount from one user to another. The API has no
// atomic transfer, so the debit is compensated when the credit fails.
func (c *HTTPClient) TransferPoints(ctx context.Context, fromID, toID string, amount int64) error {
	if err := c.RemovePoints(ctx, fromID, amount); err != nil {
		return fmt.Errorf("ledger: transfer: %w", err)
	}
	if err := c.AddPoints(ctx, toID, amount); err != nil {
		if cerr := c.AddPoints(context.WithoutCancel(ctx), fromID, amount); cerr != nil {
			c.logger.Error("transfer compensation failed",
				slog.String("from", fromID),
				slog.String("to", toID),
				slog.Int64("amount", amount),
				slog.String("error", cerr.Error()),
			)
		}
		return fmt.Errorf("ledger: transfer: %w", err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, userID string, payload any) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "ledger:"+c.realmID); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	endpoint := fmt.Sprintf("%s/api/v4/realms/%s/members/%s/tokenBalance",
		c.baseURL, url.PathEscape(c.realmID), url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("read response: body exceeds %d bytes", maxResponseBytes)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
