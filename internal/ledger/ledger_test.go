package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

// fakeAPI mimics the token-balance endpoint.
type fakeAPI struct {
	mu       sync.Mutex
	balances map[string]int64
	failUser string
	auth     []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	// /api/v4/realms/{realm}/members/{user}/tokenBalance
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 7 || parts[2] != "realms" || parts[6] != "tokenBalance" {
		http.NotFound(w, r)
		return
	}
	user := parts[5]
	if user == f.failUser {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}

	switch r.Method {
	case http.MethodGet:
		_ = json.NewEncoder(w).Encode(map[string]int64{"tokens": f.balances[user]})
	case http.MethodPatch:
		var body struct {
			Tokens int64 `json:"tokens"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.balances[user] += body.Tokens
		_ = json.NewEncoder(w).Encode(map[string]int64{"tokens": f.balances[user]})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestClient(t *testing.T, api *fakeAPI) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return NewHTTPClient(HTTPConfig{BaseURL: srv.URL, RealmID: "realm1", APIToken: "secret"})
}

func TestHTTPClient_BalanceAndPatch(t *testing.T) {
	api := &fakeAPI{balances: map[string]int64{"u1": 1000}}
	c := newTestClient(t, api)
	ctx := context.Background()

	b, err := c.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b)

	require.NoError(t, c.RemovePoints(ctx, "u1", 300))
	require.NoError(t, c.AddPoints(ctx, "u2", 50))
	assert.Equal(t, int64(700), api.balances["u1"])
	assert.Equal(t, int64(50), api.balances["u2"])

	require.ErrorIs(t, c.AddPoints(ctx, "u1", 0), domain.ErrInvalidAmount)
	for _, h := range api.auth {
		assert.Equal(t, "Bearer secret", h)
	}
}

func TestHTTPClient_Errors(t *testing.T) {
	api := &fakeAPI{balances: map[string]int64{}, failUser: "bad"}
	c := newTestClient(t, api)

	err := c.AddPoints(context.Background(), "bad", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")

	c.baseURL += "/nope"
	_, err = c.GetBalance(context.Background(), "u1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHTTPClient_OversizedResponses(t *testing.T) {
	serve := func(status int, body string) *HTTPClient {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		}))
		t.Cleanup(srv.Close)
		return NewHTTPClient(HTTPConfig{BaseURL: srv.URL, RealmID: "realm1"})
	}

	t.Run("success body over the cap", func(t *testing.T) {
		c := serve(http.StatusOK, strings.Repeat("x", maxResponseBytes+10))
		_, err := c.GetBalance(context.Background(), "u1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds")
	})

	t.Run("error body is truncated", func(t *testing.T) {
		c := serve(http.StatusBadGateway, strings.Repeat("y", 4096))
		err := c.AddPoints(context.Background(), "u1", 10)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 502")
		assert.Less(t, len(err.Error()), 2*maxErrorBodyBytes)
	})
}

func TestHTTPClient_TransferCompensates(t *testing.T) {
	api := &fakeAPI{balances: map[string]int64{"u1": 500}, failUser: "house"}
	c := newTestClient(t, api)

	err := c.TransferPoints(context.Background(), "u1", "house", 200)
	require.Error(t, err)
	assert.Equal(t, int64(500), api.balances["u1"], "debit is reverted when the credit fails")

	api.failUser = ""
	require.NoError(t, c.TransferPoints(context.Background(), "u1", "house", 200))
	assert.Equal(t, int64(300), api.balances["u1"])
	assert.Equal(t, int64(200), api.balances["house"])
}

func TestMemory(t *testing.T) {
	m := NewMemory(1000)
	ctx := context.Background()

	b, err := m.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b)

	require.NoError(t, m.RemovePoints(ctx, "u1", 400))
	require.ErrorIs(t, m.RemovePoints(ctx, "u1", 700), domain.ErrInsufficientBalance)
	require.NoError(t, m.TransferPoints(ctx, "u1", "house", 100))
	require.ErrorIs(t, m.TransferPoints(ctx, "u1", "house", 10000), domain.ErrInsufficientBalance)
	require.NoError(t, m.AddPoints(ctx, "u1", 5))

	assert.Equal(t, map[string]int64{"u1": 505, "house": 1100}, m.Balances())
}
