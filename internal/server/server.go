package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
	"github.com/alanyoungcy/pointsmarket/internal/server/handler"
	"github.com/alanyoungcy/pointsmarket/internal/server/middleware"
	"github.com/alanyoungcy/pointsmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port              int
	CORSOrigins       []string
	APIKey            string // if empty, authentication is disabled
	RequestsPerMinute int    // per client IP; zero disables rate limiting
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Markets *handler.MarketHandler
	Audit   *handler.AuditHandler // nil without a history store
}

// Server is the HTTP + WebSocket API of the points market.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	m := handlers.Markets
	mux.HandleFunc("GET /api/markets", m.ListMarkets)
	mux.HandleFunc("POST /api/markets", m.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", m.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/quote", m.GetQuote)
	mux.HandleFunc("GET /api/markets/{id}/bets", m.ListBets)
	mux.HandleFunc("POST /api/markets/{id}/bets", m.PlaceBet)
	mux.HandleFunc("POST /api/markets/{id}/votes", m.Vote)
	mux.HandleFunc("POST /api/markets/{id}/resolve", m.Resolve)
	mux.HandleFunc("POST /api/markets/{id}/refund", m.Refund)
	mux.HandleFunc("GET /api/markets/{id}/settlement", m.GetSettlement)
	mux.HandleFunc("POST /api/markets/{id}/settlement/retry", m.RetryPayouts)
	mux.HandleFunc("GET /api/markets/{id}/payouts/{user}", m.GetSharePayout)
	mux.HandleFunc("GET /api/categories", m.ListCategories)

	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RequestsPerMinute, time.Minute, logger)(h)
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
