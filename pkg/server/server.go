package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxfill-hq/fluxfiller/pkg/executor"
	"github.com/fluxfill-hq/fluxfiller/pkg/logger"
	"github.com/fluxfill-hq/fluxfiller/pkg/matcher"
	"github.com/fluxfill-hq/fluxfiller/pkg/metrics"
	"github.com/fluxfill-hq/fluxfiller/pkg/orderbook"
	"github.com/fluxfill-hq/fluxfiller/pkg/settlement"
)

// Server is the relayer's HTTP surface: intent intake, order book and
// activity reads, health and prometheus metrics.
type Server struct {
	port          string
	book          *orderbook.Book
	pricer        *matcher.Pricer
	exec          *executor.Executor
	custody       settlement.Client
	relayerAddr   string
	trackedAssets []string
	metricsAPIKey string
	logger        logger.Logger
	httpServer    *http.Server
}

// NewServer creates the API server.
func NewServer(port string, book *orderbook.Book, pricer *matcher.Pricer, exec *executor.Executor,
	custody settlement.Client, relayerAddr string, trackedAssets []string, metricsAPIKey string,
	log logger.Logger,
) *Server {
	return &Server{
		port:          port,
		book:          book,
		pricer:        pricer,
		exec:          exec,
		custody:       custody,
		relayerAddr:   relayerAddr,
		trackedAssets: trackedAssets,
		metricsAPIKey: metricsAPIKey,
		logger:        log,
	}
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /intents", s.handleIntake)
	mux.HandleFunc("GET /orders", s.handleOrders)
	mux.HandleFunc("GET /activity", s.handleActivity)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metricsAuthMiddleware(promhttp.Handler()))

	s.httpServer = &http.Server{
		Addr:              ":" + s.port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.InfoWith(logger.API, "Starting API server on port %s", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.ErrorWith(logger.API, "API server error: %v", err)
	}
}

// metricsAuthMiddleware checks for a valid API key on the metrics endpoint.
func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.metricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] != s.metricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.ErrorWith(logger.API, "Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// handleOrders returns the queued orders.
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.book.List()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(orders),
		"orders": orders,
	})
}

// handleActivity returns the bounded execution history, most recent first.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": s.exec.History().Records(),
	})
}

// handleHealth reports the relayer identity and per-asset custody balances.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	balances := make(map[string]uint64)
	for _, asset := range s.trackedAssets {
		balance, err := s.custody.CustodyBalance(r.Context(), s.relayerAddr, asset)
		if err != nil {
			s.logger.ErrorWith(logger.API, "Failed to query custody balance for %s: %v", asset, err)
			continue
		}
		balances[asset] = balance
		metrics.CustodyBalance.WithLabelValues(asset).Set(float64(balance))
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"relayer":          s.relayerAddr,
		"custody_balances": balances,
		"queued_orders":    s.book.Size(),
		"circuit_open":     s.exec.Breaker().Open(),
	})
}
