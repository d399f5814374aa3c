package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/ledgerpipe/service/metrics"
	"github.com/brojonat/ledgerpipe/service/pipeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves the ledger HTTP API and the echo endpoint.
type Server struct {
	addr         string
	controller   *pipeline.Controller
	ssePublisher *SSEPublisher
	echoDelay    time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The controller is optional - if nil, only the echo, health and metrics
// endpoints are served. The ssePublisher is optional - if nil, SSE endpoints
// won't be available. The metrics is optional - if nil, /metrics is not served.
func New(addr string, controller *pipeline.Controller, ssePublisher *SSEPublisher, echoDelay time.Duration, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:         addr,
		controller:   controller,
		ssePublisher: ssePublisher,
		echoDelay:    echoDelay,
		metrics:      m,
		logger:       logger.With("component", "server"),
	}
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /echo", s.instrument("echo", handleEcho(s.echoDelay, s.logger)))

	if s.controller != nil {
		l := s.controller.Ledger()
		mux.Handle("GET /api/v1/info", s.instrument("info", handleInfo(l)))
		mux.Handle("GET /api/v1/balances/{address}", s.instrument("get_balance", handleGetBalance(l, s.logger)))
		mux.Handle("GET /api/v1/balances", s.instrument("list_balances", handleListBalances(l)))
		mux.Handle("GET /api/v1/transactions", s.instrument("list_transactions", handleListTransactions(l, s.logger)))
		mux.Handle("POST /api/v1/transactions", s.instrument("submit_transactions", handleSubmitTransactions(s.controller, s.logger)))
		mux.Handle("GET /api/v1/metrics/snapshot", s.instrument("metrics_snapshot", handleMetricsSnapshot(s.controller.Recorder())))
	} else {
		s.logger.Warn("no pipeline controller configured, ledger endpoints disabled")
	}

	// SSE streaming endpoints (if SSE publisher is configured)
	if s.ssePublisher != nil {
		mux.Handle("GET /api/v1/stream/transactions/{address}", handleStreamTransactions(s.ssePublisher, s.metrics, s.logger))
		mux.Handle("GET /api/v1/stream/transactions", handleStreamTransactions(s.ssePublisher, s.metrics, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

func (s *Server) instrument(name string, h http.Handler) http.Handler {
	if s.metrics == nil {
		return h
	}
	return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
