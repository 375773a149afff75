package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/shieldopt/internal/config"
	apperrors "github.com/copyleftdev/shieldopt/internal/errors"
	"github.com/copyleftdev/shieldopt/internal/logging"
	"github.com/copyleftdev/shieldopt/internal/orchestrator"
	"github.com/copyleftdev/shieldopt/internal/queue"
)

// StatusSource is the running optimization the server reports on.
type StatusSource interface {
	Status() orchestrator.Status
	Observations() []orchestrator.Observation
}

// HistorySource looks up point records.
type HistorySource interface {
	Fetch(ctx context.Context, q orchestrator.HistoryQuery) ([]orchestrator.PointRecord, error)
}

// Server exposes the optimizer status, its observations, point record
// lookups and prometheus metrics over HTTP. A JSON-RPC 2.0 endpoint serves
// the same reads.
type Server struct {
	cfg      *config.Config
	logger   *logging.Logger
	source   StatusSource
	history  HistorySource
	gatherer prometheus.Gatherer
}

// NewServer creates a server. history may be nil, which disables the
// points endpoint; a nil gatherer serves the default registry.
func NewServer(cfg *config.Config, logger *logging.Logger, source StatusSource, history HistorySource, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		source:   source,
		history:  history,
		gatherer: gatherer,
	}
}

// Handler returns the router with the middleware stack applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(s.logger))
	r.Use(apperrors.RecoveryMiddleware(s.logger))
	r.Use(apperrors.ErrorHandler(s.logger))
	r.Use(middleware.Timeout(60 * time.Second))

	s.RegisterRoutes(r)
	return r
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/observations", s.handleObservations)
		r.Get("/points", s.handlePoints)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// Run serves on the configured port until ctx is done, then shuts down
// within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.HTTP.Port))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
		IdleTimeout:  s.cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", map[string]interface{}{
			"address": ln.Addr().String(),
		})
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no optimization running"})
		return
	}
	s.respondJSON(w, http.StatusOK, s.source.Status())
}

// handleObservations handles GET /api/v1/observations
func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no optimization running"})
		return
	}
	obs := s.source.Observations()
	if obs == nil {
		obs = []orchestrator.Observation{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"observations": obs})
}

// handlePoints handles GET /api/v1/points?tag=&seed=&sampling=&image_tag=
func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history unavailable"})
		return
	}

	q, err := s.queryFromValues(r)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	records, err := s.history.Fetch(r.Context(), q)
	if err != nil {
		s.logger.Error("point lookup failed", map[string]interface{}{"error": err.Error()})
		s.respondJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if records == nil {
		records = []orchestrator.PointRecord{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"points": records})
}

// queryFromValues builds a history query, defaulting to the running
// configuration.
func (s *Server) queryFromValues(r *http.Request) (orchestrator.HistoryQuery, error) {
	v := r.URL.Query()
	q := orchestrator.HistoryQuery{
		Tag:      s.cfg.RunTag(),
		Seed:     s.cfg.Optimization.SimSeed,
		Sampling: s.cfg.Optimization.Sampling,
		ImageTag: s.cfg.Job.ImageTag,
	}
	if tag := v.Get("tag"); tag != "" {
		q.Tag = tag
	}
	if img := v.Get("image_tag"); img != "" {
		q.ImageTag = img
	}
	if seed := v.Get("seed"); seed != "" {
		n, err := strconv.Atoi(seed)
		if err != nil {
			return q, fmt.Errorf("invalid seed %q", seed)
		}
		q.Seed = n
	}
	if sampling := v.Get("sampling"); sampling != "" {
		smp, err := queue.ParseSampling(sampling)
		if err != nil {
			return q, err
		}
		q.Sampling = smp
	}
	return q, nil
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      interface{} `json:"id"`
		Method  string      `json:"method"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, -32600, "Invalid Request", nil)
		return
	}
	if s.source == nil {
		s.respondWithError(w, -32000, "Server error", request.ID)
		return
	}

	var result interface{}
	switch request.Method {
	case "optimization.status":
		result = s.source.Status()
	case "optimization.observations":
		result = s.source.Observations()
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("RPC error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", map[string]interface{}{"error": err.Error()})
	}
}
