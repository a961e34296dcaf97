// Package debugapi serves the diagnostics reports over HTTP. The routes are
// operator tooling and are not part of any public API description.
package debugapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tobert/otlp-debugz/internal/diagnostics"
	"github.com/zoobzio/tracez"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Memory snapshots force a collection, so /memory-usage is throttled.
const (
	DefaultMemoryRateLimit = rate.Limit(1)
	DefaultMemoryBurst     = 3
)

// Route paths.
const (
	PathMemoryUsage = "/memory-usage"
	PathCacheUsage  = "/memory-usage-in-mem-cache"
	PathOtelSpans   = "/otel-spans"
	PathSpanStream  = "/otel-spans/stream"
	PathMetrics     = "/metrics"
)

// MemoryReporter produces the allocation report.
type MemoryReporter interface {
	GetMemoryUsage() (diagnostics.MemoryReport, error)
}

// CacheReporter produces the cache census.
type CacheReporter interface {
	GetCacheCensus() (diagnostics.CensusReport, error)
}

// SpanReporter produces the span lineage report.
type SpanReporter interface {
	GetOtelSpans() diagnostics.SpanReport
}

// Notifier signals when new spans have been recorded.
type Notifier interface {
	Subscribe() (<-chan struct{}, func())
}

// Config wires the reporters into a Server.
type Config struct {
	// DiagnosticsEnabled registers the memory and cache routes.
	DiagnosticsEnabled bool

	Memory MemoryReporter
	Cache  CacheReporter
	Spans  SpanReporter

	// Notifier enables the span stream route when set.
	Notifier Notifier

	// Registry receives the HTTP and runtime metrics. A private registry
	// is used when nil.
	Registry *prometheus.Registry

	// MemoryRateLimit and MemoryBurst throttle /memory-usage. Zero values
	// use the defaults.
	MemoryRateLimit rate.Limit
	MemoryBurst     int

	// Tracer, when set, records a span for every report request.
	Tracer *tracez.Tracer

	Logger *zap.Logger
}

// Server serves the diagnostics routes.
type Server struct {
	cfg           Config
	metrics       *Metrics
	logger        *zap.Logger
	mux           *http.ServeMux
	memoryLimiter *rate.Limiter
}

// New creates a server. Spans is required; Memory and Cache are required
// when DiagnosticsEnabled is set.
func New(cfg Config) (*Server, error) {
	if cfg.Spans == nil {
		return nil, errors.New("span reporter cannot be nil")
	}
	if cfg.DiagnosticsEnabled && (cfg.Memory == nil || cfg.Cache == nil) {
		return nil, errors.New("memory and cache reporters are required when diagnostics are enabled")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	metrics, err := NewMetrics(registry)
	if err != nil {
		return nil, err
	}

	limit, burst := cfg.MemoryRateLimit, cfg.MemoryBurst
	if limit == 0 {
		limit = DefaultMemoryRateLimit
	}
	if burst <= 0 {
		burst = DefaultMemoryBurst
	}

	s := &Server{
		cfg:           cfg,
		metrics:       metrics,
		logger:        logger,
		mux:           http.NewServeMux(),
		memoryLimiter: rate.NewLimiter(limit, burst),
	}
	s.RegisterRoutes(s.mux)
	return s, nil
}

// RegisterRoutes attaches the diagnostics routes to mux.
// Report bodies are gzip-compressed for clients that accept it.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if s.cfg.DiagnosticsEnabled {
		mux.Handle("GET "+PathMemoryUsage, gzhttp.GzipHandler(s.instrument(PathMemoryUsage, s.handleMemoryUsage)))
		mux.Handle("GET "+PathCacheUsage, gzhttp.GzipHandler(s.instrument(PathCacheUsage, s.handleCacheUsage)))
	}
	mux.Handle("GET "+PathOtelSpans, gzhttp.GzipHandler(s.instrument(PathOtelSpans, s.handleOtelSpans)))
	if s.cfg.Notifier != nil {
		mux.HandleFunc("GET "+PathSpanStream, s.handleSpanStream)
	}
	mux.Handle("GET "+PathMetrics, s.metrics.Handler())
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleMemoryUsage(w http.ResponseWriter, r *http.Request) {
	if !s.memoryLimiter.Allow() {
		w.Header().Set("Retry-After", "1")
		s.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "memory snapshots are rate limited"})
		return
	}

	report, err := s.cfg.Memory.GetMemoryUsage()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCacheUsage(w http.ResponseWriter, r *http.Request) {
	report, err := s.cfg.Cache.GetCacheCensus()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleOtelSpans(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Spans.GetOtelSpans())
}

// errorResponse is the JSON body of a failed report.
type errorResponse struct {
	Error string `json:"error"`
	Cache string `json:"cache,omitempty"`
}

// writeError maps report errors to status codes. Both unavailable
// diagnostics and uninitialized caches are server-side conditions.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var notInit *diagnostics.CacheNotInitializedError
	switch {
	case errors.As(err, &notInit):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Cache: notInit.Name})
	case errors.Is(err, diagnostics.ErrDiagnosticsUnavailable):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("diagnostics report failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write JSON", zap.Error(err))
	}
}
