package debugapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the HTTP metrics of the diagnostics server.
type Metrics struct {
	registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	StreamClients   prometheus.Gauge
}

// NewMetrics registers the server metrics and the Go runtime collectors
// on registry.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "debugz_http_requests_total",
				Help: "Diagnostics requests by route and status code",
			},
			[]string{"route", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "debugz_http_request_duration_seconds",
				Help:    "Time to build and write a diagnostics report",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "debugz_span_stream_clients",
			Help: "Connected span stream websocket clients",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.RequestsTotal,
		m.RequestDuration,
		m.StreamClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestIDHeader carries the id logged for a request. A client-supplied id
// is kept.
const RequestIDHeader = "X-Request-Id"

// instrument records metrics and an optional self span for route, and turns
// a panicking report into a 500 response.
func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		if s.cfg.Tracer != nil {
			ctx, span := s.cfg.Tracer.StartSpan(r.Context(), r.Method+" "+route)
			span.SetTag("http.route", route)
			span.SetTag("request.id", requestID)
			defer func() {
				span.SetTag("http.status_code", strconv.Itoa(rec.status))
				span.Finish()
			}()
			r = r.WithContext(ctx)
		}

		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("diagnostics handler panicked",
					zap.String("route", route),
					zap.String("request_id", requestID),
					zap.Any("panic", p),
				)
				rec.status = http.StatusInternalServerError
				s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			}
			s.metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			s.metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}()

		next(rec, r)
	})
}
