package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/tobert/otlp-debugz/internal/storage"
	"github.com/zoobzio/clockz"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// HostCaches are the caches the receiver path keeps warm:
// API key fingerprints seen on exports, the service each trace was last
// reported by, and span counts per service.
type HostCaches struct {
	APIKeys *TTLCache
	Router  *TTLCache
	Usage   *TTLCache
}

// NewHostCaches creates the host caches with a shared TTL.
func NewHostCaches(ttl time.Duration, clock clockz.Clock) *HostCaches {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &HostCaches{
		APIKeys: NewWithClock(ttl, clock),
		Router:  NewWithClock(ttl, clock),
		Usage:   NewWithClock(ttl, clock),
	}
}

// Register adds the host caches to r under their well-known names.
func (h *HostCaches) Register(r *Registry) error {
	for name, c := range map[string]*TTLCache{
		UserAPIKeyCache: h.APIKeys,
		RouterCache:     h.Router,
		UsageCache:      h.Usage,
	} {
		if err := r.Register(name, c); err != nil {
			return fmt.Errorf("failed to register host cache: %w", err)
		}
	}
	return nil
}

// RecordKey notes that an API key with the given fingerprint was used.
func (h *HostCaches) RecordKey(fingerprint string) {
	h.APIKeys.Set(fingerprint, h.APIKeys.clock.Now())
}

// ReceiveSpans updates the router and usage caches from an OTLP export.
// Spans without a valid trace id are skipped, as span storage drops them.
// It implements otlpreceiver.SpanReceiver.
func (h *HostCaches) ReceiveSpans(ctx context.Context, resourceSpans []*tracepb.ResourceSpans) error {
	for _, rs := range resourceSpans {
		service := storage.ServiceName(rs.Resource)
		count := 0
		for _, ss := range rs.ScopeSpans {
			for _, span := range ss.Spans {
				if !storage.ValidTraceID(span.GetTraceId()) {
					continue
				}
				h.Router.Set(storage.TraceIDString(span.TraceId), service)
				count++
			}
		}
		if count > 0 {
			h.Usage.Incr(service, count)
		}
	}
	return nil
}
