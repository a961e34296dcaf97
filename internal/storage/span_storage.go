package storage

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/tobert/otlp-debugz/internal/diagnostics"
	"go.uber.org/zap"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// UnknownService is reported for resources without a service.name.
const UnknownService = "unknown"

// StoredSpan is a finished OTLP span with its lookup fields decoded.
type StoredSpan struct {
	Span *tracepb.Span

	TraceID      string
	SpanID       string
	ParentSpanID string // empty for root spans
	ServiceName  string
	SpanName     string
}

// SpanStorage records finished spans in arrival order, bounded by capacity.
// It implements otlpreceiver.SpanReceiver and diagnostics.SpanSource.
type SpanStorage struct {
	spans  *RingBuffer[*StoredSpan]
	logger *zap.Logger

	rejectedMu sync.Mutex
	rejected   uint64

	subscriberMu     sync.Mutex
	subscribers      map[uint64]chan struct{}
	nextSubscriberID uint64
}

// Option configures a SpanStorage.
type Option func(*SpanStorage)

// WithLogger sets the logger used to report rejected spans.
func WithLogger(logger *zap.Logger) Option {
	return func(s *SpanStorage) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSpanStorage creates a span storage holding up to capacity spans.
func NewSpanStorage(capacity int, opts ...Option) *SpanStorage {
	s := &SpanStorage{
		spans:       NewRingBuffer[*StoredSpan](capacity),
		logger:      zap.NewNop(),
		subscribers: make(map[uint64]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReceiveSpans stores every span in resourceSpans and notifies subscribers.
// Spans without a valid trace id are dropped and counted in Stats.Rejected,
// so every stored span can name its parent's trace.
func (s *SpanStorage) ReceiveSpans(ctx context.Context, resourceSpans []*tracepb.ResourceSpans) error {
	var batch []*StoredSpan
	rejected := 0
	for _, rs := range resourceSpans {
		service := ServiceName(rs.Resource)
		for _, ss := range rs.ScopeSpans {
			for _, span := range ss.Spans {
				if !ValidTraceID(span.GetTraceId()) {
					rejected++
					continue
				}
				batch = append(batch, &StoredSpan{
					Span:         span,
					TraceID:      TraceIDString(span.TraceId),
					SpanID:       hex.EncodeToString(span.SpanId),
					ParentSpanID: hex.EncodeToString(span.ParentSpanId),
					ServiceName:  service,
					SpanName:     span.Name,
				})
			}
		}
	}

	if rejected > 0 {
		s.rejectedMu.Lock()
		s.rejected += uint64(rejected)
		s.rejectedMu.Unlock()
		s.logger.Warn("dropped spans without a valid trace id", zap.Int("count", rejected))
	}

	if len(batch) == 0 {
		return nil
	}
	s.spans.AddAll(batch)
	s.notifySubscribers()
	return nil
}

// FinishedSpans returns the held spans in arrival order. A span with a
// parent span id refers to its parent through its own trace id.
func (s *SpanStorage) FinishedSpans() []diagnostics.Span {
	stored := s.spans.GetAll()
	result := make([]diagnostics.Span, 0, len(stored))
	for _, sp := range stored {
		span := diagnostics.Span{
			Name:      sp.SpanName,
			TraceID:   sp.TraceID,
			StartTime: sp.Span.GetStartTimeUnixNano(),
		}
		if sp.ParentSpanID != "" {
			span.Parent = &diagnostics.ParentRef{TraceID: sp.TraceID}
		}
		result = append(result, span)
	}
	return result
}

// Stats returns current storage statistics.
func (s *SpanStorage) Stats() StorageStats {
	return StorageStats{
		SpanCount: s.spans.Size(),
		Capacity:  s.spans.Capacity(),
		Received:  s.spans.Total(),
		Evicted:   s.spans.Evicted(),
		Rejected:  s.rejectedCount(),
	}
}

func (s *SpanStorage) rejectedCount() uint64 {
	s.rejectedMu.Lock()
	defer s.rejectedMu.Unlock()
	return s.rejected
}

// Clear removes all held spans.
func (s *SpanStorage) Clear() {
	s.spans.Clear()
	s.notifySubscribers()
}

// StorageStats describes span storage occupancy.
type StorageStats struct {
	SpanCount int    `json:"span_count"`
	Capacity  int    `json:"capacity"`
	Received  uint64 `json:"received"`
	Evicted   uint64 `json:"evicted"`
	Rejected  uint64 `json:"rejected"`
}

// Subscribe returns a channel signalled after spans arrive and a function
// that cancels the subscription. Signals coalesce: the channel holds at
// most one pending notification.
func (s *SpanStorage) Subscribe() (<-chan struct{}, func()) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()

	id := s.nextSubscriberID
	s.nextSubscriberID++

	ch := make(chan struct{}, 1)
	s.subscribers[id] = ch

	return ch, func() {
		s.subscriberMu.Lock()
		defer s.subscriberMu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *SpanStorage) notifySubscribers() {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ServiceName returns the service.name attribute of resource, or
// UnknownService.
func ServiceName(resource *resourcepb.Resource) string {
	for _, attr := range resource.GetAttributes() {
		if attr.GetKey() == "service.name" {
			if sv := attr.GetValue().GetStringValue(); sv != "" {
				return sv
			}
		}
	}
	return UnknownService
}

// ValidTraceID reports whether id is a usable OTLP trace id: non-empty and
// not all zeros.
func ValidTraceID(id []byte) bool {
	for _, b := range id {
		if b != 0 {
			return true
		}
	}
	return false
}

// TraceIDString hex-encodes an OTLP trace id.
func TraceIDString(traceID []byte) string {
	return hex.EncodeToString(traceID)
}
