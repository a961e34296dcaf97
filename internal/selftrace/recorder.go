// Package selftrace records the spans of this process with tracez and feeds
// them to span storage as OTLP, so the span report covers the diagnostics
// server's own work next to exported spans.
package selftrace

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/tracez"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
)

// ScopeName is the instrumentation scope of converted spans.
const ScopeName = "github.com/tobert/otlp-debugz/internal/selftrace"

// DefaultBufferSize is the collector buffer used when Config.BufferSize is zero.
const DefaultBufferSize = 1000

// SpanReceiver consumes converted spans.
type SpanReceiver interface {
	ReceiveSpans(ctx context.Context, resourceSpans []*tracepb.ResourceSpans) error
}

// Config controls a Recorder.
type Config struct {
	ServiceName string
	BufferSize  int

	// Clock drives span timestamps. Defaults to the real clock.
	Clock clockz.Clock

	// SyncMode collects finished spans inline instead of through the
	// collector's channel.
	SyncMode bool

	Logger *zap.Logger
}

// Recorder owns a tracer and moves its finished spans into a receiver.
type Recorder struct {
	tracer    *tracez.Tracer
	collector *tracez.Collector
	receiver  SpanReceiver
	service   string
	logger    *zap.Logger
}

// New creates a recorder delivering to receiver.
func New(cfg Config, receiver SpanReceiver) (*Recorder, error) {
	if receiver == nil {
		return nil, fmt.Errorf("span receiver cannot be nil")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "otlp-debugz"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tracer := tracez.New()
	if cfg.Clock != nil {
		tracer = tracer.WithClock(cfg.Clock)
	}
	collector := tracez.NewCollector("selftrace", cfg.BufferSize)
	collector.SetSyncMode(cfg.SyncMode)
	tracer.AddCollector("selftrace", collector)

	return &Recorder{
		tracer:    tracer,
		collector: collector,
		receiver:  receiver,
		service:   cfg.ServiceName,
		logger:    logger,
	}, nil
}

// Tracer returns the tracer spans should be started on.
func (r *Recorder) Tracer() *tracez.Tracer {
	return r.tracer
}

// Flush hands every finished span collected so far to the receiver and
// returns how many were delivered.
func (r *Recorder) Flush(ctx context.Context) (int, error) {
	spans := r.collector.Export()
	if len(spans) == 0 {
		return 0, nil
	}
	if err := r.receiver.ReceiveSpans(ctx, ToResourceSpans(r.service, spans)); err != nil {
		return 0, fmt.Errorf("failed to deliver %d self spans: %w", len(spans), err)
	}
	return len(spans), nil
}

// Run flushes every interval until ctx is cancelled, then flushes once more.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := r.Flush(context.Background()); err != nil {
				r.logger.Warn("final self span flush failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			n, err := r.Flush(ctx)
			if err != nil {
				r.logger.Warn("self span flush failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Debug("flushed self spans", zap.Int("spans", n))
			}
		}
	}
}

// Close stops the tracer.
func (r *Recorder) Close() {
	r.tracer.Close()
}

// ToResourceSpans converts tracez spans to a single OTLP resource.
// Spans keep their order; tags become sorted string attributes.
func ToResourceSpans(service string, spans []tracez.Span) []*tracepb.ResourceSpans {
	out := make([]*tracepb.Span, 0, len(spans))
	for i := range spans {
		out = append(out, toSpan(&spans[i]))
	}

	return []*tracepb.ResourceSpans{{
		Resource: &resourcepb.Resource{
			Attributes: []*commonpb.KeyValue{stringAttr("service.name", service)},
		},
		ScopeSpans: []*tracepb.ScopeSpans{{
			Scope: &commonpb.InstrumentationScope{Name: ScopeName},
			Spans: out,
		}},
	}}
}

func toSpan(s *tracez.Span) *tracepb.Span {
	span := &tracepb.Span{
		TraceId:           decodeID(s.TraceID),
		SpanId:            decodeID(s.SpanID),
		Name:              s.Name,
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: unixNano(s.StartTime),
		EndTimeUnixNano:   unixNano(s.EndTime),
	}
	if s.ParentID != "" {
		span.ParentSpanId = decodeID(s.ParentID)
	}

	keys := make([]string, 0, len(s.Tags))
	for k := range s.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		span.Attributes = append(span.Attributes, stringAttr(k, s.Tags[k]))
	}
	return span
}

// decodeID turns a hex id into bytes. Ids that are not hex are kept as raw
// bytes so they still group consistently.
func decodeID(id string) []byte {
	if id == "" {
		return nil
	}
	if b, err := hex.DecodeString(id); err == nil {
		return b
	}
	return []byte(id)
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() || t.UnixNano() < 0 {
		return 0
	}
	return uint64(t.UnixNano())
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}
