package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tobert/otlp-debugz/internal/diagnostics"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

var (
	testTraceID = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	rootSpanID  = []byte{1, 1, 1, 1, 1, 1, 1, 1}
	childSpanID = []byte{2, 2, 2, 2, 2, 2, 2, 2}
)

// makeResourceSpans wraps spans in a resource for serviceName.
func makeResourceSpans(serviceName string, spans ...*tracepb.Span) *tracepb.ResourceSpans {
	return &tracepb.ResourceSpans{
		Resource: &resourcepb.Resource{
			Attributes: []*commonpb.KeyValue{
				{
					Key: "service.name",
					Value: &commonpb.AnyValue{
						Value: &commonpb.AnyValue_StringValue{StringValue: serviceName},
					},
				},
			},
		},
		ScopeSpans: []*tracepb.ScopeSpans{{Spans: spans}},
	}
}

func makeSpan(name string, spanID, parentID []byte, start uint64) *tracepb.Span {
	return &tracepb.Span{
		TraceId:           testTraceID,
		SpanId:            spanID,
		ParentSpanId:      parentID,
		Name:              name,
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: start,
		EndTimeUnixNano:   start + 1000,
	}
}

// TestSpanStorageFinishedSpans checks the conversion to diagnostics spans.
func TestSpanStorageFinishedSpans(t *testing.T) {
	s := NewSpanStorage(100)

	now := uint64(time.Now().UnixNano())
	err := s.ReceiveSpans(context.Background(), []*tracepb.ResourceSpans{
		makeResourceSpans("svc",
			makeSpan("root", rootSpanID, nil, now),
			makeSpan("child", childSpanID, rootSpanID, now+10),
		),
	})
	if err != nil {
		t.Fatalf("ReceiveSpans failed: %v", err)
	}

	spans := s.FinishedSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	wantTrace := "0102030405060708090a0b0c0d0e0f10"
	if spans[0].Name != "root" || spans[0].Parent != nil {
		t.Errorf("expected parentless root span, got %+v", spans[0])
	}
	if spans[0].TraceID != wantTrace {
		t.Errorf("expected trace id %s, got %s", wantTrace, spans[0].TraceID)
	}
	if spans[1].Parent == nil || spans[1].Parent.TraceID != wantTrace {
		t.Fatalf("expected child parent trace %s, got %+v", wantTrace, spans[1].Parent)
	}
	if spans[1].StartTime != now+10 {
		t.Errorf("expected start %d, got %d", now+10, spans[1].StartTime)
	}

	report := diagnostics.NewSpanAnalyzer(s).GetOtelSpans()
	if report.MostRecentParent == nil || *report.MostRecentParent != wantTrace {
		t.Errorf("expected most recent parent %s, got %v", wantTrace, report.MostRecentParent)
	}
}

// TestSpanStorageEviction checks the capacity bound and stats.
func TestSpanStorageEviction(t *testing.T) {
	s := NewSpanStorage(2)
	for i, name := range []string{"a", "b", "c"} {
		rs := makeResourceSpans("svc", makeSpan(name, []byte{byte(i + 1)}, nil, 1))
		if err := s.ReceiveSpans(context.Background(), []*tracepb.ResourceSpans{rs}); err != nil {
			t.Fatalf("ReceiveSpans failed: %v", err)
		}
	}

	spans := s.FinishedSpans()
	if len(spans) != 2 || spans[0].Name != "b" || spans[1].Name != "c" {
		t.Fatalf("expected [b c], got %+v", spans)
	}

	stats := s.Stats()
	if stats.SpanCount != 2 || stats.Capacity != 2 || stats.Received != 3 || stats.Evicted != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

// TestSpanStorageRejectsInvalidTraceIDs checks spans with an empty or
// all-zero trace id are dropped, counted and logged, so the stored parent
// references always carry a trace id.
func TestSpanStorageRejectsInvalidTraceIDs(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := NewSpanStorage(10, WithLogger(zap.New(core)))

	noTrace := makeSpan("no-trace", childSpanID, rootSpanID, 2_000_000)
	noTrace.TraceId = nil
	zeroTrace := makeSpan("zero-trace", childSpanID, rootSpanID, 2_000_000)
	zeroTrace.TraceId = make([]byte, 16)

	err := s.ReceiveSpans(context.Background(), []*tracepb.ResourceSpans{
		makeResourceSpans("svc", makeSpan("root", rootSpanID, nil, 1), noTrace, zeroTrace),
	})
	if err != nil {
		t.Fatalf("ReceiveSpans failed: %v", err)
	}

	spans := s.FinishedSpans()
	if len(spans) != 1 || spans[0].Name != "root" {
		t.Fatalf("expected only the root span, got %+v", spans)
	}
	if got := s.Stats().Rejected; got != 2 {
		t.Errorf("expected 2 rejected spans, got %d", got)
	}
	if logs.FilterMessage("dropped spans without a valid trace id").Len() != 1 {
		t.Errorf("expected one warning, got %v", logs.All())
	}

	// The analyzer only panics on a broken source; storage never is one.
	report := diagnostics.AnalyzeSpans(spans)
	if report.SpansGroupedByParent.Len() != 0 {
		t.Errorf("expected no parent groups, got %d", report.SpansGroupedByParent.Len())
	}
}

// TestValidTraceID checks the trace id rules.
func TestValidTraceID(t *testing.T) {
	cases := []struct {
		id   []byte
		want bool
	}{
		{nil, false},
		{[]byte{}, false},
		{make([]byte, 16), false},
		{testTraceID, true},
		{[]byte{0, 0, 0, 1}, true},
	}
	for _, tc := range cases {
		if got := ValidTraceID(tc.id); got != tc.want {
			t.Errorf("ValidTraceID(%v) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

// TestSpanStorageEmpty checks an empty storage yields a non-nil slice.
func TestSpanStorageEmpty(t *testing.T) {
	s := NewSpanStorage(10)
	if spans := s.FinishedSpans(); spans == nil || len(spans) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", spans)
	}
}

// TestSpanStorageSubscribe checks notifications coalesce and stop after
// unsubscribing.
func TestSpanStorageSubscribe(t *testing.T) {
	s := NewSpanStorage(10)
	ch, unsubscribe := s.Subscribe()

	rs := []*tracepb.ResourceSpans{makeResourceSpans("svc", makeSpan("a", rootSpanID, nil, 1))}
	for i := 0; i < 3; i++ {
		_ = s.ReceiveSpans(context.Background(), rs)
	}

	select {
	case <-ch:
	default:
		t.Fatal("expected a pending notification")
	}
	select {
	case <-ch:
		t.Fatal("expected notifications to coalesce")
	default:
	}

	unsubscribe()
	_ = s.ReceiveSpans(context.Background(), rs)
	select {
	case <-ch:
		t.Fatal("unexpected notification after unsubscribe")
	default:
	}
}

// TestSpanStorageEmptyExport checks empty exports neither store nor notify.
func TestSpanStorageEmptyExport(t *testing.T) {
	s := NewSpanStorage(10)
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	if err := s.ReceiveSpans(context.Background(), []*tracepb.ResourceSpans{makeResourceSpans("svc")}); err != nil {
		t.Fatalf("ReceiveSpans failed: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("unexpected notification for empty export")
	default:
	}
}

// TestSpanStorageConcurrent checks concurrent writers and readers.
func TestSpanStorageConcurrent(t *testing.T) {
	s := NewSpanStorage(1000)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rs := makeResourceSpans("svc", makeSpan("op", []byte{byte(w), byte(j)}, rootSpanID, uint64(j)))
				_ = s.ReceiveSpans(context.Background(), []*tracepb.ResourceSpans{rs})
				_ = s.FinishedSpans()
			}
		}(w)
	}
	wg.Wait()

	if got := len(s.FinishedSpans()); got != 500 {
		t.Fatalf("expected 500 spans, got %d", got)
	}
}

// TestServiceName checks service.name extraction.
func TestServiceName(t *testing.T) {
	if got := ServiceName(nil); got != UnknownService {
		t.Errorf("expected %q for nil resource, got %q", UnknownService, got)
	}
	if got := ServiceName(makeResourceSpans("billing").Resource); got != "billing" {
		t.Errorf("expected billing, got %q", got)
	}
}
