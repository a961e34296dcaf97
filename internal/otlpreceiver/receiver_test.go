package otlpreceiver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// mockReceiver records received spans.
type mockReceiver struct {
	mu    sync.Mutex
	spans []*tracepb.ResourceSpans
	err   error // returned from ReceiveSpans when set
}

func (m *mockReceiver) ReceiveSpans(ctx context.Context, spans []*tracepb.ResourceSpans) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.spans = append(m.spans, spans...)
	return nil
}

func (m *mockReceiver) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spans)
}

// mockKeys records key fingerprints.
type mockKeys struct {
	mu   sync.Mutex
	seen []string
}

func (m *mockKeys) RecordKey(fp string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, fp)
}

func (m *mockKeys) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.seen...)
}

// startServer starts a receiver on an ephemeral port and returns a client.
func startServer(t *testing.T, cfg Config, receiver SpanReceiver) collectortrace.TraceServiceClient {
	t.Helper()

	cfg.Host = "127.0.0.1"
	server, err := NewServer(cfg, receiver)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := server.Start(ctx); err != nil {
			t.Logf("server stopped: %v", err)
		}
	}()

	conn, err := grpc.NewClient(server.Endpoint(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to create grpc client: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		cancel()
		server.StopWait()
	})
	return collectortrace.NewTraceServiceClient(conn)
}

func exportRequest(name string) *collectortrace.ExportTraceServiceRequest {
	return &collectortrace.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{
			{
				Resource: &resourcepb.Resource{
					Attributes: []*commonpb.KeyValue{
						{
							Key:   "service.name",
							Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "test-service"}},
						},
					},
				},
				ScopeSpans: []*tracepb.ScopeSpans{
					{
						Spans: []*tracepb.Span{
							{
								TraceId:           []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
								SpanId:            []byte{1, 2, 3, 4, 5, 6, 7, 8},
								Name:              name,
								StartTimeUnixNano: uint64(time.Now().UnixNano()),
								EndTimeUnixNano:   uint64(time.Now().UnixNano()),
							},
						},
					},
				},
			},
		},
	}
}

// TestNewServer verifies the server binds an ephemeral endpoint.
func TestNewServer(t *testing.T) {
	server, err := NewServer(Config{Host: "127.0.0.1", Port: 0}, &mockReceiver{})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer server.Stop()

	if server.Endpoint() == "" {
		t.Fatal("endpoint is empty")
	}
}

// TestNewServerNilReceiver verifies that NewServer rejects nil receivers.
func TestNewServerNilReceiver(t *testing.T) {
	if _, err := NewServer(Config{Host: "127.0.0.1"}, nil); err == nil {
		t.Fatal("expected error for nil receiver, got nil")
	}
}

// TestServerStopOnCancel verifies Start returns once its context ends.
func TestServerStopOnCancel(t *testing.T) {
	server, err := NewServer(Config{Host: "127.0.0.1"}, &mockReceiver{})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- server.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-errChan:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop in time")
	}
}

// TestExport verifies spans reach the receiver.
func TestExport(t *testing.T) {
	receiver := &mockReceiver{}
	client := startServer(t, Config{}, receiver)

	for i := 0; i < 3; i++ {
		if _, err := client.Export(context.Background(), exportRequest("span")); err != nil {
			t.Fatalf("Export %d failed: %v", i, err)
		}
	}

	if receiver.count() != 3 {
		t.Fatalf("expected 3 resource spans, got %d", receiver.count())
	}
}

// TestExportReceiverError verifies receiver failures reach the client.
func TestExportReceiverError(t *testing.T) {
	client := startServer(t, Config{}, &mockReceiver{err: errors.New("storage full")})

	if _, err := client.Export(context.Background(), exportRequest("span")); err == nil {
		t.Fatal("expected export error")
	}
}

// TestExportRecordsAPIKeys verifies the interceptor records fingerprints.
func TestExportRecordsAPIKeys(t *testing.T) {
	keys := &mockKeys{}
	client := startServer(t, Config{Keys: keys}, &mockReceiver{})

	calls := []metadata.MD{
		metadata.Pairs("x-api-key", "sk-one"),
		metadata.Pairs("authorization", "Bearer sk-two"),
		metadata.MD{},
	}
	for _, md := range calls {
		ctx := metadata.NewOutgoingContext(context.Background(), md)
		if _, err := client.Export(ctx, exportRequest("span")); err != nil {
			t.Fatalf("Export failed: %v", err)
		}
	}

	got := keys.keys()
	want := []string{Fingerprint("sk-one"), Fingerprint("sk-two")}
	if len(got) != len(want) {
		t.Fatalf("expected %d fingerprints, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("fingerprint %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

// TestFingerprint verifies fingerprints are stable and hide the key.
func TestFingerprint(t *testing.T) {
	a, b := Fingerprint("secret"), Fingerprint("secret")
	if a != b {
		t.Fatalf("fingerprint not stable: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("expected 16 hex chars, got %d", len(a))
	}
	if a == Fingerprint("other") {
		t.Error("different keys share a fingerprint")
	}
}

// TestTee verifies fan-out order and error short-circuit.
func TestTee(t *testing.T) {
	first, second := &mockReceiver{}, &mockReceiver{}
	spans := exportRequest("span").ResourceSpans

	if err := Tee(first, second).ReceiveSpans(context.Background(), spans); err != nil {
		t.Fatalf("Tee failed: %v", err)
	}
	if first.count() != 1 || second.count() != 1 {
		t.Fatalf("expected both receivers to see the spans, got %d and %d", first.count(), second.count())
	}

	failing := &mockReceiver{err: errors.New("boom")}
	third := &mockReceiver{}
	if err := Tee(failing, third).ReceiveSpans(context.Background(), spans); err == nil {
		t.Fatal("expected error from failing receiver")
	}
	if third.count() != 0 {
		t.Error("receivers after a failure must not be called")
	}
}
