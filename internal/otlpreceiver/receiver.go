package otlpreceiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// SpanReceiver consumes exported spans.
// Implementations must be safe for concurrent use.
type SpanReceiver interface {
	ReceiveSpans(ctx context.Context, spans []*tracepb.ResourceSpans) error
}

// Config holds configuration for the OTLP receiver.
type Config struct {
	Host string // e.g., "127.0.0.1"
	Port int    // 0 for ephemeral port assignment

	// Keys, when set, is told the fingerprint of every API key presented
	// on an export call.
	Keys KeyRecorder

	Logger *zap.Logger
}

// Server is the OTLP gRPC trace receiver.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	logger     *zap.Logger
	stopOnce   sync.Once
	stopChan   chan struct{}
	stopDone   chan struct{}
}

// NewServer binds the configured address and registers the trace service.
// Received spans are handed to receiver.
func NewServer(cfg Config, receiver SpanReceiver) (*Server, error) {
	if receiver == nil {
		return nil, errors.New("span receiver cannot be nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	var opts []grpc.ServerOption
	if cfg.Keys != nil {
		opts = append(opts, grpc.ChainUnaryInterceptor(APIKeyInterceptor(cfg.Keys)))
	}
	grpcServer := grpc.NewServer(opts...)

	collectortrace.RegisterTraceServiceServer(grpcServer, &traceService{
		receiver: receiver,
		logger:   logger,
	})

	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		logger:     logger,
		stopChan:   make(chan struct{}),
		stopDone:   make(chan struct{}, 1),
	}, nil
}

// Start serves until Stop is called or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopChan:
		}
	}()

	err := s.grpcServer.Serve(s.listener)
	s.stopDone <- struct{}{}
	return err
}

// Stop gracefully stops the server. Safe to call multiple times.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.grpcServer.GracefulStop()
		close(s.stopChan)
	})
}

// StopWait stops the server and waits for Start to return.
func (s *Server) StopWait() {
	s.Stop()
	<-s.stopDone
}

// Endpoint returns the bound "host:port", useful with ephemeral ports.
func (s *Server) Endpoint() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

type traceService struct {
	collectortrace.UnimplementedTraceServiceServer
	receiver SpanReceiver
	logger   *zap.Logger
}

// Export hands the request's resource spans to the receiver unchanged.
func (t *traceService) Export(
	ctx context.Context,
	req *collectortrace.ExportTraceServiceRequest,
) (*collectortrace.ExportTraceServiceResponse, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	if err := t.receiver.ReceiveSpans(ctx, req.ResourceSpans); err != nil {
		t.logger.Warn("failed to receive spans", zap.Error(err))
		return nil, fmt.Errorf("failed to receive spans: %w", err)
	}

	return &collectortrace.ExportTraceServiceResponse{}, nil
}

// Tee returns a receiver that forwards spans to each receiver in order,
// stopping at the first error.
func Tee(receivers ...SpanReceiver) SpanReceiver {
	return tee(receivers)
}

type tee []SpanReceiver

func (t tee) ReceiveSpans(ctx context.Context, spans []*tracepb.ResourceSpans) error {
	for _, r := range t {
		if err := r.ReceiveSpans(ctx, spans); err != nil {
			return err
		}
	}
	return nil
}
