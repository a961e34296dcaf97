package mcpserver

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tobert/otlp-debugz/internal/diagnostics"
	"github.com/tobert/otlp-debugz/internal/storage"
	"go.uber.org/zap"
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

// Config wires the reports and span storage into the MCP server.
type Config struct {
	// DiagnosticsEnabled registers get_memory_usage and get_cache_census.
	DiagnosticsEnabled bool

	Memory MemoryReporter
	Cache  CacheReporter
	Spans  SpanReporter

	Storage *storage.SpanStorage

	// Endpoint is the OTLP gRPC address programs should export to.
	Endpoint string

	// HTTPAddr is the diagnostics HTTP server address, if one is running.
	HTTPAddr string

	Logger *zap.Logger
}

// Server exposes the diagnostics reports as MCP tools.
type Server struct {
	mcpServer *mcp.Server
	cfg       Config
	logger    *zap.Logger
}

// NewServer creates an MCP server over cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Storage == nil {
		return nil, errors.New("span storage cannot be nil")
	}
	if cfg.Spans == nil {
		return nil, errors.New("span reporter cannot be nil")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("OTLP endpoint cannot be empty")
	}
	if cfg.DiagnosticsEnabled && (cfg.Memory == nil || cfg.Cache == nil) {
		return nil, errors.New("memory and cache reporters are required when diagnostics are enabled")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{cfg: cfg, logger: logger}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "otlp-debugz",
		Title:   "Runtime Diagnostics for OTLP Services",
		Version: "0.1.0",
	}, &mcp.ServerOptions{
		Instructions: `Runtime diagnostics server. Records finished OTLP spans and reports on process memory and caches.

Workflow: get_otlp_endpoint -> set OTEL_EXPORTER_OTLP_ENDPOINT -> run program -> get_otel_spans.

Tools: get_otel_spans (span lineage), get_memory_usage and get_cache_census (when diagnostics are enabled), get_stats, clear_spans.
Resources: otlp://endpoint, debugz://stats.`,
	})

	s.registerTools()
	s.registerResources()

	return s, nil
}

// Run starts the MCP server on stdio transport.
// This method blocks until the context is cancelled or EOF is received on stdin.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for use with alternative transports.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}
