package mcpserver

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tobert/otlp-debugz/internal/diagnostics"
	"go.uber.org/zap"
)

// Tool: get_otlp_endpoint

type GetOTLPEndpointInput struct{}

type GetOTLPEndpointOutput struct {
	Endpoint        string            `json:"endpoint" jsonschema:"OTLP gRPC endpoint address for traces"`
	Protocol        string            `json:"protocol" jsonschema:"Protocol type (grpc)"`
	DiagnosticsURL  string            `json:"diagnostics_url,omitempty" jsonschema:"Base URL of the diagnostics HTTP server"`
	EnvironmentVars map[string]string `json:"environment_vars" jsonschema:"Suggested environment variables for configuring applications"`
}

func (s *Server) handleGetOTLPEndpoint(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetOTLPEndpointInput,
) (*mcp.CallToolResult, GetOTLPEndpointOutput, error) {
	out := GetOTLPEndpointOutput{
		Endpoint: s.cfg.Endpoint,
		Protocol: "grpc",
		EnvironmentVars: map[string]string{
			"OTEL_EXPORTER_OTLP_ENDPOINT": s.cfg.Endpoint,
			"OTEL_EXPORTER_OTLP_PROTOCOL": "grpc",
		},
	}
	if s.cfg.HTTPAddr != "" {
		out.DiagnosticsURL = "http://" + s.cfg.HTTPAddr
	}
	return &mcp.CallToolResult{}, out, nil
}

// Tool: get_memory_usage

type GetMemoryUsageInput struct{}

type GetMemoryUsageOutput struct {
	TopMemoryUsage []string `json:"top_50_memory_usage" jsonschema:"Largest live allocation sites, formatted '<traceback>: <size> KiB'"`
}

func (s *Server) handleGetMemoryUsage(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetMemoryUsageInput,
) (*mcp.CallToolResult, GetMemoryUsageOutput, error) {
	report, err := s.cfg.Memory.GetMemoryUsage()
	if err != nil {
		return nil, GetMemoryUsageOutput{}, fmt.Errorf("memory usage: %w", err)
	}
	return &mcp.CallToolResult{}, GetMemoryUsageOutput{TopMemoryUsage: report.TopMemoryUsage}, nil
}

// Tool: get_cache_census

type GetCacheCensusInput struct{}

// The census and span reports carry their own ordered JSON encoding, which
// schema inference cannot see, so their output schemas are declared here.
var cacheCensusSchema = &jsonschema.Schema{
	Type:        "object",
	Description: "Entry count per host cache, including expiry entries, in configuration order",
	AdditionalProperties: &jsonschema.Schema{
		Type: "integer",
	},
}

func (s *Server) handleGetCacheCensus(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetCacheCensusInput,
) (*mcp.CallToolResult, diagnostics.CensusReport, error) {
	report, err := s.cfg.Cache.GetCacheCensus()
	if err != nil {
		return nil, nil, fmt.Errorf("cache census: %w", err)
	}
	if report == nil {
		report = diagnostics.CensusReport{}
	}
	return &mcp.CallToolResult{}, report, nil
}

// Tool: get_otel_spans

type GetOtelSpansInput struct{}

var stringList = &jsonschema.Schema{Type: "array", Items: &jsonschema.Schema{Type: "string"}}

var otelSpansSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"otel_spans": {
			Type:        "array",
			Items:       &jsonschema.Schema{Type: "string"},
			Description: "Names of all recorded spans in arrival order",
		},
		"spans_grouped_by_parent": {
			Type:                 "object",
			AdditionalProperties: stringList,
			Description:          "Child span names keyed by parent trace id, parents in first-seen order",
		},
		"most_recent_parent": {
			Types:       []string{"string", "null"},
			Description: "Parent trace id of the latest-starting parented span, or null",
		},
	},
	Required: []string{"otel_spans", "spans_grouped_by_parent", "most_recent_parent"},
}

// spanReport runs the span analyzer, turning a panic over malformed span
// data into an error.
func (s *Server) spanReport() (report diagnostics.SpanReport, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("span report panicked", zap.Any("panic", p))
			err = fmt.Errorf("span report: %v", p)
		}
	}()
	return s.cfg.Spans.GetOtelSpans(), nil
}

// handleGetOtelSpans returns the analyzer's report as is, so the tool output
// matches the HTTP body byte for byte.
func (s *Server) handleGetOtelSpans(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetOtelSpansInput,
) (*mcp.CallToolResult, diagnostics.SpanReport, error) {
	report, err := s.spanReport()
	if err != nil {
		return nil, diagnostics.SpanReport{}, err
	}
	return &mcp.CallToolResult{}, report, nil
}

// Tool: get_stats

type GetStatsInput struct{}

type GetStatsOutput struct {
	SpanCount int    `json:"span_count" jsonschema:"Spans currently held"`
	Capacity  int    `json:"capacity" jsonschema:"Maximum spans held before the oldest are evicted"`
	Received  uint64 `json:"received" jsonschema:"Spans received since start"`
	Evicted   uint64 `json:"evicted" jsonschema:"Spans evicted to make room"`
	Rejected  uint64 `json:"rejected" jsonschema:"Spans dropped for lacking a valid trace id"`
}

func (s *Server) handleGetStats(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input GetStatsInput,
) (*mcp.CallToolResult, GetStatsOutput, error) {
	stats := s.cfg.Storage.Stats()
	return &mcp.CallToolResult{}, GetStatsOutput{
		SpanCount: stats.SpanCount,
		Capacity:  stats.Capacity,
		Received:  stats.Received,
		Evicted:   stats.Evicted,
		Rejected:  stats.Rejected,
	}, nil
}

// Tool: clear_spans

type ClearSpansInput struct{}

type ClearSpansOutput struct {
	Message string `json:"message" jsonschema:"Confirmation message"`
}

func (s *Server) handleClearSpans(
	ctx context.Context,
	req *mcp.CallToolRequest,
	input ClearSpansInput,
) (*mcp.CallToolResult, ClearSpansOutput, error) {
	before := s.cfg.Storage.Stats().SpanCount
	s.cfg.Storage.Clear()
	return &mcp.CallToolResult{}, ClearSpansOutput{
		Message: fmt.Sprintf("cleared %d spans", before),
	}, nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_otlp_endpoint",
		Description: "START HERE: Get the OTLP gRPC endpoint address, then set OTEL_EXPORTER_OTLP_ENDPOINT=<endpoint> when running programs. Spans exported there feed get_otel_spans.",
	}, s.handleGetOTLPEndpoint)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_otel_spans",
		Description:  "Span lineage report: names of every recorded span, child span names grouped by parent trace id, and the parent of the most recently started child span.",
		OutputSchema: otelSpansSchema,
	}, s.handleGetOtelSpans)

	if s.cfg.DiagnosticsEnabled {
		mcp.AddTool(s.mcpServer, &mcp.Tool{
			Name:        "get_memory_usage",
			Description: "Top 50 live allocation sites by size, each with its call stack. Forces a garbage collection, so avoid calling it in a tight loop.",
		}, s.handleGetMemoryUsage)

		mcp.AddTool(s.mcpServer, &mcp.Tool{
			Name:        "get_cache_census",
			Description:  "Entry counts of the host caches (API keys, router, usage). Fails if a cache has not been created yet.",
			OutputSchema: cacheCensusSchema,
		}, s.handleGetCacheCensus)
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_stats",
		Description: "Span buffer health: how many spans are held, the capacity, and how many were received or evicted.",
	}, s.handleGetStats)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "clear_spans",
		Description: "Drop all recorded spans. The span lineage report starts over from empty.",
	}, s.handleClearSpans)
}
