package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tobert/otlp-debugz/internal/viz"
)

// registerResources registers the text MCP resources. The census resource
// exists only when diagnostics are enabled.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "otlp://endpoint",
		Name:        "endpoint",
		Description: "OTLP gRPC endpoint address and environment variable suggestions.",
		MIMEType:    "text/plain",
	}, s.handleEndpointResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "debugz://stats",
		Name:        "stats",
		Description: "Span buffer fill level and churn.",
		MIMEType:    "text/plain",
	}, s.handleStatsResource)

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         "debugz://lineage",
		Name:        "lineage",
		Description: "Parented spans grouped under their parent trace, with the most recent parent marked.",
		MIMEType:    "text/plain",
	}, s.handleLineageResource)

	if s.cfg.DiagnosticsEnabled {
		s.mcpServer.AddResource(&mcp.Resource{
			URI:         "debugz://census",
			Name:        "census",
			Description: "Bar chart of host cache sizes.",
			MIMEType:    "text/plain",
		}, s.handleCensusResource)
	}
}

func (s *Server) handleEndpointResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	var b strings.Builder
	b.WriteString("OTLP Endpoint\n")
	b.WriteString("═════════════\n")
	fmt.Fprintf(&b, "  Address:   %s\n", s.cfg.Endpoint)
	b.WriteString("  Protocol:  grpc\n")
	if s.cfg.HTTPAddr != "" {
		fmt.Fprintf(&b, "  Reports:   http://%s\n", s.cfg.HTTPAddr)
	}
	b.WriteString("\n  Environment Variables:\n")
	fmt.Fprintf(&b, "    OTEL_EXPORTER_OTLP_ENDPOINT=%s\n", s.cfg.Endpoint)
	b.WriteString("    OTEL_EXPORTER_OTLP_PROTOCOL=grpc\n")

	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) handleStatsResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	stats := s.cfg.Storage.Stats()

	var b strings.Builder
	b.WriteString(viz.StatsOverview(viz.BufferStats{
		SpanCount:    stats.SpanCount,
		SpanCapacity: stats.Capacity,
		Received:     stats.Received,
		Evicted:      stats.Evicted,
		Rejected:     stats.Rejected,
	}))
	fmt.Fprintf(&b, "\n  Diagnostics: %s\n", onOff(s.cfg.DiagnosticsEnabled))

	return textResult(req.Params.URI, b.String()), nil
}

func (s *Server) handleLineageResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	report, err := s.spanReport()
	if err != nil {
		return nil, err
	}
	return textResult(req.Params.URI, viz.Lineage(report, 0)), nil
}

func (s *Server) handleCensusResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	report, err := s.cfg.Cache.GetCacheCensus()
	if err != nil {
		return nil, fmt.Errorf("cache census: %w", err)
	}
	text := viz.CensusSummary(report, 0)
	if text == "" {
		text = "Cache Census (0 caches)\n"
	}
	return textResult(req.Params.URI, text), nil
}

func textResult(uri, text string) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:  uri,
			Text: text,
		}},
	}
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
