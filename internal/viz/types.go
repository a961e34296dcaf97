// Package viz renders diagnostics reports as fixed-width text for terminals
// and MCP resources. It holds no state.
package viz

// BufferStats describes span buffer fill and churn for the stats overview.
type BufferStats struct {
	SpanCount    int
	SpanCapacity int
	Received     uint64
	Evicted      uint64
	Rejected     uint64
}
