package viz

import (
	"fmt"
	"strings"

	"github.com/tobert/otlp-debugz/internal/diagnostics"
)

const barWidth = 20

// StatsOverview renders the span buffer fill bar and churn counters.
func StatsOverview(stats BufferStats) string {
	var b strings.Builder

	b.WriteString("Buffer Health\n")
	writeBar(&b, "Spans", stats.SpanCount, stats.SpanCapacity)
	fmt.Fprintf(&b, "  Received: %s\n", formatCount(int(stats.Received)))
	fmt.Fprintf(&b, "  Evicted:  %s\n", formatCount(int(stats.Evicted)))
	if stats.Rejected > 0 {
		fmt.Fprintf(&b, "  Rejected: %s\n", formatCount(int(stats.Rejected)))
	}

	return b.String()
}

func writeBar(b *strings.Builder, label string, count, capacity int) {
	filled := 0
	if capacity > 0 {
		filled = count * barWidth / capacity
	}
	filled = min(max(filled, 0), barWidth)

	bar := strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled)

	fmt.Fprintf(b, "  %-8s [%s]  %s / %s\n", label, bar, formatCount(count), formatCount(capacity))
}

// CensusSummary renders a horizontal bar chart of cache sizes in report
// order. Bars are scaled to the largest cache. Width caps the name column;
// 0 uses 80 columns.
func CensusSummary(report diagnostics.CensusReport, width int) string {
	if len(report) == 0 {
		return ""
	}
	if width <= 0 {
		width = defaultWidth
	}

	total, maxCount, maxNameLen := 0, 0, 0
	for _, c := range report {
		total += c.Size
		maxCount = max(maxCount, c.Size)
		maxNameLen = max(maxNameLen, len([]rune(c.Key)))
	}
	// Layout: "  " + name + "  " + bar + "  " + count
	maxNameLen = min(maxNameLen, width-barWidth-16)
	maxNameLen = max(maxNameLen, minLabelCols)

	var b strings.Builder
	fmt.Fprintf(&b, "Cache Census (%d caches, %s entries)\n", len(report), formatCount(total))

	for _, c := range report {
		barLen := 0
		if maxCount > 0 {
			barLen = c.Size * barWidth / maxCount
		}
		if barLen < 1 && c.Size > 0 {
			barLen = 1
		}
		name := truncate(c.Key, maxNameLen)
		pad := strings.Repeat(" ", maxNameLen-len([]rune(name)))
		fmt.Fprintf(&b, "  %s%s  %s%s  %s\n", name, pad,
			strings.Repeat("#", barLen), strings.Repeat(" ", barWidth-barLen), formatCount(c.Size))
	}

	return b.String()
}

func formatCount(n int) string {
	if n < 0 {
		return "-" + formatCount(-n)
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1_000_000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1_000_000, (n%1_000_000)/1000, n%1000)
}
