package viz

import (
	"fmt"
	"strings"

	"github.com/tobert/otlp-debugz/internal/diagnostics"
)

const (
	maxParents          = 20
	maxChildrenPerGroup = 50
	defaultWidth        = 80
	minLabelCols        = 8
)

// Lineage renders the parent groups of a span report as a tree. Parents
// appear in first-seen order and the most recent parent is marked with '*'.
// Width caps each line; 0 uses 80 columns.
func Lineage(report diagnostics.SpanReport, width int) string {
	if width <= 0 {
		width = defaultWidth
	}

	var b strings.Builder
	groups := report.SpansGroupedByParent
	parents := 0
	if groups != nil {
		parents = groups.Len()
	}
	fmt.Fprintf(&b, "Span Lineage (%s spans, %s parents)\n",
		formatCount(len(report.OtelSpans)), formatCount(parents))
	if parents == 0 {
		b.WriteString("  no parented spans\n")
		return b.String()
	}

	recent := ""
	if report.MostRecentParent != nil {
		recent = *report.MostRecentParent
	}

	ids := groups.Parents()
	overflow := 0
	if len(ids) > maxParents {
		overflow = len(ids) - maxParents
		ids = ids[:maxParents]
	}

	for _, id := range ids {
		renderGroup(&b, id, groups.Children(id), id == recent, width)
	}
	if overflow > 0 {
		fmt.Fprintf(&b, "  ... +%d more parents\n", overflow)
	}
	if recent != "" {
		fmt.Fprintf(&b, "Most recent parent: %s\n", truncate(recent, width-len("Most recent parent: ")))
	}

	return b.String()
}

func renderGroup(b *strings.Builder, parent string, children []string, recent bool, width int) {
	marker := " "
	if recent {
		marker = "*"
	}
	suffix := fmt.Sprintf(" (%d)", len(children))
	// Layout: marker + " " + parent + suffix
	label := truncate(parent, width-2-len(suffix))
	fmt.Fprintf(b, "%s %s%s\n", marker, label, suffix)

	overflow := 0
	if len(children) > maxChildrenPerGroup {
		overflow = len(children) - maxChildrenPerGroup
		children = children[:maxChildrenPerGroup]
	}

	for i, name := range children {
		branch := "├─ "
		if i == len(children)-1 && overflow == 0 {
			branch = "└─ "
		}
		// Tree-drawing runes are multi-byte but one column wide.
		fmt.Fprintf(b, "  %s%s\n", branch, truncate(name, width-5))
	}
	if overflow > 0 {
		fmt.Fprintf(b, "  └─ ... +%d more\n", overflow)
	}
}

// truncate shortens s to cols columns, ending with an ellipsis when cut.
func truncate(s string, cols int) string {
	cols = max(cols, minLabelCols)
	r := []rune(s)
	if len(r) <= cols {
		return s
	}
	return string(r[:cols-1]) + "…"
}
