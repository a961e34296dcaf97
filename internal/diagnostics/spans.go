package diagnostics

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// InitialStartTime is the comparison floor for picking the most recent
// parent. A parented span must start strictly after it to be considered,
// so spans with small relative timestamps never qualify.
const InitialStartTime uint64 = 1_000_000

// ParentRef identifies the trace a parented span belongs to.
type ParentRef struct {
	TraceID string
}

// Span is a finished span as reported by a SpanSource.
type Span struct {
	Name      string
	TraceID   string
	Parent    *ParentRef // nil for root spans
	StartTime uint64
}

// SpanSource yields the spans recorded so far, in recording order.
type SpanSource interface {
	FinishedSpans() []Span
}

// SpanGroups maps a parent trace id to its child span names, keeping
// parents in first-seen order.
type SpanGroups struct {
	order    []string
	children map[string][]string
}

func newSpanGroups() *SpanGroups {
	return &SpanGroups{children: make(map[string][]string)}
}

func (g *SpanGroups) add(parent, name string) {
	if _, ok := g.children[parent]; !ok {
		g.order = append(g.order, parent)
	}
	g.children[parent] = append(g.children[parent], name)
}

// Parents returns parent trace ids in first-seen order.
func (g *SpanGroups) Parents() []string {
	return append([]string(nil), g.order...)
}

// Children returns the child span names recorded under parent.
func (g *SpanGroups) Children(parent string) []string {
	return g.children[parent]
}

// Len returns the number of distinct parents.
func (g *SpanGroups) Len() int {
	return len(g.order)
}

func (g *SpanGroups) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range g.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		names, err := json.Marshal(g.children[p])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(names)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SpanReport is the JSON body served for the span endpoint.
type SpanReport struct {
	OtelSpans            []string    `json:"otel_spans"`
	SpansGroupedByParent *SpanGroups `json:"spans_grouped_by_parent"`
	MostRecentParent     *string     `json:"most_recent_parent"`
}

// SpanAnalyzer reconstructs parent groupings from a span source.
type SpanAnalyzer struct {
	source SpanSource
}

// NewSpanAnalyzer creates an analyzer over source.
func NewSpanAnalyzer(source SpanSource) *SpanAnalyzer {
	return &SpanAnalyzer{source: source}
}

// GetOtelSpans reads the current spans from the source and analyzes them.
func (a *SpanAnalyzer) GetOtelSpans() SpanReport {
	var spans []Span
	if a.source != nil {
		spans = a.source.FinishedSpans()
	}
	return AnalyzeSpans(spans)
}

// AnalyzeSpans groups parented spans by parent trace id and picks the parent
// of the latest-starting span above InitialStartTime. Ties keep the earlier
// span. A parent reference without a trace id panics.
func AnalyzeSpans(spans []Span) SpanReport {
	groups := newSpanGroups()
	var mostRecentParent *string
	mostRecentStart := InitialStartTime

	for _, span := range spans {
		if span.Parent == nil {
			continue
		}
		parentID := span.Parent.TraceID
		if parentID == "" {
			panic(fmt.Sprintf("diagnostics: span %q has a parent reference without a trace id", span.Name))
		}
		groups.add(parentID, span.Name)

		if span.StartTime > mostRecentStart {
			id := parentID
			mostRecentParent = &id
			mostRecentStart = span.StartTime
		}
	}

	names := make([]string, 0, len(spans))
	for _, span := range spans {
		names = append(names, span.Name)
	}

	return SpanReport{
		OtelSpans:            names,
		SpansGroupedByParent: groups,
		MostRecentParent:     mostRecentParent,
	}
}
