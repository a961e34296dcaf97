package diagnostics

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	// TopAllocations is the number of allocation sites kept in a memory report.
	TopAllocations = 50

	// TracebackLimit is the number of frames rendered per allocation site.
	TracebackLimit = 10
)

// Frame identifies one call-site frame of an allocation traceback.
type Frame struct {
	File     string
	Line     int64
	Function string
}

// AllocationStat is one call site from an allocation snapshot.
// Traceback order is whatever the tracker produced and is never re-derived.
type AllocationStat struct {
	Traceback []Frame
	Size      int64 // live bytes
	Count     int64 // live objects
}

// AllocationTracker produces snapshots of currently live allocations.
// Snapshot may block while the tracker collects its data.
type AllocationTracker interface {
	Snapshot() ([]AllocationStat, error)
}

// MemoryReport is the JSON body served for the memory usage endpoint.
type MemoryReport struct {
	TopMemoryUsage []string `json:"top_50_memory_usage"`
}

// MemoryReporter ranks allocation sites from a fresh snapshot.
type MemoryReporter struct {
	tracker AllocationTracker
	logger  *zap.Logger
}

// NewMemoryReporter creates a reporter backed by tracker.
// A nil logger disables debug logging.
func NewMemoryReporter(tracker AllocationTracker, logger *zap.Logger) *MemoryReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryReporter{tracker: tracker, logger: logger}
}

// GetMemoryUsage takes a snapshot and returns the largest allocation sites,
// sorted by size descending with ties kept in tracker order.
func (r *MemoryReporter) GetMemoryUsage() (MemoryReport, error) {
	if r.tracker == nil {
		return MemoryReport{}, ErrDiagnosticsUnavailable
	}

	stats, err := r.tracker.Snapshot()
	if err != nil {
		return MemoryReport{}, fmt.Errorf("%w: %v", ErrDiagnosticsUnavailable, err)
	}

	top := TopStats(stats, TopAllocations)
	r.logger.Debug("top allocation stats",
		zap.Int("sites", len(stats)),
		zap.Int("reported", len(top)),
	)

	result := make([]string, 0, len(top))
	for _, stat := range top {
		result = append(result, FormatStat(stat))
	}

	return MemoryReport{TopMemoryUsage: result}, nil
}

// TopStats returns up to n stats ordered by size descending.
// The input slice is not modified.
func TopStats(stats []AllocationStat, n int) []AllocationStat {
	sorted := slices.Clone(stats)
	slices.SortStableFunc(sorted, func(a, b AllocationStat) int {
		return cmp.Compare(b.Size, a.Size)
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// FormatStat renders a stat as "<traceback>: <KiB> KiB".
func FormatStat(stat AllocationStat) string {
	return FormatTraceback(stat.Traceback, TracebackLimit) + ": " + formatKiB(stat.Size) + " KiB"
}

// FormatTraceback renders at most limit frames as a bracketed list of quoted
// frame descriptions.
func FormatTraceback(frames []Frame, limit int) string {
	if limit >= 0 && len(frames) > limit {
		frames = frames[:limit]
	}

	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range frames {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.Quote(f.String()))
	}
	sb.WriteByte(']')
	return sb.String()
}

func (f Frame) String() string {
	return fmt.Sprintf("File %q, line %d, in %s", f.File, f.Line, f.Function)
}

func formatKiB(size int64) string {
	return strconv.FormatFloat(float64(size)/1024, 'f', -1, 64)
}
