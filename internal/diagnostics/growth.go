package diagnostics

import (
	"cmp"
	"fmt"
	"runtime"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// MostCommonSites is the number of call sites listed in a growth summary.
const MostCommonSites = 10

// GrowthSummary describes how the heap changed since the previous report.
type GrowthSummary struct {
	HeapObjects      uint64
	HeapObjectsDelta int64
	HeapAllocBytes   uint64
	Goroutines       int
	GoroutinesDelta  int
	MostCommon       []string // call sites holding the most live objects
}

// GrowthReporter tracks heap object growth between calls. It is an
// operator aid only and never feeds the primary reports.
type GrowthReporter struct {
	tracker AllocationTracker

	mu             sync.Mutex
	lastObjects    uint64
	lastGoroutines int
	readStats      func(*runtime.MemStats)
	numGoroutine   func() int
}

// NewGrowthReporter creates a growth reporter. tracker may be nil, in which
// case MostCommon is left empty.
func NewGrowthReporter(tracker AllocationTracker) *GrowthReporter {
	return &GrowthReporter{
		tracker:      tracker,
		readStats:    runtime.ReadMemStats,
		numGoroutine: runtime.NumGoroutine,
	}
}

// Report computes the growth since the previous call. The first call reports
// growth from zero.
func (g *GrowthReporter) Report() (GrowthSummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ms runtime.MemStats
	g.readStats(&ms)
	goroutines := g.numGoroutine()

	summary := GrowthSummary{
		HeapObjects:      ms.HeapObjects,
		HeapObjectsDelta: int64(ms.HeapObjects) - int64(g.lastObjects),
		HeapAllocBytes:   ms.HeapAlloc,
		Goroutines:       goroutines,
		GoroutinesDelta:  goroutines - g.lastGoroutines,
	}
	g.lastObjects = ms.HeapObjects
	g.lastGoroutines = goroutines

	if g.tracker == nil {
		return summary, nil
	}

	stats, err := g.tracker.Snapshot()
	if err != nil {
		return summary, fmt.Errorf("most common call sites: %w", err)
	}
	stats = slices.Clone(stats)
	slices.SortStableFunc(stats, func(a, b AllocationStat) int {
		return cmp.Compare(b.Count, a.Count)
	})
	for i, stat := range stats {
		if i == MostCommonSites {
			break
		}
		site := "unknown"
		if len(stat.Traceback) > 0 {
			site = stat.Traceback[0].String()
		}
		summary.MostCommon = append(summary.MostCommon, fmt.Sprintf("%s: %d objects", site, stat.Count))
	}

	return summary, nil
}

// LogGrowth writes a growth summary to logger. Failures are logged at warn
// level and otherwise ignored.
func LogGrowth(logger *zap.Logger, g *GrowthReporter) {
	if logger == nil || g == nil {
		return
	}
	summary, err := g.Report()
	if err != nil {
		logger.Warn("growth report incomplete", zap.Error(err))
	}
	logger.Info("heap growth",
		zap.Uint64("heap_objects", summary.HeapObjects),
		zap.Int64("heap_objects_delta", summary.HeapObjectsDelta),
		zap.Uint64("heap_alloc_bytes", summary.HeapAllocBytes),
		zap.Int("goroutines", summary.Goroutines),
		zap.Int("goroutines_delta", summary.GoroutinesDelta),
		zap.Strings("most_common", summary.MostCommon),
	)
}
