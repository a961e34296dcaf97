package diagnostics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	stats []AllocationStat
	err   error
	calls int
}

func (f *fakeTracker) Snapshot() ([]AllocationStat, error) {
	f.calls++
	return f.stats, f.err
}

func makeStat(size int64, fn string) AllocationStat {
	return AllocationStat{
		Traceback: []Frame{{File: "/src/app/" + fn + ".go", Line: 42, Function: "app." + fn}},
		Size:      size,
		Count:     1,
	}
}

// parseKiB extracts the KiB value from a formatted stat line.
func parseKiB(t *testing.T, line string) float64 {
	t.Helper()
	idx := strings.LastIndex(line, ": ")
	require.GreaterOrEqual(t, idx, 0, "line %q has no size separator", line)
	value := strings.TrimSuffix(line[idx+2:], " KiB")
	kib, err := strconv.ParseFloat(value, 64)
	require.NoError(t, err)
	return kib
}

func TestGetMemoryUsageSortsDescending(t *testing.T) {
	tracker := &fakeTracker{stats: []AllocationStat{
		makeStat(100, "small"),
		makeStat(4096, "large"),
		makeStat(1536, "medium"),
	}}
	reporter := NewMemoryReporter(tracker, nil)

	report, err := reporter.GetMemoryUsage()
	require.NoError(t, err)
	require.Len(t, report.TopMemoryUsage, 3)
	assert.Equal(t, 1, tracker.calls)

	assert.Contains(t, report.TopMemoryUsage[0], "app.large")
	assert.Contains(t, report.TopMemoryUsage[1], "app.medium")
	assert.Contains(t, report.TopMemoryUsage[2], "app.small")

	assert.Equal(t, 4.0, parseKiB(t, report.TopMemoryUsage[0]))
	assert.Equal(t, 1.5, parseKiB(t, report.TopMemoryUsage[1]))
	assert.Equal(t, 100.0/1024, parseKiB(t, report.TopMemoryUsage[2]))
}

func TestGetMemoryUsageKeepsTopFifty(t *testing.T) {
	var stats []AllocationStat
	for i := 1; i <= 120; i++ {
		stats = append(stats, makeStat(int64(i*10), fmt.Sprintf("site%d", i)))
	}
	reporter := NewMemoryReporter(&fakeTracker{stats: stats}, nil)

	report, err := reporter.GetMemoryUsage()
	require.NoError(t, err)
	require.Len(t, report.TopMemoryUsage, TopAllocations)

	prev := parseKiB(t, report.TopMemoryUsage[0])
	assert.Equal(t, 1200.0/1024, prev)
	for _, line := range report.TopMemoryUsage[1:] {
		kib := parseKiB(t, line)
		assert.LessOrEqual(t, kib, prev)
		prev = kib
	}
	// The 50th largest of 10..1200 is 710 bytes.
	assert.Equal(t, 710.0/1024, prev)
}

func TestTopStatsStableOnTies(t *testing.T) {
	stats := []AllocationStat{
		makeStat(64, "first"),
		makeStat(128, "big"),
		makeStat(64, "second"),
		makeStat(64, "third"),
	}

	top := TopStats(stats, 10)
	require.Len(t, top, 4)
	names := make([]string, 0, len(top))
	for _, s := range top {
		names = append(names, s.Traceback[0].Function)
	}
	assert.Equal(t, []string{"app.big", "app.first", "app.second", "app.third"}, names)

	// Input order must be left alone.
	assert.Equal(t, "app.first", stats[0].Traceback[0].Function)
}

func TestGetMemoryUsageEmptySnapshot(t *testing.T) {
	reporter := NewMemoryReporter(&fakeTracker{}, nil)

	report, err := reporter.GetMemoryUsage()
	require.NoError(t, err)
	assert.NotNil(t, report.TopMemoryUsage)
	assert.Empty(t, report.TopMemoryUsage)
}

func TestGetMemoryUsageTrackerFailure(t *testing.T) {
	reporter := NewMemoryReporter(&fakeTracker{err: errors.New("heap tracking not started")}, nil)

	_, err := reporter.GetMemoryUsage()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDiagnosticsUnavailable)
	assert.Contains(t, err.Error(), "heap tracking not started")
}

func TestGetMemoryUsageNilTracker(t *testing.T) {
	_, err := NewMemoryReporter(nil, nil).GetMemoryUsage()
	assert.ErrorIs(t, err, ErrDiagnosticsUnavailable)
}

func TestFormatTracebackLimit(t *testing.T) {
	var frames []Frame
	for i := 0; i < 15; i++ {
		frames = append(frames, Frame{File: "f.go", Line: int64(i), Function: fmt.Sprintf("fn%d", i)})
	}

	out := FormatTraceback(frames, TracebackLimit)
	assert.True(t, strings.HasPrefix(out, "["))
	assert.True(t, strings.HasSuffix(out, "]"))
	assert.Contains(t, out, "fn0")
	assert.Contains(t, out, "fn9")
	assert.NotContains(t, out, "fn10")
	assert.Equal(t, 10, strings.Count(out, "File "))
}

func TestFormatStat(t *testing.T) {
	stat := AllocationStat{
		Traceback: []Frame{{File: "/src/main.go", Line: 7, Function: "main.main"}},
		Size:      2048,
	}
	assert.Equal(t, `["File \"/src/main.go\", line 7, in main.main"]: 2 KiB`, FormatStat(stat))
}
