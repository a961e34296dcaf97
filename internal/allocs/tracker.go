// Package allocs tracks live heap allocations using the Go runtime heap
// profile and turns them into per-call-site statistics.
package allocs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/google/pprof/profile"
	"github.com/tobert/otlp-debugz/internal/diagnostics"
)

// DefaultDepth is the number of frames kept per call site.
const DefaultDepth = 10

// ErrNotStarted is returned by Snapshot before Start has been called.
var ErrNotStarted = errors.New("allocation tracking not started")

// Config controls heap tracking.
type Config struct {
	// Depth is the number of frames kept per call site (default 10).
	Depth int

	// ProfileRate, when positive, replaces runtime.MemProfileRate.
	// Lower values sample more allocations at a higher cost.
	ProfileRate int
}

// Tracker produces snapshots of live heap allocations grouped by call site.
// It implements diagnostics.AllocationTracker.
type Tracker struct {
	mu      sync.Mutex
	started bool
	depth   int

	writeProfile func(io.Writer) error
	collect      func()
}

// New creates a tracker that has not been started.
func New() *Tracker {
	return &Tracker{
		depth:        DefaultDepth,
		writeProfile: writeHeapProfile,
		collect:      runtime.GC,
	}
}

// Start enables tracking. Calling Start again updates the configuration.
func (t *Tracker) Start(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cfg.Depth > 0 {
		t.depth = cfg.Depth
	}
	if cfg.ProfileRate > 0 {
		runtime.MemProfileRate = cfg.ProfileRate
	}
	t.started = true
}

// Started reports whether Start has been called.
func (t *Tracker) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Snapshot runs a garbage collection so the heap profile reflects live
// objects, then returns one stat per call site with live bytes.
func (t *Tracker) Snapshot() ([]diagnostics.AllocationStat, error) {
	t.mu.Lock()
	started, depth := t.started, t.depth
	t.mu.Unlock()

	if !started {
		return nil, ErrNotStarted
	}

	t.collect()

	var buf bytes.Buffer
	if err := t.writeProfile(&buf); err != nil {
		return nil, fmt.Errorf("failed to write heap profile: %w", err)
	}

	prof, err := profile.Parse(&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse heap profile: %w", err)
	}

	return statsFromProfile(prof, depth)
}

func writeHeapProfile(w io.Writer) error {
	p := pprof.Lookup("heap")
	if p == nil {
		return errors.New("heap profile not available")
	}
	return p.WriteTo(w, 0)
}

// statsFromProfile converts heap profile samples to allocation stats.
// Samples without live bytes are dropped; frames are innermost first.
func statsFromProfile(prof *profile.Profile, depth int) ([]diagnostics.AllocationStat, error) {
	spaceIdx, objectsIdx := -1, -1
	for i, st := range prof.SampleType {
		switch st.Type {
		case "inuse_space":
			spaceIdx = i
		case "inuse_objects":
			objectsIdx = i
		}
	}
	if spaceIdx < 0 {
		return nil, errors.New("heap profile has no inuse_space sample type")
	}

	stats := make([]diagnostics.AllocationStat, 0, len(prof.Sample))
	for _, sample := range prof.Sample {
		size := sample.Value[spaceIdx]
		if size <= 0 {
			continue
		}
		stat := diagnostics.AllocationStat{
			Size:      size,
			Traceback: framesOf(sample, depth),
		}
		if objectsIdx >= 0 {
			stat.Count = sample.Value[objectsIdx]
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

func framesOf(sample *profile.Sample, depth int) []diagnostics.Frame {
	var frames []diagnostics.Frame
	for _, loc := range sample.Location {
		// Inlined calls appear as extra lines, callee first.
		for _, line := range loc.Line {
			if len(frames) == depth {
				return frames
			}
			frame := diagnostics.Frame{Line: line.Line}
			if line.Function != nil {
				frame.File = line.Function.Filename
				frame.Function = line.Function.Name
			}
			frames = append(frames, frame)
		}
	}
	return frames
}
