// Package filereader tails OTLP JSONL trace files written by the
// OpenTelemetry Collector's file exporter and feeds the spans to the same
// receiver the gRPC endpoint uses.
package filereader

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
)

const (
	// OTLP JSON lines can be large when many spans are batched together.
	lineBufferInitial = 1 * 1024 * 1024
	lineBufferMax     = 10 * 1024 * 1024

	// ActiveFileName is the file the exporter appends to; rotated files
	// carry a timestamp suffix.
	ActiveFileName = "traces.jsonl"
)

// SpanReceiver is the subset of storage the reader writes to.
type SpanReceiver interface {
	ReceiveSpans(ctx context.Context, resourceSpans []*tracepb.ResourceSpans) error
}

// Config holds configuration for a FileSource.
type Config struct {
	// Directory holds the trace files, either directly or in a traces/
	// subdirectory.
	Directory string

	// ActiveOnly skips rotated archives such as
	// traces-2025-12-09T13-10-56.jsonl.
	ActiveOnly bool

	Logger *zap.Logger
}

// FileSource loads and then follows the trace files of one directory.
type FileSource struct {
	dir        string
	receiver   SpanReceiver
	activeOnly bool
	logger     *zap.Logger
	watcher    *fsnotify.Watcher

	mu      sync.Mutex
	offsets map[string]int64
	spans   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a FileSource for cfg.Directory.
func New(cfg Config, receiver SpanReceiver) (*FileSource, error) {
	if cfg.Directory == "" {
		return nil, errors.New("directory is required")
	}
	if receiver == nil {
		return nil, errors.New("span receiver cannot be nil")
	}

	dir := cfg.Directory
	if info, err := os.Stat(filepath.Join(dir, "traces")); err == nil && info.IsDir() {
		dir = filepath.Join(dir, "traces")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot access directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FileSource{
		dir:        dir,
		receiver:   receiver,
		activeOnly: cfg.ActiveOnly,
		logger:     logger.With(zap.String("directory", dir)),
		watcher:    watcher,
		offsets:    make(map[string]int64),
	}, nil
}

// Start loads existing files, then follows new writes in the background
// until Stop is called or ctx ends.
func (fs *FileSource) Start(ctx context.Context) error {
	if err := fs.watcher.Add(fs.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", fs.dir, err)
	}

	files, err := fs.traceFiles()
	if err != nil {
		return fmt.Errorf("failed to list trace files: %w", err)
	}
	for _, file := range files {
		n, err := fs.load(ctx, file)
		if err != nil {
			fs.logger.Warn("failed to load trace file", zap.String("file", file), zap.Error(err))
			continue
		}
		fs.logger.Debug("loaded trace file", zap.String("file", filepath.Base(file)), zap.Int("lines", n))
	}

	watchCtx, cancel := context.WithCancel(ctx)
	fs.cancel = cancel
	fs.wg.Add(1)
	go fs.watchLoop(watchCtx)
	return nil
}

// Stop ends watching and waits for the background loop to exit.
func (fs *FileSource) Stop() {
	if fs.cancel != nil {
		fs.cancel()
	}
	fs.watcher.Close()
	fs.wg.Wait()
}

// Directory returns the directory being read.
func (fs *FileSource) Directory() string {
	return fs.dir
}

// traceFiles returns the JSONL files to load, oldest first.
func (fs *FileSource) traceFiles() ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var files []candidate
	for _, entry := range entries {
		if entry.IsDir() || !fs.wanted(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{filepath.Join(fs.dir, entry.Name()), info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

func (fs *FileSource) wanted(name string) bool {
	if !strings.HasSuffix(name, ".jsonl") && !strings.Contains(name, ".jsonl.") {
		return false
	}
	return !fs.activeOnly || name == ActiveFileName
}

// load reads path from its last offset and returns the lines accepted.
// Malformed lines are skipped.
func (fs *FileSource) load(ctx context.Context, path string) (int, error) {
	fs.mu.Lock()
	offset := fs.offsets[path]
	fs.mu.Unlock()

	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	if info, err := file.Stat(); err == nil && info.Size() < offset {
		offset = 0 // truncated or rotated in place
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek %s: %w", path, err)
	}

	reader := bufio.NewReaderSize(file, lineBufferInitial)
	count, spans := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// A partial trailing line is re-read once the exporter finishes it.
			break
		}
		if err != nil {
			return count, fmt.Errorf("reading %s: %w", path, err)
		}
		offset += int64(len(line))

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if len(line) > lineBufferMax {
			fs.logger.Warn("skipping oversized line", zap.String("file", filepath.Base(path)), zap.Int("bytes", len(line)))
			continue
		}

		var data tracepb.TracesData
		if err := protojson.Unmarshal(line, &data); err != nil {
			fs.logger.Debug("skipping malformed line", zap.String("file", filepath.Base(path)), zap.Error(err))
			continue
		}
		if len(data.ResourceSpans) > 0 {
			if err := fs.receiver.ReceiveSpans(ctx, data.ResourceSpans); err != nil {
				return count, fmt.Errorf("receive spans: %w", err)
			}
		}
		spans += countSpans(data.ResourceSpans)
		count++
	}

	fs.mu.Lock()
	fs.offsets[path] = offset
	fs.spans += spans
	fs.mu.Unlock()

	return count, nil
}

func countSpans(resourceSpans []*tracepb.ResourceSpans) int {
	n := 0
	for _, rs := range resourceSpans {
		for _, ss := range rs.ScopeSpans {
			n += len(ss.Spans)
		}
	}
	return n
}

func (fs *FileSource) watchLoop(ctx context.Context) {
	defer fs.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !fs.wanted(filepath.Base(event.Name)) {
				continue
			}
			n, err := fs.load(ctx, event.Name)
			if err != nil {
				if ctx.Err() == nil {
					fs.logger.Warn("failed to read trace file", zap.String("file", event.Name), zap.Error(err))
				}
				continue
			}
			if n > 0 {
				fs.logger.Debug("loaded new trace lines", zap.String("file", filepath.Base(event.Name)), zap.Int("lines", n))
			}

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// Stats describes a file source.
type Stats struct {
	Directory    string `json:"directory"`
	FilesTracked int    `json:"files_tracked"`
	SpansRead    int    `json:"spans_read"`
}

// Stats returns current statistics.
func (fs *FileSource) Stats() Stats {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return Stats{
		Directory:    fs.dir,
		FilesTracked: len(fs.offsets),
		SpansRead:    fs.spans,
	}
}
