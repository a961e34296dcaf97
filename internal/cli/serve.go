package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tobert/otlp-debugz/internal/allocs"
	"github.com/tobert/otlp-debugz/internal/cache"
	"github.com/tobert/otlp-debugz/internal/debugapi"
	"github.com/tobert/otlp-debugz/internal/diagnostics"
	"github.com/tobert/otlp-debugz/internal/filereader"
	"github.com/tobert/otlp-debugz/internal/mcpserver"
	"github.com/tobert/otlp-debugz/internal/otlpreceiver"
	"github.com/tobert/otlp-debugz/internal/selftrace"
	"github.com/tobert/otlp-debugz/internal/storage"
	"github.com/urfave/cli/v3"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// selfTraceFlushInterval is how often the server's own spans are moved into
// span storage.
const selfTraceFlushInterval = time.Second

// ServeCommand returns the CLI command definition for the 'serve' subcommand.
// This command starts the OTLP gRPC receiver and the diagnostics HTTP server,
// plus an MCP stdio server when asked.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the OTLP receiver and diagnostics server",
		Description: `Starts an OTLP gRPC receiver on localhost:0 (ephemeral port) and a
diagnostics HTTP server on localhost:4381. Spans exported to the receiver
are reported on /otel-spans. With --diagnostics, heap tracking starts and
/memory-usage and /memory-usage-in-mem-cache are served as well.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file (JSON or YAML)",
			},
			&cli.IntFlag{
				Name:  "span-buffer-size",
				Usage: "Number of spans to buffer",
				Value: 10_000,
			},
			&cli.StringFlag{
				Name:  "otlp-host",
				Usage: "OTLP server bind address",
				Value: "127.0.0.1",
			},
			&cli.IntFlag{
				Name:  "otlp-port",
				Usage: "OTLP server port (0 for ephemeral)",
				Value: 0,
			},
			&cli.StringFlag{
				Name:  "http-host",
				Usage: "Diagnostics HTTP bind address",
				Value: "127.0.0.1",
			},
			&cli.IntFlag{
				Name:  "http-port",
				Usage: "Diagnostics HTTP port",
				Value: 4381,
			},
			&cli.BoolFlag{
				Name:  "diagnostics",
				Usage: "Enable heap tracking and the memory endpoints (also DEBUGZ_PROFILE=true)",
			},
			&cli.StringSliceFlag{
				Name:  "span-dir",
				Usage: "Directory of OTLP JSONL trace files to load and follow (repeatable)",
			},
			&cli.StringFlag{
				Name:  "otel-config",
				Usage: "OpenTelemetry Collector config whose file exporters are followed",
			},
			&cli.BoolFlag{
				Name:  "mcp",
				Usage: "Also serve the reports as MCP tools on stdio",
			},
			&cli.StringFlag{
				Name:  "cache-ttl",
				Usage: "TTL of host cache entries (e.g. 10m)",
				Value: "10m",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable verbose logging",
			},
		},
		Action: runServe,
	}
}

// applyFlags overlays explicitly set flags onto cfg. Flag defaults never
// override file or environment values.
func applyFlags(cmd *cli.Command, cfg *Config) {
	if cmd.IsSet("span-buffer-size") {
		cfg.SpanBufferSize = cmd.Int("span-buffer-size")
	}
	if cmd.IsSet("otlp-host") {
		cfg.OTLPHost = cmd.String("otlp-host")
	}
	if cmd.IsSet("otlp-port") {
		cfg.OTLPPort = cmd.Int("otlp-port")
	}
	if cmd.IsSet("http-host") {
		cfg.HTTPHost = cmd.String("http-host")
	}
	if cmd.IsSet("http-port") {
		cfg.HTTPPort = cmd.Int("http-port")
	}
	if cmd.IsSet("diagnostics") {
		cfg.DiagnosticsEnabled = cmd.Bool("diagnostics")
	}
	if cmd.IsSet("span-dir") {
		cfg.SpanDirs = cmd.StringSlice("span-dir")
	}
	if cmd.IsSet("otel-config") {
		cfg.OtelConfig = cmd.String("otel-config")
	}
	if cmd.IsSet("mcp") {
		cfg.MCP = cmd.Bool("mcp")
	}
	if cmd.IsSet("cache-ttl") {
		cfg.CacheTTL = cmd.String("cache-ttl")
	}
	if cmd.IsSet("verbose") {
		cfg.Verbose = cmd.Bool("verbose")
	}
}

// runServe is the action handler for the serve command.
// It wires together all components: storage, caches, OTLP receiver,
// diagnostics and the HTTP and MCP servers.
func runServe(cliCtx context.Context, cmd *cli.Command) error {
	cfg, err := LoadEffectiveConfig(cmd.String("config"))
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	logger, err := NewLogger(cfg.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Debug("configuration",
		zap.Int("span_buffer_size", cfg.SpanBufferSize),
		zap.String("otlp_bind", fmt.Sprintf("%s:%d", cfg.OTLPHost, cfg.OTLPPort)),
		zap.String("http_bind", cfg.HTTPAddr()),
		zap.Bool("diagnostics", cfg.DiagnosticsEnabled),
		zap.Strings("span_dirs", cfg.SpanDirs),
		zap.Bool("mcp", cfg.MCP),
	)

	ctx, cancel := context.WithCancel(cliCtx)
	defer cancel()

	host, err := newHost(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer host.close()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	return host.run(ctx, cfg)
}

// host holds the running components of one serve invocation.
type host struct {
	logger    *zap.Logger
	storage   *storage.SpanStorage
	caches    *cache.HostCaches
	registry  *cache.Registry
	tracker   *allocs.Tracker
	recorder  *selftrace.Recorder
	receiver  *otlpreceiver.Server
	sources   []*filereader.FileSource
	debugAPI  *debugapi.Server
	mcpServer *mcpserver.Server

	otlpErr chan error
}

func newHost(ctx context.Context, cfg *Config, logger *zap.Logger) (*host, error) {
	ttl, err := cfg.CacheTTLDuration()
	if err != nil {
		return nil, err
	}
	sweep, err := cfg.SweepIntervalDuration()
	if err != nil {
		return nil, err
	}

	h := &host{
		logger:   logger,
		storage:  storage.NewSpanStorage(cfg.SpanBufferSize, storage.WithLogger(logger.Named("storage"))),
		caches:   cache.NewHostCaches(ttl, clockz.RealClock),
		registry: cache.NewRegistry(),
		tracker:  allocs.New(),
		otlpErr:  make(chan error, 1),
	}
	logger.Debug("created span storage", zap.Int("capacity", cfg.SpanBufferSize))

	if err := h.caches.Register(h.registry); err != nil {
		return nil, err
	}
	logger.Debug("registered host caches", zap.Strings("caches", h.registry.Names()))
	go h.registry.RunSweeper(ctx, sweep, logger.Named("cache"))

	h.recorder, err = selftrace.New(selftrace.Config{Logger: logger.Named("selftrace")}, h.storage)
	if err != nil {
		return nil, err
	}
	go h.recorder.Run(ctx, selfTraceFlushInterval)

	if cfg.DiagnosticsEnabled {
		h.tracker.Start(allocs.Config{Depth: cfg.AllocDepth})
		// Growth listing is a startup side channel; it never blocks serving.
		diagnostics.LogGrowth(logger.Named("growth"), diagnostics.NewGrowthReporter(h.tracker))
		logger.Info("heap tracking started", zap.Int("depth", cfg.AllocDepth))
	}

	h.receiver, err = otlpreceiver.NewServer(otlpreceiver.Config{
		Host:   cfg.OTLPHost,
		Port:   cfg.OTLPPort,
		Keys:   h.caches,
		Logger: logger.Named("otlp"),
	}, otlpreceiver.Tee(h.storage, h.caches))
	if err != nil {
		h.close()
		return nil, fmt.Errorf("failed to create OTLP server: %w", err)
	}
	go func() {
		h.otlpErr <- h.receiver.Start(ctx)
	}()

	endpoint := h.receiver.Endpoint()
	logger.Info("OTLP gRPC server listening",
		zap.String("endpoint", endpoint),
		zap.String("hint", "OTEL_EXPORTER_OTLP_ENDPOINT="+endpoint),
	)

	if err := h.startFileSources(ctx, cfg); err != nil {
		h.close()
		return nil, err
	}

	apiCfg := debugapi.Config{
		DiagnosticsEnabled: cfg.DiagnosticsEnabled,
		Spans:              diagnostics.NewSpanAnalyzer(h.storage),
		Notifier:           h.storage,
		Tracer:             h.recorder.Tracer(),
		Logger:             logger.Named("http"),
	}
	mcpCfg := mcpserver.Config{
		DiagnosticsEnabled: cfg.DiagnosticsEnabled,
		Spans:              apiCfg.Spans,
		Storage:            h.storage,
		Endpoint:           endpoint,
		HTTPAddr:           cfg.HTTPAddr(),
		Logger:             logger.Named("mcp"),
	}
	if cfg.DiagnosticsEnabled {
		memory := diagnostics.NewMemoryReporter(h.tracker, logger.Named("memory"))
		census := diagnostics.NewCacheCensus(h.registry, nil)
		apiCfg.Memory, apiCfg.Cache = memory, census
		mcpCfg.Memory, mcpCfg.Cache = memory, census
	}

	h.debugAPI, err = debugapi.New(apiCfg)
	if err != nil {
		h.close()
		return nil, fmt.Errorf("failed to create diagnostics server: %w", err)
	}

	if cfg.MCP {
		h.mcpServer, err = mcpserver.NewServer(mcpCfg)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("failed to create MCP server: %w", err)
		}
	}

	return h, nil
}

// startFileSources follows every --span-dir and every file exporter
// directory fed by a traces pipeline of the Collector config.
func (h *host) startFileSources(ctx context.Context, cfg *Config) error {
	dirs := append([]string(nil), cfg.SpanDirs...)
	if cfg.OtelConfig != "" {
		otelDirs, err := ParseOtelConfig(cfg.OtelConfig)
		if err != nil {
			return err
		}
		dirs = append(dirs, otelDirs...)
	}

	seen := make(map[string]bool, len(dirs))
	for _, dir := range dirs {
		if seen[dir] {
			continue
		}
		seen[dir] = true

		fs, err := filereader.New(filereader.Config{
			Directory: dir,
			Logger:    h.logger.Named("filereader"),
		}, h.otlpFanout())
		if err != nil {
			return fmt.Errorf("failed to create file source: %w", err)
		}
		if err := fs.Start(ctx); err != nil {
			fs.Stop()
			return fmt.Errorf("failed to start file source: %w", err)
		}
		h.sources = append(h.sources, fs)
		h.logger.Info("following trace files", zap.String("directory", fs.Directory()))
	}
	return nil
}

// otlpFanout feeds both storage and the router and usage caches.
func (h *host) otlpFanout() otlpreceiver.SpanReceiver {
	return otlpreceiver.Tee(h.storage, h.caches)
}

// run blocks until ctx is cancelled or a server fails.
func (h *host) run(ctx context.Context, cfg *Config) error {
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- h.debugAPI.ListenAndServe(ctx, cfg.HTTPAddr())
	}()
	h.logger.Info("diagnostics server listening",
		zap.String("addr", cfg.HTTPAddr()),
		zap.Bool("memory_endpoints", cfg.DiagnosticsEnabled),
	)

	mcpErr := make(chan error, 1)
	if h.mcpServer != nil {
		h.logger.Info("MCP server ready on stdio")
		go func() {
			mcpErr <- h.mcpServer.Run(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		// Let the HTTP server finish its graceful shutdown.
		if err := <-httpErr; err != nil {
			return fmt.Errorf("diagnostics server error: %w", err)
		}
		return nil
	case err := <-httpErr:
		if err != nil {
			return fmt.Errorf("diagnostics server error: %w", err)
		}
		return nil
	case err := <-h.otlpErr:
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("OTLP server error: %w", err)
		}
		return errors.New("OTLP server stopped")
	case err := <-mcpErr:
		// stdin closing ends an MCP session; that is a normal exit.
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP server error: %w", err)
		}
		return nil
	}
}

// close stops every component that was started.
func (h *host) close() {
	for _, fs := range h.sources {
		fs.Stop()
	}
	if h.receiver != nil {
		h.receiver.Stop()
	}
	if h.recorder != nil {
		h.recorder.Close()
	}
}
