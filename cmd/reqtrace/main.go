package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ongoingai/reqtrace/internal/api"
	"github.com/ongoingai/reqtrace/internal/config"
	"github.com/ongoingai/reqtrace/internal/observability"
	"github.com/ongoingai/reqtrace/internal/pathutil"
	"github.com/ongoingai/reqtrace/internal/proxy"
	"github.com/ongoingai/reqtrace/internal/trace"
	"github.com/ongoingai/reqtrace/internal/tracking"
	"github.com/ongoingai/reqtrace/internal/version"
)

const defaultConfigPath = "reqtrace.yaml"

const traceWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute
const pruneInterval = time.Hour

type asyncTraceWriter interface {
	trace.Sink
	Start(ctx context.Context)
	Shutdown(ctx context.Context) error
}

type traceWriteFailureHandlerSetter interface {
	SetWriteFailureHandler(handler trace.WriteFailureHandler)
}

type traceWriterMetricsSetter interface {
	SetMetrics(m *trace.WriterMetrics)
}

type traceWriterQueueLenProvider interface {
	QueueLen() int
}

var newTraceWriter = func(store trace.TraceWriter, bufferSize int) asyncTraceWriter {
	return trace.NewWriter(store, bufferSize)
}

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "analyze":
		return runAnalyze(args[1:], os.Stdin, os.Stdout, os.Stderr)
	case "doctor":
		return runDoctor(args[1:], os.Stdout, os.Stderr)
	case "replay":
		return runReplay(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", valueOr(*configPath, defaultConfigPath))
	fmt.Fprintf(out, "  storage:  %s\n", describeStorage(cfg.Storage))
	fmt.Fprintf(out, "  tracking: %s\n", describeTracking(cfg.Tracking))
	fmt.Fprintf(out, "  upstream: %s\n", valueOr(strings.TrimSpace(cfg.Upstream.URL), "none, read API only"))
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := newLogger(os.Stdout, cfg.Logging)
	slog.SetDefault(logger)

	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	// The store connects on first use so the server starts even when the
	// backend is down; health reports it as unavailable until it answers.
	traceStore := newLazyTraceStore(cfg, logger)
	defer func() {
		if err := traceStore.Close(); err != nil {
			logger.Error("failed to close trace store", "error", err)
		}
	}()

	deadLetter := trace.NewDeadLetter(cfg.Tracking.DeadLetterPath)
	pipeline := newTracePipeline(cfg, traceStore, deadLetter, otelRuntime, logger)
	if pipeline.writer != nil {
		defer shutdownTraceWriter(logger, pipeline.writer, traceWriterShutdownTimeout)
	}

	handler, err := buildServeHandler(cfg, serveDeps{
		store:       traceStore,
		tracker:     pipeline.tracker,
		diagnostics: pipeline.diagnostics,
		deadLetter:  deadLetter,
		otel:        otelRuntime,
		logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure proxy routes: %v\n", err)
		return 1
	}
	server := newServer(cfg, handler)

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"port", cfg.Server.Port,
		"storage_driver", cfg.Storage.Driver,
		"tracking_enabled", cfg.Tracking.Enabled,
		"tracking_async", cfg.Tracking.Async,
		"upstream", strings.TrimSpace(cfg.Upstream.URL),
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if driver := strings.TrimSpace(cfg.Storage.Driver); driver != config.DriverMongo && cfg.Tracking.Retention() > 0 {
		// Mongo expires documents through its TTL index.
		go startTracePruner(ctx, traceStore, cfg.Tracking.Retention(), pruneInterval, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("reqtrace stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("reqtrace failed", "error", err)
			return 1
		}
		return 0
	}
}

func newLogger(out io.Writer, cfg config.LoggingConfig) *slog.Logger {
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	return slog.New(observability.NewTraceLogHandler(handler))
}

// tracePipeline is the tracker together with the sink it persists through.
type tracePipeline struct {
	tracker     *tracking.Tracker
	writer      asyncTraceWriter
	diagnostics trace.TracePipelineDiagnosticsReader
}

// newTracePipeline builds the tracker. In async mode traces go through a
// Writer queue; otherwise each request saves its trace before returning.
func newTracePipeline(cfg config.Config, store trace.Store, deadLetter *trace.DeadLetter, otelRuntime *observability.Runtime, logger *slog.Logger) tracePipeline {
	if !cfg.Tracking.Enabled {
		return tracePipeline{}
	}

	if !cfg.Tracking.Async {
		sink := trace.StoreSink{Store: store, Timeout: cfg.Tracking.SaveTimeout()}
		return tracePipeline{
			tracker: tracking.New(tracking.Options{
				Sink: trace.SinkFunc(func(ctx context.Context, t *trace.Trace) error {
					if err := sink.Persist(ctx, t); err != nil {
						return err
					}
					otelRuntime.RecordTracePersisted(1)
					return nil
				}),
				DeadLetter: deadLetter,
				Logger:     logger,
				OnPersistFailure: func(errorClass string) {
					otelRuntime.RecordTracePersistFailure("save", errorClass, 1)
				},
			}),
		}
	}

	writer := newTraceWriter(store, cfg.Tracking.QueueSize)
	attachTraceWriterMetrics(writer, otelRuntime)
	attachTraceWriterFailureHandling(logger, writer, deadLetter, func(failure trace.WriteFailure) {
		otelRuntime.RecordTracePersistFailure(failure.Operation, failure.ErrorClass, failure.FailedCount)
	})
	writer.Start(context.Background())

	pipeline := tracePipeline{
		writer: writer,
		tracker: tracking.New(tracking.Options{
			Sink:       writer,
			DeadLetter: deadLetter,
			Logger:     logger,
		}),
	}
	if reader, ok := writer.(trace.TracePipelineDiagnosticsReader); ok {
		pipeline.diagnostics = driverDiagnostics{reader: reader, driver: cfg.Storage.Driver}
	}
	return pipeline
}

type driverDiagnostics struct {
	reader trace.TracePipelineDiagnosticsReader
	driver string
}

func (d driverDiagnostics) TracePipelineDiagnostics() trace.TracePipelineDiagnostics {
	diagnostics := d.reader.TracePipelineDiagnostics()
	diagnostics.StoreDriver = strings.TrimSpace(d.driver)
	return diagnostics
}

type serveDeps struct {
	store       trace.Store
	tracker     *tracking.Tracker
	diagnostics trace.TracePipelineDiagnosticsReader
	deadLetter  *trace.DeadLetter
	otel        *observability.Runtime
	logger      *slog.Logger
}

// buildServeHandler assembles the request chain:
// otel span > span enrichment > request tracking > logging > recover > proxy or read API.
func buildServeHandler(cfg config.Config, deps serveDeps) (http.Handler, error) {
	responder := proxy.ErrorResponder{Logger: deps.logger, Production: cfg.Tracking.Production}

	apiHandler := api.NewRouter(api.RouterOptions{
		AppVersion:    version.String(),
		Store:         deps.store,
		StorageDriver: cfg.Storage.Driver,
		StoragePath:   cfg.Storage.Path,
		Diagnostics:   deps.diagnostics,
		DeadLetter:    deps.deadLetter,
		Errors:        responder,
	})
	proxyOptions := proxy.HandlerOptions{}
	if deps.otel != nil {
		proxyOptions.Transport = deps.otel.WrapHTTPTransport(http.DefaultTransport)
	}
	proxyHandler, err := proxy.NewHandlerWithOptions(proxy.UpstreamRoutes(cfg.Upstream.URL), deps.logger, apiHandler, proxyOptions)
	if err != nil {
		return nil, err
	}
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOwnPath(r.URL.Path) {
			apiHandler.ServeHTTP(w, r)
			return
		}
		proxyHandler.ServeHTTP(w, r)
	})

	inner := proxy.LoggingMiddleware(deps.logger, responder.Recover(app))
	tracked := proxy.TrackingMiddleware(deps.tracker, proxy.TrackingOptions{
		UserHeader:  cfg.Tracking.UserHeader,
		BodyMaxSize: cfg.Tracking.BodyMaxSize,
		Logger:      deps.logger,
	}, inner)

	handler := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isUntracedPath(r.URL.Path) {
			inner.ServeHTTP(w, r)
			return
		}
		tracked.ServeHTTP(w, r)
	}))
	if deps.otel != nil {
		handler = deps.otel.WrapHTTPHandler(deps.otel.SpanEnrichmentMiddleware(handler))
	}
	return handler, nil
}

// isOwnPath reports whether path belongs to the read API. Those requests are
// never proxied upstream.
func isOwnPath(path string) bool {
	return pathutil.HasPathPrefix(path, "/api") || path == "/up"
}

// isUntracedPath reports whether path is a liveness or health check. Those
// are served without a trace.
func isUntracedPath(path string) bool {
	return path == "/up" || path == "/api/health"
}

func newServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func startTracePruner(ctx context.Context, store trace.Store, retention, interval time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = pruneInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneTraces(ctx, store, retention, logger)
		}
	}
}

func pruneTraces(ctx context.Context, store trace.Store, retention time.Duration, logger *slog.Logger) {
	cutoff := time.Now().UTC().Add(-retention)
	removed, err := store.Prune(ctx, cutoff)
	if err != nil {
		logger.Warn("failed to prune expired traces", "error", err, "cutoff", cutoff.Format(time.RFC3339))
		return
	}
	if removed > 0 {
		logger.Info("pruned expired traces", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  reqtrace serve [--config path/to/reqtrace.yaml]")
	fmt.Fprintln(out, "  reqtrace version")
	fmt.Fprintln(out, "  reqtrace config validate [--config path/to/reqtrace.yaml]")
	fmt.Fprintln(out, "  reqtrace analyze [request_id] [--config path/to/reqtrace.yaml] [--user ID] [--method METHOD] [--status CODE] [--url TEXT] [--slow MS] [--errors] [--from TIME] [--to TIME] [--limit N] [--format table|json|detailed] [--stats] [--export PATH]")
	fmt.Fprintln(out, "  reqtrace doctor [--config path/to/reqtrace.yaml] [--format text|json]")
	fmt.Fprintln(out, "  reqtrace replay [--config path/to/reqtrace.yaml] [--file PATH] [--truncate]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  reqtrace config validate [--config path/to/reqtrace.yaml]")
}

func shutdownTraceWriter(logger *slog.Logger, writer asyncTraceWriter, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to flush pending traces before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("flushed pending traces before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func attachTraceWriterMetrics(writer asyncTraceWriter, otelRuntime *observability.Runtime) {
	if writer == nil || !otelRuntime.Enabled() {
		return
	}

	if qlp, ok := writer.(traceWriterQueueLenProvider); ok {
		otelRuntime.RegisterTraceQueueDepthGauge(qlp.QueueLen)
	}

	ms, ok := writer.(traceWriterMetricsSetter)
	if !ok {
		return
	}
	ms.SetMetrics(&trace.WriterMetrics{
		OnDrop:       otelRuntime.RecordTraceQueueDrop,
		OnFlush:      otelRuntime.RecordTraceFlush,
		OnWriteStart: otelRuntime.TraceWriteHook(),
	})
}

// attachTraceWriterFailureHandling logs every failed write and appends the
// lost traces to the dead-letter file.
func attachTraceWriterFailureHandling(logger *slog.Logger, writer asyncTraceWriter, deadLetter *trace.DeadLetter, onFailure func(trace.WriteFailure)) {
	if logger == nil || writer == nil {
		return
	}

	handlerSetter, ok := writer.(traceWriteFailureHandlerSetter)
	if !ok {
		return
	}

	handlerSetter.SetWriteFailureHandler(func(failure trace.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		if onFailure != nil {
			onFailure(failure)
		}
		logger.Error(
			"trace persistence failed; dead-lettering trace records",
			"operation", strings.TrimSpace(failure.Operation),
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error", observability.ScrubCredentials(fmt.Sprint(failure.Err)),
		)
		if deadLetter == nil || len(failure.Traces) == 0 {
			return
		}
		if err := deadLetter.Append(failure.Traces...); err != nil {
			logger.Error("failed to dead-letter trace records", "path", deadLetter.Path(), "count", len(failure.Traces), "error", err)
		}
	})
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}
