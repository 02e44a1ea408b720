package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ongoingai/reqtrace/internal/config"
	"github.com/ongoingai/reqtrace/internal/correlation"
	"github.com/ongoingai/reqtrace/internal/pathutil"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "reqtrace"

	metricTracePersisted     = "reqtrace.trace.persisted_total"
	metricTracePersistFailed = "reqtrace.trace.persist_failed_total"
	metricTraceQueueDropped  = "reqtrace.trace.queue_dropped_total"
	metricTraceQueueDepth    = "reqtrace.trace.queue_depth"
	metricTraceFlushDuration = "reqtrace.trace.flush_duration_ms"
)

// routePrefixes are the path prefixes kept as distinct route labels.
var routePrefixes = []string{"/api/traces", "/api/health", "/api/diagnostics", "/api", "/up"}

// Runtime exposes OpenTelemetry HTTP wrappers and trace pipeline metric hooks.
type Runtime struct {
	enabled bool
	meter   metric.Meter

	tracePersistedCounter     metric.Int64Counter
	tracePersistFailedCounter metric.Int64Counter
	traceQueueDroppedCounter  metric.Int64Counter
	traceFlushDuration        metric.Float64Histogram

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit scheme wins over the insecure toggle.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})
	runtime.initMetrics(otel.Meter(instrumentationName), logger)

	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}

	return runtime, nil
}

func (r *Runtime) initMetrics(meter metric.Meter, logger *slog.Logger) {
	r.meter = meter
	newCounter := func(name, description string) metric.Int64Counter {
		counter, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil && logger != nil {
			logger.Warn("failed to create opentelemetry counter", "metric", name, "error", err)
		}
		return counter
	}
	r.tracePersistedCounter = newCounter(metricTracePersisted, "Count of request traces written to the store.")
	r.tracePersistFailedCounter = newCounter(metricTracePersistFailed, "Count of request traces that could not be written to the store.")
	r.traceQueueDroppedCounter = newCounter(metricTraceQueueDropped, "Count of request traces dropped because the async write queue was full.")

	histogram, err := meter.Float64Histogram(
		metricTraceFlushDuration,
		metric.WithDescription("Duration of async trace batch flushes."),
		metric.WithUnit("ms"),
	)
	if err != nil && logger != nil {
		logger.Warn("failed to create opentelemetry histogram", "metric", metricTraceFlushDuration, "error", err)
	}
	r.traceFlushDuration = histogram
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"reqtrace.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware tags the server span with the request id and
// route, and marks 5xx responses as errors. The request id is read from the
// context or, when it is assigned further down the chain, from the response
// header.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if span == nil || !span.IsRecording() {
			return
		}

		statusCode := recorder.StatusCode()
		if statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}

		attrs := []attribute.KeyValue{
			attribute.String("reqtrace.route", routePatternForPath(req.URL.Path)),
		}
		requestID, ok := correlation.FromContext(req.Context())
		if !ok {
			requestID = strings.TrimSpace(recorder.Header().Get(correlation.HeaderName))
		}
		if requestID != "" {
			attrs = append(attrs, attribute.String("reqtrace.request_id", requestID))
		}
		span.SetAttributes(attrs...)
	})
}

// WrapHTTPTransport wraps an outbound HTTP transport with OpenTelemetry spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return clientSpanName(req.Method, req.URL.Path)
		}),
	)
}

// RecordTracePersisted counts traces written to the store.
func (r *Runtime) RecordTracePersisted(count int) {
	if !r.Enabled() || count <= 0 || r.tracePersistedCounter == nil {
		return
	}
	r.tracePersistedCounter.Add(context.Background(), int64(count))
}

// RecordTracePersistFailure counts traces lost to a failed write.
func (r *Runtime) RecordTracePersistFailure(operation, errorClass string, count int) {
	if !r.Enabled() || count <= 0 || r.tracePersistFailedCounter == nil {
		return
	}
	r.tracePersistFailedCounter.Add(
		context.Background(),
		int64(count),
		metric.WithAttributes(
			attribute.String("operation", strings.TrimSpace(operation)),
			attribute.String("error_class", strings.TrimSpace(errorClass)),
		),
	)
}

// RecordTraceQueueDrop counts traces rejected by a full async queue.
func (r *Runtime) RecordTraceQueueDrop() {
	if !r.Enabled() || r.traceQueueDroppedCounter == nil {
		return
	}
	r.traceQueueDroppedCounter.Add(context.Background(), 1)
}

// RecordTraceFlush records one async batch flush.
func (r *Runtime) RecordTraceFlush(batchSize int, duration time.Duration) {
	if !r.Enabled() || batchSize <= 0 || r.traceFlushDuration == nil {
		return
	}
	r.traceFlushDuration.Record(
		context.Background(),
		float64(duration)/float64(time.Millisecond),
		metric.WithAttributes(attribute.Int("batch_size", batchSize)),
	)
}

// TraceWriteHook returns a hook that wraps each store write in a span and
// counts the batch as persisted when the write succeeds. It returns nil when
// the runtime is disabled.
func (r *Runtime) TraceWriteHook() func(batchSize int) func(error) {
	if !r.Enabled() {
		return nil
	}
	tracer := otel.Tracer(instrumentationName)
	return func(batchSize int) func(error) {
		_, span := tracer.Start(
			context.Background(),
			"reqtrace.trace.write",
			oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
			oteltrace.WithAttributes(attribute.Int("reqtrace.batch_size", batchSize)),
		)
		return func(err error) {
			if err != nil {
				span.RecordError(errors.New(ScrubCredentials(err.Error())))
				span.SetStatus(codes.Error, "trace write failed")
			} else {
				r.RecordTracePersisted(batchSize)
			}
			span.End()
		}
	}
}

// RegisterTraceQueueDepthGauge reports depth() on every metric collection.
func (r *Runtime) RegisterTraceQueueDepthGauge(depth func() int) {
	if !r.Enabled() || r.meter == nil || depth == nil {
		return
	}
	_, _ = r.meter.Int64ObservableGauge(
		metricTraceQueueDepth,
		metric.WithDescription("Request traces waiting in the async write queue."),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(depth()))
			return nil
		}),
	)
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

func routePatternForPath(path string) string {
	return pathutil.RoutePattern(path, routePrefixes)
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func clientSpanName(method, path string) string {
	return "proxy " + normalizedMethod(method) + " " + routePatternForPath(path)
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	if w == nil {
		return nil
	}
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}
