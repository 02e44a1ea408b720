package observability

import (
	"context"
	"log/slog"

	"github.com/ongoingai/reqtrace/internal/correlation"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const requestIDAttr = "request_id"

// traceLogHandler enriches records with the active span's trace_id and
// span_id and with the request id carried by the context.
type traceLogHandler struct {
	inner        slog.Handler
	hasRequestID bool
}

// NewTraceLogHandler wraps inner so every record logged with a request
// context can be joined to its OTel span and its stored request trace.
// A record that already carries request_id is left alone. If inner is nil,
// slog.Default().Handler() is used.
func NewTraceLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &traceLogHandler{inner: inner}
}

func (h *traceLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *traceLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx == nil {
		return h.inner.Handle(ctx, record)
	}
	span := oteltrace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() && span.IsRecording() {
		sc := span.SpanContext()
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if !h.hasRequestID && !recordHasAttr(record, requestIDAttr) {
		if id, ok := correlation.FromContext(ctx); ok {
			record.AddAttrs(slog.String(requestIDAttr, id))
		}
	}
	return h.inner.Handle(ctx, record)
}

func (h *traceLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hasRequestID := h.hasRequestID
	for _, attr := range attrs {
		if attr.Key == requestIDAttr {
			hasRequestID = true
		}
	}
	return &traceLogHandler{inner: h.inner.WithAttrs(attrs), hasRequestID: hasRequestID}
}

func (h *traceLogHandler) WithGroup(name string) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithGroup(name), hasRequestID: h.hasRequestID}
}

func recordHasAttr(record slog.Record, key string) bool {
	found := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			found = true
			return false
		}
		return true
	})
	return found
}
