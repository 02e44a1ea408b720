package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scrubbingExporter removes credentials from span attributes, event
// attributes and status descriptions before delegating. otelhttp records the
// full request URL, so query-string secrets would otherwise be exported.
type scrubbingExporter struct {
	wrapped sdktrace.SpanExporter
}

// newScrubbingExporter wraps an OTLP span exporter.
func newScrubbingExporter(wrapped sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{wrapped: wrapped}
}

// ExportSpans hands the wrapped exporter scrubbed copies of any span that
// carries a credential. Clean spans are passed through as they are.
func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	scrubbed := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, s := range spans {
		scrubbed[i] = scrubSpan(s)
	}
	return e.wrapped.ExportSpans(ctx, scrubbed)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.wrapped.Shutdown(ctx)
}

// scrubSpan returns s itself when it is clean.
func scrubSpan(s sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	if !spanNeedsScrubbing(s) {
		return s
	}

	stub := tracetest.SpanStubFromReadOnlySpan(s)
	stub.Attributes = scrubAttributes(stub.Attributes)
	for i, event := range stub.Events {
		stub.Events[i].Attributes = scrubAttributes(event.Attributes)
	}
	stub.Status.Description = ScrubCredentials(stub.Status.Description)
	return stub.Snapshot()
}

// spanNeedsScrubbing looks for a credential anywhere scrubSpan rewrites.
func spanNeedsScrubbing(s sdktrace.ReadOnlySpan) bool {
	if attributesContainCredential(s.Attributes()) || ContainsCredential(s.Status().Description) {
		return true
	}
	for _, event := range s.Events() {
		if attributesContainCredential(event.Attributes) {
			return true
		}
	}
	return false
}

func attributesContainCredential(attrs []attribute.KeyValue) bool {
	for _, a := range attrs {
		if a.Value.Type() == attribute.STRING && ContainsCredential(a.Value.AsString()) {
			return true
		}
	}
	return false
}

// scrubAttributes copies attrs, rewriting only string values.
func scrubAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	result := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		if a.Value.Type() == attribute.STRING {
			if val := a.Value.AsString(); ContainsCredential(val) {
				result[i] = attribute.String(string(a.Key), ScrubCredentials(val))
				continue
			}
		}
		result[i] = a
	}
	return result
}
