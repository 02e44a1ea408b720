package tracking

import (
	"context"
	"time"

	"github.com/ongoingai/reqtrace/internal/trace"
)

// AddEvent appends a named event to the open trace.
func AddEvent(ctx context.Context, name string, payload map[string]any) {
	mutate(ctx, func(b *binding) {
		b.appendEvent(name, payload)
	})
}

// AddQuery appends a database statement and refreshes query_count and
// db_time_ms.
func AddQuery(ctx context.Context, statement string, bindings []any, durationMS float64) {
	mutate(ctx, func(b *binding) {
		b.doc.Queries = append(b.doc.Queries, trace.Query{
			SQL:        statement,
			Bindings:   normalizeBindings(bindings),
			DurationMS: trace.Round2(durationMS),
			Timestamp:  b.now().UTC(),
		})
		b.doc.RecomputeAggregates()
	})
}

// AddError records err and appends an exception_thrown event.
func AddError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if bindingFrom(ctx) == nil {
		return
	}
	entry := newErrorEntry(err, 2)
	mutate(ctx, func(b *binding) {
		b.doc.Errors = append(b.doc.Errors, entry)
		b.appendEvent(EventExceptionThrown, map[string]any{
			"exception_class": entry.Class,
			"message":         entry.Message,
		})
	})
}

// ReportValidationFailure records a failed form validation for scope and
// returns the error handlers should render.
func ReportValidationFailure(ctx context.Context, scope string, fields []FieldError) *ValidationError {
	verr := &ValidationError{Scope: scope, Fields: fields}
	if bindingFrom(ctx) == nil {
		return verr
	}
	entry := newErrorEntry(verr, 2)
	failed := verr.FieldNames()
	first := ""
	if len(fields) > 0 {
		first = fields[0].Message
	}
	mutate(ctx, func(b *binding) {
		b.doc.Errors = append(b.doc.Errors, entry)
		b.appendEvent(EventExceptionThrown, map[string]any{
			"exception_class": entry.Class,
			"message":         entry.Message,
		})
		b.appendEvent(EventValidationFailed, map[string]any{
			"request_class": scope,
			"failed_fields": failed,
			"error_count":   len(fields),
			"first_error":   first,
		})
	})
	return verr
}

// CurrentID returns the id of the trace carried by ctx, finished or not,
// or UnknownID.
func CurrentID(ctx context.Context) string {
	b := bindingFrom(ctx)
	if b == nil {
		return UnknownID
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.doc.ID
}

// Active reports whether ctx carries an open trace.
func Active(ctx context.Context) bool {
	b := bindingFrom(ctx)
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen
}

// Snapshot returns a deep copy of the trace carried by ctx, or nil.
func Snapshot(ctx context.Context) *trace.Trace {
	b := bindingFrom(ctx)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.doc.Clone()
}

func normalizeBindings(in []any) []any {
	out := make([]any, 0, len(in))
	for _, v := range in {
		switch typed := v.(type) {
		case []byte:
			out = append(out, string(typed))
		case time.Time:
			out = append(out, typed.UTC())
		case error:
			out = append(out, typed.Error())
		default:
			out = append(out, redactValue(v))
		}
	}
	return out
}
