package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ongoingai/reqtrace/internal/correlation"
	"github.com/ongoingai/reqtrace/internal/trace"
	"github.com/ongoingai/reqtrace/internal/tracking"
)

const (
	errorTypeValidation = "validation"
	errorTypeException  = "exception"
	debugFrameCount     = 3
)

// ErrorResponder renders errors as JSON envelopes and records them on the
// request trace. Production hides internal messages and debug details.
type ErrorResponder struct {
	Logger     *slog.Logger
	Production bool
}

type errorEnvelope struct {
	Data      []any       `json:"data"`
	Error     string      `json:"error,omitempty"`
	Errors    []string    `json:"errors,omitempty"`
	RequestID string      `json:"request_id"`
	Debug     *errorDebug `json:"debug,omitempty"`
}

type errorDebug struct {
	Exception string   `json:"exception"`
	File      string   `json:"file,omitempty"`
	Line      int      `json:"line,omitempty"`
	Trace     []string `json:"trace,omitempty"`
}

// RecoverMiddleware converts handler panics into 500 responses.
func RecoverMiddleware(logger *slog.Logger, production bool, next http.Handler) http.Handler {
	return ErrorResponder{Logger: logger, Production: production}.Recover(next)
}

// Recover converts panics raised by next into error responses. A panic
// with http.ErrAbortHandler is passed through.
func (e ErrorResponder) Recover(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := newStatusResponseWriter(w)
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			perr := tracking.NewPanicError(recovered)
			e.logger().ErrorContext(r.Context(),
				"handler panic",
				"request_id", requestIDFor(r),
				"path", r.URL.Path,
				"error", perr.Error(),
				"stack", perr.Stack,
			)
			if recorder.Written() {
				tracking.AddError(r.Context(), perr)
				return
			}
			e.Write(recorder, r, perr)
		}()
		next.ServeHTTP(recorder, r)
	})
}

// Write renders err. Validation errors produce a 422 with every message;
// anything else produces a single user-facing message.
func (e ErrorResponder) Write(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	ctx := r.Context()
	requestID := requestIDFor(r)
	status := StatusForError(err)

	header := w.Header()
	header.Set("Content-Type", "application/json")
	header.Set(correlation.HeaderName, requestID)

	var verr *tracking.ValidationError
	if errors.As(err, &verr) {
		tracking.AddEvent(ctx, "validation_response_sent", map[string]any{
			"error_fields": verr.FieldNames(),
			"total_errors": len(verr.Fields),
		})
		header.Set("X-Error-Type", errorTypeValidation)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(errorEnvelope{
			Data:      []any{},
			Errors:    verr.Messages(),
			RequestID: requestID,
		})
		return
	}

	class := tracking.ErrorClass(err)
	if status >= http.StatusInternalServerError {
		e.report(r, err)
	} else if status == http.StatusNotFound {
		tracking.AddEvent(ctx, "not_found_exception_details", map[string]any{
			"requested_path": r.URL.Path,
			"method":         r.Method,
			"referrer":       r.Referer(),
		})
	}

	message := e.userMessage(err, status)
	tracking.AddEvent(ctx, "api_error_response_sent", map[string]any{
		"exception_class": class,
		"status_code":     status,
		"user_message":    message,
	})

	envelope := errorEnvelope{
		Data:      []any{},
		Error:     message,
		RequestID: requestID,
	}
	if !e.Production {
		envelope.Debug = debugFor(err, class)
	}
	header.Set("X-Error-Type", errorTypeException)
	header.Set("X-Exception-Class", class)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}

func (e ErrorResponder) report(r *http.Request, err error) {
	ctx := r.Context()
	tracking.AddError(ctx, err)
	if errors.Is(err, trace.ErrStoreUnavailable) || errors.Is(err, trace.ErrQueueFull) {
		tracking.AddEvent(ctx, "database_exception_details", map[string]any{
			"error_class": trace.ClassifyWriteError(err),
		})
	}
	var perr *tracking.PanicError
	if !errors.As(err, &perr) {
		e.logger().ErrorContext(ctx, "request failed", "request_id", requestIDFor(r), "path", r.URL.Path, "error", err)
	}
}

func (e ErrorResponder) userMessage(err error, status int) string {
	switch {
	case errors.Is(err, trace.ErrNotFound):
		return "The requested resource was not found."
	case status == http.StatusNotFound:
		return "The requested endpoint was not found."
	case status == http.StatusUnauthorized:
		return "Authentication required."
	case status == http.StatusForbidden:
		return "You are not authorized to perform this action."
	case errors.Is(err, trace.ErrStoreUnavailable):
		return "A database error occurred. Please try again later."
	case e.Production && status >= http.StatusInternalServerError:
		return "An unexpected error occurred. Please try again later."
	}
	return err.Error()
}

func (e ErrorResponder) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// StatusForError maps err to an HTTP status. An HTTPStatus() int method in
// the chain wins.
func StatusForError(err error) int {
	var withStatus interface{ HTTPStatus() int }
	if errors.As(err, &withStatus) {
		if status := withStatus.HTTPStatus(); status >= 400 && status <= 599 {
			return status
		}
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, trace.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, trace.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func requestIDFor(r *http.Request) string {
	if id := tracking.CurrentID(r.Context()); id != tracking.UnknownID {
		return id
	}
	if id, ok := correlation.FromContext(r.Context()); ok {
		return id
	}
	return tracking.UnknownID
}

func debugFor(err error, class string) *errorDebug {
	debug := &errorDebug{Exception: class}
	var located interface{ Location() (string, int) }
	if errors.As(err, &located) {
		debug.File, debug.Line = located.Location()
	}
	var stacked interface{ StackTrace() string }
	if errors.As(err, &stacked) {
		debug.Trace = topFrames(stacked.StackTrace(), debugFrameCount)
	}
	return debug
}

// topFrames condenses the first n frames of a formatted stack to one line each.
func topFrames(stack string, n int) []string {
	lines := strings.Split(stack, "\n")
	out := make([]string, 0, n)
	for i := 0; i < len(lines) && len(out) < n; i++ {
		if !strings.HasPrefix(lines[i], "#") {
			continue
		}
		frame := strings.TrimSpace(lines[i])
		if i+1 < len(lines) && !strings.HasPrefix(lines[i+1], "#") {
			frame += " " + strings.TrimSpace(lines[i+1])
		}
		out = append(out, frame)
	}
	return out
}
