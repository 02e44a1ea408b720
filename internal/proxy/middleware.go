package proxy

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ongoingai/reqtrace/internal/correlation"
)

func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var requestID string
		r, requestID = correlation.EnsureRequest(r)
		if requestID != "" {
			w.Header().Set(correlation.HeaderName, requestID)
		}

		start := time.Now()
		recorder := newStatusResponseWriter(w)
		next.ServeHTTP(recorder, r)
		logger.InfoContext(r.Context(),
			"request complete",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

// replayBody yields the bytes already read for inspection, then the rest of
// the original body. Closing it closes the original.
type replayBody struct {
	io.Reader
	io.Closer
}

// captureRequestBody reads up to maxBodySize bytes for inspection. The
// returned body still yields the complete payload. truncated reports that
// the payload was longer than maxBodySize.
func captureRequestBody(body io.ReadCloser, maxBodySize int) (captured []byte, restored io.ReadCloser, truncated bool, err error) {
	if body == nil || body == http.NoBody {
		return nil, http.NoBody, false, nil
	}
	maxBodySize = max(maxBodySize, 0)

	// One byte past the cap tells a payload of exactly maxBodySize apart from a longer one.
	prefix, err := io.ReadAll(io.LimitReader(body, int64(maxBodySize)+1))
	if err != nil {
		_ = body.Close()
		return nil, nil, false, err
	}

	restored = replayBody{Reader: io.MultiReader(bytes.NewReader(prefix), body), Closer: body}
	if len(prefix) > maxBodySize {
		return bytes.Clone(prefix[:maxBodySize]), restored, true, nil
	}
	return prefix, restored, false, nil
}

// statusResponseWriter remembers the first status written downstream.
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newStatusResponseWriter(w http.ResponseWriter) *statusResponseWriter {
	return &statusResponseWriter{ResponseWriter: w}
}

func (w *statusResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 && statusCode >= 200 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusResponseWriter) Flush() {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil && w.statusCode == 0 {
		w.statusCode = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Written reports whether a final status reached the client.
func (w *statusResponseWriter) Written() bool {
	return w.statusCode != 0
}

func (w *statusResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}
