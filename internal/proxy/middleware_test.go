package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ongoingai/reqtrace/internal/correlation"
)

type trackingReadCloser struct {
	data       []byte
	offset     int
	bytesRead  int
	closeCalls int
}

func (r *trackingReadCloser) Read(p []byte) (int, error) {
	if r.offset >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.offset:])
	r.offset += n
	r.bytesRead += n
	return n, nil
}

func (r *trackingReadCloser) Close() error {
	r.closeCalls++
	return nil
}

func TestLoggingMiddlewareAssignsRequestIDAndLogsIt(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	var seenRequestID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := correlation.FromContext(r.Context())
		if !ok {
			t.Fatal("expected request id in request context")
		}
		seenRequestID = id
		if headerValue := r.Header.Get(correlation.HeaderName); headerValue != id {
			t.Fatalf("request header request_id=%q, want %q", headerValue, id)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	handler := LoggingMiddleware(logger, next)

	req := httptest.NewRequest(http.MethodGet, "/api/traces", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusAccepted)
	}

	responseRequestID := rec.Header().Get(correlation.HeaderName)
	if responseRequestID == "" {
		t.Fatalf("response %s header is empty", correlation.HeaderName)
	}
	if seenRequestID != responseRequestID {
		t.Fatalf("context request_id=%q, response request_id=%q", seenRequestID, responseRequestID)
	}

	line := strings.TrimSpace(logs.String())
	if line == "" {
		t.Fatal("expected request log line")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if payload["request_id"] != responseRequestID {
		t.Fatalf("logged request_id=%v, want %q", payload["request_id"], responseRequestID)
	}
	if payload["status"] != float64(http.StatusAccepted) {
		t.Fatalf("logged status=%v, want %d", payload["status"], http.StatusAccepted)
	}
}

func TestCaptureRequestBodyReadsOnlyCaptureLimitUpfront(t *testing.T) {
	t.Parallel()

	body := &trackingReadCloser{data: []byte("0123456789")}
	captured, restored, truncated, err := captureRequestBody(body, 4)
	if err != nil {
		t.Fatalf("capture request body: %v", err)
	}
	if got := string(captured); got != "0123" {
		t.Fatalf("captured body=%q, want %q", got, "0123")
	}
	if !truncated {
		t.Fatalf("truncated=%v, want true", truncated)
	}
	if body.bytesRead != 5 {
		t.Fatalf("upfront bytes read=%d, want %d", body.bytesRead, 5)
	}

	full, err := io.ReadAll(restored)
	if err != nil {
		t.Fatalf("read restored body: %v", err)
	}
	if got := string(full); got != "0123456789" {
		t.Fatalf("restored body=%q, want %q", got, "0123456789")
	}
	if err := restored.Close(); err != nil {
		t.Fatalf("close restored body: %v", err)
	}
	if body.closeCalls != 1 {
		t.Fatalf("close calls=%d, want %d", body.closeCalls, 1)
	}
}

func TestCaptureRequestBodyWithoutBody(t *testing.T) {
	t.Parallel()

	captured, restored, truncated, err := captureRequestBody(http.NoBody, 16)
	if err != nil || captured != nil || truncated || restored != http.NoBody {
		t.Fatalf("captureRequestBody(NoBody)=%q,%v,%v,%v", captured, restored, truncated, err)
	}
}

func TestStatusResponseWriterKeepsFirstFinalStatus(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w := newStatusResponseWriter(rec)
	if w.Written() {
		t.Fatal("Written()=true before any write")
	}
	if w.StatusCode() != http.StatusOK {
		t.Fatalf("default StatusCode()=%d, want 200", w.StatusCode())
	}

	w.WriteHeader(http.StatusContinue)
	if w.Written() {
		t.Fatal("informational status counted as final")
	}
	w.WriteHeader(http.StatusTeapot)
	w.WriteHeader(http.StatusInternalServerError)
	if !w.Written() || w.StatusCode() != http.StatusTeapot {
		t.Fatalf("StatusCode()=%d written=%v, want 418", w.StatusCode(), w.Written())
	}
	if w.Unwrap() != rec {
		t.Fatal("Unwrap() did not return the wrapped writer")
	}
}

func TestCaptureRequestBodyExactlyAtLimitIsNotTruncated(t *testing.T) {
	t.Parallel()

	body := &trackingReadCloser{data: []byte(`{"a":1}`)}
	captured, restored, truncated, err := captureRequestBody(body, 7)
	if err != nil {
		t.Fatalf("capture request body: %v", err)
	}
	if truncated || string(captured) != `{"a":1}` {
		t.Fatalf("captured=%q truncated=%v, want whole body", captured, truncated)
	}
	full, err := io.ReadAll(restored)
	if err != nil || string(full) != `{"a":1}` {
		t.Fatalf("restored=%q err=%v, want whole body", full, err)
	}
}
