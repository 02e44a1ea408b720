package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ongoingai/reqtrace/internal/correlation"
	"github.com/ongoingai/reqtrace/internal/trace"
	"github.com/ongoingai/reqtrace/internal/tracking"
)

type captureSink struct {
	mu     sync.Mutex
	traces []*trace.Trace
	err    error
}

func (s *captureSink) Persist(_ context.Context, t *trace.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, t)
	return s.err
}

func (s *captureSink) only(t *testing.T) *trace.Trace {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.traces) != 1 {
		t.Fatalf("persisted traces=%d, want 1", len(s.traces))
	}
	return s.traces[0]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTrackedHandler(sink trace.Sink, next http.Handler) http.Handler {
	tracker := tracking.New(tracking.Options{Sink: sink, Logger: discardLogger()})
	return TrackingMiddleware(tracker, TrackingOptions{Logger: discardLogger()}, next)
}

func TestTrackingMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	var seenID, seenBody string
	handler := newTrackedHandler(sink, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = r.Header.Get(correlation.HeaderName)
		body, _ := io.ReadAll(r.Body)
		seenBody = string(body)
		tracking.AddQuery(r.Context(), "select * from users where email = ?", []any{"ada@example.com"}, 4.25)
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/register?ref=mail", strings.NewReader(`{"email":"ada@example.com","password":"hunter22"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-User-ID", "42")
	req.Header.Set("User-Agent", "reqtrace-test")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	doc := sink.only(t)
	if rec.Code != http.StatusCreated || doc.Status != http.StatusCreated {
		t.Fatalf("response=%d trace status=%d, want 201", rec.Code, doc.Status)
	}
	if got := rec.Header().Get(correlation.HeaderName); got != doc.ID || seenID != doc.ID {
		t.Fatalf("response id=%q handler id=%q, want trace id %q", got, seenID, doc.ID)
	}
	if !correlation.IsValidID(doc.ID) {
		t.Fatalf("trace id=%q, want uuid", doc.ID)
	}
	if seenBody != `{"email":"ada@example.com","password":"hunter22"}` {
		t.Fatalf("handler body=%q, want original body", seenBody)
	}
	if doc.URL != "https://example.com/api/register?ref=mail" {
		t.Fatalf("url=%q", doc.URL)
	}
	if doc.IP != "203.0.113.9" || doc.UserID != "42" || doc.UserAgent != "reqtrace-test" {
		t.Fatalf("ip=%q user=%q agent=%q", doc.IP, doc.UserID, doc.UserAgent)
	}
	if doc.Input["email"] != "ada@example.com" || doc.Input["ref"] != "mail" {
		t.Fatalf("input=%v, want body and query fields", doc.Input)
	}
	if _, ok := doc.Input["password"]; ok {
		t.Fatalf("input kept password: %v", doc.Input)
	}
	if doc.QueryCount != 1 || doc.DBTimeMS != 4.25 {
		t.Fatalf("query_count=%d db_time_ms=%v", doc.QueryCount, doc.DBTimeMS)
	}
}

func TestTrackingMiddlewareParsesFormBody(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	handler := newTrackedHandler(sink, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm() error: %v", err)
		}
		if r.PostForm.Get("name") != "Ada" {
			t.Fatalf("handler form name=%q, want Ada", r.PostForm.Get("name"))
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/profile", strings.NewReader("name=Ada&tag=a&tag=b&_token=csrf"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	doc := sink.only(t)
	if doc.Input["name"] != "Ada" {
		t.Fatalf("input name=%v, want Ada", doc.Input["name"])
	}
	tags, ok := doc.Input["tag"].([]any)
	if !ok || len(tags) != 2 {
		t.Fatalf("input tag=%v, want two values", doc.Input["tag"])
	}
	if _, ok := doc.Input["_token"]; ok {
		t.Fatal("input kept _token")
	}
}

func TestTrackingMiddlewareFinishesPanicsWithServerError(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	handler := newTrackedHandler(sink, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	func() {
		defer func() {
			if recovered := recover(); recovered != "boom" {
				t.Fatalf("recovered=%v, want original panic", recovered)
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/explode", nil))
	}()

	if doc := sink.only(t); doc.Status != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", doc.Status)
	}
}

func TestTrackingMiddlewareFlushesSizedResponseBeforePersisting(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	flushedAtPersist := false
	sink := trace.SinkFunc(func(context.Context, *trace.Trace) error {
		flushedAtPersist = rec.Flushed
		return nil
	})
	handler := newTrackedHandler(sink, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "2")
		_, _ = w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sized", nil))
	if !flushedAtPersist {
		t.Fatal("response was not flushed before the trace was persisted")
	}

	unsized := httptest.NewRecorder()
	newTrackedHandler(&captureSink{}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})).ServeHTTP(unsized, httptest.NewRequest(http.MethodGet, "/unsized", nil))
	if unsized.Flushed {
		t.Fatal("response without Content-Length was flushed")
	}
}

func TestTrackingMiddlewarePanicAfterWriteIsServerError(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	handler := newTrackedHandler(sink, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		panic("late")
	}))

	func() {
		defer func() { _ = recover() }()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/late", nil))
	}()

	if doc := sink.only(t); doc.Status != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", doc.Status)
	}
}

func TestTrackingMiddlewareAbortHandlerIsAborted(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	handler := newTrackedHandler(sink, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	func() {
		defer func() {
			if recovered := recover(); recovered != http.ErrAbortHandler {
				t.Fatalf("recovered=%v, want ErrAbortHandler", recovered)
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stream", nil))
	}()

	if doc := sink.only(t); doc.Status != trace.StatusAborted {
		t.Fatalf("status=%d, want %d", doc.Status, trace.StatusAborted)
	}
}

func TestTrackingMiddlewareCancelledBeforeWriteIsAborted(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	handler := newTrackedHandler(sink, http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		cancel()
		<-r.Context().Done()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil).WithContext(ctx))

	doc := sink.only(t)
	if doc.Status != trace.StatusAborted || !doc.Finished() {
		t.Fatalf("status=%d finished=%v, want aborted and finished", doc.Status, doc.Finished())
	}
}

func TestTrackingMiddlewareHidesPersistenceFailure(t *testing.T) {
	t.Parallel()

	sink := &captureSink{err: trace.ErrStoreUnavailable}
	handler := newTrackedHandler(sink, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("response=%d %q, want 200 ok", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(correlation.HeaderName) == "" {
		t.Fatal("response is missing request id")
	}
}

func TestTrackingMiddlewareNestedStartKeepsOuterTrace(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	tracker := tracking.New(tracking.Options{Sink: sink, Logger: discardLogger()})
	inner := TrackingMiddleware(tracker, TrackingOptions{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracking.AddEvent(r.Context(), "inner", nil)
		w.WriteHeader(http.StatusAccepted)
	}))
	outer := TrackingMiddleware(tracker, TrackingOptions{}, inner)

	outer.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nested", nil))

	doc := sink.only(t)
	if doc.Status != http.StatusAccepted {
		t.Fatalf("status=%d, want 202", doc.Status)
	}
}

func TestRecoverMiddlewareInsideTrackingRecordsPanic(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	handler := newTrackedHandler(sink, RecoverMiddleware(discardLogger(), false, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		var items []string
		_ = items[3]
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	doc := sink.only(t)
	if doc.Status != http.StatusInternalServerError {
		t.Fatalf("trace status=%d, want 500", doc.Status)
	}
	if len(doc.Errors) != 1 || !strings.HasSuffix(doc.Errors[0].File, "lifecycle_test.go") {
		t.Fatalf("errors=%+v, want one entry located in the handler", doc.Errors)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["request_id"] != doc.ID {
		t.Fatalf("body request_id=%v, want %q", body["request_id"], doc.ID)
	}
	if _, ok := body["debug"]; !ok {
		t.Fatalf("body=%v, want debug block outside production", body)
	}

	var sawResponseEvent bool
	for _, ev := range doc.Events {
		if ev.Name == "api_error_response_sent" {
			sawResponseEvent = true
		}
	}
	if !sawResponseEvent {
		t.Fatal("trace is missing api_error_response_sent")
	}
}

func TestProxyFailureIsRecordedOnTrace(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	proxyHandler, err := NewHandler([]Route{{Prefix: "/", Upstream: "http://127.0.0.1:1"}}, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}
	handler := newTrackedHandler(sink, proxyHandler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	doc := sink.only(t)
	if rec.Code != http.StatusBadGateway || doc.Status != http.StatusBadGateway {
		t.Fatalf("response=%d trace=%d, want 502", rec.Code, doc.Status)
	}
	if !doc.HasErrors() {
		t.Fatal("trace has no errors after upstream failure")
	}
}
