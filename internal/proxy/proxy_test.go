package proxy

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ongoingai/reqtrace/internal/pathutil"
)

type recordingRoundTripper struct {
	base  http.RoundTripper
	calls atomic.Int64
}

func (r *recordingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r.calls.Add(1)
	cloned := req.Clone(req.Context())
	cloned.Header = req.Header.Clone()
	cloned.Header.Set("X-Test-Transport", "set")
	return r.base.RoundTrip(cloned)
}

func (r *recordingRoundTripper) Calls() int64 {
	return r.calls.Load()
}

func TestRouterMatchPathBoundaries(t *testing.T) {
	t.Parallel()

	router := NewRouter([]Route{
		{Prefix: "/legacy", Upstream: "http://legacy.internal"},
		{Prefix: "/legacy/admin", Upstream: "http://admin.internal"},
	})

	tests := []struct {
		path       string
		wantMatch  bool
		wantPrefix string
	}{
		{path: "/legacy", wantMatch: true, wantPrefix: "/legacy"},
		{path: "/legacy/users/7", wantMatch: true, wantPrefix: "/legacy"},
		{path: "/legacyish", wantMatch: false},
		{path: "/legacy/admin/settings", wantMatch: true, wantPrefix: "/legacy/admin"},
		{path: "/api/traces", wantMatch: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			route, ok := router.Match(tt.path)
			if ok != tt.wantMatch {
				t.Fatalf("path %q match=%t, want %t", tt.path, ok, tt.wantMatch)
			}
			if ok && route.Prefix != tt.wantPrefix {
				t.Fatalf("path %q prefix=%q, want %q", tt.path, route.Prefix, tt.wantPrefix)
			}
		})
	}
}

func TestUpstreamRoutesCatchAll(t *testing.T) {
	t.Parallel()

	if routes := UpstreamRoutes("  "); len(routes) != 0 {
		t.Fatalf("UpstreamRoutes(blank)=%v, want none", routes)
	}
	routes := UpstreamRoutes("http://app.internal:8000")
	if len(routes) != 1 || routes[0].Prefix != "/" || routes[0].StripPrefix {
		t.Fatalf("UpstreamRoutes()=%+v, want one unstripped catch-all", routes)
	}
	if _, ok := NewRouter(routes).Match("/login"); !ok {
		t.Fatal("catch-all route did not match /login")
	}
}

func TestHandlerProxiesAndStripsPrefix(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotQuery string
	var gotMethod string
	var gotBody string
	var gotHost string

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotMethod = r.Method
		gotBody = string(body)
		gotHost = r.Host
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	fallbackCalled := false
	fallback := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fallbackCalled = true
		w.WriteHeader(http.StatusNoContent)
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler, err := NewHandler([]Route{
		{Prefix: "/legacy", Upstream: upstream.URL, StripPrefix: true},
	}, logger, fallback)
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/legacy/api/register?locale=en", strings.NewReader(`{"email":"ada@example.com"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status code %d, want %d", rec.Code, http.StatusCreated)
	}
	if fallbackCalled {
		t.Fatal("fallback handler should not have been called")
	}
	if gotPath != "/api/register" {
		t.Fatalf("upstream path %q, want %q", gotPath, "/api/register")
	}
	if gotQuery != "locale=en" {
		t.Fatalf("upstream query %q, want %q", gotQuery, "locale=en")
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("upstream method %q, want %q", gotMethod, http.MethodPost)
	}
	if gotBody != `{"email":"ada@example.com"}` {
		t.Fatalf("upstream body %q, want %q", gotBody, `{"email":"ada@example.com"}`)
	}
	if gotHost != strings.TrimPrefix(upstream.URL, "http://") {
		t.Fatalf("upstream host %q, want %q", gotHost, strings.TrimPrefix(upstream.URL, "http://"))
	}
}

func TestHandlerFallsBackWhenNoRouteMatches(t *testing.T) {
	t.Parallel()

	fallback := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	handler, err := NewHandler([]Route{
		{Prefix: "/legacy", Upstream: "http://legacy.internal"},
	}, slog.Default(), fallback)
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status code %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestNewHandlerRejectsInvalidUpstream(t *testing.T) {
	t.Parallel()

	_, err := NewHandler([]Route{
		{Prefix: "/legacy", Upstream: "://missing-scheme"},
	}, slog.Default(), http.NotFoundHandler())
	if err == nil {
		t.Fatal("expected error for invalid upstream URL")
	}
}

func TestHandlerReturnsBadGatewayWhenUpstreamUnavailable(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	handler, err := NewHandler([]Route{
		{Prefix: "/", Upstream: "http://" + addr},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), http.NotFoundHandler())
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status code %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if !strings.Contains(rec.Body.String(), "upstream request failed") {
		t.Fatalf("body=%q, want upstream request failed", rec.Body.String())
	}
}

func TestHandlerReturnsBadGatewayWhenUpstreamConnectionDrops(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			t.Fatalf("response writer does not support hijacking")
		}
		conn, _, err := hijacker.Hijack()
		if err != nil {
			t.Fatalf("hijack connection: %v", err)
		}
		_ = conn.Close()
	}))
	defer upstream.Close()

	handler, err := NewHandler([]Route{
		{Prefix: "/", Upstream: upstream.URL},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), http.NotFoundHandler())
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status code %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if !strings.Contains(rec.Body.String(), "upstream request failed") {
		t.Fatalf("body=%q, want upstream request failed", rec.Body.String())
	}
}

func TestHandlerUsesConfiguredTransport(t *testing.T) {
	t.Parallel()

	var gotTransportHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTransportHeader = r.Header.Get("X-Test-Transport")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	transport := &recordingRoundTripper{base: http.DefaultTransport}
	handler, err := NewHandlerWithOptions([]Route{
		{Prefix: "/", Upstream: upstream.URL},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), http.NotFoundHandler(), HandlerOptions{
		Transport: transport,
	})
	if err != nil {
		t.Fatalf("NewHandlerWithOptions error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d, want %d", rec.Code, http.StatusOK)
	}
	if gotTransportHeader != "set" {
		t.Fatalf("upstream X-Test-Transport header=%q, want %q", gotTransportHeader, "set")
	}
	if transport.Calls() == 0 {
		t.Fatal("expected custom transport RoundTrip to be called")
	}
}

func TestStripPathPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		path   string
		prefix string
		want   string
	}{
		{name: "exact prefix returns slash", path: "/legacy", prefix: "/legacy", want: "/"},
		{name: "strips nested path", path: "/legacy/api/users/7", prefix: "/legacy", want: "/api/users/7"},
		{name: "does not strip similar prefix", path: "/legacyish/v1", prefix: "/legacy", want: "/legacyish/v1"},
		{name: "normalizes prefix slash", path: "/legacy/v1", prefix: "legacy/", want: "/v1"},
		{name: "root prefix keeps path", path: "/login", prefix: "/", want: "/login"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := pathutil.StripPathPrefix(tt.path, tt.prefix); got != tt.want {
				t.Fatalf("StripPathPrefix(%q, %q)=%q, want %q", tt.path, tt.prefix, got, tt.want)
			}
		})
	}
}
