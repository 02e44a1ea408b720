package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/ongoingai/reqtrace/internal/pathutil"
	"github.com/ongoingai/reqtrace/internal/tracking"
)

// Route forwards requests under Prefix to Upstream. StripPrefix removes the
// prefix before forwarding.
type Route struct {
	Prefix      string
	Upstream    string
	StripPrefix bool
}

type Router struct {
	routes []Route
}

type HandlerOptions struct {
	Transport http.RoundTripper
}

func NewRouter(routes []Route) *Router {
	normalized := make([]Route, 0, len(routes))
	for _, route := range routes {
		route.Prefix = pathutil.NormalizePrefix(route.Prefix)
		normalized = append(normalized, route)
	}
	return &Router{routes: normalized}
}

// NewHandler proxies requests matching a route and hands everything else to
// next.
func NewHandler(routes []Route, logger *slog.Logger, next http.Handler) (http.Handler, error) {
	return NewHandlerWithOptions(routes, logger, next, HandlerOptions{})
}

func NewHandlerWithOptions(routes []Route, logger *slog.Logger, next http.Handler, options HandlerOptions) (http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	router := NewRouter(routes)
	proxies := make(map[string]http.Handler, len(router.routes))
	for _, route := range router.routes {
		handler, err := buildProxyHandler(route, logger, options.Transport)
		if err != nil {
			return nil, err
		}
		proxies[route.Prefix] = handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := router.Match(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		proxies[route.Prefix].ServeHTTP(w, r)
	}), nil
}

// UpstreamRoutes returns the single catch-all route for an application
// upstream, or none when upstream is empty.
func UpstreamRoutes(upstream string) []Route {
	upstream = strings.TrimSpace(upstream)
	if upstream == "" {
		return nil
	}
	return []Route{{Prefix: "/", Upstream: upstream}}
}

// Match returns the longest route prefix covering path.
func (r *Router) Match(path string) (Route, bool) {
	var (
		best  Route
		found bool
	)
	for _, route := range r.routes {
		if !pathutil.HasPathPrefix(path, route.Prefix) {
			continue
		}
		if !found || len(route.Prefix) > len(best.Prefix) {
			best = route
			found = true
		}
	}
	return best, found
}

func buildProxyHandler(route Route, logger *slog.Logger, transport http.RoundTripper) (http.Handler, error) {
	target, err := url.Parse(route.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream for %q: %w", route.Prefix, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream for %q: %q", route.Prefix, route.Upstream)
	}

	prefix := route.Prefix
	proxy := httputil.NewSingleHostReverseProxy(target)
	if transport != nil {
		proxy.Transport = transport
	}
	baseDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		if route.StripPrefix {
			req.URL.Path = pathutil.StripPathPrefix(req.URL.Path, prefix)
			req.URL.RawPath = ""
		}
		baseDirector(req)
		req.Host = target.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, proxyErr error) {
		logger.ErrorContext(req.Context(), "proxy request failed", "route_prefix", prefix, "path", req.URL.Path, "error", proxyErr)
		tracking.AddError(req.Context(), fmt.Errorf("upstream %s: %w", target.Host, proxyErr))
		tracking.AddEvent(req.Context(), "[proxy] upstream_failed", map[string]any{
			"upstream": target.Host,
			"path":     req.URL.Path,
		})
		http.Error(w, "upstream request failed", http.StatusBadGateway)
	}

	return proxy, nil
}
