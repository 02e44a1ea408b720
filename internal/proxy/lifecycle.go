package proxy

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/ongoingai/reqtrace/internal/correlation"
	"github.com/ongoingai/reqtrace/internal/trace"
	"github.com/ongoingai/reqtrace/internal/tracking"
)

const (
	DefaultUserHeader  = "X-User-ID"
	DefaultBodyMaxSize = 64 << 10
)

// TrackingOptions configures TrackingMiddleware.
type TrackingOptions struct {
	// UserHeader names the header holding the authenticated user id.
	UserHeader string
	// BodyMaxSize caps how much of the request body is read into the trace input.
	BodyMaxSize int
	Logger      *slog.Logger
}

// TrackingMiddleware opens a trace for every request and closes it with the
// status the downstream handler wrote. The trace id is exposed as
// X-Request-ID on both the inbound request and the response.
func TrackingMiddleware(tracker *tracking.Tracker, opts TrackingOptions, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if tracker == nil {
		return next
	}
	if strings.TrimSpace(opts.UserHeader) == "" {
		opts.UserHeader = DefaultUserHeader
	}
	if opts.BodyMaxSize <= 0 {
		opts.BodyMaxSize = DefaultBodyMaxSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, restored, truncated, err := captureRequestBody(r.Body, opts.BodyMaxSize)
		if err != nil {
			opts.Logger.WarnContext(r.Context(), "failed to read request body", "path", r.URL.Path, "error", err)
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		r.Body = restored

		ctx, id := tracker.Start(r.Context(), tracking.Meta{
			Method:    r.Method,
			URL:       fullURL(r),
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
			UserID:    r.Header.Get(opts.UserHeader),
			Input:     requestInput(r, body, truncated),
		})
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		r = correlation.Bind(r.WithContext(ctx), id)
		w.Header().Set(correlation.HeaderName, id)

		recorder := newStatusResponseWriter(w)
		completed := false
		defer func() {
			if completed {
				return
			}
			recovered := recover()
			status := trace.StatusAborted
			switch {
			case recovered == http.ErrAbortHandler:
			case recovered != nil:
				status = http.StatusInternalServerError
			case recorder.Written():
				status = recorder.StatusCode()
			}
			tracker.Finish(ctx, status)
			if recovered != nil {
				panic(recovered)
			}
		}()

		next.ServeHTTP(recorder, r)
		completed = true

		status := recorder.StatusCode()
		if !recorder.Written() && ctx.Err() != nil {
			status = trace.StatusAborted
		}
		// A response with a declared length is complete once flushed, so the
		// client does not wait on a synchronous save.
		if recorder.Written() && w.Header().Get("Content-Length") != "" {
			recorder.Flush()
		}
		tracker.Finish(ctx, status)
	})
}

func fullURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := firstHeaderValue(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = strings.ToLower(proto)
	}
	host := r.Host
	if forwarded := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); forwarded != "" {
		host = forwarded
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func clientIP(r *http.Request) string {
	if forwarded := firstHeaderValue(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		return forwarded
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func firstHeaderValue(raw string) string {
	first, _, _ := strings.Cut(raw, ",")
	return strings.TrimSpace(first)
}

// requestInput merges query parameters with a JSON object or form body.
// Body fields win over query fields of the same name.
func requestInput(r *http.Request, body []byte, truncated bool) map[string]any {
	input := valuesToInput(r.URL.Query())
	if len(body) == 0 {
		return input
	}
	if truncated {
		input["_body_truncated"] = true
		return input
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err != nil {
			return input
		}
		for key, value := range decoded {
			input[key] = value
		}
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return input
		}
		for key, value := range valuesToInput(values) {
			input[key] = value
		}
	}
	return input
}

func valuesToInput(values url.Values) map[string]any {
	input := make(map[string]any, len(values))
	for key, list := range values {
		switch len(list) {
		case 0:
			input[key] = ""
		case 1:
			input[key] = list[0]
		default:
			items := make([]any, len(list))
			for i, item := range list {
				items[i] = item
			}
			input[key] = items
		}
	}
	return input
}
