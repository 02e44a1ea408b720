package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/reqtrace/internal/correlation"
	"github.com/ongoingai/reqtrace/internal/proxy"
	"github.com/ongoingai/reqtrace/internal/trace"
	"github.com/ongoingai/reqtrace/internal/tracking"
)

const (
	traceQueryScope   = "TraceQuery"
	defaultTraceLimit = 50
	maxTraceLimit     = trace.MaxQueryLimit
)

type tracesResponse struct {
	Data   []traceSummary `json:"data"`
	Total  int64          `json:"total"`
	Filter trace.Filter   `json:"filter"`
}

type traceSummary struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Status     int       `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	QueryCount int       `json:"query_count"`
	DBTimeMS   float64   `json:"db_time_ms"`
	UserID     string    `json:"user_id,omitempty"`
	ErrorCount int       `json:"error_count"`
}

type traceDetailResponse struct {
	Data *trace.Trace `json:"data"`
}

type traceStatsResponse struct {
	Data *trace.Stats `json:"data"`
}

// TracesHandler lists the most recent traces matching the query filter.
func TracesHandler(store trace.TraceReader, responder proxy.ErrorResponder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			responder.Write(w, r, fmt.Errorf("%w: no store configured", trace.ErrStoreUnavailable))
			return
		}

		filter, limit, fields := parseTraceQuery(r)
		if len(fields) > 0 {
			responder.Write(w, r, tracking.ReportValidationFailure(r.Context(), traceQueryScope, fields))
			return
		}

		total, err := store.Count(r.Context(), filter)
		if err != nil {
			responder.Write(w, r, err)
			return
		}
		items, err := store.Query(r.Context(), filter, limit)
		if err != nil {
			responder.Write(w, r, err)
			return
		}

		resp := tracesResponse{
			Data:   make([]traceSummary, 0, len(items)),
			Total:  total,
			Filter: filter,
		}
		for _, item := range items {
			resp.Data = append(resp.Data, summarizeTrace(item))
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

// TraceDetailHandler returns one full trace document.
func TraceDetailHandler(store trace.TraceReader, responder proxy.ErrorResponder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		id := strings.TrimSpace(r.PathValue("id"))
		if !correlation.IsValidID(id) {
			responder.Write(w, r, tracking.ReportValidationFailure(r.Context(), traceQueryScope, []tracking.FieldError{{
				Field:   "id",
				Message: "The id must be a valid request id.",
			}}))
			return
		}
		if store == nil {
			responder.Write(w, r, fmt.Errorf("%w: no store configured", trace.ErrStoreUnavailable))
			return
		}

		item, err := store.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, trace.ErrNotFound) {
				err = fmt.Errorf("trace %s: %w", id, err)
			}
			responder.Write(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, traceDetailResponse{Data: item})
	})
}

// TraceStatsHandler aggregates the traces matching the query filter.
func TraceStatsHandler(store trace.TraceReader, responder proxy.ErrorResponder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			responder.Write(w, r, fmt.Errorf("%w: no store configured", trace.ErrStoreUnavailable))
			return
		}

		filter, _, fields := parseTraceQuery(r)
		if len(fields) > 0 {
			responder.Write(w, r, tracking.ReportValidationFailure(r.Context(), traceQueryScope, fields))
			return
		}

		stats, err := trace.CollectStats(r.Context(), store, filter, trace.DefaultPercentileSample)
		if err != nil {
			responder.Write(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, traceStatsResponse{Data: stats})
	})
}

// parseTraceQuery reads the filter and limit from the query string. Every
// invalid parameter is reported, not just the first.
func parseTraceQuery(r *http.Request) (trace.Filter, int, []tracking.FieldError) {
	query := r.URL.Query()
	var fields []tracking.FieldError
	fail := func(field string, err error) {
		fields = append(fields, tracking.FieldError{Field: field, Message: err.Error()})
	}

	filter := trace.Filter{
		UserID:      query.Get("user"),
		Method:      query.Get("method"),
		URLContains: query.Get("url"),
	}

	status, err := parseIntQuery(query.Get("status"), "status", 100, 599)
	if err != nil {
		fail("status", err)
	}
	filter.Status = status

	if raw := strings.TrimSpace(query.Get("slow")); raw != "" {
		slow, err := strconv.ParseFloat(raw, 64)
		switch {
		case err != nil:
			fail("slow", fmt.Errorf("slow must be a number of milliseconds"))
		case slow < 0:
			fail("slow", fmt.Errorf("slow must be >= 0"))
		default:
			filter.MinDurationMS = slow
		}
	}

	if raw := strings.TrimSpace(query.Get("errors")); raw != "" {
		errorsOnly, err := strconv.ParseBool(raw)
		if err != nil {
			fail("errors", fmt.Errorf("errors must be a boolean"))
		}
		filter.ErrorsOnly = errorsOnly
	}

	if filter.From, err = trace.ParseTimeBound(query.Get("from"), false); err != nil {
		fail("from", err)
	}
	if filter.To, err = trace.ParseTimeBound(query.Get("to"), true); err != nil {
		fail("to", err)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		fail("to", fmt.Errorf("to must not be before from"))
	}

	limit, err := parseIntQuery(query.Get("limit"), "limit", 1, maxTraceLimit)
	if err != nil {
		fail("limit", err)
	}
	if limit == 0 {
		limit = defaultTraceLimit
	}

	return filter.Normalize(), limit, fields
}

func summarizeTrace(item *trace.Trace) traceSummary {
	return traceSummary{
		ID:         item.ID,
		StartedAt:  item.StartedAt,
		Method:     item.Method,
		URL:        item.URL,
		Status:     item.Status,
		DurationMS: item.DurationMS,
		QueryCount: item.QueryCount,
		DBTimeMS:   item.DBTimeMS,
		UserID:     item.UserID,
		ErrorCount: len(item.Errors),
	}
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}
