package trace

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("trace store record not found")
var ErrQueueFull = errors.New("trace write queue is full")
var ErrStoreUnavailable = errors.New("trace store unavailable")

// TraceWriter persists finished traces. Save is an upsert keyed by Trace.ID.
type TraceWriter interface {
	Save(ctx context.Context, trace *Trace) error
	SaveBatch(ctx context.Context, traces []*Trace) error
}

// TraceReader answers the analysis queries issued by the CLI and the read API.
type TraceReader interface {
	Get(ctx context.Context, id string) (*Trace, error)
	Query(ctx context.Context, filter Filter, limit int) ([]*Trace, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	StatusBreakdown(ctx context.Context, filter Filter) ([]StatusCount, error)
	MethodBreakdown(ctx context.Context, filter Filter) ([]MethodCount, error)
	Performance(ctx context.Context, filter Filter) (*PerformanceSummary, error)
	ErrorBreakdown(ctx context.Context, filter Filter, top int) (*ErrorSummary, error)
	Durations(ctx context.Context, filter Filter, limit int) ([]float64, error)
}

// Store is a full trace backend.
type Store interface {
	TraceWriter
	TraceReader
	// EnsureIndexes provisions secondary indexes. Failures are reported but
	// never prevent the store from serving.
	EnsureIndexes(ctx context.Context) error
	// Prune removes traces that started before the given instant.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) bool
	Close() error
}

// Filter narrows analysis queries. Zero values disable a criterion.
type Filter struct {
	UserID        string    `json:"user_id,omitempty"`
	Method        string    `json:"method,omitempty"`
	Status        int       `json:"status,omitempty"`
	URLContains   string    `json:"url_contains,omitempty"`
	MinDurationMS float64   `json:"min_duration_ms,omitempty"`
	ErrorsOnly    bool      `json:"errors_only,omitempty"`
	From          time.Time `json:"from,omitzero"`
	To            time.Time `json:"to,omitzero"`
}

// Normalize trims string criteria and upper-cases the method.
func (f Filter) Normalize() Filter {
	f.UserID = strings.TrimSpace(f.UserID)
	f.Method = strings.ToUpper(strings.TrimSpace(f.Method))
	f.URLContains = strings.TrimSpace(f.URLContains)
	if f.MinDurationMS < 0 {
		f.MinDurationMS = 0
	}
	return f
}

// IsZero reports whether no criterion is set.
func (f Filter) IsZero() bool {
	return f.UserID == "" &&
		f.Method == "" &&
		f.Status == 0 &&
		f.URLContains == "" &&
		f.MinDurationMS <= 0 &&
		!f.ErrorsOnly &&
		f.From.IsZero() &&
		f.To.IsZero()
}

type StatusCount struct {
	Status int   `json:"status" bson:"_id"`
	Count  int64 `json:"count" bson:"count"`
}

type MethodCount struct {
	Method        string  `json:"method" bson:"_id"`
	Count         int64   `json:"count" bson:"count"`
	AvgDurationMS float64 `json:"avg_duration_ms" bson:"avg_duration"`
}

type PerformanceSummary struct {
	AvgDurationMS float64 `json:"avg_duration_ms" bson:"avg_duration"`
	MinDurationMS float64 `json:"min_duration_ms" bson:"min_duration"`
	MaxDurationMS float64 `json:"max_duration_ms" bson:"max_duration"`
	AvgQueryCount float64 `json:"avg_query_count" bson:"avg_queries"`
	MaxQueryCount int64   `json:"max_query_count" bson:"max_queries"`
	AvgDBTimeMS   float64 `json:"avg_db_time_ms" bson:"avg_db_time"`
}

type ErrorClassCount struct {
	Class string `json:"class" bson:"_id"`
	Count int64  `json:"count" bson:"count"`
}

type ErrorSummary struct {
	TracesWithErrors int64             `json:"traces_with_errors"`
	TopClasses       []ErrorClassCount `json:"top_classes"`
}

// MaxQueryLimit is the most traces a single Query returns.
const MaxQueryLimit = 1000

const (
	defaultQueryLimit = 50
	defaultTopErrors  = 10
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

func clampTop(top int) int {
	if top <= 0 {
		return defaultTopErrors
	}
	return top
}
