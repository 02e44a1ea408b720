package trace

import (
	"math"
	"time"
)

// Trace is the persisted record of one inbound HTTP request.
type Trace struct {
	ID         string         `json:"id" bson:"_id"`
	StartedAt  time.Time      `json:"started_at" bson:"started_at"`
	FinishedAt *time.Time     `json:"finished_at" bson:"finished_at"`
	Method     string         `json:"method" bson:"method"`
	URL        string         `json:"url" bson:"url"`
	IP         string         `json:"ip" bson:"ip"`
	UserAgent  string         `json:"user_agent" bson:"user_agent"`
	UserID     string         `json:"user_id" bson:"user_id"`
	Input      map[string]any `json:"input" bson:"input"`
	Status     int            `json:"status" bson:"status"`
	DurationMS float64        `json:"duration_ms" bson:"duration_ms"`
	QueryCount int            `json:"query_count" bson:"query_count"`
	DBTimeMS   float64        `json:"db_time_ms" bson:"db_time_ms"`
	Events     []Event        `json:"events" bson:"events"`
	Queries    []Query        `json:"queries" bson:"queries"`
	Errors     []ErrorEntry   `json:"errors" bson:"errors"`
}

// Event is a named, timestamped point in the request timeline.
type Event struct {
	Name      string         `json:"name" bson:"name"`
	Timestamp time.Time      `json:"timestamp" bson:"timestamp"`
	Payload   map[string]any `json:"payload" bson:"payload"`
}

// Query is one database statement observed while serving the request.
type Query struct {
	SQL        string    `json:"sql" bson:"sql"`
	Bindings   []any     `json:"bindings" bson:"bindings"`
	DurationMS float64   `json:"duration_ms" bson:"duration_ms"`
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
}

// ErrorEntry is one error or panic observed while serving the request.
type ErrorEntry struct {
	Class      string `json:"class" bson:"class"`
	Message    string `json:"message" bson:"message"`
	File       string `json:"file" bson:"file"`
	Line       int    `json:"line" bson:"line"`
	StackTrace string `json:"stack_trace" bson:"stack_trace"`
}

// StatusAborted is recorded when the client went away before a status was written.
const StatusAborted = 0

// Finished reports whether the trace was closed by the lifecycle controller.
func (t *Trace) Finished() bool {
	return t != nil && t.FinishedAt != nil
}

// HasErrors reports whether at least one error was recorded.
func (t *Trace) HasErrors() bool {
	return t != nil && len(t.Errors) > 0
}

// RecomputeAggregates refreshes query_count and db_time_ms from the query list.
func (t *Trace) RecomputeAggregates() {
	if t == nil {
		return
	}
	total := 0.0
	for _, q := range t.Queries {
		total += q.DurationMS
	}
	t.QueryCount = len(t.Queries)
	t.DBTimeMS = Round2(total)
}

// Clone returns a copy that shares no slices or maps with t.
func (t *Trace) Clone() *Trace {
	if t == nil {
		return nil
	}
	out := *t
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		out.FinishedAt = &finished
	}
	out.Input = cloneMap(t.Input)
	if t.Events != nil {
		out.Events = make([]Event, len(t.Events))
		for i, ev := range t.Events {
			ev.Payload = cloneMap(ev.Payload)
			out.Events[i] = ev
		}
	}
	if t.Queries != nil {
		out.Queries = make([]Query, len(t.Queries))
		for i, q := range t.Queries {
			q.Bindings = cloneSlice(q.Bindings)
			out.Queries[i] = q
		}
	}
	if t.Errors != nil {
		out.Errors = append([]ErrorEntry(nil), t.Errors...)
	}
	return &out
}

// Round2 rounds v half away from zero to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneSlice(in []any) []any {
	if in == nil {
		return nil
	}
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		return cloneSlice(typed)
	default:
		return v
	}
}
