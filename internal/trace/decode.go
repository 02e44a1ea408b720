package trace

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DecodeDocument builds a Trace from a loosely typed document. Every field is
// optional; missing or mistyped values fall back to their zero value. Legacy
// key names (event/data, time_ms, trace) are accepted alongside current ones.
func DecodeDocument(doc map[string]any) *Trace {
	if doc == nil {
		return &Trace{}
	}
	out := &Trace{
		ID:         firstString(doc, "_id", "id", "request_id"),
		Method:     asString(doc["method"]),
		URL:        asString(doc["url"]),
		IP:         asString(doc["ip"]),
		UserAgent:  asString(doc["user_agent"]),
		UserID:     asString(doc["user_id"]),
		Input:      asMap(doc["input"]),
		Status:     int(asInt(doc["status"])),
		DurationMS: asFloat(doc["duration_ms"]),
		QueryCount: int(asInt(doc["query_count"])),
		DBTimeMS:   asFloat(doc["db_time_ms"]),
	}
	out.StartedAt = asTime(doc["started_at"])
	if finished := asTime(doc["finished_at"]); !finished.IsZero() {
		out.FinishedAt = &finished
	}

	for _, raw := range asSlice(doc["events"]) {
		item := asMap(raw)
		if item == nil {
			continue
		}
		payload := asMap(item["payload"])
		if payload == nil {
			payload = asMap(item["data"])
		}
		out.Events = append(out.Events, Event{
			Name:      firstString(item, "name", "event"),
			Timestamp: asTime(item["timestamp"]),
			Payload:   payload,
		})
	}

	for _, raw := range asSlice(doc["queries"]) {
		item := asMap(raw)
		if item == nil {
			continue
		}
		duration, ok := item["duration_ms"]
		if !ok {
			duration = item["time_ms"]
		}
		out.Queries = append(out.Queries, Query{
			SQL:        asString(item["sql"]),
			Bindings:   normalizeSlice(asSlice(item["bindings"])),
			DurationMS: asFloat(duration),
			Timestamp:  asTime(item["timestamp"]),
		})
	}

	for _, raw := range asSlice(doc["errors"]) {
		item := asMap(raw)
		if item == nil {
			continue
		}
		out.Errors = append(out.Errors, ErrorEntry{
			Class:      asString(item["class"]),
			Message:    asString(item["message"]),
			File:       asString(item["file"]),
			Line:       int(asInt(item["line"])),
			StackTrace: firstString(item, "stack_trace", "trace"),
		})
	}

	return out
}

// DecodeJSON decodes a JSON object through DecodeDocument.
func DecodeJSON(data []byte) (*Trace, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode trace json: %w", err)
	}
	return DecodeDocument(doc), nil
}

func firstString(doc map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := doc[key]; ok && value != nil {
			if s := asString(value); s != "" {
				return s
			}
		}
	}
	return ""
}

func asString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case int:
		return strconv.Itoa(typed)
	case int32:
		return strconv.FormatInt(int64(typed), 10)
	case int64:
		return strconv.FormatInt(typed, 10)
	case float64:
		if typed == math.Trunc(typed) && math.Abs(typed) < 1e15 {
			return strconv.FormatInt(int64(typed), 10)
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case json.Number:
		return typed.String()
	case primitive.ObjectID:
		return typed.Hex()
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}

func asInt(value any) int64 {
	switch typed := value.(type) {
	case int:
		return int64(typed)
	case int32:
		return int64(typed)
	case int64:
		return typed
	case float64:
		return int64(typed)
	case float32:
		return int64(typed)
	case json.Number:
		if n, err := typed.Int64(); err == nil {
			return n
		}
		f, _ := typed.Float64()
		return int64(f)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func asFloat(value any) float64 {
	switch typed := value.(type) {
	case float64:
		return typed
	case float32:
		return float64(typed)
	case int:
		return float64(typed)
	case int32:
		return float64(typed)
	case int64:
		return float64(typed)
	case json.Number:
		f, _ := typed.Float64()
		return f
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(typed.String(), 64)
		if err != nil {
			return 0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func asTime(value any) time.Time {
	switch typed := value.(type) {
	case time.Time:
		return typed.UTC()
	case primitive.DateTime:
		return typed.Time().UTC()
	case string:
		parsed, err := parseSQLiteTimestamp(typed)
		if err != nil {
			return time.Time{}
		}
		return parsed
	default:
		return time.Time{}
	}
}

func asMap(value any) map[string]any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = normalizeValue(v)
		}
		return out
	case bson.M:
		return asMap(map[string]any(typed))
	case bson.D:
		out := make(map[string]any, len(typed))
		for _, elem := range typed {
			out[elem.Key] = normalizeValue(elem.Value)
		}
		return out
	default:
		return nil
	}
}

func asSlice(value any) []any {
	switch typed := value.(type) {
	case []any:
		return typed
	case bson.A:
		return []any(typed)
	case []map[string]any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = item
		}
		return out
	default:
		return nil
	}
}

func normalizeSlice(in []any) []any {
	if in == nil {
		return nil
	}
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = normalizeValue(v)
	}
	return out
}

// normalizeValue converts driver-specific containers and scalars into plain
// Go values so decoded documents render the same regardless of backend.
func normalizeValue(value any) any {
	switch typed := value.(type) {
	case bson.M, bson.D, map[string]any:
		return asMap(typed)
	case bson.A, []any:
		return normalizeSlice(asSlice(typed))
	case primitive.DateTime:
		return typed.Time().UTC().Format(time.RFC3339Nano)
	case primitive.ObjectID:
		return typed.Hex()
	case int32:
		return int64(typed)
	default:
		return value
	}
}
