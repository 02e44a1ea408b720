package tracking

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
)

func TestRedactInputDropsSecretsRecursively(t *testing.T) {
	t.Parallel()

	input := map[string]any{
		"email":            "ada@example.com",
		"Password":         "hunter22",
		"current_password": "old",
		"profile": map[string]any{
			"password_confirmation": "hunter22",
			"bio":                   "hello",
		},
		"tokens": []any{"Bearer abcdefghijklmnop", "plain"},
	}
	out := RedactInput(input)

	for _, key := range []string{"Password", "current_password"} {
		if _, ok := out[key]; ok {
			t.Fatalf("RedactInput() kept %q", key)
		}
	}
	profile := out["profile"].(map[string]any)
	if _, ok := profile["password_confirmation"]; ok {
		t.Fatal("nested password_confirmation kept")
	}
	if profile["bio"] != "hello" {
		t.Fatalf("profile.bio=%v, want hello", profile["bio"])
	}
	tokens := out["tokens"].([]any)
	if strings.Contains(tokens[0].(string), "abcdefghijklmnop") {
		t.Fatalf("bearer token not scrubbed: %v", tokens[0])
	}
	if tokens[1] != "plain" {
		t.Fatalf("tokens[1]=%v, want plain", tokens[1])
	}
	if _, ok := input["Password"]; !ok {
		t.Fatal("RedactInput() mutated its input")
	}
}

func TestQueryObserverRecordsStatement(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(&recordingSink{})
	ctx, _ := tracker.Start(context.Background(), Meta{Method: "GET"})

	QueryObserver(ctx, "  SELECT document FROM request_traces WHERE id = ?  ", []any{[]byte("abc")}, 1500*time.Microsecond)

	snap := Snapshot(ctx)
	if snap.QueryCount != 1 {
		t.Fatalf("query_count=%d, want 1", snap.QueryCount)
	}
	q := snap.Queries[0]
	if q.SQL != "SELECT document FROM request_traces WHERE id = ?" || q.DurationMS != 1.5 {
		t.Fatalf("query=%+v", q)
	}
	if q.Bindings[0] != "abc" {
		t.Fatalf("bindings=%v, want byte slice rendered as string", q.Bindings)
	}
}

func TestMongoCommandMonitorCorrelatesEvents(t *testing.T) {
	t.Parallel()

	tracker := newTestTracker(&recordingSink{})
	ctx, _ := tracker.Start(context.Background(), Meta{Method: "GET"})
	monitor := MongoCommandMonitor()

	command, err := bson.Marshal(bson.D{{Key: "find", Value: "users"}, {Key: "filter", Value: bson.D{{Key: "email", Value: "ada@example.com"}}}})
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	monitor.Started(ctx, &event.CommandStartedEvent{
		Command:      command,
		DatabaseName: "app",
		CommandName:  "find",
		RequestID:    7,
	})
	monitor.Started(ctx, &event.CommandStartedEvent{
		Command:      command,
		DatabaseName: "app",
		CommandName:  "hello",
		RequestID:    8,
	})
	monitor.Succeeded(ctx, &event.CommandSucceededEvent{
		CommandFinishedEvent: event.CommandFinishedEvent{RequestID: 8, Duration: time.Millisecond},
	})
	monitor.Succeeded(ctx, &event.CommandSucceededEvent{
		CommandFinishedEvent: event.CommandFinishedEvent{RequestID: 7, Duration: 12 * time.Millisecond},
	})

	snap := Snapshot(ctx)
	if snap.QueryCount != 1 {
		t.Fatalf("query_count=%d, want 1 (handshake ignored)", snap.QueryCount)
	}
	q := snap.Queries[0]
	if q.SQL != "find app.users" || q.DurationMS != 12 {
		t.Fatalf("query=%+v", q)
	}
	binding, _ := q.Bindings[0].(string)
	if !strings.Contains(binding, "ada@example.com") {
		t.Fatalf("binding=%q, want command json", binding)
	}

	monitor.Failed(context.Background(), &event.CommandFailedEvent{
		CommandFinishedEvent: event.CommandFinishedEvent{RequestID: 99},
	})
}
