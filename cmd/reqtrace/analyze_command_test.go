package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ongoingai/reqtrace/internal/trace"
)

const (
	analyzeOKID     = "0b8f4a52-1d6e-4c1a-9a57-3c2f1e0d9a01"
	analyzeInvalid  = "1c9e5b63-2e7f-4d2b-8b68-4d3a2f1e0b02"
	analyzeFailedID = "2dae6c74-3f80-4e3c-9c79-5e4b3a2f1c03"
	analyzeMissing  = "9f9f9f9f-0000-4000-8000-000000000000"
)

func analyzeFixtures() []*trace.Trace {
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	finished := func(offset time.Duration) *time.Time {
		v := base.Add(offset)
		return &v
	}
	return []*trace.Trace{
		{
			ID:         analyzeOKID,
			StartedAt:  base,
			FinishedAt: finished(121 * time.Millisecond),
			Method:     "GET",
			URL:        "http://localhost:8080/users/42?include=roles",
			IP:         "10.0.0.7",
			UserAgent:  "curl/8.5.0",
			UserID:     "42",
			Input:      map[string]any{"include": "roles"},
			Status:     200,
			DurationMS: 120.5,
			QueryCount: 2,
			DBTimeMS:   3.75,
			Events: []trace.Event{
				{Name: "[middleware] request_started", Timestamp: base, Payload: map[string]any{"method": "GET"}},
				{Name: "[middleware] request_completed", Timestamp: base.Add(120 * time.Millisecond), Payload: map[string]any{"status": 200}},
			},
			Queries: []trace.Query{
				{SQL: "select * from users where id = ?", Bindings: []any{"42"}, DurationMS: 1.25, Timestamp: base},
				{SQL: "select * from documents where body = ?", Bindings: []any{strings.Repeat("x", 64)}, DurationMS: 2.5, Timestamp: base},
			},
		},
		{
			ID:         analyzeInvalid,
			StartedAt:  base.Add(time.Minute),
			FinishedAt: finished(time.Minute + 35*time.Millisecond),
			Method:     "POST",
			URL:        "http://localhost:8080/login",
			Status:     422,
			DurationMS: 35,
			Errors: []trace.ErrorEntry{{
				Class:   "ValidationError",
				Message: "Form Validation Failed in LoginRequest: email is required",
				File:    "handlers/login.go",
				Line:    48,
			}},
		},
		{
			ID:         analyzeFailedID,
			StartedAt:  base.Add(2 * time.Minute),
			FinishedAt: finished(2*time.Minute + 1500*time.Millisecond),
			Method:     "POST",
			URL:        "http://localhost:8080/register",
			Status:     500,
			DurationMS: 1500,
			QueryCount: 1,
			DBTimeMS:   4,
			Queries:    []trace.Query{{SQL: "insert into users (email) values (?)", Bindings: []any{"a@example.com"}, DurationMS: 4, Timestamp: base.Add(2 * time.Minute)}},
			Errors:     []trace.ErrorEntry{{Class: "QueryError", Message: "unique violation"}},
		},
	}
}

func seededAnalyzeConfig(t *testing.T) string {
	t.Helper()
	configPath, dbPath := writeSQLiteConfig(t, "")
	seedTraces(t, dbPath, analyzeFixtures()...)
	return configPath
}

func runAnalyzeForTest(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := runAnalyze(args, strings.NewReader(""), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunAnalyzeListsRecentRequestsAsTable(t *testing.T) {
	t.Parallel()

	configPath := seededAnalyzeConfig(t)
	code, out, errOut := runAnalyzeForTest(t, "--config", configPath, "--limit", "2")
	if code != 0 {
		t.Fatalf("runAnalyze() code=%d, want 0 (stderr=%q)", code, errOut)
	}
	for _, want := range []string{"Request ID", "2dae6c74...", "1c9e5b63...", "💥 500", "❌ 422", "1500.0ms", "14:32:00"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout=%q, want %q", out, want)
		}
	}
	if strings.Contains(out, "0b8f4a52...") {
		t.Fatalf("stdout=%q, want oldest request excluded by limit", out)
	}
}

func TestRunAnalyzeAppliesFilters(t *testing.T) {
	t.Parallel()

	configPath := seededAnalyzeConfig(t)
	code, out, errOut := runAnalyzeForTest(t, "--config", configPath, "--method", "post", "--slow", "100", "--format", "json")
	if code != 0 {
		t.Fatalf("runAnalyze() code=%d, want 0 (stderr=%q)", code, errOut)
	}
	var traces []*trace.Trace
	if err := json.Unmarshal([]byte(out), &traces); err != nil {
		t.Fatalf("decode json output: %v (stdout=%q)", err, out)
	}
	if len(traces) != 1 || traces[0].ID != analyzeFailedID {
		t.Fatalf("traces=%d first=%v, want only %s", len(traces), traces, analyzeFailedID)
	}

	code, out, _ = runAnalyzeForTest(t, "--config", configPath, "--errors", "--status", "422")
	if code != 0 || !strings.Contains(out, "1c9e5b63...") || strings.Contains(out, "2dae6c74...") {
		t.Fatalf("errors+status code=%d stdout=%q, want only the 422 request", code, out)
	}
}

func TestRunAnalyzeNoResults(t *testing.T) {
	t.Parallel()

	configPath := seededAnalyzeConfig(t)
	code, out, _ := runAnalyzeForTest(t, "--config", configPath, "--user", "nobody")
	if code != 0 {
		t.Fatalf("runAnalyze() code=%d, want 0", code)
	}
	if strings.TrimSpace(out) != "No requests found." {
		t.Fatalf("stdout=%q, want no results message", out)
	}
}

func TestRunAnalyzeShowsSingleRequestInDetail(t *testing.T) {
	t.Parallel()

	configPath := seededAnalyzeConfig(t)
	code, out, errOut := runAnalyzeForTest(t, analyzeOKID, "--config", configPath)
	if code != 0 {
		t.Fatalf("runAnalyze() code=%d, want 0 (stderr=%q)", code, errOut)
	}
	for _, want := range []string{
		"📋 Request Details: " + analyzeOKID,
		"Basic Information:",
		"✅ 200",
		"curl/8.5.0",
		`"include": "roles"`,
		"Events Timeline:",
		`{"status":200}`,
		"Database Queries:",
		`["42"]`,
		`"` + strings.Repeat("x", 30) + `"... (64 chars)`,
		"Application Time",
		"116.75 ms",
		"✅ Request completed successfully",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Errors/Exceptions:") {
		t.Fatalf("stdout=%q, want no error section for a clean request", out)
	}
}

func TestRunAnalyzeExtractsValidationReason(t *testing.T) {
	t.Parallel()

	configPath := seededAnalyzeConfig(t)
	code, out, _ := runAnalyzeForTest(t, "--config", configPath, analyzeInvalid)
	if code != 0 {
		t.Fatalf("runAnalyze() code=%d, want 0", code)
	}
	if !strings.Contains(out, "email is required") || strings.Contains(out, "Form Validation Failed") {
		t.Fatalf("stdout=%q, want only the validation reason", out)
	}
	if !strings.Contains(out, "handlers/login.go:48") || !strings.Contains(out, "Client error response") {
		t.Fatalf("stdout=%q, want error location and client error verdict", out)
	}
}

func TestRunAnalyzeSingleRequestAsJSON(t *testing.T) {
	t.Parallel()

	configPath := seededAnalyzeConfig(t)
	code, out, _ := runAnalyzeForTest(t, "--config", configPath, "--format", "json", analyzeFailedID)
	if code != 0 {
		t.Fatalf("runAnalyze() code=%d, want 0", code)
	}
	var got trace.Trace
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode json output: %v", err)
	}
	if got.ID != analyzeFailedID || got.Status != 500 || len(got.Errors) != 1 {
		t.Fatalf("trace=%+v, want the failed request", got)
	}
}

func TestRunAnalyzeRejectsInvalidRequestIDBeforeLoadingConfig(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(configPath, []byte("server: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	code, _, errOut := runAnalyzeForTest(t, "not-a-uuid", "--config", configPath)
	if code != 1 {
		t.Fatalf("runAnalyze() code=%d, want 1", code)
	}
	if !strings.Contains(errOut, `invalid request id "not-a-uuid"`) || strings.Contains(errOut, "config") {
		t.Fatalf("stderr=%q, want only the invalid id error", errOut)
	}
}

func TestRunAnalyzeReportsMissingRequest(t *testing.T) {
	t.Parallel()

	configPath := seededAnalyzeConfig(t)
	code, _, errOut := runAnalyzeForTest(t, "--config", configPath, analyzeMissing)
	if code != 1 {
		t.Fatalf("runAnalyze() code=%d, want 1", code)
	}
	if !strings.Contains(errOut, "request "+analyzeMissing+" not found") {
		t.Fatalf("stderr=%q, want not found message", errOut)
	}
}

func TestRunAnalyzeStats(t *testing.T) {
	t.Parallel()

	configPath := seededAnalyzeConfig(t)
	code, out, errOut := runAnalyzeForTest(t, "--config", configPath, "--stats")
	if code != 0 {
		t.Fatalf("runAnalyze() code=%d, want 0 (stderr=%q)", code, errOut)
	}
	for _, want := range []string{
		"📊 Request Statistics",
		"Total Requests: 3",
		"Status Code Distribution:",
		"Validation Error",
		"Server Error",
		"HTTP Method Distribution:",
		"Performance Statistics:",
		"Max Duration",
		"Duration Percentiles (latest 3 requests):",
		"p95",
		"Total Requests with Errors: 2",
		"QueryError",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout missing %q:\n%s", want, out)
		}
	}
}

func TestRunAnalyzeStatsWithoutMatches(t *testing.T) {
	t.Parallel()

	configPath := seededAnalyzeConfig(t)
	code, out, _ := runAnalyzeForTest(t, "--config", configPath, "--stats", "--method", "DELETE")
	if code != 0 {
		t.Fatalf("runAnalyze() code=%d, want 0", code)
	}
	if !strings.Contains(out, "No requests match the given filters.") {
		t.Fatalf("stdout=%q, want empty stats message", out)
	}
}

func TestRunAnalyzeStatsAsJSONWithExport(t *testing.T) {
	t.Parallel()

	configPath := seededAnalyzeConfig(t)
	exportPath := filepath.Join(t.TempDir(), "stats.txt")
	code, out, errOut := runAnalyzeForTest(t, "--config", configPath, "--stats", "--format", "json", "--export", exportPath)
	if code != 0 {
		t.Fatalf("runAnalyze() code=%d, want 0 (stderr=%q)", code, errOut)
	}
	if !strings.Contains(out, `"total": 3`) {
		t.Fatalf("stdout=%q, want stats json", out)
	}

	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var stats trace.Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("stats export is not json: %v", err)
	}
	if stats.Total != 3 || stats.Percentiles == nil || stats.Percentiles.Sample != 3 {
		t.Fatalf("exported stats=%+v, want total 3 with percentiles", stats)
	}
}

func TestRunAnalyzeExportsByExtension(t *testing.T) {
	t.Parallel()

	configPath := seededAnalyzeConfig(t)
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "requests.json")
	if code, _, errOut := runAnalyzeForTest(t, "--config", configPath, "--export", jsonPath); code != 0 {
		t.Fatalf("json export code=%d, want 0 (stderr=%q)", code, errOut)
	}
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("read json export: %v", err)
	}
	var traces []*trace.Trace
	if err := json.Unmarshal(data, &traces); err != nil || len(traces) != 3 {
		t.Fatalf("json export traces=%d err=%v, want 3", len(traces), err)
	}

	csvPath := filepath.Join(dir, "requests.csv")
	if code, _, errOut := runAnalyzeForTest(t, "--config", configPath, "--export", csvPath); code != 0 {
		t.Fatalf("csv export code=%d, want 0 (stderr=%q)", code, errOut)
	}
	data, err = os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("read csv export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("csv lines=%d, want header plus 3 rows:\n%s", len(lines), data)
	}
	if !strings.HasPrefix(lines[0], "id,started_at,finished_at,method,url,status,duration_ms") {
		t.Fatalf("csv header=%q, want trace columns", lines[0])
	}
	if !strings.HasPrefix(lines[1], analyzeFailedID+",") {
		t.Fatalf("first csv row=%q, want newest request first", lines[1])
	}

	textPath := filepath.Join(dir, "requests.log")
	code, out, errOut := runAnalyzeForTest(t, "--config", configPath, "--export", textPath)
	if code != 0 {
		t.Fatalf("text export code=%d, want 0 (stderr=%q)", code, errOut)
	}
	if !strings.Contains(out, "Exported 3 requests to "+textPath) {
		t.Fatalf("stdout=%q, want export confirmation", out)
	}
	data, err = os.ReadFile(textPath)
	if err != nil {
		t.Fatalf("read text export: %v", err)
	}
	if !strings.Contains(string(data), "0b8f4a52...") {
		t.Fatalf("text export=%q, want table rows", data)
	}
}

func TestRunAnalyzeFlagErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		args       []string
		wantStderr string
	}{
		{name: "zero limit", args: []string{"--limit", "0"}, wantStderr: "limit must be between 1 and 1000"},
		{name: "limit above cap", args: []string{"--limit", "1001"}, wantStderr: "limit must be between 1 and 1000"},
		{name: "negative slow", args: []string{"--slow", "-1"}, wantStderr: "slow must be greater than or equal to 0"},
		{name: "unknown format", args: []string{"--format", "xml"}, wantStderr: `invalid analyze format "xml"`},
		{name: "bad from", args: []string{"--from", "yesterday"}, wantStderr: "invalid from"},
		{name: "inverted range", args: []string{"--from", "2026-03-02", "--to", "2026-03-01"}, wantStderr: "invalid range"},
		{name: "two ids", args: []string{analyzeOKID, "--limit", "5", analyzeFailedID}, wantStderr: "at most one request id"},
		{name: "unknown flag", args: []string{"--bogus"}, wantStderr: "flag provided but not defined"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			code, _, errOut := runAnalyzeForTest(t, tt.args...)
			if code != 2 {
				t.Fatalf("runAnalyze(%v) code=%d, want 2", tt.args, code)
			}
			if !strings.Contains(errOut, tt.wantStderr) {
				t.Fatalf("stderr=%q, want %q", errOut, tt.wantStderr)
			}
		})
	}
}

func TestRunAnalyzePromptsForRequestIDWhenInteractive(t *testing.T) {
	originalIsInteractive := isInteractive
	t.Cleanup(func() {
		isInteractive = originalIsInteractive
	})
	isInteractive = func(io.Reader) bool { return true }

	configPath := seededAnalyzeConfig(t)

	var stdout, stderr bytes.Buffer
	code := runAnalyze([]string{"--config", configPath}, strings.NewReader(analyzeInvalid+"\n"), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runAnalyze() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), requestIDPrompt) {
		t.Fatalf("stdout=%q, want prompt first", stdout.String())
	}
	if !strings.Contains(stdout.String(), "📋 Request Details: "+analyzeInvalid) {
		t.Fatalf("stdout=%q, want details of the entered id", stdout.String())
	}

	stdout.Reset()
	code = runAnalyze([]string{"--config", configPath}, strings.NewReader("\n"), &stdout, &stderr)
	if code != 0 || !strings.Contains(stdout.String(), "0b8f4a52...") {
		t.Fatalf("blank answer code=%d stdout=%q, want recent requests table", code, stdout.String())
	}

	stdout.Reset()
	stderr.Reset()
	code = runAnalyze([]string{"--config", configPath}, strings.NewReader("abc\n"), &stdout, &stderr)
	if code != 1 || !strings.Contains(stderr.String(), "invalid request id") {
		t.Fatalf("invalid answer code=%d stderr=%q, want 1 and invalid id", code, stderr.String())
	}

	// Filters skip the prompt entirely.
	stdout.Reset()
	code = runAnalyze([]string{"--config", configPath, "--method", "GET"}, strings.NewReader(analyzeInvalid+"\n"), &stdout, &stderr)
	if code != 0 || strings.Contains(stdout.String(), requestIDPrompt) {
		t.Fatalf("filtered run code=%d stdout=%q, want no prompt", code, stdout.String())
	}
}

func TestIsValidRequestID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want bool
	}{
		{raw: analyzeOKID, want: true},
		{raw: strings.ToUpper(analyzeOKID), want: true},
		{raw: "0b8f4a521d6e4c1a9a573c2f1e0d9a01", want: false},
		{raw: "urn:uuid:" + analyzeOKID, want: false},
		{raw: "{" + analyzeOKID + "}", want: false},
		{raw: "", want: false},
	}
	for _, tt := range tests {
		if got := isValidRequestID(tt.raw); got != tt.want {
			t.Fatalf("isValidRequestID(%q)=%t, want %t", tt.raw, got, tt.want)
		}
	}
}
