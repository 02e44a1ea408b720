package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gocarina/gocsv"
	"github.com/olekukonko/tablewriter"

	"github.com/ongoingai/reqtrace/internal/trace"
)

const (
	shortIDLen         = 8
	tableURLWidth      = 40
	detailAgentWidth   = 50
	eventDataWidth     = 120
	querySQLWidth      = 60
	errorMessageWidth  = 60
	bindingMaxLen      = 50
	bindingPreviewLen  = 30
	detailSeparatorLen = 80
)

var validationReason = regexp.MustCompile(`Form Validation Failed in .+?: (.+)`)

var statusDescriptions = map[int]string{
	200: "OK",
	201: "Created",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	422: "Validation Error",
	500: "Server Error",
}

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func writeTraceTable(out io.Writer, traces []*trace.Trace) {
	table := newTable(out, "Request ID", "Time", "Method", "Status", "Duration", "Queries", "URL")
	for _, t := range traces {
		if t == nil {
			continue
		}
		table.Append([]string{
			shortID(t.ID),
			formatClock(t.StartedAt),
			valueOr(t.Method, "N/A"),
			statusLabel(t.Status),
			strconv.FormatFloat(t.DurationMS, 'f', 1, 64) + "ms",
			strconv.Itoa(t.QueryCount),
			truncate(valueOr(t.URL, "N/A"), tableURLWidth),
		})
	}
	table.Render()
}

func writeTraceDetails(out io.Writer, traces []*trace.Trace) {
	for _, t := range traces {
		if t == nil {
			continue
		}
		writeTraceDetail(out, t)
		fmt.Fprintln(out, strings.Repeat("-", detailSeparatorLen))
	}
}

func writeTraceDetail(out io.Writer, t *trace.Trace) {
	fmt.Fprintf(out, "📋 Request Details: %s\n\n", t.ID)

	fmt.Fprintln(out, "Basic Information:")
	basic := newTable(out, "Field", "Value")
	basic.AppendBulk([][]string{
		{"Request ID", t.ID},
		{"Method", valueOr(t.Method, "N/A")},
		{"URL", valueOr(t.URL, "N/A")},
		{"Status", statusLabel(t.Status)},
		{"User ID", valueOr(t.UserID, "Guest")},
		{"IP Address", valueOr(t.IP, "N/A")},
		{"User Agent", truncate(valueOr(t.UserAgent, "N/A"), detailAgentWidth)},
		{"Started At", formatTimestamp(t.StartedAt)},
		{"Finished At", formatOptionalTimestamp(t.FinishedAt)},
		{"Duration", formatMS(t.DurationMS)},
		{"Query Count", strconv.Itoa(t.QueryCount)},
		{"DB Time", formatMS(t.DBTimeMS)},
	})
	basic.Render()

	if len(t.Input) > 0 {
		fmt.Fprintln(out, "\nRequest Input:")
		encoded, err := json.MarshalIndent(t.Input, "", "    ")
		if err != nil {
			fmt.Fprintf(out, "(unencodable input: %v)\n", err)
		} else {
			fmt.Fprintln(out, string(encoded))
		}
	}

	if len(t.Events) > 0 {
		fmt.Fprintln(out, "\nEvents Timeline:")
		events := newTable(out, "Time", "Event", "Data")
		for _, event := range t.Events {
			events.Append([]string{
				formatClock(event.Timestamp),
				valueOr(event.Name, "unknown"),
				formatEventPayload(event.Payload),
			})
		}
		events.Render()
	}

	if len(t.Queries) > 0 {
		fmt.Fprintln(out, "\nDatabase Queries:")
		queries := newTable(out, "#", "SQL Query", "Bindings", "Time")
		for i, query := range t.Queries {
			queries.Append([]string{
				strconv.Itoa(i + 1),
				truncate(valueOr(query.SQL, "N/A"), querySQLWidth),
				formatBindings(query.Bindings),
				formatMS(query.DurationMS),
			})
		}
		queries.Render()
	}

	if len(t.Errors) > 0 {
		fmt.Fprintln(out, "\nErrors/Exceptions:")
		errs := newTable(out, "#", "Exception Class", "Message", "Location")
		for i, entry := range t.Errors {
			errs.Append([]string{
				strconv.Itoa(i + 1),
				valueOr(entry.Class, "Unknown"),
				truncate(extractValidationReason(valueOr(entry.Message, "N/A")), errorMessageWidth),
				errorLocation(entry),
			})
		}
		errs.Render()
	}

	fmt.Fprintln(out, "\nPerformance Summary:")
	perf := newTable(out, "Metric", "Value")
	perf.AppendBulk([][]string{
		{"Total Duration", formatMS(t.DurationMS)},
		{"Database Time", formatMS(t.DBTimeMS)},
		{"Application Time", formatMS(trace.Round2(t.DurationMS - t.DBTimeMS))},
		{"Query Count", strconv.Itoa(t.QueryCount)},
		{"Event Count", strconv.Itoa(len(t.Events))},
		{"Error Count", strconv.Itoa(len(t.Errors))},
	})
	perf.Render()

	fmt.Fprintln(out)
	fmt.Fprintln(out, statusVerdict(t.Status))
}

func writeStatsText(out io.Writer, stats *trace.Stats) {
	fmt.Fprintln(out, "📊 Request Statistics")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Total Requests: %s\n\n", humanize.Comma(stats.Total))

	fmt.Fprintln(out, "Status Code Distribution:")
	statuses := newTable(out, "Status Code", "Count", "Description")
	for _, row := range stats.StatusCodes {
		statuses.Append([]string{
			strconv.Itoa(row.Status),
			humanize.Comma(row.Count),
			statusDescription(row.Status),
		})
	}
	statuses.Render()
	fmt.Fprintln(out)

	fmt.Fprintln(out, "HTTP Method Distribution:")
	methods := newTable(out, "Method", "Count", "Avg Duration")
	for _, row := range stats.Methods {
		methods.Append([]string{
			valueOr(row.Method, "Unknown"),
			humanize.Comma(row.Count),
			formatMS(row.AvgDurationMS),
		})
	}
	methods.Render()
	fmt.Fprintln(out)

	if perf := stats.Performance; perf != nil {
		fmt.Fprintln(out, "Performance Statistics:")
		table := newTable(out, "Metric", "Value")
		table.AppendBulk([][]string{
			{"Avg Duration", formatMS(perf.AvgDurationMS)},
			{"Max Duration", formatMS(perf.MaxDurationMS)},
			{"Min Duration", formatMS(perf.MinDurationMS)},
			{"Avg Queries", strconv.FormatFloat(trace.Round2(perf.AvgQueryCount), 'f', -1, 64)},
			{"Max Queries", strconv.FormatInt(perf.MaxQueryCount, 10)},
			{"Avg DB Time", formatMS(perf.AvgDBTimeMS)},
		})
		table.Render()
		fmt.Fprintln(out)
	}

	if pct := stats.Percentiles; pct != nil {
		fmt.Fprintf(out, "Duration Percentiles (latest %s requests):\n", humanize.Comma(int64(pct.Sample)))
		table := newTable(out, "Percentile", "Duration")
		table.AppendBulk([][]string{
			{"p50", formatMS(pct.P50)},
			{"p95", formatMS(pct.P95)},
			{"p99", formatMS(pct.P99)},
		})
		table.Render()
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "Error Statistics:")
	withErrors := int64(0)
	if stats.Errors != nil {
		withErrors = stats.Errors.TracesWithErrors
	}
	fmt.Fprintf(out, "Total Requests with Errors: %s\n", humanize.Comma(withErrors))
	if stats.Errors != nil && len(stats.Errors.TopClasses) > 0 {
		table := newTable(out, "Exception Class", "Count")
		for _, row := range stats.Errors.TopClasses {
			table.Append([]string{valueOr(row.Class, "Unknown"), humanize.Comma(row.Count)})
		}
		table.Render()
	}
	fmt.Fprintln(out)
}

func writeJSONDocument(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// traceCSVRow is the flat export shape; nested events, queries and errors
// are reduced to counts.
type traceCSVRow struct {
	ID         string  `csv:"id"`
	StartedAt  string  `csv:"started_at"`
	FinishedAt string  `csv:"finished_at"`
	Method     string  `csv:"method"`
	URL        string  `csv:"url"`
	Status     int     `csv:"status"`
	DurationMS float64 `csv:"duration_ms"`
	QueryCount int     `csv:"query_count"`
	DBTimeMS   float64 `csv:"db_time_ms"`
	UserID     string  `csv:"user_id"`
	IP         string  `csv:"ip"`
	UserAgent  string  `csv:"user_agent"`
	EventCount int     `csv:"event_count"`
	ErrorCount int     `csv:"error_count"`
}

func traceCSVRows(traces []*trace.Trace) []*traceCSVRow {
	rows := make([]*traceCSVRow, 0, len(traces))
	for _, t := range traces {
		if t == nil {
			continue
		}
		finished := ""
		if t.FinishedAt != nil {
			finished = t.FinishedAt.UTC().Format(time.RFC3339Nano)
		}
		rows = append(rows, &traceCSVRow{
			ID:         t.ID,
			StartedAt:  t.StartedAt.UTC().Format(time.RFC3339Nano),
			FinishedAt: finished,
			Method:     t.Method,
			URL:        t.URL,
			Status:     t.Status,
			DurationMS: t.DurationMS,
			QueryCount: t.QueryCount,
			DBTimeMS:   t.DBTimeMS,
			UserID:     t.UserID,
			IP:         t.IP,
			UserAgent:  t.UserAgent,
			EventCount: len(t.Events),
			ErrorCount: len(t.Errors),
		})
	}
	return rows
}

// exportTraces writes traces to path, picking the encoding from the file
// extension: .json, .csv, or the text table for anything else.
func exportTraces(path string, traces []*trace.Trace, detailed bool) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file %q: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = writeJSONDocument(file, traces)
	case ".csv":
		rows := traceCSVRows(traces)
		err = gocsv.MarshalFile(&rows, file)
	default:
		if detailed {
			writeTraceDetails(file, traces)
		} else {
			writeTraceTable(file, traces)
		}
	}
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("write export file %q: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close export file %q: %w", path, err)
	}
	return nil
}

func exportStats(path string, stats *trace.Stats) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file %q: %w", path, err)
	}
	if err := writeJSONDocument(file, stats); err != nil {
		_ = file.Close()
		return fmt.Errorf("write export file %q: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close export file %q: %w", path, err)
	}
	return nil
}

func statusIcon(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "✅"
	case status >= 300 && status < 400:
		return "🔄"
	case status >= 400 && status < 500:
		return "❌"
	case status >= 500:
		return "💥"
	default:
		return "❓"
	}
}

func statusLabel(status int) string {
	if status == trace.StatusAborted {
		return statusIcon(status) + " N/A"
	}
	return statusIcon(status) + " " + strconv.Itoa(status)
}

func statusDescription(status int) string {
	if description, ok := statusDescriptions[status]; ok {
		return description
	}
	return "Unknown"
}

func statusVerdict(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "✅ Request completed successfully"
	case status >= 400 && status < 500:
		return "⚠️  Client error response"
	case status >= 500:
		return "❌ Server error response"
	default:
		return "❓ Unknown status code"
	}
}

func extractValidationReason(message string) string {
	if match := validationReason.FindStringSubmatch(message); match != nil {
		return match[1]
	}
	return message
}

func errorLocation(entry trace.ErrorEntry) string {
	line := "N/A"
	if entry.Line > 0 {
		line = strconv.Itoa(entry.Line)
	}
	return valueOr(entry.File, "N/A") + ":" + line
}

func formatEventPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return "-"
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "-"
	}
	return truncate(string(encoded), eventDataWidth)
}

// formatBindings renders query bindings, eliding long string values.
func formatBindings(bindings []any) string {
	if len(bindings) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(bindings))
	for _, binding := range bindings {
		if s, ok := binding.(string); ok {
			if runes := []rune(s); len(runes) > bindingMaxLen {
				parts = append(parts, fmt.Sprintf("%q... (%d chars)", string(runes[:bindingPreviewLen]), len(runes)))
				continue
			}
			parts = append(parts, strconv.Quote(s))
			continue
		}
		encoded, err := json.Marshal(binding)
		if err != nil {
			parts = append(parts, fmt.Sprint(binding))
			continue
		}
		parts = append(parts, string(encoded))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func shortID(id string) string {
	runes := []rune(id)
	if len(runes) <= shortIDLen {
		return id
	}
	return string(runes[:shortIDLen]) + "..."
}

// truncate shortens s to at most width runes, ending in "...".
func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-3]) + "..."
}

func formatMS(value float64) string {
	return strconv.FormatFloat(trace.Round2(value), 'f', -1, 64) + " ms"
}

func formatClock(ts time.Time) string {
	if ts.IsZero() {
		return "N/A"
	}
	return ts.UTC().Format(time.TimeOnly)
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return "N/A"
	}
	return ts.UTC().Format(time.DateTime)
}

func formatOptionalTimestamp(ts *time.Time) string {
	if ts == nil {
		return "N/A"
	}
	return formatTimestamp(*ts)
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
