package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/ongoingai/reqtrace/internal/trace"
)

const (
	defaultAnalyzeFormat = "table"
	defaultAnalyzeLimit  = 50
	analyzeCommandName   = "analyze"
	requestIDPrompt      = "Enter request ID (blank to list recent requests): "
)

// isInteractive reports whether in is a terminal the operator can answer
// prompts on.
var isInteractive = func(in io.Reader) bool {
	file, ok := in.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

type analyzeOptions struct {
	configPath string
	requestID  string
	filter     trace.Filter
	limit      int
	format     string
	stats      bool
	exportPath string
}

func runAnalyze(args []string, in io.Reader, out io.Writer, errOut io.Writer) int {
	opts, code := parseAnalyzeArgs(args, errOut)
	if code != 0 {
		return code
	}

	if opts.requestID != "" && !isValidRequestID(opts.requestID) {
		fmt.Fprintf(errOut, "invalid request id %q: expected a UUID\n", opts.requestID)
		return 1
	}

	cfg, stage, err := loadAndValidateConfig(opts.configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	if opts.requestID == "" && !opts.stats && opts.filter.IsZero() && isInteractive(in) {
		answer, err := promptRequestID(in, out)
		if err != nil {
			fmt.Fprintf(errOut, "failed to read request id: %v\n", err)
			return 1
		}
		if answer != "" && !isValidRequestID(answer) {
			fmt.Fprintf(errOut, "invalid request id %q: expected a UUID\n", answer)
			return 1
		}
		opts.requestID = answer
	}

	store, err := openCommandTraceStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize trace store: %v\n", err)
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	ctx := context.Background()
	switch {
	case opts.requestID != "":
		return analyzeRequest(ctx, store, opts, out, errOut)
	case opts.stats:
		return analyzeStats(ctx, store, opts, out, errOut)
	default:
		return analyzeList(ctx, store, opts, out, errOut)
	}
}

// parseAnalyzeArgs accepts the optional request id either before or after
// the flags.
func parseAnalyzeArgs(args []string, errOut io.Writer) (analyzeOptions, int) {
	flagSet := flag.NewFlagSet(analyzeCommandName, flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	user := flagSet.String("user", "", "Filter by user ID")
	method := flagSet.String("method", "", "Filter by HTTP method")
	status := flagSet.Int("status", 0, "Filter by status code")
	url := flagSet.String("url", "", "Filter by URL substring (case-insensitive)")
	slow := flagSet.Float64("slow", 0, "Only requests at least this many milliseconds long")
	errorsOnly := flagSet.Bool("errors", false, "Only requests that recorded errors")
	fromRaw := flagSet.String("from", "", "Start time (RFC3339, YYYY-MM-DD HH:MM:SS or YYYY-MM-DD)")
	toRaw := flagSet.String("to", "", "End time (RFC3339, YYYY-MM-DD HH:MM:SS or YYYY-MM-DD)")
	limit := flagSet.Int("limit", defaultAnalyzeLimit, "Maximum requests to list")
	format := flagSet.String("format", defaultAnalyzeFormat, "Output format: table, json or detailed")
	stats := flagSet.Bool("stats", false, "Show aggregate statistics instead of individual requests")
	exportPath := flagSet.String("export", "", "Also write results to this file (.json, .csv or text)")

	var requestID string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		requestID = strings.TrimSpace(args[0])
		args = args[1:]
	}
	if err := flagSet.Parse(args); err != nil {
		return analyzeOptions{}, 2
	}
	switch rest := flagSet.Args(); {
	case len(rest) == 1 && requestID == "":
		requestID = strings.TrimSpace(rest[0])
	case len(rest) > 0:
		fmt.Fprintln(errOut, "analyze accepts at most one request id")
		return analyzeOptions{}, 2
	}

	normalizedFormat, err := normalizeFormat(analyzeCommandName, *format, defaultAnalyzeFormat, "table", "json", "detailed")
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return analyzeOptions{}, 2
	}
	if *limit <= 0 || *limit > trace.MaxQueryLimit {
		fmt.Fprintf(errOut, "limit must be between 1 and %d\n", trace.MaxQueryLimit)
		return analyzeOptions{}, 2
	}
	if *slow < 0 {
		fmt.Fprintln(errOut, "slow must be greater than or equal to 0")
		return analyzeOptions{}, 2
	}
	if *status < 0 {
		fmt.Fprintln(errOut, "status must be a positive HTTP status code")
		return analyzeOptions{}, 2
	}

	from, err := trace.ParseTimeBound(*fromRaw, false)
	if err != nil {
		fmt.Fprintf(errOut, "invalid from: %v\n", err)
		return analyzeOptions{}, 2
	}
	to, err := trace.ParseTimeBound(*toRaw, true)
	if err != nil {
		fmt.Fprintf(errOut, "invalid to: %v\n", err)
		return analyzeOptions{}, 2
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		fmt.Fprintln(errOut, "invalid range: to must be greater than or equal to from")
		return analyzeOptions{}, 2
	}

	return analyzeOptions{
		configPath: *configPath,
		requestID:  requestID,
		filter: trace.Filter{
			UserID:        *user,
			Method:        *method,
			Status:        *status,
			URLContains:   *url,
			MinDurationMS: *slow,
			ErrorsOnly:    *errorsOnly,
			From:          from,
			To:            to,
		}.Normalize(),
		limit:      *limit,
		format:     normalizedFormat,
		stats:      *stats,
		exportPath: strings.TrimSpace(*exportPath),
	}, 0
}

// isValidRequestID accepts only the canonical hyphenated UUID form the
// tracker generates.
func isValidRequestID(raw string) bool {
	if len(raw) != 36 {
		return false
	}
	_, err := uuid.Parse(raw)
	return err == nil
}

func promptRequestID(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, requestIDPrompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func analyzeRequest(ctx context.Context, store trace.TraceReader, opts analyzeOptions, out io.Writer, errOut io.Writer) int {
	record, err := store.Get(ctx, opts.requestID)
	if errors.Is(err, trace.ErrNotFound) {
		fmt.Fprintf(errOut, "request %s not found\n", opts.requestID)
		return 1
	}
	if err != nil {
		fmt.Fprintf(errOut, "failed to load request %s: %v\n", opts.requestID, err)
		return 1
	}

	if opts.format == "json" {
		if err := writeJSONDocument(out, record); err != nil {
			fmt.Fprintf(errOut, "failed to write request: %v\n", err)
			return 1
		}
	} else {
		writeTraceDetail(out, record)
	}

	if opts.exportPath != "" {
		if err := exportTraces(opts.exportPath, []*trace.Trace{record}, true); err != nil {
			fmt.Fprintf(errOut, "failed to export request: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "Exported request to %s\n", opts.exportPath)
	}
	return 0
}

func analyzeStats(ctx context.Context, store trace.TraceReader, opts analyzeOptions, out io.Writer, errOut io.Writer) int {
	stats, err := trace.CollectStats(ctx, store, opts.filter, trace.DefaultPercentileSample)
	if err != nil {
		fmt.Fprintf(errOut, "failed to collect statistics: %v\n", err)
		return 1
	}
	if stats.Total == 0 {
		fmt.Fprintln(out, "No requests match the given filters.")
		return 0
	}

	if opts.format == "json" {
		if err := writeJSONDocument(out, stats); err != nil {
			fmt.Fprintf(errOut, "failed to write statistics: %v\n", err)
			return 1
		}
	} else {
		writeStatsText(out, stats)
	}

	if opts.exportPath != "" {
		if err := exportStats(opts.exportPath, stats); err != nil {
			fmt.Fprintf(errOut, "failed to export statistics: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "Exported statistics to %s\n", opts.exportPath)
	}
	return 0
}

func analyzeList(ctx context.Context, store trace.TraceReader, opts analyzeOptions, out io.Writer, errOut io.Writer) int {
	traces, err := store.Query(ctx, opts.filter, opts.limit)
	if err != nil {
		fmt.Fprintf(errOut, "failed to query requests: %v\n", err)
		return 1
	}
	if len(traces) == 0 {
		fmt.Fprintln(out, "No requests found.")
		return 0
	}

	switch opts.format {
	case "json":
		if err := writeJSONDocument(out, traces); err != nil {
			fmt.Fprintf(errOut, "failed to write requests: %v\n", err)
			return 1
		}
	case "detailed":
		writeTraceDetails(out, traces)
	default:
		writeTraceTable(out, traces)
	}

	if opts.exportPath != "" {
		if err := exportTraces(opts.exportPath, traces, opts.format == "detailed"); err != nil {
			fmt.Fprintf(errOut, "failed to export requests: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "Exported %d requests to %s\n", len(traces), opts.exportPath)
	}
	return 0
}
