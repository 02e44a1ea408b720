package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ongoingai/reqtrace/internal/config"
	"github.com/ongoingai/reqtrace/internal/proxy"
	"github.com/ongoingai/reqtrace/internal/trace"
)

const (
	defaultDoctorFormat = "text"
	doctorCheckTimeout  = 10 * time.Second
)

const (
	doctorStatusPass = "pass"
	doctorStatusWarn = "warn"
	doctorStatusFail = "fail"
	doctorStatusSkip = "skip"
)

type doctorDocument struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	ConfigPath    string        `json:"config_path"`
	OverallStatus string        `json:"overall_status"`
	Checks        []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
}

func runDoctor(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultDoctorFormat, "Output format: text or json")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "doctor does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("doctor", *format, defaultDoctorFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	document := buildDoctorDocument(strings.TrimSpace(*configPath))
	if err := writeDoctor(out, normalizedFormat, document); err != nil {
		fmt.Fprintf(errOut, "failed to write doctor output: %v\n", err)
		return 1
	}
	if document.OverallStatus == doctorStatusFail {
		return 1
	}
	return 0
}

var doctorDependentChecks = []string{"storage", "indexes", "upstream", "dead_letter"}

func buildDoctorDocument(configPath string) doctorDocument {
	doc := doctorDocument{
		GeneratedAt: time.Now().UTC(),
		ConfigPath:  configPath,
		Checks:      make([]doctorCheck, 0, len(doctorDependentChecks)+1),
	}

	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		summary, reason := "failed to load config", "skipped: config failed to load"
		if stage == configStageValidate {
			summary, reason = "config is invalid", "skipped: config validation failed"
		}
		doc.Checks = append(doc.Checks, doctorCheck{
			Name:    "config",
			Status:  doctorStatusFail,
			Summary: summary,
			Details: []string{err.Error()},
		})
		for _, name := range doctorDependentChecks {
			doc.Checks = append(doc.Checks, doctorSkippedCheck(name, reason))
		}
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks, doctorCheck{
		Name:    "config",
		Status:  doctorStatusPass,
		Summary: "loaded and validated configuration",
		Details: []string{
			fmt.Sprintf("config path: %s", valueOr(configPath, "(default lookup)")),
			fmt.Sprintf("tracking: enabled=%t async=%t", cfg.Tracking.Enabled, cfg.Tracking.Async),
		},
	})

	store, storageCheck := runDoctorStorageCheck(cfg)
	indexCheck := doctorSkippedCheck("indexes", "skipped: trace storage unavailable")
	if store != nil {
		indexCheck = runDoctorIndexCheck(store)
		if err := store.Close(); err != nil {
			storageCheck.Status = doctorStatusWarn
			storageCheck.Details = append(storageCheck.Details, fmt.Sprintf("close trace store: %v", err))
		}
	}
	doc.Checks = append(doc.Checks, storageCheck, indexCheck)
	doc.Checks = append(doc.Checks, runDoctorUpstreamCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorDeadLetterCheck(cfg))
	doc.OverallStatus = doctorOverallStatus(doc.Checks)
	return doc
}

func doctorSkippedCheck(name, summary string) doctorCheck {
	return doctorCheck{
		Name:    name,
		Status:  doctorStatusSkip,
		Summary: summary,
	}
}

// runDoctorStorageCheck returns the open store on success so later checks can
// reuse the connection. The caller closes it.
func runDoctorStorageCheck(cfg config.Config) (trace.Store, doctorCheck) {
	check := doctorCheck{Name: "storage"}
	store, err := openCommandTraceStore(cfg)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to initialize trace storage"
		check.Details = []string{err.Error()}
		return nil, check
	}

	ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
	defer cancel()
	if !store.Ping(ctx) {
		check.Status = doctorStatusFail
		check.Summary = "trace storage connectivity check failed"
		check.Details = []string{fmt.Sprintf("driver: %s", cfg.Storage.Driver)}
		if closeErr := store.Close(); closeErr != nil {
			check.Details = append(check.Details, fmt.Sprintf("close trace store: %v", closeErr))
		}
		return nil, check
	}

	check.Status = doctorStatusPass
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case config.DriverSQLite:
		path := strings.TrimSpace(cfg.Storage.Path)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		check.Summary = "connected to sqlite trace storage"
		check.Details = []string{fmt.Sprintf("path: %s", path)}
	case config.DriverPostgres:
		check.Summary = "connected to postgres trace storage"
	case config.DriverMongo:
		check.Summary = "connected to mongodb trace storage"
		check.Details = []string{
			fmt.Sprintf("database: %s", cfg.Storage.Mongo.Database),
			fmt.Sprintf("collection: %s", cfg.Storage.Mongo.Collection),
		}
	default:
		check.Summary = "connected to trace storage"
	}

	if count, err := store.Count(ctx, trace.Filter{}); err == nil {
		check.Details = append(check.Details, fmt.Sprintf("stored traces: %s", humanize.Comma(count)))
	} else {
		check.Status = doctorStatusWarn
		check.Details = append(check.Details, fmt.Sprintf("count traces: %v", err))
	}
	return store, check
}

func runDoctorIndexCheck(store trace.Store) doctorCheck {
	check := doctorCheck{Name: "indexes"}
	ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
	defer cancel()
	if err := store.EnsureIndexes(ctx); err != nil {
		check.Status = doctorStatusWarn
		check.Summary = "index provisioning incomplete"
		check.Details = []string{err.Error()}
		return check
	}
	check.Status = doctorStatusPass
	check.Summary = "trace indexes are provisioned"
	return check
}

func runDoctorUpstreamCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "upstream"}
	routes := proxy.UpstreamRoutes(cfg.Upstream.URL)
	if len(routes) == 0 {
		check.Status = doctorStatusWarn
		check.Summary = "no upstream configured; only the read API is served"
		check.Details = []string{"api routes: /api/*, /up"}
		return check
	}

	if _, err := proxy.NewHandlerWithOptions(routes, nil, http.NotFoundHandler(), proxy.HandlerOptions{}); err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to build proxy handler for upstream"
		check.Details = []string{err.Error()}
		return check
	}

	check.Status = doctorStatusPass
	check.Summary = "upstream route wiring looks valid"
	check.Details = []string{
		fmt.Sprintf("traced: / -> %s", strings.TrimSpace(cfg.Upstream.URL)),
		"local routes: /api/* (traced), /up and /api/health (untraced)",
	}
	return check
}

func runDoctorDeadLetterCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "dead_letter"}
	path := strings.TrimSpace(cfg.Tracking.DeadLetterPath)
	if path == "" {
		check.Status = doctorStatusWarn
		check.Summary = "dead letter file is disabled; failed traces are only logged"
		return check
	}

	count, err := trace.NewDeadLetter(path).Each(func(*trace.Trace) error { return nil })
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "dead letter file is unreadable"
		check.Details = []string{err.Error()}
		return check
	}
	check.Details = []string{fmt.Sprintf("path: %s", path)}
	if count > 0 {
		check.Status = doctorStatusWarn
		check.Summary = fmt.Sprintf("%s traces are waiting for replay", humanize.Comma(int64(count)))
		check.Details = append(check.Details, "run: reqtrace replay")
		return check
	}
	check.Status = doctorStatusPass
	check.Summary = "no dead-lettered traces"
	return check
}

func doctorOverallStatus(checks []doctorCheck) string {
	hasWarn := false
	for _, check := range checks {
		switch check.Status {
		case doctorStatusFail:
			return doctorStatusFail
		case doctorStatusWarn:
			hasWarn = true
		}
	}
	if hasWarn {
		return doctorStatusWarn
	}
	return doctorStatusPass
}

func writeDoctor(out io.Writer, format string, doc doctorDocument) error {
	switch format {
	case "json":
		return writeDoctorJSON(out, doc)
	default:
		return writeDoctorText(out, doc)
	}
}

func writeDoctorJSON(out io.Writer, doc doctorDocument) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

func writeDoctorText(out io.Writer, doc doctorDocument) error {
	fmt.Fprintln(out, "reqtrace doctor")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Generated at\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Config path\t%s\n", valueOr(doc.ConfigPath, defaultConfigPath))
	fmt.Fprintf(meta, "Overall status\t%s\n", strings.ToUpper(doc.OverallStatus))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nChecks")
	for _, check := range doc.Checks {
		fmt.Fprintf(out, "- [%s] %s: %s\n", strings.ToUpper(check.Status), check.Name, check.Summary)
		for _, detail := range check.Details {
			fmt.Fprintf(out, "  %s\n", detail)
		}
	}
	return nil
}
