package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/reqtrace/internal/trace"
)

const tracePipelineDiagnosticsSchemaVersion = "trace-pipeline-diagnostics.v2"

const (
	pipelineModeAsync = "async"
	pipelineModeSync  = "sync"
)

type TracePipelineDiagnosticsOptions struct {
	// Reader is nil when traces are saved synchronously.
	Reader      trace.TracePipelineDiagnosticsReader
	DeadLetter  *trace.DeadLetter
	StoreDriver string
}

type tracePipelineDiagnosticsResponse struct {
	SchemaVersion string                         `json:"schema_version"`
	GeneratedAt   time.Time                      `json:"generated_at"`
	Mode          string                         `json:"mode"`
	DeadLetter    *deadLetterStatus              `json:"dead_letter,omitempty"`
	Diagnostics   trace.TracePipelineDiagnostics `json:"diagnostics"`
}

type deadLetterStatus struct {
	Path    string `json:"path"`
	Pending int    `json:"pending"`
	Error   string `json:"error,omitempty"`
}

// TracePipelineDiagnosticsHandler reports how finished traces reach the store:
// the writer queue counters in async mode, and the dead-letter backlog in both.
func TracePipelineDiagnosticsHandler(options TracePipelineDiagnosticsOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		response := tracePipelineDiagnosticsResponse{
			SchemaVersion: tracePipelineDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Mode:          pipelineModeSync,
			DeadLetter:    readDeadLetterStatus(options.DeadLetter),
		}
		if options.Reader != nil {
			response.Mode = pipelineModeAsync
			response.Diagnostics = options.Reader.TracePipelineDiagnostics()
		}
		if response.Diagnostics.StoreDriver == "" {
			response.Diagnostics.StoreDriver = strings.TrimSpace(options.StoreDriver)
		}
		writeJSON(w, http.StatusOK, response)
	})
}

func readDeadLetterStatus(deadLetter *trace.DeadLetter) *deadLetterStatus {
	if deadLetter == nil || strings.TrimSpace(deadLetter.Path()) == "" {
		return nil
	}
	status := &deadLetterStatus{Path: deadLetter.Path()}
	pending, err := deadLetter.Each(func(*trace.Trace) error { return nil })
	status.Pending = pending
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
