// Package tracking accumulates telemetry for one inbound request at a time.
// The open trace travels in the request context; recording functions are
// safe to call from any goroutine holding that context and do nothing when
// no trace is open.
package tracking

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/reqtrace/internal/trace"
)

// UnknownID is reported by CurrentID when the context carries no trace.
const UnknownID = "unknown"

// Event names appended by the tracker itself.
const (
	EventRequestStarted   = "[middleware] request_started"
	EventRequestCompleted = "[middleware] request_completed"
	EventExceptionThrown  = "[exception] exception_thrown"
	EventValidationFailed = "[validation] validation_failed"
)

// Meta is the request metadata captured when a trace starts.
type Meta struct {
	Method    string
	URL       string
	IP        string
	UserAgent string
	UserID    string
	Input     map[string]any
}

// Options configures a Tracker.
type Options struct {
	// Sink receives every finished trace. Nil means traces are only logged.
	Sink trace.Sink
	// DeadLetter receives traces the sink rejected.
	DeadLetter *trace.DeadLetter
	Logger     *slog.Logger
	// OnPersistFailure is called with the write error class of each rejected trace.
	OnPersistFailure func(errorClass string)
	Now              func() time.Time
	NewID            func() string
}

// Tracker opens traces on request entry and closes them on exit.
type Tracker struct {
	sink             trace.Sink
	deadLetter       *trace.DeadLetter
	logger           *slog.Logger
	onPersistFailure func(string)
	now              func() time.Time
	newID            func() string
}

// New returns a Tracker that persists through opts.Sink. Unset clock and id
// hooks default to time.Now and random UUIDs.
func New(opts Options) *Tracker {
	t := &Tracker{
		sink:             opts.Sink,
		deadLetter:       opts.DeadLetter,
		logger:           opts.Logger,
		onPersistFailure: opts.OnPersistFailure,
		now:              opts.Now,
		newID:            opts.NewID,
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.newID == nil {
		t.newID = uuid.NewString
	}
	return t
}

type bindingState int

const (
	stateOpen bindingState = iota
	stateFinished
)

// binding is the per-request buffer stored in the context.
type binding struct {
	mu      sync.Mutex
	state   bindingState
	started time.Time
	now     func() time.Time
	doc     *trace.Trace
}

type contextKey struct{}

func bindingFrom(ctx context.Context) *binding {
	if ctx == nil {
		return nil
	}
	b, _ := ctx.Value(contextKey{}).(*binding)
	return b
}

// Start opens a trace and returns a context carrying it along with the new
// trace id. When ctx already carries an open trace, the first one wins: ctx
// is returned unchanged with an empty id.
func (t *Tracker) Start(ctx context.Context, meta Meta) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := bindingFrom(ctx); existing != nil {
		existing.mu.Lock()
		open := existing.state == stateOpen
		existing.mu.Unlock()
		if open {
			return ctx, ""
		}
	}

	started := t.now()
	id := t.newID()
	method := strings.ToUpper(strings.TrimSpace(meta.Method))
	doc := &trace.Trace{
		ID:        id,
		StartedAt: started.UTC(),
		Method:    method,
		URL:       meta.URL,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		UserID:    strings.TrimSpace(meta.UserID),
		Input:     RedactInput(meta.Input),
		Events:    []trace.Event{},
		Queries:   []trace.Query{},
		Errors:    []trace.ErrorEntry{},
	}
	b := &binding{state: stateOpen, started: started, now: t.now, doc: doc}
	b.appendEvent(EventRequestStarted, map[string]any{
		"method": method,
		"url":    meta.URL,
	})
	return context.WithValue(ctx, contextKey{}, b), id
}

// Finish closes the trace carried by ctx with status and hands it to the
// sink. It returns the finished trace, or nil when ctx carries no open
// trace, so a second call does nothing. Persistence failures are logged and
// dead-lettered, never returned.
func (t *Tracker) Finish(ctx context.Context, status int) *trace.Trace {
	b := bindingFrom(ctx)
	if b == nil {
		return nil
	}

	b.mu.Lock()
	if b.state != stateOpen {
		b.mu.Unlock()
		return nil
	}
	finished := b.now()
	duration := trace.Round2(float64(finished.Sub(b.started)) / float64(time.Millisecond))
	if duration < 0 {
		duration = 0
	}
	finishedAt := finished.UTC()
	doc := b.doc
	doc.FinishedAt = &finishedAt
	doc.Status = status
	doc.DurationMS = duration
	doc.RecomputeAggregates()
	b.appendEvent(EventRequestCompleted, map[string]any{
		"status":      status,
		"duration_ms": duration,
		"query_count": doc.QueryCount,
		"db_time_ms":  doc.DBTimeMS,
	})
	b.state = stateFinished
	b.mu.Unlock()

	t.persist(context.WithoutCancel(ctx), doc)
	return doc
}

func (t *Tracker) persist(ctx context.Context, doc *trace.Trace) {
	if t.sink == nil {
		t.logger.Debug("request trace finished without sink", "request_id", doc.ID, "status", doc.Status)
		return
	}
	err := t.sink.Persist(ctx, doc)
	if err == nil {
		return
	}

	errorClass := trace.ClassifyWriteError(err)
	if t.onPersistFailure != nil {
		t.onPersistFailure(errorClass)
	}
	t.logger.Error(
		"failed to persist request trace",
		"request_id", doc.ID,
		"error", err,
		"error_class", errorClass,
		"request_data", doc,
	)
	if t.deadLetter == nil {
		return
	}
	if dlErr := t.deadLetter.Append(doc); dlErr != nil {
		t.logger.Error("failed to dead-letter request trace", "request_id", doc.ID, "path", t.deadLetter.Path(), "error", dlErr)
	}
}

// appendEvent must be called with b.mu held.
func (b *binding) appendEvent(name string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	b.doc.Events = append(b.doc.Events, trace.Event{
		Name:      name,
		Timestamp: b.now().UTC(),
		Payload:   payload,
	})
}

// mutate runs fn under the binding lock when ctx carries an open trace.
func mutate(ctx context.Context, fn func(b *binding)) {
	b := bindingFrom(ctx)
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateOpen {
		return
	}
	fn(b)
}
