package trace

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	writerBatchSize         = 64
	defaultWriterBufferSize = 256
)

// Queue pressure by utilization: ok below 50%, elevated from 50%, high from
// 80%, saturated when full.
const (
	TraceQueuePressureOK        = "ok"
	TraceQueuePressureElevated  = "elevated"
	TraceQueuePressureHigh      = "high"
	TraceQueuePressureSaturated = "saturated"
)

// TracePipelineDiagnosticsReader exposes runtime queue/drop diagnostics.
type TracePipelineDiagnosticsReader interface {
	TracePipelineDiagnostics() TracePipelineDiagnostics
}

// TracePipelineDiagnostics captures queue pressure and drop signals for the
// asynchronous persistence path.
type TracePipelineDiagnostics struct {
	QueueCapacity                    int              `json:"queue_capacity"`
	QueueDepth                       int              `json:"queue_depth"`
	QueueDepthHighWatermark          int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct              int              `json:"queue_utilization_pct"`
	QueueHighWatermarkUtilizationPct int              `json:"queue_high_watermark_utilization_pct"`
	QueuePressureState               string           `json:"queue_pressure_state"`
	QueueHighWatermarkPressureState  string           `json:"queue_high_watermark_pressure_state"`
	EnqueueAcceptedTotal             int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal              int64            `json:"enqueue_dropped_total"`
	WriteDroppedTotal                int64            `json:"write_dropped_total"`
	TotalDroppedTotal                int64            `json:"total_dropped_total"`
	PersistedTotal                   int64            `json:"persisted_total"`
	LastEnqueueDropAt                *time.Time       `json:"last_enqueue_drop_at,omitempty"`
	LastWriteDropAt                  *time.Time       `json:"last_write_drop_at,omitempty"`
	LastWriteDropOperation           string           `json:"last_write_drop_operation,omitempty"`
	WriteFailuresByClass             map[string]int64 `json:"write_failures_by_class,omitempty"`
	StoreDriver                      string           `json:"store_driver,omitempty"`
}

// WriteFailure describes finished traces that could not be persisted. Traces
// holds the records themselves so callers can dead-letter them.
type WriteFailure struct {
	Operation   string
	BatchSize   int
	FailedCount int
	Traces      []*Trace
	Err         error
	ErrorClass  string
}

type WriteFailureHandler func(WriteFailure)

// WriterMetrics are optional hooks into the writer pipeline. Any field may be nil.
type WriterMetrics struct {
	OnEnqueue func()
	// OnDrop fires when a trace is refused because the queue is full.
	OnDrop  func()
	OnFlush func(batchSize int, duration time.Duration)
	// OnWriteStart wraps each store write; the returned func receives the
	// write's outcome.
	OnWriteStart func(batchSize int) func(error)
}

// Writer persists finished traces off the request path. Persist only
// enqueues; one worker drains the queue in batches of up to writerBatchSize
// and retries trace by trace when a batch write fails.
type Writer struct {
	store TraceWriter
	queue chan *Trace
	done  chan struct{}

	// closeMu orders sends against close(queue).
	closeMu sync.RWMutex
	closed  bool

	startOnce sync.Once
	closeOnce sync.Once

	mu        sync.Mutex
	cancel    context.CancelFunc
	onFailure WriteFailureHandler
	hooks     WriterMetrics
	counters  writerCounters
}

type writerCounters struct {
	accepted      int64
	queueDropped  int64
	writeDropped  int64
	persisted     int64
	highWatermark int
	lastQueueDrop time.Time
	lastWriteDrop time.Time
	lastWriteOp   string
	byClass       map[string]int64
}

func NewWriter(store TraceWriter, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = defaultWriterBufferSize
	}
	return &Writer{
		store: store,
		queue: make(chan *Trace, bufferSize),
		done:  make(chan struct{}),
	}
}

func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.onFailure = handler
	w.mu.Unlock()
}

func (w *Writer) SetMetrics(m *WriterMetrics) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if m == nil {
		w.hooks = WriterMetrics{}
		return
	}
	w.hooks = *m
}

func (w *Writer) metrics() WriterMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hooks
}

// QueueLen is the number of traces waiting for the worker.
func (w *Writer) QueueLen() int {
	if w == nil {
		return 0
	}
	return len(w.queue)
}

// Start launches the worker. Calls after the first, or after Shutdown, do nothing.
func (w *Writer) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		if ctx == nil || ctx.Err() != nil {
			ctx = context.Background()
		}
		workerCtx, cancel := context.WithCancel(ctx)
		w.mu.Lock()
		w.cancel = cancel
		w.mu.Unlock()
		go w.run(workerCtx)
	})
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case first, ok := <-w.queue:
			if !ok {
				return
			}
			batch, open := w.collectBatch(ctx, first)
			if !open {
				// The last batch is written even though the worker is stopping.
				w.flush(context.Background(), batch)
				return
			}
			w.flush(ctx, batch)
		}
	}
}

// collectBatch appends whatever is already queued behind first, without
// waiting. It reports false once the queue is closed and drained or ctx ends.
func (w *Writer) collectBatch(ctx context.Context, first *Trace) ([]*Trace, bool) {
	batch := make([]*Trace, 0, writerBatchSize)
	if first != nil {
		batch = append(batch, first)
	}
	for len(batch) < writerBatchSize {
		select {
		case <-ctx.Done():
			return batch, false
		case next, ok := <-w.queue:
			if !ok {
				return batch, false
			}
			if next != nil {
				batch = append(batch, next)
			}
		default:
			return batch, true
		}
	}
	return batch, true
}

// Persist queues t without blocking. It returns ErrQueueFull when the queue is
// saturated or the writer has been shut down.
func (w *Writer) Persist(_ context.Context, t *Trace) error {
	if t == nil {
		return nil
	}
	if !w.Enqueue(t) {
		return ErrQueueFull
	}
	return nil
}

func (w *Writer) Enqueue(t *Trace) bool {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		return false
	}

	select {
	case w.queue <- t:
		depth := len(w.queue)
		w.mu.Lock()
		w.counters.accepted++
		w.counters.highWatermark = max(w.counters.highWatermark, depth)
		hook := w.hooks.OnEnqueue
		w.mu.Unlock()
		if hook != nil {
			hook()
		}
		return true
	default:
		w.mu.Lock()
		w.counters.queueDropped++
		w.counters.highWatermark = cap(w.queue)
		w.counters.lastQueueDrop = time.Now().UTC()
		hook := w.hooks.OnDrop
		w.mu.Unlock()
		if hook != nil {
			hook()
		}
		return false
	}
}

func (w *Writer) Stop() {
	_ = w.Shutdown(context.Background())
}

// Shutdown refuses new traces and waits for the worker to write what is
// queued. If ctx ends first the in-flight write is canceled and ctx.Err is
// returned; calling Shutdown again keeps waiting for the worker.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.closeOnce.Do(func() {
		w.closeMu.Lock()
		w.closed = true
		close(w.queue)
		w.closeMu.Unlock()
	})
	// A writer that never started has nothing to wait for.
	w.startOnce.Do(func() { close(w.done) })

	select {
	case <-w.done:
		w.cancelWorker()
		return nil
	case <-ctx.Done():
		w.cancelWorker()
		return ctx.Err()
	}
}

func (w *Writer) cancelWorker() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Writer) flush(ctx context.Context, batch []*Trace) {
	if len(batch) == 0 {
		return
	}
	hooks := w.metrics()
	start := time.Now()
	var end func(error)
	if hooks.OnWriteStart != nil {
		end = hooks.OnWriteStart(len(batch))
	}

	err := w.save(ctx, batch)

	if end != nil {
		end(err)
	}
	if hooks.OnFlush != nil {
		hooks.OnFlush(len(batch), time.Since(start))
	}
}

// save writes batch, reporting every trace that could not be stored. The
// error is non-nil when at least one trace was lost.
func (w *Writer) save(ctx context.Context, batch []*Trace) error {
	if len(batch) == 1 {
		if err := w.store.Save(ctx, batch[0]); err != nil {
			w.reportWriteFailure(WriteFailure{
				Operation:   "save",
				BatchSize:   1,
				FailedCount: 1,
				Traces:      batch,
				Err:         err,
			})
			return err
		}
		w.addPersisted(1)
		return nil
	}

	batchErr := w.store.SaveBatch(ctx, batch)
	if batchErr == nil {
		w.addPersisted(len(batch))
		return nil
	}

	// One bad record must not sink the rest of the batch.
	var (
		failed   []*Trace
		firstErr error
	)
	for _, t := range batch {
		if err := w.store.Save(ctx, t); err != nil {
			failed = append(failed, t)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	w.addPersisted(len(batch) - len(failed))
	if len(failed) == 0 {
		return nil
	}
	err := errors.Join(batchErr, firstErr)
	w.reportWriteFailure(WriteFailure{
		Operation:   "save_batch_fallback",
		BatchSize:   len(batch),
		FailedCount: len(failed),
		Traces:      failed,
		Err:         err,
	})
	return err
}

func (w *Writer) addPersisted(n int) {
	if n <= 0 {
		return
	}
	w.mu.Lock()
	w.counters.persisted += int64(n)
	w.mu.Unlock()
}

func (w *Writer) reportWriteFailure(failure WriteFailure) {
	if failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyWriteError(failure.Err)

	w.mu.Lock()
	w.counters.writeDropped += int64(failure.FailedCount)
	w.counters.lastWriteDrop = time.Now().UTC()
	if failure.Operation != "" {
		w.counters.lastWriteOp = failure.Operation
	}
	if w.counters.byClass == nil {
		w.counters.byClass = make(map[string]int64)
	}
	w.counters.byClass[failure.ErrorClass] += int64(failure.FailedCount)
	handler := w.onFailure
	w.mu.Unlock()

	if handler != nil {
		handler(failure)
	}
}

// TracePipelineDiagnostics returns a point-in-time snapshot of the queue and
// its drop counters.
func (w *Writer) TracePipelineDiagnostics() TracePipelineDiagnostics {
	if w == nil {
		return TracePipelineDiagnostics{}
	}
	capacity, depth := cap(w.queue), len(w.queue)

	w.mu.Lock()
	c := w.counters
	var byClass map[string]int64
	if len(c.byClass) > 0 {
		byClass = make(map[string]int64, len(c.byClass))
		for class, n := range c.byClass {
			byClass[class] = n
		}
	}
	w.mu.Unlock()

	highWatermark := max(c.highWatermark, depth)
	utilization := queueUtilizationPct(depth, capacity)
	highUtilization := queueUtilizationPct(highWatermark, capacity)

	diagnostics := TracePipelineDiagnostics{
		QueueCapacity:                    capacity,
		QueueDepth:                       depth,
		QueueDepthHighWatermark:          highWatermark,
		QueueUtilizationPct:              utilization,
		QueueHighWatermarkUtilizationPct: highUtilization,
		QueuePressureState:               queuePressureState(utilization),
		QueueHighWatermarkPressureState:  queuePressureState(highUtilization),
		EnqueueAcceptedTotal:             c.accepted,
		EnqueueDroppedTotal:              c.queueDropped,
		WriteDroppedTotal:                c.writeDropped,
		TotalDroppedTotal:                c.queueDropped + c.writeDropped,
		PersistedTotal:                   c.persisted,
		LastWriteDropOperation:           c.lastWriteOp,
		WriteFailuresByClass:             byClass,
	}
	if !c.lastQueueDrop.IsZero() {
		at := c.lastQueueDrop
		diagnostics.LastEnqueueDropAt = &at
	}
	if !c.lastWriteDrop.IsZero() {
		at := c.lastWriteDrop
		diagnostics.LastWriteDropAt = &at
	}
	return diagnostics
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	return min(depth, capacity) * 100 / capacity
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return TraceQueuePressureSaturated
	case utilizationPct >= 80:
		return TraceQueuePressureHigh
	case utilizationPct >= 50:
		return TraceQueuePressureElevated
	}
	return TraceQueuePressureOK
}
