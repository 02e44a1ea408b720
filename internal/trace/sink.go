package trace

import (
	"context"
	"time"
)

// Sink accepts finished traces for persistence.
type Sink interface {
	Persist(ctx context.Context, t *Trace) error
}

// DefaultSaveTimeout bounds a synchronous save.
const DefaultSaveTimeout = 5 * time.Second

// StoreSink saves each trace synchronously through a TraceWriter.
type StoreSink struct {
	Store   TraceWriter
	Timeout time.Duration
}

func (s StoreSink) Persist(ctx context.Context, t *Trace) error {
	if t == nil {
		return nil
	}
	if s.Store == nil {
		return ErrStoreUnavailable
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultSaveTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Store.Save(ctx, t)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, t *Trace) error

func (f SinkFunc) Persist(ctx context.Context, t *Trace) error {
	return f(ctx, t)
}
