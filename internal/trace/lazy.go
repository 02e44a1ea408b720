package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// StoreOpener dials a backend.
type StoreOpener func(ctx context.Context) (Store, error)

// LazyOptions configures a LazyStore.
type LazyOptions struct {
	// ConnectTimeout bounds one connection attempt. Zero means 5s.
	ConnectTimeout time.Duration
	// EnsureIndexes provisions indexes right after the first successful connect.
	EnsureIndexes bool
	Logger        *slog.Logger
}

// LazyStore defers connecting until the first call. Concurrent first callers
// share a single attempt, and a failed attempt is retried on the next call.
type LazyStore struct {
	open    StoreOpener
	opts    LazyOptions
	connect singleflight.Group

	mu     sync.RWMutex
	store  Store
	closed bool
}

// NewLazyStore wraps open without dialing. The first store call connects.
func NewLazyStore(open StoreOpener, opts LazyOptions) *LazyStore {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LazyStore{open: open, opts: opts}
}

// Connected reports whether a backend has been opened.
func (l *LazyStore) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.store != nil
}

func (l *LazyStore) get(ctx context.Context) (Store, error) {
	l.mu.RLock()
	store, closed := l.store, l.closed
	l.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: store closed", ErrStoreUnavailable)
	}
	if store != nil {
		return store, nil
	}

	value, err, _ := l.connect.Do("connect", func() (any, error) {
		l.mu.RLock()
		existing := l.store
		l.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		// The attempt is shared, so it must outlive any single caller.
		connectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.ConnectTimeout)
		defer cancel()

		opened, err := l.open(connectCtx)
		if err != nil {
			l.opts.Logger.Warn("trace store connect failed", "error", err)
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if l.opts.EnsureIndexes {
			if err := opened.EnsureIndexes(connectCtx); err != nil {
				l.opts.Logger.Warn("trace store index provisioning incomplete", "error", err)
			}
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed {
			_ = opened.Close()
			return nil, fmt.Errorf("%w: store closed", ErrStoreUnavailable)
		}
		l.store = opened
		return opened, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(Store), nil
}

func (l *LazyStore) Save(ctx context.Context, t *Trace) error {
	store, err := l.get(ctx)
	if err != nil {
		return err
	}
	return store.Save(ctx, t)
}

func (l *LazyStore) SaveBatch(ctx context.Context, traces []*Trace) error {
	store, err := l.get(ctx)
	if err != nil {
		return err
	}
	return store.SaveBatch(ctx, traces)
}

func (l *LazyStore) Get(ctx context.Context, id string) (*Trace, error) {
	store, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, id)
}

func (l *LazyStore) Query(ctx context.Context, filter Filter, limit int) ([]*Trace, error) {
	store, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return store.Query(ctx, filter, limit)
}

func (l *LazyStore) Count(ctx context.Context, filter Filter) (int64, error) {
	store, err := l.get(ctx)
	if err != nil {
		return 0, err
	}
	return store.Count(ctx, filter)
}

func (l *LazyStore) StatusBreakdown(ctx context.Context, filter Filter) ([]StatusCount, error) {
	store, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return store.StatusBreakdown(ctx, filter)
}

func (l *LazyStore) MethodBreakdown(ctx context.Context, filter Filter) ([]MethodCount, error) {
	store, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return store.MethodBreakdown(ctx, filter)
}

func (l *LazyStore) Performance(ctx context.Context, filter Filter) (*PerformanceSummary, error) {
	store, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return store.Performance(ctx, filter)
}

func (l *LazyStore) ErrorBreakdown(ctx context.Context, filter Filter, top int) (*ErrorSummary, error) {
	store, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return store.ErrorBreakdown(ctx, filter, top)
}

func (l *LazyStore) Durations(ctx context.Context, filter Filter, limit int) ([]float64, error) {
	store, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return store.Durations(ctx, filter, limit)
}

func (l *LazyStore) EnsureIndexes(ctx context.Context) error {
	store, err := l.get(ctx)
	if err != nil {
		return err
	}
	return store.EnsureIndexes(ctx)
}

func (l *LazyStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	store, err := l.get(ctx)
	if err != nil {
		return 0, err
	}
	return store.Prune(ctx, before)
}

// Ping connects if needed and reports false when the backend is unreachable.
func (l *LazyStore) Ping(ctx context.Context) bool {
	store, err := l.get(ctx)
	if err != nil {
		return false
	}
	return store.Ping(ctx)
}

func (l *LazyStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.store == nil {
		return nil
	}
	err := l.store.Close()
	l.store = nil
	return err
}
