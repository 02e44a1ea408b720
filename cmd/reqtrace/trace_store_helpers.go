package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ongoingai/reqtrace/internal/config"
	"github.com/ongoingai/reqtrace/internal/trace"
	"github.com/ongoingai/reqtrace/internal/tracking"
	"github.com/ongoingai/reqtrace/internal/version"
)

const defaultStoreConnectTimeout = 5 * time.Second

// openTraceStore dials the configured backend. Store commands are observed
// so the queries a request issues land on its trace.
func openTraceStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (trace.Store, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case config.DriverMongo:
		mongoCfg := cfg.Storage.Mongo
		return trace.NewMongoStore(ctx, trace.MongoOptions{
			URI:            mongoCfg.URI,
			Database:       mongoCfg.Database,
			Collection:     mongoCfg.Collection,
			ConnectTimeout: mongoCfg.ConnectTimeout(),
			SocketTimeout:  mongoCfg.SocketTimeout(),
			Retention:      mongoRetention(cfg.Tracking),
			AppName:        version.AppName(),
			Monitor:        tracking.MongoCommandMonitor(),
			Logger:         logger,
		})
	case config.DriverSQLite:
		store, err := trace.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		store.SetQueryObserver(tracking.QueryObserver)
		return store, nil
	case config.DriverPostgres:
		store, err := trace.NewPostgresStore(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		store.SetQueryObserver(tracking.QueryObserver)
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

// mongoRetention maps retention_days onto the TTL index setting, where a
// negative value disables expiry.
func mongoRetention(cfg config.TrackingConfig) time.Duration {
	if retention := cfg.Retention(); retention > 0 {
		return retention
	}
	return -1
}

func newLazyTraceStore(cfg config.Config, logger *slog.Logger) *trace.LazyStore {
	timeout := defaultStoreConnectTimeout
	if strings.TrimSpace(cfg.Storage.Driver) == config.DriverMongo {
		timeout = cfg.Storage.Mongo.ConnectTimeout()
	}
	return trace.NewLazyStore(func(ctx context.Context) (trace.Store, error) {
		return openTraceStore(ctx, cfg, logger)
	}, trace.LazyOptions{
		ConnectTimeout: timeout,
		EnsureIndexes:  true,
		Logger:         logger,
	})
}

// openCommandTraceStore opens an independent connection for one CLI command.
func openCommandTraceStore(cfg config.Config) (trace.Store, error) {
	timeout := defaultStoreConnectTimeout
	if strings.TrimSpace(cfg.Storage.Driver) == config.DriverMongo {
		timeout = cfg.Storage.Mongo.ConnectTimeout()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return openTraceStore(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func closeTraceStoreWithWarning(store trace.Store, errOut io.Writer) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close trace store: %v\n", err)
	}
}
