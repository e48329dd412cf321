package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hyperrealist/bluesky/pkg/config"
	"github.com/hyperrealist/bluesky/pkg/journal"
	"github.com/hyperrealist/bluesky/pkg/observability"
	"github.com/hyperrealist/bluesky/pkg/signal"
)

const shutdownTimeout = 5 * time.Second

type source interface {
	signal.Source
	Close() error
}

// openSource is a variable to allow injecting a source in tests.
var openSource = func(ctx context.Context, cfg *config.Config) (source, error) {
	switch cfg.SignalBackend {
	case config.BackendMemory:
		return signal.NewMemorySource(), nil
	default:
		src := signal.DialRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := src.Ping(ctx); err != nil {
			_ = src.Close()
			return nil, err
		}
		return src, nil
	}
}

// env is the per-invocation wiring shared by the subcommands.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	provider *observability.Provider
	metrics  *observability.Metrics
	closers  []func(context.Context) error
}

func setup(ctx context.Context, stderr io.Writer) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, stderr)
	if err != nil {
		return nil, err
	}

	ocfg := observability.DefaultConfig()
	ocfg.Enabled = cfg.OTelEnabled
	ocfg.OTLPEndpoint = cfg.OTelEndpoint
	ocfg.Insecure = cfg.OTelInsecure
	ocfg.Global = true
	provider, err := observability.New(ctx, ocfg)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, logger: logger, provider: provider, metrics: provider.Metrics()}
	e.onClose(provider.Shutdown)
	return e, nil
}

func (e *env) onClose(fn func(context.Context) error) {
	e.closers = append(e.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (e *env) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func (e *env) source(ctx context.Context) (source, error) {
	src, err := openSource(ctx, e.cfg)
	if err != nil {
		return nil, fmt.Errorf("%s backend: %w", e.cfg.SignalBackend, err)
	}
	e.onClose(func(context.Context) error { return src.Close() })
	return src, nil
}

func (e *env) journal(ctx context.Context) (journal.Store, error) {
	if e.cfg.JournalDriver == "memory" {
		return journal.NewMemoryStore(), nil
	}
	store, err := journal.Open(ctx, e.cfg.JournalDriver, e.cfg.JournalDSN)
	if err != nil {
		return nil, err
	}
	e.onClose(func(context.Context) error { return store.Close() })
	return store, nil
}

// recorder journals asynchronously into store. It is drained before the
// store is closed.
func (e *env) recorder(store journal.Store) *journal.AsyncRecorder {
	rec := journal.NewAsyncRecorder(store,
		journal.WithRecorderLogger(e.logger.With("component", "journal")),
		journal.WithRecorderMetrics(e.metrics),
	)
	e.onClose(rec.Close)
	return rec
}
