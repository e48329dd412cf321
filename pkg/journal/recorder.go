package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperrealist/bluesky/pkg/observability"
)

// Recorder accepts events without blocking the caller.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Discard is a Recorder that drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, Event) {}

// AsyncRecorder queues events and appends them to a Store from a single
// goroutine, so callers on notification paths never wait on storage.
type AsyncRecorder struct {
	store   Store
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// RecorderOption configures an AsyncRecorder.
type RecorderOption func(*AsyncRecorder)

func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *AsyncRecorder) { r.logger = l }
}

// WithRecorderMetrics counts dropped events on m.
func WithRecorderMetrics(m *observability.Metrics) RecorderOption {
	return func(r *AsyncRecorder) { r.metrics = m }
}

// WithBuffer sets the queue capacity. Events beyond it are dropped and logged.
func WithBuffer(n int) RecorderOption {
	return func(r *AsyncRecorder) {
		if n > 0 {
			r.queue = make(chan Event, n)
		}
	}
}

// NewAsyncRecorder starts the append loop. Close must be called to stop it.
func NewAsyncRecorder(store Store, opts ...RecorderOption) *AsyncRecorder {
	r := &AsyncRecorder{
		store:  store,
		logger: slog.Default().With("component", "journal"),
		now:    time.Now,
		queue:  make(chan Event, 1024),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.loop()
	return r
}

// Record stamps ev with an ID and time if missing and queues it.
func (r *AsyncRecorder) Record(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = r.now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.DebugContext(ctx, "event recorded after close", "kind", ev.Kind)
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.logger.WarnContext(ctx, "journal queue full, dropping event", "kind", ev.Kind, "run_id", ev.RunID)
		r.metrics.JournalDropped(ctx)
	}
}

func (r *AsyncRecorder) loop() {
	defer close(r.done)
	for ev := range r.queue {
		if _, err := r.store.Append(context.Background(), ev); err != nil {
			r.logger.Error("failed to append journal event", "kind", ev.Kind, "error", err)
		}
	}
}

// Close stops accepting events and waits until queued ones are stored or ctx
// is done.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
