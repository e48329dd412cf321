// Package engine executes plans of instructions cooperatively and pauses
// them at safe points when suspenders or operators ask it to.
//
// A pause takes effect at an instruction boundary: either the boundary right
// after a checkpoint, or any boundary when nothing unsafe to repeat has run
// since the last checkpoint. In the second case the engine rewinds, so work
// after the checkpoint is redone once the plan resumes. Sleeps are cut short
// when a rewind is allowed; calls never are.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/hyperrealist/bluesky/pkg/clock"
	"github.com/hyperrealist/bluesky/pkg/journal"
	"github.com/hyperrealist/bluesky/pkg/observability"
	"github.com/hyperrealist/bluesky/pkg/suspend"
)

var (
	ErrAlreadyRunning = errors.New("engine: plan already running")
	ErrEmptyPlan      = errors.New("engine: empty plan")

	errInterrupted = errors.New("engine: interrupted by pause")
)

// Hold sources.
const (
	SourceSuspenders = "suspenders"
	SourceOperator   = "operator"
)

// DefaultCheckpointTimeout is how long a pause may stay pending before the
// engine warns that the plan is not reaching a safe point.
const DefaultCheckpointTimeout = 30 * time.Second

// PauseRequest asks the engine to hold the plan on behalf of Source. A second
// request from the same source replaces the first.
type PauseRequest struct {
	Source string
	Reason string
	// Deferred requests take effect only at the boundary after a checkpoint,
	// never by rewinding.
	Deferred bool
	// Before runs on the plan goroutine once the pause has taken effect.
	Before func(ctx context.Context) error
	// After runs once the last hold is released, before the plan continues.
	After func(ctx context.Context) error
}

// Scheduler is the view of the engine a Coordinator drives.
type Scheduler interface {
	RequestPause(req PauseRequest)
	RequestResume(source string)
	State() State
}

// RunSummary describes a finished (or aborted) run.
type RunSummary struct {
	RunID        string        `json:"run_id"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Instructions int           `json:"instructions"`
	Suspensions  int           `json:"suspensions"`
	Rewinds      int           `json:"rewinds"`
	PausedFor    time.Duration `json:"paused_for"`
	Completed    bool          `json:"completed"`
}

// Duration is the wall time of the run including pauses.
func (s RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for sleeps, timestamps and the liveness
// warning.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = clock.OrReal(c) }
}

// WithLogger sets the base logger. The engine and its coordinator each add
// their own component attribute, so l should not carry one.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.baseLogger = l
		}
	}
}

// WithMetrics records suspensions, rewinds and pause time on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer for run and suspension spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithJournal records run and suspension events on r.
func WithJournal(r journal.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.journal = r
		}
	}
}

// WithCheckpointTimeout sets the liveness warning interval. Zero disables the
// warning.
func WithCheckpointTimeout(d time.Duration) Option {
	return func(e *Engine) { e.checkpointTimeout = d }
}

// Engine runs one plan at a time.
type Engine struct {
	clock             clock.Clock
	baseLogger        *slog.Logger
	logger            *slog.Logger
	metrics           *observability.Metrics
	tracer            trace.Tracer
	journal           journal.Recorder
	checkpointTimeout time.Duration
	stuck             rate.Sometimes
	coord             *Coordinator

	mu           sync.Mutex
	state        State
	runID        string
	holds        map[string]PauseRequest
	holdOrder    []string
	pendingSince time.Time
	dirty        bool
	interrupt    context.CancelFunc
	resumed      chan struct{}
	watchGen     uint64
	watch        clock.Timer
	listeners    []func(from, to State)
}

// New creates an idle engine with its own coordinator.
func New(opts ...Option) *Engine {
	e := &Engine{
		clock:             clock.Real(),
		baseLogger:        slog.Default(),
		tracer:            otel.Tracer(observability.InstrumentationName),
		journal:           journal.Discard,
		checkpointTimeout: DefaultCheckpointTimeout,
		stuck:             rate.Sometimes{Interval: time.Minute},
		holds:             make(map[string]PauseRequest),
		resumed:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.baseLogger.With("component", "engine")
	e.coord = NewCoordinator(e,
		WithCoordinatorLogger(e.baseLogger.With("component", "coordinator")),
		WithCoordinatorMetrics(e.metrics),
		WithCoordinatorJournal(runStamped{e}),
	)
	return e
}

// Coordinator returns the coordinator that turns suspender intents into
// pause requests on this engine.
func (e *Engine) Coordinator() *Coordinator { return e.coord }

// Install registers and arms s on the engine's coordinator.
func (e *Engine) Install(ctx context.Context, s *suspend.Suspender) error {
	return e.coord.Install(ctx, s)
}

// Remove disconnects and unregisters s.
func (e *Engine) Remove(s *suspend.Suspender) error {
	return e.coord.Remove(s)
}

// Close removes every installed suspender.
func (e *Engine) Close() error {
	return e.coord.Clear()
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Holds returns the sources currently holding (or asking to hold) the plan.
func (e *Engine) Holds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.holdOrder...)
}

// OnStateChange registers fn to be called on every state transition. Calls
// come from the goroutine running the plan, in transition order.
func (e *Engine) OnStateChange(fn func(from, to State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// RequestPause adds or replaces the hold for req.Source. Requests while idle
// are ignored; the coordinator re-requests when a run starts.
func (e *Engine) RequestPause(req PauseRequest) {
	if req.Source == "" {
		req.Source = SourceOperator
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateIdle {
		e.logger.Debug("pause requested while idle", "source", req.Source)
		return
	}

	_, exists := e.holds[req.Source]
	e.holds[req.Source] = req
	if !exists {
		e.holdOrder = append(e.holdOrder, req.Source)
	}

	if !exists && len(e.holds) == 1 && e.state == StateRunning {
		e.pendingSince = e.clock.Now()
		e.armWatchLocked()
		e.logger.Info("pause requested", "run_id", e.runID, "source", req.Source, "reason", req.Reason, "deferred", req.Deferred)
		e.journal.Record(context.Background(), journal.Event{
			RunID:  e.runID,
			Kind:   journal.KindPauseRequested,
			Source: req.Source,
			Reason: req.Reason,
			At:     e.clock.Now(),
		})
	}

	if !req.Deferred && !e.dirty && e.interrupt != nil {
		e.interrupt()
	}
}

// RequestResume releases the hold for source. When no holds remain a paused
// plan continues and a pending pause is cancelled.
func (e *Engine) RequestResume(source string) {
	if source == "" {
		source = SourceOperator
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.holds[source]; !ok {
		return
	}
	delete(e.holds, source)
	for i, s := range e.holdOrder {
		if s == source {
			e.holdOrder = append(e.holdOrder[:i], e.holdOrder[i+1:]...)
			break
		}
	}
	if len(e.holds) > 0 {
		return
	}

	e.stopWatchLocked()
	switch e.state {
	case StatePaused:
		close(e.resumed)
		e.resumed = make(chan struct{})
	case StateRunning:
		e.logger.Info("pending pause cancelled", "run_id", e.runID, "source", source)
	}
}

// Run executes plan on the calling goroutine and returns when it completes,
// fails or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, plan []Instruction) (RunSummary, error) {
	if len(plan) == 0 {
		return RunSummary{}, ErrEmptyPlan
	}

	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return RunSummary{}, ErrAlreadyRunning
	}
	sum := RunSummary{RunID: uuid.NewString(), StartedAt: e.clock.Now()}
	e.runID = sum.RunID
	e.dirty = false
	listeners := e.setStateLocked(StateRunning)
	e.mu.Unlock()
	notify(listeners, StateIdle, StateRunning)

	ctx, span := e.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		observability.AttrRunID.String(sum.RunID),
		attribute.Int("bluesky.plan.length", len(plan)),
	))
	defer span.End()

	logger := e.logger.With("run_id", sum.RunID)
	logger.InfoContext(ctx, "run started", "instructions", len(plan))
	e.journal.Record(ctx, journal.Event{
		RunID: sum.RunID,
		Kind:  journal.KindRunStarted,
		Attrs: map[string]string{"instructions": strconv.Itoa(len(plan))},
		At:    sum.StartedAt,
	})

	e.coord.runStarted()
	err := e.execute(ctx, plan, &sum, logger)

	e.mu.Lock()
	dropped := append([]string(nil), e.holdOrder...)
	e.holds = make(map[string]PauseRequest)
	e.holdOrder = nil
	e.stopWatchLocked()
	e.interrupt = nil
	e.runID = ""
	from := e.state
	listeners = e.setStateLocked(StateIdle)
	e.mu.Unlock()
	e.coord.runFinished()
	notify(listeners, from, StateIdle)

	sum.FinishedAt = e.clock.Now()
	sum.Completed = err == nil
	if len(dropped) > 0 && err == nil {
		logger.InfoContext(ctx, "plan finished with a pause pending; pause dropped", "sources", dropped)
	}

	span.SetAttributes(
		attribute.Int("bluesky.run.suspensions", sum.Suspensions),
		attribute.Int("bluesky.run.rewinds", sum.Rewinds),
	)
	attrs := map[string]string{
		"completed":   strconv.FormatBool(sum.Completed),
		"suspensions": strconv.Itoa(sum.Suspensions),
		"rewinds":     strconv.Itoa(sum.Rewinds),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		attrs["error"] = err.Error()
		logger.ErrorContext(ctx, "run failed", "error", err, "suspensions", sum.Suspensions)
	} else {
		logger.InfoContext(ctx, "run finished", "suspensions", sum.Suspensions, "rewinds", sum.Rewinds, "paused_for", sum.PausedFor)
	}
	e.journal.Record(ctx, journal.Event{
		RunID: sum.RunID,
		Kind:  journal.KindRunFinished,
		Attrs: attrs,
		At:    sum.FinishedAt,
	})

	return sum, err
}

func (e *Engine) execute(ctx context.Context, plan []Instruction, sum *RunSummary, logger *slog.Logger) error {
	lastCheckpoint := -1
	interrupted := false

	for i := 0; i < len(plan); {
		if err := ctx.Err(); err != nil {
			return err
		}

		if holds, pending, ok := e.beginPause(i == lastCheckpoint+1); ok {
			restart := lastCheckpoint + 1
			if err := e.suspend(ctx, holds, pending, sum, logger); err != nil {
				return err
			}
			if i != restart || interrupted {
				sum.Rewinds++
				e.metrics.Rewound(ctx)
				logger.InfoContext(ctx, "rewound to checkpoint", "from", i, "to", restart)
			}
			i = restart
			interrupted = false
			continue
		}

		ins := plan[i]
		err := e.step(ctx, ins)
		if errors.Is(err, errInterrupted) {
			interrupted = true
			continue
		}
		if err != nil {
			return fmt.Errorf("instruction %d %s: %w", i, ins, err)
		}
		interrupted = false
		sum.Instructions++

		switch {
		case ins.Op == OpCheckpoint:
			lastCheckpoint = i
			e.setDirty(false)
		case !ins.rewindable():
			e.setDirty(true)
		}
		i++
	}
	return nil
}

// beginPause moves the engine to paused if a hold may take effect at the
// current boundary, returning the holds in request order.
func (e *Engine) beginPause(afterCheckpoint bool) ([]PauseRequest, time.Duration, bool) {
	e.mu.Lock()
	if len(e.holds) == 0 || (!afterCheckpoint && (e.dirty || !e.immediateLocked())) {
		e.mu.Unlock()
		return nil, 0, false
	}
	holds := make([]PauseRequest, 0, len(e.holdOrder))
	for _, src := range e.holdOrder {
		holds = append(holds, e.holds[src])
	}
	e.stopWatchLocked()
	pending := e.clock.Now().Sub(e.pendingSince)
	listeners := e.setStateLocked(StatePaused)
	e.mu.Unlock()

	notify(listeners, StateRunning, StatePaused)
	return holds, pending, true
}

// immediateLocked reports whether any hold may take effect by rewinding.
func (e *Engine) immediateLocked() bool {
	for _, h := range e.holds {
		if !h.Deferred {
			return true
		}
	}
	return false
}

func (e *Engine) setDirty(dirty bool) {
	e.mu.Lock()
	e.dirty = dirty
	e.mu.Unlock()
}

func (e *Engine) step(ctx context.Context, ins Instruction) error {
	switch ins.Op {
	case OpSleep:
		return e.sleep(ctx, ins.Duration)
	case OpCall:
		if ins.Fn == nil {
			return nil
		}
		return ins.Fn(ctx)
	default:
		return nil
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if !e.dirty && e.immediateLocked() {
		e.mu.Unlock()
		return errInterrupted
	}
	e.interrupt = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.interrupt = nil
		e.mu.Unlock()
	}()

	done := make(chan struct{})
	t := e.clock.AfterFunc(d, func() { close(done) })
	defer t.Stop()

	select {
	case <-done:
		return nil
	case <-sctx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return errInterrupted
	}
}

// suspend holds the plan goroutine until every hold is released.
func (e *Engine) suspend(ctx context.Context, holds []PauseRequest, pending time.Duration, sum *RunSummary, logger *slog.Logger) error {
	pausedAt := e.clock.Now()
	lead := holds[0]
	logger.WarnContext(ctx, "plan paused", "sources", sourcesOf(holds), "reason", lead.Reason, "pending_for", pending)
	e.metrics.Paused(ctx, lead.Source)
	e.journal.Record(ctx, journal.Event{
		RunID:  sum.RunID,
		Kind:   journal.KindPaused,
		Source: strings.Join(sourcesOf(holds), ","),
		Reason: lead.Reason,
		At:     pausedAt,
	})

	for _, h := range holds {
		if h.Before == nil {
			continue
		}
		if err := h.Before(ctx); err != nil {
			return fmt.Errorf("pre-suspend plan for %s: %w", h.Source, err)
		}
	}

	var listeners []func(from, to State)
	for {
		e.mu.Lock()
		if len(e.holds) == 0 {
			listeners = e.setStateLocked(StateRunning)
			e.mu.Unlock()
			break
		}
		resumed := e.resumed
		e.mu.Unlock()

		select {
		case <-resumed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	notify(listeners, StatePaused, StateRunning)

	paused := e.clock.Now().Sub(pausedAt)
	sum.Suspensions++
	sum.PausedFor += paused
	e.metrics.Resumed(ctx, paused)
	logger.InfoContext(ctx, "plan resumed", "paused_for", paused)
	e.journal.Record(ctx, journal.Event{
		RunID: sum.RunID,
		Kind:  journal.KindResumed,
		Attrs: map[string]string{"paused_for": paused.String()},
		At:    e.clock.Now(),
	})

	for _, h := range holds {
		if h.After == nil {
			continue
		}
		if err := h.After(ctx); err != nil {
			return fmt.Errorf("post-suspend plan for %s: %w", h.Source, err)
		}
	}
	return nil
}

func (e *Engine) armWatchLocked() {
	e.stopWatchLocked()
	if e.checkpointTimeout <= 0 {
		return
	}
	gen := e.watchGen
	e.watch = e.clock.AfterFunc(e.checkpointTimeout, func() { e.checkLiveness(gen) })
}

func (e *Engine) stopWatchLocked() {
	e.watchGen++
	if e.watch != nil {
		e.watch.Stop()
		e.watch = nil
	}
}

// checkLiveness warns when a pause is still pending after the checkpoint
// timeout. It never forces the pause.
func (e *Engine) checkLiveness(gen uint64) {
	e.mu.Lock()
	if gen != e.watchGen || e.state != StateRunning || len(e.holds) == 0 {
		e.mu.Unlock()
		return
	}
	pending := e.clock.Now().Sub(e.pendingSince)
	runID := e.runID
	sources := append([]string(nil), e.holdOrder...)
	e.armWatchLocked()
	e.mu.Unlock()

	ctx := context.Background()
	e.metrics.LivenessWarning(ctx)
	e.stuck.Do(func() {
		e.logger.Warn("pause pending without reaching a safe point",
			"run_id", runID, "pending_for", pending, "sources", sources)
	})
	e.journal.Record(ctx, journal.Event{
		RunID:  runID,
		Kind:   journal.KindLivenessWarning,
		Source: strings.Join(sources, ","),
		Attrs:  map[string]string{"pending_for": pending.String()},
		At:     e.clock.Now(),
	})
}

func (e *Engine) setStateLocked(to State) []func(from, to State) {
	e.state = to
	return append([]func(from, to State){}, e.listeners...)
}

func (e *Engine) currentRunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

func notify(listeners []func(from, to State), from, to State) {
	for _, fn := range listeners {
		fn(from, to)
	}
}

func sourcesOf(holds []PauseRequest) []string {
	out := make([]string, len(holds))
	for i, h := range holds {
		out[i] = h.Source
	}
	return out
}

// runStamped tags coordinator events with the engine's current run.
type runStamped struct{ e *Engine }

func (r runStamped) Record(ctx context.Context, ev journal.Event) {
	if ev.RunID == "" {
		ev.RunID = r.e.currentRunID()
	}
	r.e.journal.Record(ctx, ev)
}
