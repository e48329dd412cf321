package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Attribute keys attached to suspension metrics and spans.
var (
	AttrSuspender = attribute.Key("bluesky.suspender")
	AttrSignal    = attribute.Key("bluesky.signal")
	AttrPhase     = attribute.Key("bluesky.phase")
	AttrSource    = attribute.Key("bluesky.pause.source")
	AttrRunID     = attribute.Key("bluesky.run.id")
)

// Metrics holds the instruments recorded by suspenders, the coordinator and
// the engine. A nil *Metrics records nothing.
type Metrics struct {
	trips            metric.Int64Counter
	clears           metric.Int64Counter
	pauses           metric.Int64Counter
	resumes          metric.Int64Counter
	rewinds          metric.Int64Counter
	pauseDuration    metric.Float64Histogram
	unregistered     metric.Int64Counter
	livenessWarnings metric.Int64Counter
	activeIntents    metric.Int64UpDownCounter
	journalDropped   metric.Int64Counter
}

// NewMetrics creates the instruments on meter. A nil meter uses the no-op
// implementation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(InstrumentationName)
	}

	m := &Metrics{}
	var errs []error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}

	m.trips = counter("bluesky.suspender.trips", "Suspender transitions into the tripped phase", "{trip}")
	m.clears = counter("bluesky.suspender.clears", "Suspender transitions back to cleared", "{clear}")
	m.pauses = counter("bluesky.engine.pauses", "Plans paused by the engine", "{pause}")
	m.resumes = counter("bluesky.engine.resumes", "Plans resumed by the engine", "{resume}")
	m.rewinds = counter("bluesky.engine.rewinds", "Resumptions that re-executed work after a checkpoint", "{rewind}")
	m.unregistered = counter("bluesky.coordinator.unregistered_intents", "Intents received from suspenders not in the active set", "{intent}")
	m.livenessWarnings = counter("bluesky.engine.liveness_warnings", "Pending pauses that did not take effect within the checkpoint timeout", "{warning}")
	m.journalDropped = counter("bluesky.journal.dropped", "Journal events dropped because the recorder queue was full", "{event}")

	var err error
	m.pauseDuration, err = meter.Float64Histogram("bluesky.engine.pause.duration",
		metric.WithDescription("Time a plan spent paused"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900, 3600),
	)
	errs = append(errs, err)

	m.activeIntents, err = meter.Int64UpDownCounter("bluesky.coordinator.active_intents",
		metric.WithDescription("Suspenders currently holding an active intent"),
		metric.WithUnit("{intent}"),
	)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// SuspenderTripped counts a transition into the tripped phase.
func (m *Metrics) SuspenderTripped(ctx context.Context, suspender, sig string) {
	if m == nil {
		return
	}
	m.trips.Add(ctx, 1, metric.WithAttributes(AttrSuspender.String(suspender), AttrSignal.String(sig)))
}

// SuspenderCleared counts a transition back to cleared.
func (m *Metrics) SuspenderCleared(ctx context.Context, suspender, sig string) {
	if m == nil {
		return
	}
	m.clears.Add(ctx, 1, metric.WithAttributes(AttrSuspender.String(suspender), AttrSignal.String(sig)))
}

// ActiveIntents adjusts the active intent gauge by delta.
func (m *Metrics) ActiveIntents(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.activeIntents.Add(ctx, delta)
}

func (m *Metrics) UnregisteredIntent(ctx context.Context, suspender string) {
	if m == nil {
		return
	}
	m.unregistered.Add(ctx, 1, metric.WithAttributes(AttrSuspender.String(suspender)))
}

func (m *Metrics) Paused(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.pauses.Add(ctx, 1, metric.WithAttributes(AttrSource.String(source)))
}

// Resumed counts a resumption and records how long the plan was paused.
func (m *Metrics) Resumed(ctx context.Context, paused time.Duration) {
	if m == nil {
		return
	}
	m.resumes.Add(ctx, 1)
	m.pauseDuration.Record(ctx, paused.Seconds())
}

func (m *Metrics) Rewound(ctx context.Context) {
	if m == nil {
		return
	}
	m.rewinds.Add(ctx, 1)
}

func (m *Metrics) LivenessWarning(ctx context.Context) {
	if m == nil {
		return
	}
	m.livenessWarnings.Add(ctx, 1)
}

func (m *Metrics) JournalDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.journalDropped.Add(ctx, 1)
}
