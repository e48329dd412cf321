package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/hyperrealist/bluesky/pkg/observability"
	"github.com/hyperrealist/bluesky/pkg/signal"
	"github.com/hyperrealist/bluesky/pkg/suspend"
)

type fakeScheduler struct {
	mu      sync.Mutex
	state   State
	pauses  []PauseRequest
	resumes []string
}

func (f *fakeScheduler) RequestPause(req PauseRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses = append(f.pauses, req)
}

func (f *fakeScheduler) RequestResume(source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, source)
}

func (f *fakeScheduler) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeScheduler) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeScheduler) counts() (pauses, resumes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pauses), len(f.resumes)
}

func floorSuspender(t *testing.T, src signal.Reader, id string, opts ...suspend.Option) *suspend.Suspender {
	t.Helper()
	p, err := suspend.Floor(0.5)
	require.NoError(t, err)
	s, err := suspend.New(src, id, p, opts...)
	require.NoError(t, err)
	return s
}

func write(t *testing.T, src *signal.MemorySource, id string, v float64) {
	t.Helper()
	require.NoError(t, src.Write(context.Background(), id, v, true))
}

func TestCoordinator_AndAcrossSuspenders(t *testing.T) {
	ctx := context.Background()
	src := signal.NewMemorySource()
	src.Define("SR:CURRENT", 1)
	src.Define("FE:SHUTTER", 1)

	sched := &fakeScheduler{state: StateRunning}
	c := NewCoordinator(sched)

	a := floorSuspender(t, src, "SR:CURRENT", suspend.WithName("ring current"))
	b := floorSuspender(t, src, "FE:SHUTTER", suspend.WithName("shutter"))
	require.NoError(t, c.Install(ctx, a))
	require.NoError(t, c.Install(ctx, b))
	defer func() { require.NoError(t, c.Clear()) }()

	write(t, src, "SR:CURRENT", 0)
	p, r := sched.counts()
	assert.Equal(t, 1, p)
	assert.Equal(t, 0, r)
	assert.True(t, c.Holding())
	assert.Equal(t, SourceSuspenders, sched.pauses[0].Source)
	assert.Contains(t, sched.pauses[0].Reason, "ring current")

	write(t, src, "FE:SHUTTER", 0)
	p, _ = sched.counts()
	assert.Equal(t, 1, p, "second trip must not re-request")
	assert.Len(t, c.ActiveIntents(), 2)

	write(t, src, "SR:CURRENT", 1)
	_, r = sched.counts()
	assert.Equal(t, 0, r, "one active intent still holds")

	write(t, src, "FE:SHUTTER", 1)
	p, r = sched.counts()
	assert.Equal(t, 1, p)
	assert.Equal(t, 1, r)
	assert.Equal(t, SourceSuspenders, sched.resumes[0])
	assert.Empty(t, c.ActiveIntents())
	assert.False(t, c.Holding())
}

func TestCoordinator_ActiveIntentsOldestFirst(t *testing.T) {
	src := signal.NewMemorySource()
	src.Define("A", 1)
	src.Define("B", 1)

	c := NewCoordinator(&fakeScheduler{state: StateRunning})
	a := floorSuspender(t, src, "A", suspend.WithName("a"))
	b := floorSuspender(t, src, "B", suspend.WithName("b"))
	require.NoError(t, c.Install(context.Background(), b))
	require.NoError(t, c.Install(context.Background(), a))
	defer func() { _ = c.Clear() }()

	write(t, src, "A", 0)
	write(t, src, "B", 0)

	active := c.ActiveIntents()
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].Name)
	assert.Equal(t, "b", active[1].Name)

	names := []string{}
	for _, s := range c.Suspenders() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"b", "a"}, names)
}

func TestCoordinator_IdleSchedulerDefersUntilRunStarts(t *testing.T) {
	src := signal.NewMemorySource()
	src.Define("A", 1)

	sched := &fakeScheduler{state: StateIdle}
	c := NewCoordinator(sched)
	a := floorSuspender(t, src, "A", suspend.WithName("a"))
	require.NoError(t, c.Install(context.Background(), a))
	defer func() { _ = c.Clear() }()

	write(t, src, "A", 0)
	p, _ := sched.counts()
	assert.Equal(t, 0, p)
	assert.False(t, c.Holding())

	sched.setState(StateRunning)
	c.runStarted()
	p, _ = sched.counts()
	assert.Equal(t, 1, p)
	assert.True(t, c.Holding())

	c.runFinished()
	assert.False(t, c.Holding())
}

func TestCoordinator_UnregisteredIntentIgnored(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observability.NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	sched := &fakeScheduler{state: StateRunning}
	c := NewCoordinator(sched, WithCoordinatorMetrics(m))

	c.OnIntentUpdate(suspend.Intent{SuspenderID: "ghost", Name: "ghost", Active: true, Phase: suspend.PhaseTripped})
	p, _ := sched.counts()
	assert.Equal(t, 0, p)
	assert.Empty(t, c.ActiveIntents())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "bluesky.coordinator.unregistered_intents" {
				continue
			}
			sum := metric.Data.(metricdata.Sum[int64])
			require.Len(t, sum.DataPoints, 1)
			assert.Equal(t, int64(1), sum.DataPoints[0].Value)
			found = true
		}
	}
	assert.True(t, found)
}

func TestCoordinator_UnregisterReleasesHold(t *testing.T) {
	src := signal.NewMemorySource()
	src.Define("A", 1)

	sched := &fakeScheduler{state: StateRunning}
	c := NewCoordinator(sched)
	a := floorSuspender(t, src, "A")
	require.NoError(t, c.Install(context.Background(), a))

	write(t, src, "A", 0)
	p, _ := sched.counts()
	require.Equal(t, 1, p)

	require.NoError(t, c.Remove(a))
	_, r := sched.counts()
	assert.Equal(t, 1, r)
	assert.Empty(t, c.Suspenders())
	assert.Equal(t, 0, src.Subscribers("A"))
	assert.False(t, c.Unregister(a.ID()))
}

func TestCoordinator_RemoveWhileTrippedCountsNoStrayIntent(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observability.NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	src := signal.NewMemorySource()
	src.Define("A", 1)
	sched := &fakeScheduler{state: StateRunning}
	c := NewCoordinator(sched, WithCoordinatorMetrics(m))
	a := floorSuspender(t, src, "A")
	require.NoError(t, c.Install(context.Background(), a))

	write(t, src, "A", 0)
	require.True(t, c.Holding())
	require.NoError(t, c.Remove(a))
	assert.False(t, c.Holding())

	// a late release from a suspender that is already gone is dropped quietly
	c.OnIntentUpdate(suspend.Intent{SuspenderID: a.ID(), Name: "A", Active: false, Phase: suspend.PhaseCleared})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			assert.NotEqual(t, "bluesky.coordinator.unregistered_intents", metric.Name)
		}
	}
}

func TestCoordinator_InstallFailureLeavesNothingRegistered(t *testing.T) {
	src := signal.NewMemorySource()
	c := NewCoordinator(&fakeScheduler{})

	s := floorSuspender(t, src, "NOT:DEFINED")
	err := c.Install(context.Background(), s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, signal.ErrSourceUnavailable))
	assert.Empty(t, c.Suspenders())
}

func TestCoordinator_DuplicateRegister(t *testing.T) {
	src := signal.NewMemorySource()
	src.Define("A", 1)
	c := NewCoordinator(&fakeScheduler{})

	s := floorSuspender(t, src, "A")
	require.NoError(t, c.Register(s))
	require.ErrorIs(t, c.Register(s), ErrAlreadyRegistered)
}

func TestCoordinator_CarriesInitiatorHooks(t *testing.T) {
	src := signal.NewMemorySource()
	src.Define("A", 1)
	src.Define("B", 1)

	var calls []string
	hook := func(name string) suspend.Hook {
		return func(context.Context) error {
			calls = append(calls, name)
			return nil
		}
	}

	sched := &fakeScheduler{state: StateRunning}
	c := NewCoordinator(sched)
	a := floorSuspender(t, src, "A", suspend.WithPreHook(hook("a-pre")), suspend.WithPostHook(hook("a-post")))
	b := floorSuspender(t, src, "B", suspend.WithPreHook(hook("b-pre")))
	require.NoError(t, c.Install(context.Background(), a))
	require.NoError(t, c.Install(context.Background(), b))
	defer func() { _ = c.Clear() }()

	write(t, src, "A", 0)
	write(t, src, "B", 0)

	require.Len(t, sched.pauses, 1)
	req := sched.pauses[0]
	require.NotNil(t, req.Before)
	require.NotNil(t, req.After)
	require.NoError(t, req.Before(context.Background()))
	require.NoError(t, req.After(context.Background()))
	assert.Equal(t, []string{"a-pre", "a-post"}, calls)
}
