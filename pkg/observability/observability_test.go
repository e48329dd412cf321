package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "bluesky-suspenders", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.True(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Meter())
	require.NotNil(t, p.Metrics())

	_, span := p.Tracer().Start(context.Background(), "engine.run")
	assert.False(t, span.SpanContext().IsValid(), "disabled tracer records nothing")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderEnabled(t *testing.T) {
	config := DefaultConfig()
	config.Enabled = true
	config.OTLPEndpoint = "127.0.0.1:1" // nothing listens; exporters connect lazily

	ctx := context.Background()
	p, err := New(ctx, config)
	require.NoError(t, err)
	require.NotNil(t, p.Metrics())

	_, span := p.Tracer().Start(ctx, "engine.run")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	p.Metrics().Paused(ctx, "operator")

	shutdownCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(shutdownCtx)
}

func TestNewResourceMergesWithSDKDetectors(t *testing.T) {
	t.Setenv("OTEL_RESOURCE_ATTRIBUTES", "beamline=28-ID-1")

	config := DefaultConfig()
	config.Environment = "commissioning"
	res, err := newResource(context.Background(), config)
	require.NoError(t, err)

	attrs := make(map[string]string)
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "bluesky-suspenders", attrs["service.name"])
	assert.Equal(t, "1.0.0", attrs["service.version"])
	assert.Equal(t, "commissioning", attrs["deployment.environment"])
	assert.Equal(t, "suspenders", attrs["bluesky.subsystem"])
	assert.Equal(t, "28-ID-1", attrs["beamline"])
	assert.Equal(t, "go", attrs["telemetry.sdk.language"])
}

func TestNewProviderNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "bluesky-suspenders", p.config.ServiceName)
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	m, err := NewMetrics(mp.Meter(InstrumentationName))
	require.NoError(t, err)

	ctx := context.Background()
	m.SuspenderTripped(ctx, "ring current", "SR:C03-BI{DCCT:1}I:Real-I")
	m.SuspenderTripped(ctx, "ring current", "SR:C03-BI{DCCT:1}I:Real-I")
	m.SuspenderCleared(ctx, "ring current", "SR:C03-BI{DCCT:1}I:Real-I")
	m.ActiveIntents(ctx, 1)
	m.ActiveIntents(ctx, 1)
	m.ActiveIntents(ctx, -1)
	m.Paused(ctx, "suspenders")
	m.Resumed(ctx, 1500*time.Millisecond)
	m.Rewound(ctx)
	m.UnregisteredIntent(ctx, "ghost")
	m.LivenessWarning(ctx)
	m.JournalDropped(ctx)

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, data["bluesky.suspender.trips"]))
	assert.Equal(t, int64(1), sumOf(t, data["bluesky.suspender.clears"]))
	assert.Equal(t, int64(1), sumOf(t, data["bluesky.coordinator.active_intents"]))
	assert.Equal(t, int64(1), sumOf(t, data["bluesky.engine.pauses"]))
	assert.Equal(t, int64(1), sumOf(t, data["bluesky.engine.resumes"]))
	assert.Equal(t, int64(1), sumOf(t, data["bluesky.engine.rewinds"]))
	assert.Equal(t, int64(1), sumOf(t, data["bluesky.coordinator.unregistered_intents"]))
	assert.Equal(t, int64(1), sumOf(t, data["bluesky.engine.liveness_warnings"]))
	assert.Equal(t, int64(1), sumOf(t, data["bluesky.journal.dropped"]))

	hist, ok := data["bluesky.engine.pause.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, 1.5, hist.DataPoints[0].Sum, 1e-9)
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.SuspenderTripped(ctx, "a", "b")
		m.SuspenderCleared(ctx, "a", "b")
		m.ActiveIntents(ctx, 1)
		m.Paused(ctx, "operator")
		m.Resumed(ctx, time.Second)
		m.Rewound(ctx)
		m.UnregisteredIntent(ctx, "a")
		m.LivenessWarning(ctx)
		m.JournalDropped(ctx)
	})
}

func TestNewMetricsNoopMeter(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	m.Paused(context.Background(), "operator")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "suspender", "ring current")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "ring current", rec["suspender"])
}

func TestNewLoggerErrors(t *testing.T) {
	_, err := NewLogger("loud", "text", &bytes.Buffer{})
	require.Error(t, err)

	_, err = NewLogger("info", "xml", &bytes.Buffer{})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{" Warn ", slog.LevelWarn},
		{"ERROR", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
