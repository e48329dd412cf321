package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperrealist/bluesky/pkg/signal"
	"github.com/hyperrealist/bluesky/pkg/suspend"
)

func mustPolicy(t *testing.T) func(suspend.Policy, error) suspend.Policy {
	return func(p suspend.Policy, err error) suspend.Policy {
		t.Helper()
		require.NoError(t, err)
		return p
	}
}

// A plan of [checkpoint, sleep 0.2s] is started with the signal in policy.
// The signal goes out of policy 0.1s in and back in policy at 1.0s; with a
// 0.5s settle the run cannot finish before 1.0 + 0.5 + 0.2 seconds.
func TestSuspendersDelayRun(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time test")
	}

	const (
		pv     = "BSTEST:VAL"
		settle = 500 * time.Millisecond
	)

	tests := []struct {
		name   string
		policy func(t *testing.T) suspend.Policy
		start  float64
		fail   float64
		resume float64
	}{
		{"bool high", func(*testing.T) suspend.Policy { return suspend.BoolHigh() }, 0, 1, 0},
		{"bool low", func(*testing.T) suspend.Policy { return suspend.BoolLow() }, 1, 0, 1},
		{"floor", func(t *testing.T) suspend.Policy { return mustPolicy(t)(suspend.Floor(.5)) }, 1, 0, 1},
		{"ceil", func(t *testing.T) suspend.Policy { return mustPolicy(t)(suspend.Ceil(.5)) }, 0, 1, 0},
		{"in band", func(t *testing.T) suspend.Policy { return mustPolicy(t)(suspend.InBand(.5, 1.5)) }, 1, 0, 1},
		{"out band", func(t *testing.T) suspend.Policy { return mustPolicy(t)(suspend.OutBand(.5, 1.5)) }, 0, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			src := signal.NewMemorySource()
			src.Define(pv, tt.start)

			e := New()
			s, err := suspend.New(src, pv, tt.policy(t), suspend.WithSettle(settle))
			require.NoError(t, err)
			require.NoError(t, e.Install(ctx, s))
			defer func() { require.NoError(t, e.Close()) }()

			plan := []Instruction{Checkpoint(), Sleep(200 * time.Millisecond)}

			// a clean run first
			sum, err := e.Run(ctx, plan)
			require.NoError(t, err)
			require.Zero(t, sum.Suspensions)
			require.Equal(t, StateIdle, e.State())

			put := func(v float64) func() {
				return func() { _ = src.Write(ctx, pv, v, true) }
			}
			start := time.Now()
			failTimer := time.AfterFunc(100*time.Millisecond, put(tt.fail))
			resumeTimer := time.AfterFunc(time.Second, put(tt.resume))
			defer failTimer.Stop()
			defer resumeTimer.Stop()

			sum, err = e.Run(ctx, plan)
			elapsed := time.Since(start)
			require.NoError(t, err)

			assert.Greater(t, elapsed, time.Second+settle+200*time.Millisecond)
			assert.Equal(t, 1, sum.Suspensions)
			assert.Equal(t, 1, sum.Rewinds, "the interrupted sleep runs again")
			assert.Equal(t, StateIdle, e.State())
		})
	}
}
