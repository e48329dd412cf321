package suspend

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPolicy(t *testing.T) func(Policy, error) Policy {
	return func(p Policy, err error) Policy {
		t.Helper()
		require.NoError(t, err)
		return p
	}
}

func TestPolicy_TripTable(t *testing.T) {
	floor := mustPolicy(t)(Floor(0.5))
	ceil := mustPolicy(t)(Ceil(0.5))
	inBand := mustPolicy(t)(InBand(0.5, 1.5))
	outBand := mustPolicy(t)(OutBand(0.5, 1.5))

	cases := []struct {
		name   string
		policy Policy
		value  float64
		trip   bool
	}{
		{"bool high at zero", BoolHigh(), 0, false},
		{"bool high at one", BoolHigh(), 1, true},
		{"bool high negative", BoolHigh(), -3, true},
		{"bool low at zero", BoolLow(), 0, true},
		{"bool low at one", BoolLow(), 1, false},

		{"floor below", floor, 0.49, true},
		{"floor at", floor, 0.5, false},
		{"floor above", floor, 1, false},

		{"ceil below", ceil, 0, false},
		{"ceil at", ceil, 0.5, false},
		{"ceil above", ceil, 0.51, true},

		{"in band below", inBand, 0, true},
		{"in band at low", inBand, 0.5, false},
		{"in band inside", inBand, 1, false},
		{"in band at high", inBand, 1.5, false},
		{"in band above", inBand, 2, true},

		{"out band below", outBand, 0, false},
		{"out band at low", outBand, 0.5, false},
		{"out band inside", outBand, 1, true},
		{"out band at high", outBand, 1.5, false},
		{"out band above", outBand, 2, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.trip, tc.policy.Trip(tc.value))
			assert.Equal(t, !tc.trip, tc.policy.Resumes(tc.value), "without hysteresis Resumes is !Trip")
		})
	}
}

func TestPolicy_NaNIsNoInformation(t *testing.T) {
	for _, p := range []Policy{BoolHigh(), BoolLow(), mustPolicy(t)(Floor(1)), mustPolicy(t)(InBand(0, 1))} {
		assert.False(t, p.Trip(math.NaN()), p.String())
		assert.False(t, p.Resumes(math.NaN()), p.String())
	}
}

func TestPolicy_Hysteresis(t *testing.T) {
	floor := mustPolicy(t)(FloorWithResume(0.5, 0.8))
	assert.True(t, floor.Trip(0.4))
	assert.False(t, floor.Trip(0.6))
	assert.False(t, floor.Resumes(0.6), "between threshold and resume level stays held")
	assert.True(t, floor.Resumes(0.8))
	assert.Equal(t, "floor(0.5, resume=0.8)", floor.String())

	ceil := mustPolicy(t)(CeilWithResume(10, 8))
	assert.True(t, ceil.Trip(11))
	assert.False(t, ceil.Resumes(9))
	assert.True(t, ceil.Resumes(8))
}

func TestPolicy_Validate(t *testing.T) {
	_, err := InBand(2, 1)
	require.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = OutBand(math.NaN(), 1)
	require.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = FloorWithResume(1, 0.5)
	require.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = CeilWithResume(1, 2)
	require.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = Floor(math.NaN())
	require.ErrorIs(t, err, ErrInvalidPolicy)

	require.ErrorIs(t, Policy{}.Validate(), ErrInvalidPolicy)
	assert.False(t, Policy{}.Trip(1))
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"BoolHigh": KindBoolHigh,
		"bool_low": KindBoolLow,
		"floor":    KindFloor,
		"CEIL":     KindCeil,
		"in-band":  KindInBand,
		"OutBand":  KindOutBand,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKind("sideways")
	require.ErrorIs(t, err, ErrInvalidPolicy)
	assert.Equal(t, "UNKNOWN(42)", Kind(42).String())
}

func TestPolicy_Describe(t *testing.T) {
	floor := mustPolicy(t)(Floor(0.5))
	assert.Equal(t, "signal 0 below floor 0.5", floor.Describe(0))
	band := mustPolicy(t)(OutBand(0.5, 1.5))
	assert.Contains(t, band.Describe(1), "inside excluded band")
}
