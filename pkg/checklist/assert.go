// Package checklist verifies beamline signals before a plan runs: that they
// are reachable and that their values sit where the experiment expects.
package checklist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperrealist/bluesky/pkg/signal"
)

// ErrCheckFailed is wrapped by every *CheckError.
var ErrCheckFailed = errors.New("check failed")

// DefaultConnectTimeout bounds Connect when the context has no deadline.
const DefaultConnectTimeout = 5 * time.Second

// CheckError reports a signal whose value did not satisfy a check.
type CheckError struct {
	Check  string
	Signal string
	Value  float64
	Want   string
}

func (e *CheckError) Error() string {
	if e.Signal == "" {
		return fmt.Sprintf("%s: want %s", e.Check, e.Want)
	}
	return fmt.Sprintf("%s: %s = %g, want %s", e.Check, e.Signal, e.Value, e.Want)
}

func (e *CheckError) Unwrap() error { return ErrCheckFailed }

// Connect checks that id can be read within the context deadline (or
// DefaultConnectTimeout).
func Connect(ctx context.Context, r signal.Reader, id string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancel()
	}
	if _, err := r.Read(ctx, id); err != nil {
		return fmt.Errorf("connect %s: %w", id, err)
	}
	return nil
}

func read(ctx context.Context, r signal.Reader, id string) (float64, error) {
	v, err := r.Read(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", id, err)
	}
	return v.V, nil
}

func check(ctx context.Context, r signal.Reader, name, id, want string, ok func(float64) bool) error {
	v, err := read(ctx, r, id)
	if err != nil {
		return err
	}
	if !ok(v) {
		return &CheckError{Check: name, Signal: id, Value: v, Want: want}
	}
	return nil
}

// AssertEqual requires the current value of id to equal want exactly.
func AssertEqual(ctx context.Context, r signal.Reader, id string, want float64) error {
	return check(ctx, r, "equal", id, fmt.Sprintf("== %g", want), func(v float64) bool { return v == want })
}

func AssertGreater(ctx context.Context, r signal.Reader, id string, than float64) error {
	return check(ctx, r, "greater", id, fmt.Sprintf("> %g", than), func(v float64) bool { return v > than })
}

func AssertLess(ctx context.Context, r signal.Reader, id string, than float64) error {
	return check(ctx, r, "less", id, fmt.Sprintf("< %g", than), func(v float64) bool { return v < than })
}

// AssertInBand requires low < value < high.
func AssertInBand(ctx context.Context, r signal.Reader, id string, low, high float64) error {
	return check(ctx, r, "in_band", id, fmt.Sprintf("in (%g, %g)", low, high), func(v float64) bool {
		return low < v && v < high
	})
}

// AssertOutOfBand requires the value not to be strictly inside (low, high).
func AssertOutOfBand(ctx context.Context, r signal.Reader, id string, low, high float64) error {
	return check(ctx, r, "out_of_band", id, fmt.Sprintf("outside (%g, %g)", low, high), func(v float64) bool {
		return v <= low || v >= high
	})
}
