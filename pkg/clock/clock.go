// Package clock provides the time source and timer facility shared by
// suspenders and the run engine.
//
// Settle timers and liveness watchdogs are scheduled through Clock.AfterFunc so
// tests can drive them deterministically with a Manual clock instead of
// sleeping on the wall clock.
package clock

import "time"

// Timer is a cancellable delayed action.
type Timer interface {
	// Stop cancels the timer. It reports false if the timer already fired or
	// was already stopped. Stop does not wait for a running callback.
	Stop() bool
}

// Clock provides authority time and delayed callbacks.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f on its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// wallClock is backed by the time package.
type wallClock struct{}

// Real returns the wall clock.
func Real() Clock { return wallClock{} }

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// OrReal returns c, or the wall clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return wallClock{}
	}
	return c
}
