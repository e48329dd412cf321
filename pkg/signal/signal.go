// Package signal defines the narrow boundary between the suspend/resume core
// and the control-system transport: point-in-time reads, change subscriptions
// and, for test drivers only, writes.
package signal

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSourceUnavailable means the signal source could not be reached, or the
	// named signal could not be connected.
	ErrSourceUnavailable = errors.New("signal source unavailable")
	// ErrUnknownSignal means the source is reachable but has no such signal.
	ErrUnknownSignal = errors.New("unknown signal")
	// ErrClosed is returned by operations on a closed source.
	ErrClosed = errors.New("signal source closed")
)

// Value is a timestamped scalar observation. Booleans are carried as 0 and 1.
type Value struct {
	Signal    string    `json:"signal"`
	V         float64   `json:"value"`
	Timestamp time.Time `json:"ts"`
}

func (v Value) String() string {
	return fmt.Sprintf("%s=%g@%s", v.Signal, v.V, v.Timestamp.Format(time.RFC3339Nano))
}

// Callback receives change notifications. Callbacks for one subscription are
// delivered sequentially, in the order the values were observed, on a
// goroutine owned by the source.
type Callback func(Value)

// Subscription is a live monitor on one signal.
type Subscription interface {
	// Close stops delivery and waits for any in-flight callback to return.
	// It is idempotent and must not be called from inside the callback.
	Close() error
}

// Reader is what the suspend/resume core consumes.
type Reader interface {
	Read(ctx context.Context, id string) (Value, error)
	// Subscribe delivers the current value (when one exists) followed by every
	// subsequent change.
	Subscribe(ctx context.Context, id string, cb Callback) (Subscription, error)
}

// Writer is used by external drivers (tests, the CLI) to move a signal.
// With wait set, Write returns only once the value has been accepted by the
// source and handed to current subscribers.
type Writer interface {
	Write(ctx context.Context, id string, v float64, wait bool) error
}

// Source is a Reader that can also be written.
type Source interface {
	Reader
	Writer
}

func unavailable(id string, err error) error {
	return fmt.Errorf("signal %q: %w: %w", id, ErrSourceUnavailable, err)
}
