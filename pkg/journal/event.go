// Package journal records suspension events (trips, clears, pauses, resumes,
// liveness warnings) in an append-only, hash-chained log.
package journal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

var (
	// ErrChainBroken is returned when a stored event does not link to its
	// predecessor or its content hash does not match.
	ErrChainBroken = errors.New("journal: hash chain broken")
	ErrClosed      = errors.New("journal: closed")
)

// Kind identifies the type of a journal event.
type Kind string

const (
	KindRunStarted      Kind = "run_started"
	KindRunFinished     Kind = "run_finished"
	KindIntent          Kind = "intent"
	KindPauseRequested  Kind = "pause_requested"
	KindPaused          Kind = "paused"
	KindResumed         Kind = "resumed"
	KindLivenessWarning Kind = "liveness_warning"
)

// Event is a single journal entry. Seq, PrevHash and Hash are assigned by
// the store on append.
type Event struct {
	ID        string            `json:"id"`
	Seq       int64             `json:"seq"`
	RunID     string            `json:"run_id,omitempty"`
	Kind      Kind              `json:"kind"`
	Source    string            `json:"source,omitempty"`
	Suspender string            `json:"suspender,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	At        time.Time         `json:"at"`
	PrevHash  string            `json:"prev_hash"`
	Hash      string            `json:"hash,omitempty"`
}

// ContentHash returns the hex sha256 of the event's canonical JSON form with
// the Hash field cleared.
func (e Event) ContentHash() (string, error) {
	e.Hash = ""
	e.At = e.At.UTC()
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("journal: marshal event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("journal: canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Seal links ev after the event with hash prevHash at position seq.
func Seal(ev Event, seq int64, prevHash string) (Event, error) {
	ev.Seq = seq
	ev.PrevHash = prevHash
	ev.At = ev.At.UTC()
	h, err := ev.ContentHash()
	if err != nil {
		return Event{}, err
	}
	ev.Hash = h
	return ev, nil
}

// Verify checks that events, ordered by Seq, form an unbroken chain starting
// from the given predecessor hash.
func Verify(prevHash string, events []Event) error {
	for _, ev := range events {
		if ev.PrevHash != prevHash {
			return fmt.Errorf("%w: event %d links to %q, want %q", ErrChainBroken, ev.Seq, ev.PrevHash, prevHash)
		}
		h, err := ev.ContentHash()
		if err != nil {
			return err
		}
		if h != ev.Hash {
			return fmt.Errorf("%w: event %d content hash mismatch", ErrChainBroken, ev.Seq)
		}
		prevHash = ev.Hash
	}
	return nil
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	RunID string
	Kind  Kind
	Limit int
}

func (f Filter) match(ev Event) bool {
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	if f.Kind != "" && ev.Kind != f.Kind {
		return false
	}
	return true
}

// Store persists journal events.
type Store interface {
	// Append seals ev onto the end of the chain and returns the stored event.
	Append(ctx context.Context, ev Event) (Event, error)
	// List returns matching events in append order.
	List(ctx context.Context, f Filter) ([]Event, error)
	// Verify re-checks the whole chain.
	Verify(ctx context.Context) error
}
