package suspend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperrealist/bluesky/pkg/clock"
	"github.com/hyperrealist/bluesky/pkg/signal"
)

var (
	// ErrAlreadyArmed is returned when Arm is called twice.
	ErrAlreadyArmed = errors.New("suspender already armed")
	// ErrDisconnected is returned when arming a disconnected suspender.
	ErrDisconnected = errors.New("suspender disconnected")
)

// Phase is a suspender's position in its trip/settle cycle, and the phase an
// Intent reports.
type Phase int

const (
	// PhaseCleared: the signal is in policy (or the settle period completed).
	PhaseCleared Phase = iota
	// PhaseTripped: the signal is out of policy.
	PhaseTripped
	// PhaseSettling: the signal returned to policy; waiting out the settle period.
	PhaseSettling
)

// String implements fmt.Stringer for Phase.
func (p Phase) String() string {
	switch p {
	case PhaseCleared:
		return "CLEARED"
	case PhaseTripped:
		return "TRIPPED"
	case PhaseSettling:
		return "SETTLING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(p))
	}
}

// Intent is one suspend/resume update from a suspender. Active stays true
// through Tripped and Settling; only a completed settle period or a
// Disconnect while holding produces Active=false.
type Intent struct {
	SuspenderID string
	Name        string
	Signal      string
	Active      bool
	Phase       Phase
	Reason      string
	Value       float64
	// RequestedAt is when the current hold began (the trip time).
	RequestedAt time.Time
	// At is when this update was produced.
	At time.Time
	// Seq increases by one with every update from the same suspender.
	Seq uint64
}

// IntentSink receives intents. OnIntentUpdate is called with the suspender's
// lock held and must only update in-memory state.
type IntentSink interface {
	OnIntentUpdate(Intent)
}

// IntentSinkFunc adapts a function to IntentSink.
type IntentSinkFunc func(Intent)

// OnIntentUpdate implements IntentSink.
func (f IntentSinkFunc) OnIntentUpdate(in Intent) { f(in) }

// Hook runs on the run engine's goroutine around a suspension.
type Hook func(ctx context.Context) error

// Option configures a Suspender.
type Option func(*Suspender)

// WithSettle sets how long a cleared signal must stay in policy before the
// suspender releases its hold.
func WithSettle(d time.Duration) Option {
	return func(s *Suspender) {
		if d > 0 {
			s.settle = d
		}
	}
}

// WithName sets a human-readable name.
func WithName(name string) Option {
	return func(s *Suspender) { s.name = name }
}

// WithMessage appends an operator-facing message to every trip reason.
func WithMessage(msg string) Option {
	return func(s *Suspender) { s.message = msg }
}

// WithClock overrides the timer facility for testing.
func WithClock(c clock.Clock) Option {
	return func(s *Suspender) { s.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Suspender) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPreHook runs fn once when the engine pauses because of this suspender.
func WithPreHook(fn Hook) Option {
	return func(s *Suspender) { s.preHook = fn }
}

// WithPostHook runs fn once after the engine resumes from a pause this
// suspender initiated, before execution restarts at the checkpoint.
func WithPostHook(fn Hook) Option {
	return func(s *Suspender) { s.postHook = fn }
}

// Suspender watches one signal and emits intents according to its policy.
type Suspender struct {
	id       string
	name     string
	signalID string
	policy   Policy
	settle   time.Duration
	message  string
	reader   signal.Reader
	clock    clock.Clock
	logger   *slog.Logger
	preHook  Hook
	postHook Hook

	mu        sync.Mutex
	phase     Phase
	armed     bool
	closed    bool
	gen       uint64
	seq       uint64
	timer     clock.Timer
	trippedAt time.Time
	reason    string
	last      signal.Value
	seen      bool
	sink      IntentSink
	sub       signal.Subscription
}

// New validates the policy and creates an unarmed suspender.
func New(reader signal.Reader, signalID string, policy Policy, opts ...Option) (*Suspender, error) {
	if reader == nil {
		return nil, fmt.Errorf("suspender %q: nil signal reader", signalID)
	}
	if signalID == "" {
		return nil, errors.New("suspender: empty signal id")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	s := &Suspender{
		id:       uuid.NewString(),
		signalID: signalID,
		policy:   policy,
		reader:   reader,
		clock:    clock.Real(),
		phase:    PhaseCleared,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.name == "" {
		s.name = fmt.Sprintf("%s:%s", policy.Kind(), signalID)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "suspender")
	}
	s.logger = s.logger.With("suspender", s.name, "signal", signalID)
	return s, nil
}

// Connect creates a suspender and arms it against sink.
func Connect(ctx context.Context, reader signal.Reader, signalID string, policy Policy, sink IntentSink, opts ...Option) (*Suspender, error) {
	s, err := New(reader, signalID, policy, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Arm(ctx, sink); err != nil {
		return nil, err
	}
	return s, nil
}

// Arm subscribes to the signal and starts emitting intents to sink. Failure to
// reach the source is reported as signal.ErrSourceUnavailable.
func (s *Suspender) Arm(ctx context.Context, sink IntentSink) error {
	if sink == nil {
		return fmt.Errorf("suspender %s: nil intent sink", s.name)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrDisconnected
	}
	if s.armed {
		s.mu.Unlock()
		return ErrAlreadyArmed
	}
	s.armed = true
	s.sink = sink
	s.mu.Unlock()

	sub, err := s.reader.Subscribe(ctx, s.signalID, s.onValue)
	if err != nil {
		s.mu.Lock()
		s.armed = false
		s.sink = nil
		s.mu.Unlock()
		return fmt.Errorf("suspender %s: arm: %w", s.name, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sub.Close()
		return ErrDisconnected
	}
	s.sub = sub
	s.mu.Unlock()

	s.logger.Debug("suspender armed", "policy", s.policy.String(), "settle", s.settle)
	return nil
}

// Disconnect unsubscribes and cancels any pending settle timer. A suspender
// that is tripped or settling releases its hold with a final inactive intent
// first. A settle callback already in flight may still run afterwards, but it
// returns without effect. Calling Disconnect again is a no-op.
func (s *Suspender) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.sink != nil && s.phase != PhaseCleared {
		s.phase = PhaseCleared
		s.reason = s.name + ": disconnected"
		s.logger.Info("suspender disconnected while holding, releasing")
		s.emitLocked(false, s.last.V)
	}
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Close(); err != nil {
		return fmt.Errorf("suspender %s: unsubscribe: %w", s.name, err)
	}
	s.logger.Debug("suspender disconnected")
	return nil
}

func (s *Suspender) onValue(v signal.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.armed {
		return
	}
	s.last = v
	s.seen = true

	switch s.phase {
	case PhaseCleared:
		if !s.policy.Trip(v.V) {
			return
		}
		s.trippedAt = s.clock.Now()
		s.reason = s.describe(v.V)
		s.phase = PhaseTripped
		s.logger.Warn("suspender tripped", "value", v.V, "reason", s.reason)
		s.emitLocked(true, v.V)

	case PhaseTripped:
		if !s.policy.Resumes(v.V) {
			return
		}
		if s.settle <= 0 {
			s.phase = PhaseCleared
			s.logger.Info("suspender cleared", "value", v.V)
			s.emitLocked(false, v.V)
			return
		}
		s.phase = PhaseSettling
		s.armTimerLocked()
		s.logger.Info("suspender settling", "value", v.V, "settle", s.settle)
		s.emitLocked(true, v.V)

	case PhaseSettling:
		if s.policy.Resumes(v.V) {
			return
		}
		s.gen++
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.reason = s.describe(v.V)
		s.phase = PhaseTripped
		s.logger.Warn("suspender re-tripped while settling", "value", v.V, "reason", s.reason)
		s.emitLocked(true, v.V)
	}
}

// armTimerLocked cancels any previous settle timer and schedules a new one
// tagged with a fresh generation. A superseded timer that still fires sees a
// different generation and does nothing.
func (s *Suspender) armTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.settle, func() { s.settled(gen) })
}

func (s *Suspender) settled(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen || s.phase != PhaseSettling {
		return
	}
	s.timer = nil
	s.phase = PhaseCleared
	s.logger.Info("suspender cleared after settle", "settle", s.settle)
	s.emitLocked(false, s.last.V)
}

func (s *Suspender) emitLocked(active bool, v float64) {
	s.seq++
	in := Intent{
		SuspenderID: s.id,
		Name:        s.name,
		Signal:      s.signalID,
		Active:      active,
		Phase:       s.phase,
		Reason:      s.reason,
		Value:       v,
		RequestedAt: s.trippedAt,
		At:          s.clock.Now(),
		Seq:         s.seq,
	}
	s.sink.OnIntentUpdate(in)
}

func (s *Suspender) describe(v float64) string {
	reason := fmt.Sprintf("%s: %s", s.name, s.policy.Describe(v))
	if s.message != "" {
		reason += ": " + s.message
	}
	return reason
}

// ID returns the unique suspender identity used by the coordinator.
func (s *Suspender) ID() string { return s.id }

// Name returns the human-readable name.
func (s *Suspender) Name() string { return s.name }

// Signal returns the monitored signal id.
func (s *Suspender) Signal() string { return s.signalID }

// Policy returns the policy.
func (s *Suspender) Policy() Policy { return s.policy }

// Settle returns the settle duration.
func (s *Suspender) Settle() time.Duration { return s.settle }

// PreHook returns the hook run when the engine pauses on this suspender.
func (s *Suspender) PreHook() Hook { return s.preHook }

// PostHook returns the hook run after the engine resumes.
func (s *Suspender) PostHook() Hook { return s.postHook }

// Phase returns the current phase.
func (s *Suspender) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Tripped reports whether the suspender currently holds (tripped or settling).
func (s *Suspender) Tripped() bool {
	return s.Phase() != PhaseCleared
}

// Armed reports whether the suspender is subscribed and not disconnected.
func (s *Suspender) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed && !s.closed
}

// LastValue returns the most recent observation, if any.
func (s *Suspender) LastValue() (signal.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.seen
}

func (s *Suspender) String() string {
	return fmt.Sprintf("%s[%s on %s, settle=%s]", s.name, s.policy, s.signalID, s.settle)
}
