package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hyperrealist/bluesky/pkg/clock"
)

// MemorySource is an in-process signal source. It stands in for a disposable
// control-system server in tests and demos, and can simulate outages:
// while unavailable, reads and subscribes fail and writes are not delivered to
// monitors; when availability returns, every monitor receives the current
// value again.
type MemorySource struct {
	mu        sync.Mutex
	signals   map[string]*memSignal
	available bool
	closed    bool
	nextSub   uint64
	clock     clock.Clock
	logger    *slog.Logger
}

type memSignal struct {
	value Value
	has   bool
	subs  map[uint64]*memSub
}

// NewMemorySource creates an empty, available source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		signals:   make(map[string]*memSignal),
		available: true,
		clock:     clock.Real(),
		logger:    slog.Default().With("component", "signal.memory"),
	}
}

// WithClock overrides the timestamp source for testing.
func (s *MemorySource) WithClock(c clock.Clock) *MemorySource {
	s.clock = clock.OrReal(c)
	return s
}

// Define creates a signal with an initial value. Redefining an existing signal
// behaves like a write.
func (s *MemorySource) Define(id string, initial float64) {
	_ = s.Write(context.Background(), id, initial, false)
}

// SetAvailable toggles simulated reachability.
func (s *MemorySource) SetAvailable(up bool) {
	s.mu.Lock()
	if s.available == up {
		s.mu.Unlock()
		return
	}
	s.available = up
	if up {
		for _, sig := range s.signals {
			if !sig.has {
				continue
			}
			for _, sub := range sig.subs {
				sub.enqueue(sig.value, nil)
			}
		}
	}
	s.mu.Unlock()
	s.logger.Info("availability changed", "available", up)
}

// Read implements Reader.
func (s *MemorySource) Read(ctx context.Context, id string) (Value, error) {
	if err := ctx.Err(); err != nil {
		return Value{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(id); err != nil {
		return Value{}, err
	}
	sig, ok := s.signals[id]
	if !ok || !sig.has {
		return Value{}, fmt.Errorf("signal %q: %w", id, ErrUnknownSignal)
	}
	return sig.value, nil
}

// Subscribe implements Reader. Subscribing to a signal that was never defined
// fails with ErrSourceUnavailable, as an unconnectable channel would.
func (s *MemorySource) Subscribe(ctx context.Context, id string, cb Callback) (Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("signal %q: nil callback", id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if err := s.checkLocked(id); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sig, ok := s.signals[id]
	if !ok {
		s.mu.Unlock()
		return nil, unavailable(id, ErrUnknownSignal)
	}
	s.nextSub++
	sub := newMemSub(s, id, s.nextSub, cb)
	sig.subs[sub.id] = sub
	if sig.has {
		sub.enqueue(sig.value, nil)
	}
	s.mu.Unlock()

	go sub.loop()
	return sub, nil
}

// Write implements Writer. Writing an undefined signal defines it.
func (s *MemorySource) Write(ctx context.Context, id string, v float64, wait bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	sig, ok := s.signals[id]
	if !ok {
		sig = &memSignal{subs: make(map[uint64]*memSub)}
		s.signals[id] = sig
	}
	sig.value = Value{Signal: id, V: v, Timestamp: s.clock.Now()}
	sig.has = true

	var acks []chan struct{}
	if s.available {
		for _, sub := range sig.subs {
			var ack chan struct{}
			if wait {
				ack = make(chan struct{})
				acks = append(acks, ack)
			}
			sub.enqueue(sig.value, ack)
		}
	}
	s.mu.Unlock()

	for _, ack := range acks {
		select {
		case <-ack:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers reports the number of live subscriptions on id.
func (s *MemorySource) Subscribers(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig, ok := s.signals[id]; ok {
		return len(sig.subs)
	}
	return 0
}

// Close closes every subscription. Further calls fail with ErrClosed.
func (s *MemorySource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var subs []*memSub
	for _, sig := range s.signals {
		for _, sub := range sig.subs {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (s *MemorySource) checkLocked(id string) error {
	if s.closed {
		return ErrClosed
	}
	if !s.available {
		return unavailable(id, fmt.Errorf("source offline"))
	}
	return nil
}

func (s *MemorySource) drop(sub *memSub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig, ok := s.signals[sub.signal]; ok {
		delete(sig.subs, sub.id)
	}
}

// memSub owns an ordered, unbounded delivery queue and one goroutine draining
// it, so writers never block on slow callbacks.
type memSub struct {
	src    *MemorySource
	signal string
	id     uint64
	cb     Callback

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []delivery
	closed bool
	done   chan struct{}
	once   sync.Once
}

type delivery struct {
	v   Value
	ack chan struct{}
}

func newMemSub(src *MemorySource, signal string, id uint64, cb Callback) *memSub {
	sub := &memSub{src: src, signal: signal, id: id, cb: cb, done: make(chan struct{})}
	sub.cond = sync.NewCond(&sub.mu)
	return sub
}

// enqueue is called with the source lock held, which serializes writes and so
// fixes the delivery order.
func (m *memSub) enqueue(v Value, ack chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		if ack != nil {
			close(ack)
		}
		return
	}
	m.queue = append(m.queue, delivery{v: v, ack: ack})
	m.cond.Signal()
}

func (m *memSub) loop() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			rest := m.queue
			m.queue = nil
			m.mu.Unlock()
			for _, d := range rest {
				if d.ack != nil {
					close(d.ack)
				}
			}
			return
		}
		d := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.cb(d.v)
		if d.ack != nil {
			close(d.ack)
		}
	}
}

func (m *memSub) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.cond.Broadcast()
		m.mu.Unlock()
		<-m.done
		m.src.drop(m)
	})
	return nil
}

var _ Source = (*MemorySource)(nil)
