package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hyperrealist/bluesky/pkg/journal"
	"github.com/hyperrealist/bluesky/pkg/observability"
	"github.com/hyperrealist/bluesky/pkg/suspend"
)

// ErrAlreadyRegistered is returned when a suspender is registered twice.
var ErrAlreadyRegistered = errors.New("engine: suspender already registered")

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCoordinatorMetrics records intent counts on m. A nil m records nothing.
func WithCoordinatorMetrics(m *observability.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithCoordinatorJournal records every applied intent.
func WithCoordinatorJournal(r journal.Recorder) CoordinatorOption {
	return func(c *Coordinator) {
		if r != nil {
			c.journal = r
		}
	}
}

// Coordinator tracks the active intents of registered suspenders and holds
// the scheduler while any of them is active.
type Coordinator struct {
	sched   Scheduler
	logger  *slog.Logger
	metrics *observability.Metrics
	journal journal.Recorder
	noisy   rate.Sometimes

	mu         sync.Mutex
	suspenders map[string]*suspend.Suspender
	order      []string
	active     map[string]suspend.Intent
	holding    bool
}

// NewCoordinator creates a coordinator driving sched. Suspenders reach it
// through Install or by arming with the coordinator as their sink.
func NewCoordinator(sched Scheduler, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		sched:      sched,
		logger:     slog.Default().With("component", "coordinator"),
		journal:    journal.Discard,
		noisy:      rate.Sometimes{Interval: 10 * time.Second},
		suspenders: make(map[string]*suspend.Suspender),
		active:     make(map[string]suspend.Intent),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds s to the active set without arming it.
func (c *Coordinator) Register(s *suspend.Suspender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.suspenders[s.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, s.Name())
	}
	c.suspenders[s.ID()] = s
	c.order = append(c.order, s.ID())
	return nil
}

// Unregister drops the suspender and any intent it holds. It reports whether
// the suspender was registered.
func (c *Coordinator) Unregister(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.suspenders[id]; !ok {
		return false
	}
	delete(c.suspenders, id)
	for i, sid := range c.order {
		if sid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if _, ok := c.active[id]; ok {
		delete(c.active, id)
		c.metrics.ActiveIntents(context.Background(), -1)
		c.reconcileLocked()
	}
	return true
}

// Install registers s and arms it with the coordinator as its sink.
func (c *Coordinator) Install(ctx context.Context, s *suspend.Suspender) error {
	if err := c.Register(s); err != nil {
		return err
	}
	if err := s.Arm(ctx, c); err != nil {
		c.Unregister(s.ID())
		return err
	}
	c.logger.InfoContext(ctx, "suspender installed", "suspender", s.Name(), "signal", s.Signal(), "policy", s.Policy().String())
	return nil
}

// Remove disconnects s from its signal and unregisters it. A hold s still
// has is released by its final intent before it leaves the set.
func (c *Coordinator) Remove(s *suspend.Suspender) error {
	err := s.Disconnect()
	c.Unregister(s.ID())
	return err
}

// Clear removes every registered suspender.
func (c *Coordinator) Clear() error {
	var errs []error
	for _, s := range c.Suspenders() {
		if err := c.Remove(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Suspenders returns the registered suspenders in registration order.
func (c *Coordinator) Suspenders() []*suspend.Suspender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*suspend.Suspender, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.suspenders[id])
	}
	return out
}

// ActiveIntents returns the intents currently holding the scheduler, oldest
// first.
func (c *Coordinator) ActiveIntents() []suspend.Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedActiveLocked()
}

// Holding reports whether the coordinator has an outstanding pause request.
func (c *Coordinator) Holding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holding
}

// OnIntentUpdate applies one intent. Intents from suspenders that are not
// registered are ignored; only active ones are counted and logged.
func (c *Coordinator) OnIntentUpdate(in suspend.Intent) {
	ctx := context.Background()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.suspenders[in.SuspenderID]; !ok {
		if !in.Active {
			return
		}
		c.metrics.UnregisteredIntent(ctx, in.Name)
		c.noisy.Do(func() {
			c.logger.Warn("ignoring intent from unregistered suspender",
				"suspender", in.Name, "signal", in.Signal, "active", in.Active)
		})
		return
	}

	_, wasActive := c.active[in.SuspenderID]
	if in.Active {
		c.active[in.SuspenderID] = in
		if !wasActive {
			c.metrics.ActiveIntents(ctx, 1)
		}
	} else {
		delete(c.active, in.SuspenderID)
		if wasActive {
			c.metrics.ActiveIntents(ctx, -1)
		}
	}

	switch in.Phase {
	case suspend.PhaseTripped:
		c.metrics.SuspenderTripped(ctx, in.Name, in.Signal)
	case suspend.PhaseCleared:
		c.metrics.SuspenderCleared(ctx, in.Name, in.Signal)
	}

	c.journal.Record(ctx, journal.Event{
		Kind:      journal.KindIntent,
		Suspender: in.Name,
		Reason:    in.Reason,
		Attrs: map[string]string{
			"signal": in.Signal,
			"phase":  strings.ToLower(in.Phase.String()),
			"active": strconv.FormatBool(in.Active),
			"value":  strconv.FormatFloat(in.Value, 'g', -1, 64),
			"seq":    strconv.FormatUint(in.Seq, 10),
		},
		At: in.At,
	})

	c.reconcileLocked()
}

// reconcileLocked requests or releases the suspenders hold so that it is
// outstanding exactly when the active set is non-empty.
func (c *Coordinator) reconcileLocked() {
	switch {
	case len(c.active) > 0 && !c.holding:
		if c.sched.State() == StateIdle {
			return
		}
		lead := c.sortedActiveLocked()[0]
		c.holding = true
		c.logger.Warn("suspending", "suspender", lead.Name, "reason", lead.Reason, "active", len(c.active))
		c.sched.RequestPause(c.pauseRequestLocked(lead))

	case len(c.active) == 0 && c.holding:
		c.holding = false
		c.logger.Info("all suspenders cleared, releasing hold")
		c.sched.RequestResume(SourceSuspenders)
	}
}

// pauseRequestLocked carries the pre and post plans of the suspender that
// caused the pause. Hooks are immutable, so reading them takes no suspender
// lock.
func (c *Coordinator) pauseRequestLocked(lead suspend.Intent) PauseRequest {
	req := PauseRequest{Source: SourceSuspenders, Reason: lead.Reason}
	if s, ok := c.suspenders[lead.SuspenderID]; ok {
		req.Before, req.After = s.PreHook(), s.PostHook()
	}
	return req
}

func (c *Coordinator) sortedActiveLocked() []suspend.Intent {
	out := make([]suspend.Intent, 0, len(c.active))
	for _, in := range c.active {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].SuspenderID < out[j].SuspenderID
	})
	return out
}

// runStarted is called by the engine once it is running. A set that is
// already non-empty suspends the plan before its first instruction.
func (c *Coordinator) runStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holding = false
	c.reconcileLocked()
}

// runFinished is called once the engine is idle again; its holds are gone.
func (c *Coordinator) runFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holding = false
}
