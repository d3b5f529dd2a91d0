// Package fanout coordinates one download stream feeding many upload
// legs. It forwards every chunk to each live leg in input order, folds the
// legs' stall and drain events into a single level signal for the source
// pump, and detects the moment no leg can make progress anymore.
package fanout

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zulfikawr/transload/internal/leg"
	"github.com/zulfikawr/transload/internal/logging"
)

// Coordinator owns the ordered set of legs. It implements leg.Events;
// legs report their transitions here and the source pump polls the
// resulting level through AwaitCapacity and AllDead.
type Coordinator struct {
	log *zap.Logger

	mu      sync.Mutex
	legs    []*leg.Leg
	stalled map[int]bool
	alive   int

	// notify wakes AwaitCapacity; buffered so a state change between
	// the predicate check and the wait is never lost.
	notify   chan struct{}
	unusable chan struct{}
	dead     bool
}

// New returns an empty coordinator; attach legs before any traffic.
func New(logger *zap.Logger) *Coordinator {
	return &Coordinator{
		log:      logging.Or(logger),
		stalled:  make(map[int]bool),
		notify:   make(chan struct{}, 1),
		unusable: make(chan struct{}),
	}
}

// Attach registers a leg. Must be called before the session starts; the
// leg's Events must already point at this coordinator.
func (c *Coordinator) Attach(l *leg.Leg) {
	c.mu.Lock()
	c.legs = append(c.legs, l)
	c.alive++
	c.mu.Unlock()
}

// Legs returns the attached legs in input order.
func (c *Coordinator) Legs() []*leg.Leg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.legs
}

// SetSize forwards the source content length to every leg.
func (c *Coordinator) SetSize(contentLength uint64, known bool) {
	for _, l := range c.Legs() {
		l.SetSize(contentLength, known)
	}
}

// SetFilename forwards the session-derived filename to every leg that has
// none of its own.
func (c *Coordinator) SetFilename(name string) {
	for _, l := range c.Legs() {
		l.SetFilename(name)
	}
}

// SetContentType forwards the sniffed content type, unblocking leg runs.
func (c *Coordinator) SetContentType(ct string) {
	for _, l := range c.Legs() {
		l.SetContentType(ct)
	}
}

// Broadcast delivers chunk to every live leg in input order. Legs signal
// backpressure themselves through LegStalled; the caller pauses via
// AwaitCapacity before reading more from the source.
func (c *Coordinator) Broadcast(chunk []byte) {
	for _, l := range c.Legs() {
		if !l.IsAlive() {
			continue
		}
		l.Write(chunk)
	}
}

// FinalizeAll closes out every live leg on clean source end.
func (c *Coordinator) FinalizeAll() {
	for _, l := range c.Legs() {
		if l.IsAlive() {
			l.Finalize()
		}
	}
}

// AbortAll terminates every leg with err. Legs already settled keep their
// first error.
func (c *Coordinator) AbortAll(err error) {
	for _, l := range c.Legs() {
		l.Abort(err)
	}
}

// AllDead reports whether no leg can accept data anymore.
func (c *Coordinator) AllDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive == 0
}

// Unusable is closed once every leg has reached a terminal state.
func (c *Coordinator) Unusable() <-chan struct{} {
	return c.unusable
}

// AwaitCapacity blocks while any live leg is stalled. It returns as soon
// as no leg is stalled or no leg is alive, reporting whether it had to
// wait at all; signals are level-triggered, so a stale wakeup simply
// re-checks the predicate.
func (c *Coordinator) AwaitCapacity(ctx context.Context) (waited bool, err error) {
	for {
		c.mu.Lock()
		free := len(c.stalled) == 0 || c.alive == 0
		c.mu.Unlock()
		if free {
			return waited, nil
		}
		waited = true
		select {
		case <-c.notify:
		case <-ctx.Done():
			return waited, ctx.Err()
		}
	}
}

// LegStalled implements leg.Events.
func (c *Coordinator) LegStalled(index int) {
	c.mu.Lock()
	c.stalled[index] = true
	c.mu.Unlock()
	c.log.Debug("stuck", zap.Int("leg", index))
}

// LegDrained implements leg.Events.
func (c *Coordinator) LegDrained(index int) {
	c.mu.Lock()
	delete(c.stalled, index)
	c.mu.Unlock()
	c.log.Debug("unstuck", zap.Int("leg", index))
	c.wake()
}

// LegClosed implements leg.Events. A dead leg can no longer hold the
// source back, so its stall flag is dropped defensively; when the last
// leg closes the coordinator becomes unusable.
func (c *Coordinator) LegClosed(index int) {
	c.mu.Lock()
	delete(c.stalled, index)
	c.alive--
	last := c.alive == 0 && !c.dead
	if last {
		c.dead = true
	}
	c.mu.Unlock()

	if last {
		c.log.Debug("all legs dead")
		close(c.unusable)
	}
	c.wake()
}

func (c *Coordinator) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
