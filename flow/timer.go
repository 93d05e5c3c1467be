package flow

import (
	"sync"
	"time"
)

// Clock is the manager's time source. Transitions never read it; the
// Manager uses it to stamp events and to arm timers.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// TimerService delivers TimerFired events at or after their deadline.
// Delivery is at-least-once; the state machine ignores timers whose
// deadline no longer matches.
type TimerService interface {
	Schedule(id FlowID, deadline time.Time, in Inbound)
	Stop()
}

// ClockTimers implements TimerService with time.AfterFunc.
type ClockTimers struct {
	clock Clock

	mu      sync.Mutex
	pending map[*time.Timer]struct{}
	stopped bool
}

// NewClockTimers creates a timer service measuring delays against clock.
func NewClockTimers(clock Clock) *ClockTimers {
	if clock == nil {
		clock = SystemClock{}
	}
	return &ClockTimers{clock: clock, pending: make(map[*time.Timer]struct{})}
}

// Schedule implements TimerService.
func (c *ClockTimers) Schedule(id FlowID, deadline time.Time, in Inbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	delay := deadline.Sub(c.clock.Now())
	if delay < 0 {
		delay = 0
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.pending, t)
		stopped := c.stopped
		c.mu.Unlock()
		if !stopped {
			_ = in.Post(id, TimerFired(deadline))
		}
	})
	c.pending[t] = struct{}{}
}

// Pending returns the number of armed timers.
func (c *ClockTimers) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop cancels every armed timer. Deadlines are durable in checkpoints and
// are re-armed by the next Manager.Start.
func (c *ClockTimers) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for t := range c.pending {
		t.Stop()
	}
	c.pending = make(map[*time.Timer]struct{})
}
