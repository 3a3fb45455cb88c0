package conversation

import (
	"sync"
	"time"
)

// Cooldown is a timed flag used to throttle a conversation after each
// completed generation. Arming it flips Active to true and schedules a
// single-shot expiry that clears the state and raises the done
// notification. Re-arming before expiry replaces the previous timer; timers
// never stack.
//
// Cancel raises the same done notification as natural expiry, so waiters
// cannot distinguish cancellation from expiry. That is intentional and
// asserted by the tests.
type Cooldown struct {
	mu        sync.Mutex
	active    bool
	startedAt time.Time
	expiresIn time.Duration
	timer     *time.Timer
	arm       uint64 // arm sequence; guards stale timer callbacks

	duration time.Duration
	done     func()
}

// NewCooldown returns a Cooldown with the given default duration. done is
// invoked exactly once per arm, on expiry or cancellation; it may be nil.
func NewCooldown(duration time.Duration, done func()) *Cooldown {
	return &Cooldown{duration: duration, done: done}
}

// Use arms the cooldown for d, or for the default duration when d <= 0.
func (c *Cooldown) Use(d time.Duration) {
	if d <= 0 {
		d = c.duration
	}

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.active = true
	c.startedAt = time.Now()
	c.expiresIn = d
	c.arm++
	seq := c.arm
	c.timer = time.AfterFunc(d, func() { c.expire(seq) })
	c.mu.Unlock()
}

// Cancel clears an armed cooldown and raises the done notification.
// It is a no-op when the cooldown is not active.
func (c *Cooldown) Cancel() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.clearLocked()
	c.mu.Unlock()

	if c.done != nil {
		c.done()
	}
}

// Active reports whether the cooldown is currently armed.
func (c *Cooldown) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Remaining returns the time left until expiry, or zero when inactive.
func (c *Cooldown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return 0
	}
	rem := c.expiresIn - time.Since(c.startedAt)
	if rem < 0 {
		return 0
	}
	return rem
}

// expire is the timer callback. A stale callback (the cooldown was
// re-armed or cancelled after this timer was scheduled) does nothing.
func (c *Cooldown) expire(seq uint64) {
	c.mu.Lock()
	if seq != c.arm || !c.active {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.clearLocked()
	c.mu.Unlock()

	if c.done != nil {
		c.done()
	}
}

// clearLocked resets the armed state. Must be called with mu held.
func (c *Cooldown) clearLocked() {
	c.active = false
	c.startedAt = time.Time{}
	c.expiresIn = 0
	c.arm++
}
