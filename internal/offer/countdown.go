package offer

import (
	"fmt"
	"sync"
	"time"
)

// DefaultTick is the countdown resolution.
const DefaultTick = time.Second

// Remaining is the time left until an offer expires.
type Remaining struct {
	Hours   int
	Minutes int
	Seconds int
	Total   time.Duration
}

// RemainingAt computes the time left at now until expiresAt, floored at
// zero.
func RemainingAt(expiresAt, now time.Time) Remaining {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return Remaining{}
	}
	secs := int(d / time.Second)
	return Remaining{
		Hours:   secs / 3600,
		Minutes: secs % 3600 / 60,
		Seconds: secs % 60,
		Total:   d,
	}
}

// Expired reports whether no time is left.
func (r Remaining) Expired() bool {
	return r.Total <= 0
}

func (r Remaining) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", r.Hours, r.Minutes, r.Seconds)
}

// Tier is the urgency band of a running countdown.
type Tier int

const (
	TierNormal Tier = iota
	TierWarning
	TierUrgent
)

func (t Tier) String() string {
	switch t {
	case TierUrgent:
		return "urgent"
	case TierWarning:
		return "warning"
	default:
		return "normal"
	}
}

// TierFor maps the time left to an urgency band: two hours or less is
// urgent, six hours or less is a warning.
func TierFor(remaining time.Duration) Tier {
	switch {
	case remaining <= 2*time.Hour:
		return TierUrgent
	case remaining <= 6*time.Hour:
		return TierWarning
	default:
		return TierNormal
	}
}

// Countdown recomputes the remaining time from an absolute deadline on
// every tick and fires its expiry callback once per deadline.
type Countdown struct {
	interval time.Duration
	now      func() time.Time
	onTick   func(Remaining)
	onExpire func()

	mu        sync.Mutex
	expiresAt time.Time
	remaining Remaining
	fired     bool
	running   bool
	gen       uint64
	stop      chan struct{}
}

// NewCountdown creates a stopped countdown. Either callback may be nil.
func NewCountdown(interval time.Duration, onTick func(Remaining), onExpire func()) *Countdown {
	if interval <= 0 {
		interval = DefaultTick
	}
	return &Countdown{
		interval: interval,
		now:      time.Now,
		onTick:   onTick,
		onExpire: onExpire,
	}
}

// Tick advances the countdown to now. It returns the remaining time and
// whether this tick is the one that crossed the deadline.
func (c *Countdown) Tick(now time.Time) (Remaining, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickLocked(now)
}

func (c *Countdown) tickLocked(now time.Time) (Remaining, bool) {
	c.remaining = RemainingAt(c.expiresAt, now)
	if c.remaining.Expired() && !c.fired {
		c.fired = true
		return c.remaining, true
	}
	return c.remaining, false
}

// Start runs the countdown towards expiresAt, replacing any deadline it was
// running for.
func (c *Countdown) Start(expiresAt time.Time) {
	gen, stop := c.arm(expiresAt)
	go c.run(gen, stop)
}

// arm installs a new deadline without starting the ticker goroutine.
func (c *Countdown) arm(expiresAt time.Time) (uint64, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.expiresAt = expiresAt
	c.fired = false
	c.remaining = RemainingAt(expiresAt, c.now())
	c.running = true
	c.stop = make(chan struct{})
	return c.gen, c.stop
}

// Reset is Start for a new offer instance.
func (c *Countdown) Reset(expiresAt time.Time) {
	c.Start(expiresAt)
}

// Stop halts the countdown. No callback runs after Stop returns unless it
// was already executing.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Countdown) stopLocked() {
	c.gen++
	if c.running {
		close(c.stop)
		c.running = false
	}
}

// Remaining returns the value computed by the last tick.
func (c *Countdown) Remaining() Remaining {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Running reports whether the countdown goroutine is active.
func (c *Countdown) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Countdown) run(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	if c.step(gen) {
		return
	}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.step(gen) {
				return
			}
		}
	}
}

// step runs one tick and reports whether the loop should end.
func (c *Countdown) step(gen uint64) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return true
	}
	r, expired := c.tickLocked(c.now())
	if r.Expired() {
		c.running = false
		c.gen++
	}
	c.mu.Unlock()

	if c.onTick != nil {
		c.onTick(r)
	}
	if expired && c.onExpire != nil {
		c.onExpire()
	}
	return r.Expired()
}
