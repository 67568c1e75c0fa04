// Package reconnect schedules automatic reconnection attempts with
// exponential backoff and jitter.
//
//	Idle → Scheduled → Attempting → Idle       (success)
//	                             → Scheduled  (failure under the cap)
//	                             → Stopped    (cap reached or manual disconnect)
package reconnect

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// State of the controller.
type State int

const (
	Idle State = iota
	Scheduled
	Attempting
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Attempting:
		return "attempting"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Config bounds the retry schedule.
type Config struct {
	Enabled     bool
	MinDelay    time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 = unlimited
}

// Snapshot is the externally visible reconnect state.
type Snapshot struct {
	State            State
	Attempt          int
	NextAttemptAt    *time.Time
	ManualDisconnect bool
}

// Timer is the subset of *time.Timer the controller uses.
type Timer interface {
	Stop() bool
}

// AfterFunc arms a one-shot timer.
type AfterFunc func(d time.Duration, f func()) Timer

// AttemptFunc performs one non-interactive reconnect.
type AttemptFunc func(ctx context.Context) error

// TraceFunc receives user-facing trace lines. level is "sys", "info" or "warn".
type TraceFunc func(level, msg string)

// Controller is safe for concurrent use.
type Controller struct {
	attempt   AttemptFunc
	hasHandle func() bool
	trace     TraceFunc
	afterFunc AfterFunc
	jitter    func() float64
	now       func() time.Time

	// AttemptTimeout bounds each reconnect attempt.
	AttemptTimeout time.Duration

	mu      sync.Mutex
	cfg     Config
	state   State
	count   int
	manual  bool
	next    *time.Time
	timer   Timer
	cancel  context.CancelFunc
	version uint64
	lines   []traceLine
}

type traceLine struct{ level, msg string }

// Option customises a Controller, mainly for tests.
type Option func(*Controller)

func WithAfterFunc(f AfterFunc) Option      { return func(c *Controller) { c.afterFunc = f } }
func WithJitter(f func() float64) Option    { return func(c *Controller) { c.jitter = f } }
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// New returns an idle controller. hasHandle reports whether a previously
// authorized device exists to reconnect to.
func New(cfg Config, attempt AttemptFunc, hasHandle func() bool, trace TraceFunc, opts ...Option) *Controller {
	c := &Controller{
		attempt:        attempt,
		hasHandle:      hasHandle,
		trace:          trace,
		afterFunc:      func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
		jitter:         rand.Float64,
		now:            time.Now,
		AttemptTimeout: 45 * time.Second,
		cfg:            cfg,
	}
	if c.trace == nil {
		c.trace = func(string, string) {}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseDelay is min(maxDelay, minDelay*2^(attempt-1)) for attempt >= 1.
func BaseDelay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := cfg.MinDelay
	for i := 1; i < attempt; i++ {
		if d >= cfg.MaxDelay/2 {
			return cfg.MaxDelay
		}
		d *= 2
	}
	return min(d, cfg.MaxDelay)
}

// Delay adds up to 20% jitter to BaseDelay. r is in [0,1).
func Delay(cfg Config, attempt int, r float64) time.Duration {
	base := BaseDelay(cfg, attempt)
	return base + time.Duration(float64(base)*0.2*r)
}

// ScheduleRetry arms the next attempt. It returns false without side effects
// when auto-reconnect is off, a manual disconnect is in effect, a retry is
// already scheduled or running, or there is no device to reconnect to.
func (c *Controller) ScheduleRetry(reason string) bool {
	c.mu.Lock()
	defer c.unlock()
	return c.scheduleLocked(reason)
}

// unlock releases the mutex and then emits queued trace lines, so trace
// consumers may call back into the controller.
func (c *Controller) unlock() {
	lines := c.lines
	c.lines = nil
	c.mu.Unlock()
	for _, l := range lines {
		c.trace(l.level, l.msg)
	}
}

func (c *Controller) traceLocked(level, msg string) {
	c.lines = append(c.lines, traceLine{level, msg})
}

func (c *Controller) scheduleLocked(reason string) bool {
	if !c.cfg.Enabled || c.manual || c.state == Scheduled || c.state == Attempting {
		return false
	}
	if c.hasHandle != nil && !c.hasHandle() {
		return false
	}
	if c.cfg.MaxAttempts > 0 && c.count >= c.cfg.MaxAttempts {
		if c.state != Stopped {
			c.state = Stopped
			c.next = nil
			c.traceLocked("warn", fmt.Sprintf("Reconnect stopped after %d attempts. Connect manually to retry.", c.count))
		}
		return false
	}

	c.count++
	delay := Delay(c.cfg, c.count, c.jitter())
	at := c.now().Add(delay)
	c.next = &at
	c.state = Scheduled
	c.version++
	v := c.version
	c.traceLocked("sys", fmt.Sprintf("%s. Reconnecting in %.1fs (attempt %d).", reason, delay.Seconds(), c.count))
	c.timer = c.afterFunc(delay, func() { c.fire(v) })
	return true
}

func (c *Controller) fire(v uint64) {
	c.mu.Lock()
	if c.version != v || c.state != Scheduled {
		c.mu.Unlock()
		return
	}
	c.state = Attempting
	c.next = nil
	c.timer = nil
	ctx, cancel := context.WithTimeout(context.Background(), c.AttemptTimeout)
	c.cancel = cancel
	n := c.count
	c.mu.Unlock()

	err := c.attempt(ctx)
	cancel()

	c.mu.Lock()
	defer c.unlock()
	if c.version != v || c.state != Attempting {
		return // cancelled or reset while the attempt ran
	}
	c.cancel = nil
	if err == nil {
		c.state = Idle
		c.count = 0
		return
	}
	c.state = Idle
	c.traceLocked("warn", fmt.Sprintf("Reconnect attempt %d failed: %v", n, err))
	c.scheduleLocked("Reconnect failed")
}

// Reset clears the attempt counter and any pending retry. Called on explicit
// connect and whenever the device reports ready.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.count = 0
	c.manual = false
	c.state = Idle
}

// MarkReady records a ready transition. A pending retry is dropped and the
// counter resets. While an attempt runs the counter is left alone: the link
// can report ready before the session handshake fails, and fire resets the
// counter itself once the attempt succeeds.
func (c *Controller) MarkReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Attempting:
		return
	case Scheduled:
		c.stopLocked()
		c.state = Idle
	}
	c.count = 0
}

// SetManual sets or clears the manual-disconnect flag. Setting it cancels
// any pending retry and freezes the controller.
func (c *Controller) SetManual(manual bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual = manual
	if manual {
		c.stopLocked()
		c.state = Stopped
	}
}

// Cancel drops any pending retry without touching the counter.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	if c.state == Scheduled || c.state == Attempting {
		c.state = Idle
	}
}

// UpdateConfig swaps the schedule and cancels a pending retry.
func (c *Controller) UpdateConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.stopLocked()
	if c.state == Scheduled || c.state == Attempting {
		c.state = Idle
	}
}

func (c *Controller) stopLocked() {
	c.version++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.next = nil
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{State: c.state, Attempt: c.count, ManualDisconnect: c.manual}
	if c.next != nil {
		at := *c.next
		s.NextAttemptAt = &at
	}
	return s
}

// Pending reports whether a retry is scheduled or running.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Scheduled || c.state == Attempting
}
