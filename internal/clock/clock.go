// Package clock implements the countdown of an exam session.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/schedule"
)

// TickInterval is the countdown resolution.
const TickInterval = time.Second

// Clock counts remaining seconds down to zero. It is the only writer of the
// remaining-seconds counter.
type Clock struct {
	log       zerolog.Logger
	interval  time.Duration
	onExpired func()

	mu        sync.Mutex
	remaining int
	expired   bool
	stopped   bool
	task      *schedule.Task
	parent    context.Context
}

// New creates a stopped clock. onExpired is invoked exactly once, on its own
// goroutine, when the counter reaches zero.
func New(seconds int, onExpired func(), log zerolog.Logger) *Clock {
	if seconds < 0 {
		seconds = 0
	}
	return &Clock{
		log:       log.With().Str("component", config.TaskKey.Clock).Logger(),
		interval:  TickInterval,
		onExpired: onExpired,
		remaining: seconds,
	}
}

// WithInterval overrides the tick interval; tests use it to run fast.
func (c *Clock) WithInterval(d time.Duration) *Clock {
	c.interval = d
	return c
}

// Start begins ticking.
func (c *Clock) Start(ctx context.Context) error {
	c.mu.Lock()
	c.parent = ctx
	c.mu.Unlock()
	return c.resume()
}

func (c *Clock) resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.expired || c.task != nil || c.parent == nil {
		return nil
	}
	c.task = schedule.NewTask(config.TaskKey.Clock, c.interval, func(context.Context) { c.Tick() }, c.log)
	return c.task.Start(c.parent)
}

// Tick decrements the counter once. Ticks after expiry or stop are no-ops.
func (c *Clock) Tick() {
	c.mu.Lock()
	if c.stopped || c.expired {
		c.mu.Unlock()
		return
	}
	if c.remaining > 0 {
		c.remaining--
	}
	if c.remaining > 0 {
		c.mu.Unlock()
		return
	}
	c.expired = true
	task := c.task
	c.mu.Unlock()

	if task != nil {
		task.Halt()
	}
	c.log.Info().Msg("Time expired")
	if c.onExpired != nil {
		go c.onExpired()
	}
}

// Pause stops ticking while keeping the remaining time.
func (c *Clock) Pause() {
	c.mu.Lock()
	task := c.task
	c.task = nil
	c.mu.Unlock()
	if task != nil {
		task.Stop()
	}
}

// Resume restarts ticking after Pause. It has no effect once stopped or expired.
func (c *Clock) Resume() error {
	return c.resume()
}

// Stop cancels the clock for good; no tick runs after it returns.
// Safe to call multiple times.
func (c *Clock) Stop() {
	c.mu.Lock()
	c.stopped = true
	task := c.task
	c.task = nil
	c.mu.Unlock()
	if task != nil {
		task.Stop()
	}
}

// Remaining returns the seconds left, never negative.
func (c *Clock) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Expired reports whether the counter reached zero.
func (c *Clock) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// Running reports whether the tick loop is active.
func (c *Clock) Running() bool {
	c.mu.Lock()
	task := c.task
	c.mu.Unlock()
	return task != nil && task.Running()
}
