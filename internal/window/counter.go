// Package window implements the fixed time-window event counter used by
// every rate-limited resource (requests-per-minute, requests-per-day,
// tokens-per-minute, tokens-per-day).
package window

import (
	"sync"
	"time"
)

// Counter is a fixed, non-sliding window counter. windowStart snaps to
// floor(now/windowMs)*windowMs; crossing that boundary resets count to zero.
// This is intentionally not a sliding window: callers can observe up to 2x
// burst across a boundary (inherited behavior, see spec §9).
type Counter struct {
	mu          sync.Mutex
	windowMs    int64
	limit       int
	count       int
	windowStart int64
	now         func() time.Time
}

// New creates a Counter for the given window size and limit. A limit <= 0
// means the counter never rejects (useful when the caller configured no cap
// for this resource).
func New(windowMs int64, limit int) *Counter {
	return NewWithClock(windowMs, limit, time.Now)
}

// NewWithClock allows tests to inject a deterministic clock.
func NewWithClock(windowMs int64, limit int, now func() time.Time) *Counter {
	c := &Counter{windowMs: windowMs, limit: limit, now: now}
	c.windowStart = c.currentWindowStart()
	return c
}

func (c *Counter) currentWindowStart() int64 {
	nowMs := c.now().UnixMilli()
	return (nowMs / c.windowMs) * c.windowMs
}

// rollIfNeeded must be called with mu held.
func (c *Counter) rollIfNeeded() {
	ws := c.currentWindowStart()
	if ws != c.windowStart {
		c.windowStart = ws
		c.count = 0
	}
}

// HasCapacityFor reports whether adding n more events keeps count <= limit.
// A non-positive limit means unlimited.
func (c *Counter) HasCapacityFor(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollIfNeeded()
	if c.limit <= 0 {
		return true
	}
	return c.count+n <= c.limit
}

// Add records n events in the current window, rolling the window first if
// it has moved forward. It does not check capacity; callers must call
// HasCapacityFor (or use a higher-level atomic check-and-add) first.
func (c *Counter) Add(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollIfNeeded()
	c.count += n
}

// Subtract refunds n events, clamped so count never goes below zero.
func (c *Counter) Subtract(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollIfNeeded()
	c.count -= n
	if c.count < 0 {
		c.count = 0
	}
}

// Snapshot is a point-in-time view of the counter's state for stats.
type Snapshot struct {
	Current   int
	Limit     int
	Remaining int
}

// SetLimit changes the window's cap, e.g. when a distributed allocation
// changes this instance's share. It does not touch the current count.
func (c *Counter) SetLimit(limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = limit
}

// Snapshot rolls the window if needed and returns its current/limit/remaining.
func (c *Counter) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollIfNeeded()
	remaining := -1
	if c.limit > 0 {
		remaining = c.limit - c.count
		if remaining < 0 {
			remaining = 0
		}
	}
	return Snapshot{Current: c.count, Limit: c.limit, Remaining: remaining}
}
