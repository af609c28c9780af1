package driver

import (
	"sync"
	"time"
)

// Clock tells the driver what time it is, in UTC milliseconds.
type Clock interface {
	NowMs() int64
}

// WallClock reads the system clock.
type WallClock struct{}

// NowMs returns the current Unix time in milliseconds.
func (WallClock) NowMs() int64 { return time.Now().UnixMilli() }

// ManualClock only moves when told to. Pair it with Driver.RunDue for
// simulations and deterministic tests; the background loop started by
// Driver.Start sleeps on real timers and is meant for WallClock.
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

// NewManualClock returns a clock reading startMs.
func NewManualClock(startMs int64) *ManualClock {
	return &ManualClock{now: startMs}
}

// NowMs returns the clock's current reading.
func (c *ManualClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to ms. Going backwards is allowed.
func (c *ManualClock) Set(ms int64) {
	c.mu.Lock()
	c.now = ms
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new reading.
func (c *ManualClock) Advance(d time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d.Milliseconds()
	return c.now
}
