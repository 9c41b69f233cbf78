// Package timeutil provides a testable abstraction over the time operations
// used by the bridge's control loop.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides an abstraction over time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Interval is a goroutine-free periodic deadline. The control loop polls Due
// once per tick instead of owning a ticker per concern.
type Interval struct {
	clock  Clock
	period time.Duration
	last   time.Time
}

// NewInterval returns an Interval that first becomes due one period after
// creation.
func NewInterval(clock Clock, period time.Duration) *Interval {
	return &Interval{clock: clock, period: period, last: clock.Now()}
}

// Due reports whether a full period has elapsed since the last time Due
// returned true, and if so restarts the period from now.
func (i *Interval) Due() bool {
	if i.period <= 0 {
		return true
	}
	now := i.clock.Now()
	if now.Sub(i.last) < i.period {
		return false
	}
	i.last = now
	return true
}

// MockClock is a manually controlled clock for testing.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a new MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set sets the mock clock to a specific time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the mock clock forward by the given duration.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
