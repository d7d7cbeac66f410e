package testutil

import "sync"

// DeterministicClock is a thread-safe monotonic clock for tests.
//
// Commits stamped with it get timestamps 1, 2, 3, ... so their hashes are
// identical across runs and golden traces stay stable.
type DeterministicClock struct {
	mu  sync.Mutex
	now int64
}

// NewDeterministicClock creates a clock starting at 0.
// The first call to Now returns 1.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Now advances the clock by one tick and returns the new reading.
func (c *DeterministicClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now++
	return c.now
}

// Current returns the last reading without advancing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Reset rewinds the clock to 0 for test reuse.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = 0
}
