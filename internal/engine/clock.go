package engine

import (
	"sync/atomic"
	"time"
)

// Clock stamps commits with wall time in unix nanoseconds. Readings
// strictly increase within a process even if the wall clock steps back.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	last atomic.Int64
	wall func() int64
}

// NewClock returns a clock reading the system wall time.
func NewClock() *Clock {
	return &Clock{wall: func() int64 { return time.Now().UnixNano() }}
}

// NewClockAt returns a clock whose first reading is at least start + 1.
// Used when reopening a store whose newest commit is ahead of wall time.
func NewClockAt(start int64) *Clock {
	c := NewClock()
	c.last.Store(start)
	return c
}

// Now returns the next reading.
func (c *Clock) Now() int64 {
	for {
		prev := c.last.Load()
		next := max(c.wall(), prev+1)
		if c.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Current returns the last reading without advancing.
func (c *Clock) Current() int64 {
	return c.last.Load()
}
