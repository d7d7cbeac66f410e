package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func frozenWall(c *Clock, v int64) *Clock {
	c.wall = func() int64 { return v }
	return c
}

func TestClock_NewClockAt(t *testing.T) {
	c := NewClockAt(100)
	assert.Equal(t, int64(100), c.Current(), "clock should start at specified value")
}

func TestClock_FollowsWallTime(t *testing.T) {
	c := frozenWall(NewClock(), 500)
	assert.Equal(t, int64(500), c.Now())
	assert.Equal(t, int64(500), c.Current())
}

func TestClock_NeverGoesBack(t *testing.T) {
	c := frozenWall(NewClockAt(1000), 10)

	assert.Equal(t, int64(1001), c.Now())
	assert.Equal(t, int64(1002), c.Now())
	assert.Equal(t, int64(1003), c.Now())
}

func TestClock_ThreadSafe(t *testing.T) {
	c := frozenWall(NewClock(), 1)
	const goroutines = 50
	const callsPerGoroutine = 100

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, callsPerGoroutine)
			for j := 0; j < callsPerGoroutine; j++ {
				local = append(local, c.Now())
			}
			mu.Lock()
			for _, v := range local {
				seen[v] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*callsPerGoroutine, "all readings should be unique")
}
