package selector

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dagstate/internal/engine"
)

func commitCmd(gen int64) command {
	return command{kind: cmdCommit, event: engine.CommitEvent{Context: "a", Generation: gen}}
}

func TestQueue_FIFO(t *testing.T) {
	q := newCommandQueue()
	for i := int64(1); i <= 3; i++ {
		require.True(t, q.Enqueue(commitCmd(i)))
	}
	assert.Equal(t, 3, q.Len())

	for i := int64(1); i <= 3; i++ {
		c, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, c.event.Generation)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestQueue_SignalCoalesces(t *testing.T) {
	q := newCommandQueue()
	q.Enqueue(commitCmd(1))
	q.Enqueue(commitCmd(2))

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-q.Wait():
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestQueue_CloseReturnsRemaining(t *testing.T) {
	q := newCommandQueue()
	q.Enqueue(commitCmd(1))
	q.Enqueue(commitCmd(2))

	rest := q.Close()
	assert.Len(t, rest, 2)
	assert.False(t, q.Enqueue(commitCmd(3)))
	assert.Nil(t, q.Close(), "second close is a no-op")

	_, open := <-q.Wait()
	assert.False(t, open)
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q := newCommandQueue()
	const producers = 20
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(commitCmd(int64(i)))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, producers*perProducer, q.Len())
}
