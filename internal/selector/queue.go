package selector

import (
	"sync"

	"github.com/roach88/dagstate/internal/engine"
)

// commandKind distinguishes dispatcher commands.
type commandKind int

const (
	cmdCommit commandKind = iota + 1
	cmdSubscribe
	cmdUnsubscribe
)

// command is one unit of dispatcher work.
type command struct {
	kind  commandKind
	event engine.CommitEvent
	sub   *Subscription
	reply chan error // subscribe only, buffered
}

// commandQueue is a thread-safe FIFO of dispatcher commands.
//
// The queue is unbounded so Publish never blocks a committing
// transaction, however slow subscribers are.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type commandQueue struct {
	mu     sync.Mutex
	items  []command
	closed bool
	signal chan struct{} // buffered, size 1
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		items:  make([]command, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a command to the back of the queue.
// Returns false if the queue is closed.
func (q *commandQueue) Enqueue(c command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, c)

	// Non-blocking: the size-1 buffer coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front command without blocking.
func (q *commandQueue) TryDequeue() (command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return command{}, false
	}
	c := q.items[0]

	// Clear the slot so the backing array does not retain trees and
	// callbacks.
	q.items[0] = command{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return c, true
}

// Wait returns a channel that signals when commands may be available.
// It is closed when the queue is closed.
func (q *commandQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting commands and wakes the waiter. It returns the
// commands that were still queued.
func (q *commandQueue) Close() []command {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)

	rest := q.items
	q.items = nil
	return rest
}
