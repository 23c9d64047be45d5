package client

import "sync"

// opQueue is a thread-safe FIFO queue of operations.
//
// The queue is unbounded so that submission never blocks the caller.
// Pending operations can be removed from any position for cancellation.
//
// The queue uses a channel for signaling so the worker can wait without
// polling. Closing the queue closes the signal channel, which wakes the
// worker for good.
type opQueue struct {
	mu     sync.Mutex
	ops    []*operation
	closed bool
	signal chan struct{} // Signals operation availability (buffered, size 1)
}

// newOpQueue creates an empty queue.
func newOpQueue() *opQueue {
	return &opQueue{
		ops:    make([]*operation, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an operation to the back of the queue.
// Returns false if the queue is closed.
func (q *opQueue) Enqueue(op *operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.ops = append(q.ops, op)

	// Non-blocking; the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes and returns the front operation without blocking.
// Returns (nil, false) if the queue is empty.
func (q *opQueue) TryDequeue() (*operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) == 0 {
		return nil, false
	}

	op := q.ops[0]

	// Nil out the slot so the backing array does not retain finished
	// operations and their results.
	q.ops[0] = nil

	if len(q.ops) == 1 {
		q.ops = q.ops[:0]
	} else {
		q.ops = q.ops[1:]
	}

	return op, true
}

// Remove deletes op from the queue, preserving the order of the rest.
// Returns false if op is not queued.
func (q *opQueue) Remove(op *operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, queued := range q.ops {
		if queued != op {
			continue
		}
		copy(q.ops[i:], q.ops[i+1:])
		q.ops[len(q.ops)-1] = nil
		q.ops = q.ops[:len(q.ops)-1]
		return true
	}
	return false
}

// DrainAll removes and returns every queued operation in FIFO order.
func (q *opQueue) DrainAll() []*operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := make([]*operation, len(q.ops))
	copy(drained, q.ops)
	clear(q.ops)
	q.ops = q.ops[:0]
	return drained
}

// Wait returns a channel that signals when operations may be available.
// The channel is closed once the queue is closed.
func (q *opQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *opQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Close signals that no more operations will be enqueued.
func (q *opQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
