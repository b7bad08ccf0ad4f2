// Package queue provides the bounded admission buffer for detection
// batches. A full buffer rejects new submissions with a typed capacity
// error instead of blocking the submitter.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"

	bserrors "botsentry/internal/errors"
	"botsentry/internal/schema"
)

var (
	// ErrQueueEmpty is returned when popping from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when using a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// RingBuffer is a thread-safe circular buffer of pending batches.
type RingBuffer struct {
	buffer []*schema.Batch
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	// Metrics (accessed atomically)
	totalPushed   uint64
	totalPopped   uint64
	totalRejected uint64
}

// NewRingBuffer creates a RingBuffer with the specified capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 64
	}

	rb := &RingBuffer{
		buffer: make([]*schema.Batch, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push admits a batch. A full buffer returns a CapacityExceededError
// immediately; the submitter must retry later.
func (rb *RingBuffer) Push(batch *schema.Batch) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}

	if rb.count == rb.size {
		atomic.AddUint64(&rb.totalRejected, 1)
		return bserrors.NewCapacityExceeded(rb.count, rb.size)
	}

	rb.buffer[rb.tail] = batch
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	atomic.AddUint64(&rb.totalPushed, 1)

	rb.cond.Signal()
	return nil
}

// Pop removes and returns a batch, or ErrQueueEmpty.
func (rb *RingBuffer) Pop() (*schema.Batch, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		return nil, ErrQueueEmpty
	}
	return rb.popLocked(), nil
}

// PopBlocking removes and returns a batch, blocking until one is
// available or the queue is closed.
func (rb *RingBuffer) PopBlocking() (*schema.Batch, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}

	if rb.count == 0 {
		return nil, ErrQueueClosed
	}
	return rb.popLocked(), nil
}

func (rb *RingBuffer) popLocked() *schema.Batch {
	batch := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.totalPopped, 1)
	return batch
}

// Len returns the current number of queued batches.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the queue capacity.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// Close closes the queue and wakes any blocked consumers. Batches already
// queued are still drained by Pop and PopBlocking.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() Metrics {
	return Metrics{
		Pushed:   atomic.LoadUint64(&rb.totalPushed),
		Popped:   atomic.LoadUint64(&rb.totalPopped),
		Rejected: atomic.LoadUint64(&rb.totalRejected),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// Metrics holds statistics about queue operations.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Rejected uint64 `json:"rejected"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
