// Package queue implements the bounded chunk FIFO between the network
// receiver and the audio processor.
//
// The queue favours freshness over completeness: when it is full, Push
// evicts the oldest chunk to admit the new one. Pop blocks until a chunk is
// available, the queue is closed, or the caller's context ends.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/squelch/pkg/audio"
)

// DefaultCapacity holds roughly one second of audio at 48 kHz with
// 1024-sample chunks.
const DefaultCapacity = 48

// ErrClosed is returned by [Queue.Push] and [Queue.Pop] after [Queue.Close].
var ErrClosed = errors.New("queue: closed")

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithCapacity sets the maximum number of queued chunks. Values below one are
// ignored.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithDropHook registers fn to be called (outside the lock) each time Push
// evicts a chunk. Use it to feed drop metrics.
func WithDropHook(fn func(evicted audio.Chunk)) Option {
	return func(q *Queue) {
		q.onDrop = fn
	}
}

// Queue is a bounded single-producer single-consumer FIFO of [audio.Chunk].
//
// All exported methods are safe for concurrent use.
type Queue struct {
	capacity int
	onDrop   func(audio.Chunk)

	mu     sync.Mutex
	buf    []audio.Chunk // ring storage, len == capacity
	head   int           // index of the oldest chunk
	size   int
	closed bool

	dropped atomic.Uint64

	notify chan struct{} // signalled when a chunk is pushed
	done   chan struct{} // closed by Close
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		capacity: DefaultCapacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.buf = make([]audio.Chunk, q.capacity)
	return q
}

// Push appends c. If the queue is full the oldest chunk is discarded, the
// drop counter is incremented and evicted is true. Push never blocks on the
// consumer. After Close it returns [ErrClosed].
func (q *Queue) Push(c audio.Chunk) (evicted bool, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrClosed
	}

	var old audio.Chunk
	if q.size == q.capacity {
		old = q.buf[q.head]
		q.buf[q.head] = audio.Chunk{}
		q.head = (q.head + 1) % q.capacity
		q.size--
		evicted = true
	}
	q.buf[(q.head+q.size)%q.capacity] = c
	q.size++
	q.mu.Unlock()

	if evicted {
		q.dropped.Add(1)
		if q.onDrop != nil {
			q.onDrop(old)
		}
	}

	// Wake the consumer.
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted, nil
}

// Pop removes and returns the oldest chunk, blocking until one is available.
// It returns [ErrClosed] once the queue is closed, even if chunks remain, so
// nothing is delivered after shutdown begins. If ctx ends first, Pop returns
// ctx.Err().
func (q *Queue) Pop(ctx context.Context) (audio.Chunk, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return audio.Chunk{}, ErrClosed
		}
		if q.size > 0 {
			c := q.buf[q.head]
			q.buf[q.head] = audio.Chunk{}
			q.head = (q.head + 1) % q.capacity
			q.size--
			q.mu.Unlock()
			return c, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return audio.Chunk{}, ctx.Err()
		}
	}
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns the total number of chunks evicted by Push.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Close discards queued chunks and wakes any blocked Pop. Close is
// idempotent; subsequent calls are no-ops and return nil.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	clear(q.buf)
	q.size = 0
	close(q.done)
	return nil
}
