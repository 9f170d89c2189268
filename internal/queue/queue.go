// Package queue implements the bounded queue primitives from spec.md
// §4.1: a queue that a full Push surfaces as an error (the in-flight
// queue — overflow there is fatal, spec.md §7, because it means upstream
// flow control already failed) and a queue whose empty Pop is a normal,
// non-fatal "no credit available" result (the monitor's free-buffer
// credit queue).
//
// Both are backed by the same lock-free bounded multi-producer/
// multi-consumer ring, grounded on ring/ring.go's sequence-stamped slot
// design but generalized from single-producer/single-consumer to
// multi-producer/multi-consumer with a Vyukov-style ticket handshake,
// since spec.md §4.1 calls the in-flight queue MPMC and §5 calls the
// free-buffer queue MPSC (many consumer-release callers, one
// request-issuer) — a single SPSC ring cannot honor either contract.
package queue

import (
	"errors"
	"sync/atomic"
)

// ErrFull is returned by Push when the queue is at capacity. Per spec.md
// §7 this is a capacity error: fatal for the in-flight queue, because it
// indicates design-level flow control failed upstream.
var ErrFull = errors.New("queue: full")

type cell[T any] struct {
	seq  atomic.Uint64
	item T
}

// Bounded is a lock-free bounded multi-producer/multi-consumer queue.
type Bounded[T any] struct {
	mask    uint64
	buf     []cell[T]
	enqueue atomic.Uint64
	dequeue atomic.Uint64
}

// New builds a Bounded queue whose capacity must be a power of two.
func New[T any](capacity int) *Bounded[T] {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("queue: capacity must be a power of two")
	}
	q := &Bounded[T]{
		mask: uint64(capacity - 1),
		buf:  make([]cell[T], capacity),
	}
	for i := range q.buf {
		q.buf[i].seq.Store(uint64(i))
	}
	return q
}

// Push enqueues item, returning ErrFull if the queue is at capacity.
// Safe for concurrent use by multiple producers.
func (q *Bounded[T]) Push(item T) error {
	for {
		pos := q.enqueue.Load()
		c := &q.buf[pos&q.mask]
		seq := c.seq.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if q.enqueue.CompareAndSwap(pos, pos+1) {
				c.item = item
				c.seq.Store(pos + 1)
				return nil
			}
		case diff < 0:
			return ErrFull
		default:
			// another producer has raced ahead; retry
		}
	}
}

// TryPop dequeues one item, returning ok=false if the queue is currently
// empty — the "no credit" / "nothing in flight yet" case callers must
// treat as a normal skip, not an error.
func (q *Bounded[T]) TryPop() (item T, ok bool) {
	for {
		pos := q.dequeue.Load()
		c := &q.buf[pos&q.mask]
		seq := c.seq.Load()
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if q.dequeue.CompareAndSwap(pos, pos+1) {
				item = c.item
				var zero T
				c.item = zero
				c.seq.Store(pos + q.mask + 1)
				return item, true
			}
		case diff < 0:
			var zero T
			return zero, false
		default:
			// another consumer has raced ahead; retry
		}
	}
}

// Len returns a momentary estimate of the queue's occupancy; exact only
// when quiesced.
func (q *Bounded[T]) Len() int {
	e, d := q.enqueue.Load(), q.dequeue.Load()
	if e < d {
		return 0
	}
	return int(e - d)
}

// Cap returns the queue's fixed capacity.
func (q *Bounded[T]) Cap() int { return len(q.buf) }
