// Package ring is a lock-free single-producer/single-consumer ring
// buffer tuned for low hand-off latency, plus a CPU-pinned consumer loop
// built on top of it and the affinity call that pins it.
//
// Grounded on ring/ring.go and ring/pinned_consumer.go: the producer and
// consumer fields are isolated on separate cache lines to avoid
// false-sharing, and each slot carries a sequence number so Push/Pop stay
// wait-free without extra atomics. This backs the one genuinely
// single-producer/single-consumer hand-off in this core: the builder's
// completed-event dispatch (one thread, spec.md §5's contribution-receive
// thread, which also runs the builder) feeding the dedicated monitor
// fan-out thread. The in-flight and free-buffer-credit queues are MPMC/
// MPSC respectively (see internal/queue) and are deliberately not built
// on this ring.
package ring

import "unsafe"

type slot struct {
	seq uint64
	ptr unsafe.Pointer
}

// Ring is a fixed-capacity circular buffer dedicated to one producer and
// one consumer.
type Ring struct {
	_    [64]byte
	head uint64
	//lint:ignore U1000 padding keeps head & tail off the same cache-line
	_pad1 [64]byte
	tail  uint64
	//lint:ignore U1000 padding keeps hot fields off the metadata's cache-line
	_pad2 [64]byte
	mask  uint64
	buf   []slot
}

// New allocates a ring whose size must be a power of two, matching the
// bit-masking arithmetic used by Push/Pop.
func New(size int) *Ring {
	if size <= 0 || size&(size-1) != 0 {
		panic("ring: size must be >0 and a power of two")
	}
	r := &Ring{
		mask: uint64(size - 1),
		buf:  make([]slot, size),
	}
	for i := range r.buf {
		r.buf[i].seq = uint64(i)
	}
	return r
}

// Push enqueues p, returning false if the buffer is full.
//
//go:nosplit
func (r *Ring) Push(p unsafe.Pointer) bool {
	t := r.tail
	s := &r.buf[t&r.mask]
	if loadAcquireUint64(&s.seq) != t {
		return false
	}
	s.ptr = p
	storeReleaseUint64(&s.seq, t+1)
	r.tail = t + 1
	return true
}

// Pop dequeues one pointer, or nil if the buffer is empty.
//
//go:nosplit
func (r *Ring) Pop() unsafe.Pointer {
	h := r.head
	s := &r.buf[h&r.mask]
	if loadAcquireUint64(&s.seq) != h+1 {
		return nil
	}
	p := s.ptr
	storeReleaseUint64(&s.seq, h+uint64(len(r.buf)))
	r.head = h + 1
	return p
}

// PopWait busy-spins until an item becomes available or stop becomes
// non-zero, returning nil in the latter case.
func (r *Ring) PopWait(stop *uint32) unsafe.Pointer {
	for {
		if p := r.Pop(); p != nil {
			return p
		}
		if stop != nil && loadAcquireUint32(stop) != 0 {
			return nil
		}
		cpuRelax()
	}
}
