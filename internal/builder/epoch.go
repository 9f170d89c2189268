package builder

import (
	"github.com/slac-psdaq/teb/internal/pool"
	"github.com/slac-psdaq/teb/internal/pulseid"
)

// epoch is a time bucket of BATCH_DURATION pulse IDs, holding its
// pending events ordered by exact pulse ID (spec.md §3). Epochs form a
// singly-linked list in key order; an epoch is retired only after all
// its events retire and it is the earliest (lowest-key) epoch still
// alive — spec.md §8's "for any two retired epochs, lower key retires
// first."
type epoch struct {
	key  uint64
	head *event // earliest pending event, nil if empty
	tail *event // latest pending event, for O(1) append-in-order fast path

	hasRetired     bool       // whether any event of this epoch has ever retired
	lastRetiredPID pulseid.ID // highest pulse ID retired so far, valid iff hasRetired

	handle pool.Handle // this epoch's own slot in the builder's epoch pool
	next   *epoch      // next-higher key in the builder's epoch list
}

func (ep *epoch) reset(key uint64, h pool.Handle) {
	ep.key = key
	ep.head, ep.tail = nil, nil
	ep.hasRetired = false
	ep.handle = h
	ep.next = nil
}

// retiredPast reports whether pid belongs to an event that has already
// retired from this epoch — a late arrival per spec.md §4.4's "Contribution
// for a retired epoch/event" failure mode.
func (ep *epoch) retiredPast(pid pulseid.ID) bool {
	return ep.hasRetired && pid <= ep.lastRetiredPID
}

// markRetired records pid as the most recently retired event in this
// epoch. Retirement is pulse-ID ordered, so lastRetiredPID only increases.
func (ep *epoch) markRetired(pid pulseid.ID) {
	ep.hasRetired = true
	ep.lastRetiredPID = pid
}

func (ep *epoch) empty() bool { return ep.head == nil }

// insert places e into the epoch's pending list in pulse-ID order.
// Contributions within a single source arrive pid-ordered (spec.md §5),
// so the common case is an O(1) append at the tail; out-of-order
// insertion across sources still needs a linear scan back from the tail.
func (ep *epoch) insert(e *event) {
	if ep.tail == nil {
		ep.head, ep.tail = e, e
		return
	}
	if e.pulseID > ep.tail.pulseID {
		e.prev = ep.tail
		ep.tail.next = e
		ep.tail = e
		return
	}
	cur := ep.tail
	for cur != nil && cur.pulseID > e.pulseID {
		cur = cur.prev
	}
	if cur == nil {
		e.next = ep.head
		ep.head.prev = e
		ep.head = e
		return
	}
	e.next = cur.next
	e.prev = cur
	if cur.next != nil {
		cur.next.prev = e
	} else {
		ep.tail = e
	}
	cur.next = e
}

// remove unlinks e from the epoch's list.
func (ep *epoch) remove(e *event) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		ep.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		ep.tail = e.prev
	}
	e.next, e.prev = nil, nil
}
