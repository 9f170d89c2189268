package builder

import (
	"math/bits"

	"github.com/slac-psdaq/teb/internal/dgram"
	"github.com/slac-psdaq/teb/internal/pool"
	"github.com/slac-psdaq/teb/internal/pulseid"
)

// event is the builder's internal representation of spec.md §3's Event:
// a bitmask of expected contributors, the still-missing subset, the
// contributions received so far in arrival order, accumulated damage,
// and the ageing counter.
//
// Grounded on router's DeltaBucket: a pool-owned, pointer-linked struct
// the single builder thread mutates in place, never shared outside that
// thread (spec.md §5: "Event/epoch pools are accessed only by the
// builder thread").
type event struct {
	pulseID       pulseid.ID
	contract      uint64
	remaining     uint64
	contributions []dgram.Datagram
	damage        uint32
	living        int32
	size          uint64

	handle     pool.Handle // this event's own slot in the builder's event pool
	next, prev *event      // siblings within the owning epoch's list, pid order
}

func (e *event) reset(pid pulseid.ID, contract uint64, ageingTicks int32, h pool.Handle) {
	e.pulseID = pid
	e.contract = contract
	e.remaining = contract
	e.contributions = e.contributions[:0]
	e.damage = 0
	e.living = ageingTicks
	e.size = 0
	e.handle = h
	e.next, e.prev = nil, nil
}

// complete reports remaining == 0, spec.md §3's completion invariant.
func (e *event) complete() bool { return e.remaining == 0 }

// absorb appends d to the event's contribution list, clears d's source
// bit from remaining, ORs its damage into the event's damage, and resets
// the ageing counter — spec.md §4.4 step 4.
func (e *event) absorb(d dgram.Datagram, ageingTicks int32) {
	e.contributions = append(e.contributions, d)
	e.remaining &^= 1 << d.Header.SourceIndex
	e.damage |= d.Damage
	e.size += uint64(len(d.Payload))
	e.living = ageingTicks
}

// hasContractor reports whether sourceID is part of this event's
// contract — spec.md §4.4 "Contribution whose source bit is not in the
// epoch's contract: dropped."
func (e *event) hasContractor(sourceID uint8) bool {
	return e.contract&(1<<sourceID) != 0
}

// missingSources iterates the source IDs still set in remaining, per
// spec.md §4.4's fixup policy loop ("for each still-missing source bit").
func (e *event) missingSources(fn func(sourceID uint8)) {
	rem := e.remaining
	for rem != 0 {
		sid := uint8(bits.TrailingZeros64(rem))
		fn(sid)
		rem &^= 1 << sid
	}
}
