// Package builder implements the Event Builder engine from spec.md §4.4:
// two-level epoch → event matching, contract completion, ageing, fixup
// and damage propagation.
//
// Grounded on router/router.go's CoreRouter (pool-owned, pointer-linked
// hot structures mutated by exactly one goroutine) for the ownership
// discipline, and on bucketqueue/bucketqueue.go for the ageing tick's
// "decrement the oldest, fix up at zero" shape. The epoch lookup table is
// internal/lut, sized to MAX_BATCHES per spec.md §4.1; events within an
// epoch are located through a per-epoch map of pool handles.
package builder

import (
	"errors"

	"github.com/slac-psdaq/teb/internal/contract"
	"github.com/slac-psdaq/teb/internal/control"
	"github.com/slac-psdaq/teb/internal/dgram"
	"github.com/slac-psdaq/teb/internal/logging"
	"github.com/slac-psdaq/teb/internal/lut"
	"github.com/slac-psdaq/teb/internal/metrics"
	"github.com/slac-psdaq/teb/internal/pool"
	"github.com/slac-psdaq/teb/internal/pulseid"
)

// ErrPoolExhausted is the fatal capacity error from spec.md §4.4:
// "Pool exhaustion on allocation: fatal; indicates upstream flow control
// failed."
var ErrPoolExhausted = errors.New("builder: event/epoch pool exhausted")

// errLateEpoch signals a contribution whose pulse ID is at or below the
// last event retired from an epoch that has since been fully retired and
// discarded — that event and every earlier one have already been
// dispatched. Never returned to callers of Insert; handled internally as
// the late-arrival failure mode.
var errLateEpoch = errors.New("builder: epoch already retired")

// Config bundles everything the builder needs at construction.
type Config struct {
	Durations   pulseid.Durations
	LutSize     int // power of two, sized to the max legal outstanding epoch window
	EventPoolSz int
	EpochPoolSz int
	// AgeingTicks is the fixed `living` initializer for new events. Per
	// spec.md §9's first open question, this revision does not adapt it
	// to observed throughput — a fixed value is used regardless of load,
	// which under bursty conditions may retire events prematurely. This
	// is a known, accepted limitation, not an oversight.
	AgeingTicks int32
	// LookaheadEvents: a newly-inserted contribution whose pulse ID is
	// this many events ahead of an epoch's pending head triggers a flush
	// of that head (spec.md §4.4 "Look-ahead / flushing").
	LookaheadEvents int

	Contractor contract.Contractor
	Fixer      contract.Fixer
	Processor  contract.Processor
	Metrics    *metrics.Registry
}

// Builder is the single-threaded Event Builder engine. All exported
// methods are intended to be called only from the one contribution/
// ageing thread that owns it (spec.md §5); there is no internal locking.
type Builder struct {
	cfg Config

	epochsHead *epoch
	epochsTail *epoch
	epochLUT   *lut.Table[epoch]

	eventPool *pool.Pool[event]
	epochPool *pool.Pool[epoch]
	eventLUT  map[*epoch]map[uint64]pool.Handle // epoch -> pulseID -> event pool handle

	haveDiscardedEpoch bool
	lastDiscardedPID   pulseid.ID // highest pulse ID retired from any fully discarded epoch
}

// New constructs a Builder. Panics on an invalid Config shape (LutSize
// not a power of two) since that is a programming error, not a runtime
// condition.
func New(cfg Config) *Builder {
	b := &Builder{
		cfg:       cfg,
		epochLUT:  lut.New[epoch](cfg.LutSize),
		eventPool: pool.New[event](cfg.EventPoolSz),
		epochPool: pool.New[epoch](cfg.EpochPoolSz),
		eventLUT:  make(map[*epoch]map[uint64]pool.Handle),
	}
	return b
}

// matchEpoch locates or allocates the epoch for key, linking it into the
// builder's key-ordered epoch list (spec.md §4.4 step 2, `_match`).
func (b *Builder) matchEpoch(key uint64, pid pulseid.ID) (*epoch, error) {
	if ep := b.epochLUT.Get(key); ep != nil && ep.key == key {
		return ep, nil
	}
	if b.haveDiscardedEpoch && pid <= b.lastDiscardedPID {
		return nil, errLateEpoch
	}
	h, ok := b.epochPool.Alloc()
	if !ok {
		b.countPoolExhaustion()
		return nil, ErrPoolExhausted
	}
	ep := b.epochPool.Get(h)
	ep.reset(key, h)
	b.epochLUT.Set(key, ep)
	b.eventLUT[ep] = make(map[uint64]pool.Handle)
	b.linkEpoch(ep)
	return ep, nil
}

// linkEpoch inserts ep into the key-ordered epoch list.
func (b *Builder) linkEpoch(ep *epoch) {
	if b.epochsHead == nil {
		b.epochsHead, b.epochsTail = ep, ep
		return
	}
	if ep.key > b.epochsTail.key {
		b.epochsTail.next = ep
		b.epochsTail = ep
		return
	}
	// Out-of-order epoch creation (a late, lower-keyed epoch arriving
	// after a higher one was already opened) — linear insert in key
	// order; rare in steady-state operation.
	if ep.key < b.epochsHead.key {
		ep.next = b.epochsHead
		b.epochsHead = ep
		return
	}
	cur := b.epochsHead
	for cur.next != nil && cur.next.key < ep.key {
		cur = cur.next
	}
	ep.next = cur.next
	cur.next = ep
}

// Insert implements spec.md §4.4's per-contribution insertion algorithm.
func (b *Builder) Insert(d dgram.Datagram) error {
	if !control.Running() {
		return nil
	}
	pid := pulseid.ID(d.Header.PulseID)
	key := b.cfg.Durations.EpochKey(pid)

	ep, err := b.matchEpoch(key, pid)
	if errors.Is(err, errLateEpoch) {
		b.countLateArrival()
		return nil
	}
	if err != nil {
		return err
	}

	evHandles := b.eventLUT[ep]
	h, exists := evHandles[uint64(pid)]
	var e *event
	switch {
	case exists:
		e = b.eventPool.Get(h)
	case ep.retiredPast(pid):
		b.countLateArrival()
		return nil
	default:
		eh, ok := b.eventPool.Alloc()
		if !ok {
			b.countPoolExhaustion()
			return ErrPoolExhausted
		}
		e = b.eventPool.Get(eh)
		c := b.cfg.Contractor.Contract(&d)
		e.reset(pid, c, b.cfg.AgeingTicks, eh)
		evHandles[uint64(pid)] = eh
		ep.insert(e)
	}

	if !e.hasContractor(d.Header.SourceIndex) {
		b.countDropped()
		logging.Warn("BUILDER", "contribution source not in contract, dropped")
		return nil
	}

	e.absorb(d, b.cfg.AgeingTicks)

	if e.complete() {
		b.drain(ep)
	}

	b.lookahead(ep, pid)
	return nil
}

// lookahead implements spec.md §4.4's "due events are unlikely to gain
// more contributors" trigger: once the pending head of ep is at least
// LookaheadEvents events behind the newest insertion, fix up and retire
// that head, then drain any complete events it was holding back.
func (b *Builder) lookahead(ep *epoch, pid pulseid.ID) {
	if b.cfg.LookaheadEvents <= 0 {
		return
	}
	count := 0
	for e := ep.head; e != nil && e.pulseID < pid; e = e.next {
		count++
	}
	if count >= b.cfg.LookaheadEvents {
		b.Flush(ep, ep.head.pulseID)
		b.drain(ep)
	}
}

// Flush implements spec.md §4.4 `_flush(due)`: walk the pending list and
// fix up any still-incomplete event up to and including due.
func (b *Builder) Flush(ep *epoch, due pulseid.ID) {
	for ep.head != nil && ep.head.pulseID <= due {
		head := ep.head
		if !head.complete() {
			b.fixup(head)
		}
		b.retire(ep, head)
	}
}

// FlushTransition forces a flush of every still-pending event up to and
// including pid, for an end-of-run-style transition.
func (b *Builder) FlushTransition(pid pulseid.ID) {
	// Flush(ep, pid) may retire ep entirely and return its slot to the
	// epoch pool, which zeroes ep.next — so the walk must capture next
	// before flushing, not after.
	ep := b.epochsHead
	for ep != nil {
		next := ep.next
		b.Flush(ep, pid)
		ep = next
	}
}

// Tick implements spec.md §4.4 ageing: decrement living on the oldest
// pending event; fix it up once it reaches zero. Call periodically from
// the ageing timer thread, bounded by spec.md §5's MAX_LATENCY/N rate.
func (b *Builder) Tick() {
	ep := b.epochsHead
	for ep != nil && ep.empty() {
		ep = ep.next
	}
	if ep == nil {
		return
	}
	head := ep.head
	head.living--
	if head.living <= 0 {
		b.fixup(head)
		b.retire(ep, head)
		// head's successors may already be complete and were only
		// blocked by the completion-ordering invariant; drain them now
		// rather than waiting for the next contribution to arrive.
		b.drain(ep)
	}
}

// fixup implements spec.md §4.4's fixup policy: for each missing source
// bit, call the injected Fixer, OR MissingContribution into damage, then
// clear the bit.
func (b *Builder) fixup(e *event) {
	e.missingSources(func(sourceID uint8) {
		if b.cfg.Fixer != nil {
			if sentinel, ok := b.cfg.Fixer.Fixup(sourceID); ok && sentinel != nil {
				e.contributions = append(e.contributions, *sentinel)
			}
		}
		e.damage |= uint32(dgram.DamageMissingContribution)
		e.remaining &^= 1 << sourceID
	})
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.EventsFixedUp.Inc()
	}
}

// drain dispatches and retires every complete event starting at ep's
// head, stopping at the first still-incomplete one — spec.md §4.4's
// completion-ordering invariant: a later event may not pass an earlier
// incomplete one.
func (b *Builder) drain(ep *epoch) {
	for ep.head != nil && ep.head.complete() {
		b.retire(ep, ep.head)
	}
}

// retire dispatches e (spec.md §4.4 step 6/"Retirement"), removes it
// from ep's list, frees its pool slot, and discards ep if it is now
// empty and the earliest epoch alive.
func (b *Builder) retire(ep *epoch, e *event) {
	if b.cfg.Processor != nil {
		b.cfg.Processor.Process(e.contributions, e.damage, uint64(e.pulseID))
	}
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.EventsRetired.Inc()
	}
	ep.markRetired(e.pulseID)
	delete(b.eventLUT[ep], uint64(e.pulseID))
	ep.remove(e)
	b.eventPool.Free(e.handle)

	b.maybeDiscardEpoch(ep)
}

// maybeDiscardEpoch drops ep once its event list is empty and it is the
// earliest epoch in the builder's list (spec.md §4.4 "Retirement" /
// spec.md §8 "for any two retired epochs, lower key retires first").
func (b *Builder) maybeDiscardEpoch(ep *epoch) {
	if !ep.empty() || ep != b.epochsHead {
		return
	}
	for b.epochsHead != nil && b.epochsHead.empty() {
		discard := b.epochsHead
		b.epochsHead = discard.next
		if b.epochsHead == nil {
			b.epochsTail = nil
		}
		b.epochLUT.Clear(discard.key)
		delete(b.eventLUT, discard)
		if discard.hasRetired {
			b.haveDiscardedEpoch = true
			b.lastDiscardedPID = discard.lastRetiredPID
		}
		b.epochPool.Free(discard.handle)
	}
}

func (b *Builder) countPoolExhaustion() {
	control.Fatal(ErrPoolExhausted)
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.PoolExhaustions.Inc()
	}
	logging.Error("BUILDER", ErrPoolExhausted)
}

func (b *Builder) countDropped() {
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.ContributionsDropped.Inc()
	}
}

// countLateArrival handles spec.md §4.4's "Contribution for a retired
// epoch/event" failure mode: logged and metric-counted, never fatal.
func (b *Builder) countLateArrival() {
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.LateArrivals.Inc()
	}
	logging.Warn("BUILDER", "late arrival for already-retired epoch/event, discarded")
}

// PendingEpochs returns the number of epochs currently tracked, for
// tests and diagnostics.
func (b *Builder) PendingEpochs() int {
	n := 0
	for ep := b.epochsHead; ep != nil; ep = ep.next {
		n++
	}
	return n
}
