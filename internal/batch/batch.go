// Package batch implements the Batch Manager from spec.md §4.2: fixed
// pulse-ID windowing so producer and consumer can compute a slot index
// without negotiation, and RDMA offsets fall out as index*maxInputSize.
//
// Grounded on bucketqueue/bucketqueue.go's arena-of-fixed-slots layout
// (a slot is "returned" rather than freed to the heap) combined with
// ring/pinned_consumer.go's blocking hand-off contract: fetchW blocks
// cooperatively until its slot is returned, and stop() wakes every
// blocked caller with a nil result, exactly like the ring's stop-aware
// PopWait.
package batch

import (
	"sync"

	"github.com/slac-psdaq/teb/internal/dgram"
	"github.com/slac-psdaq/teb/internal/pulseid"
)

// Batch is a contiguous range of Contribution Datagrams occupying one
// slot of the pre-registered memory region.
type Batch struct {
	Index    uint64
	StartPID pulseid.ID
	EndPID   pulseid.ID
	Entries  []dgram.Datagram // 1..MaxEntries members
	AppPrm   any              // opaque per-event pointer stashed by store()
}

// Reset clears b for reuse by a new occupant of its slot.
func (b *Batch) Reset(idx uint64, pid pulseid.ID) {
	b.Index = idx
	b.StartPID = pid
	b.EndPID = pid
	b.Entries = b.Entries[:0]
	b.AppPrm = nil
}

type slot struct {
	busy  bool
	batch Batch
}

// Manager is the fixed-window batch manager. Callers fetch the slot for
// a pulse ID, fill it, and return it once posted.
type Manager struct {
	durs    pulseid.Durations
	maxEnt  int
	mu      sync.Mutex
	cond    *sync.Cond
	slots   []slot
	stopped bool
}

// New builds a Manager with MaxBatches slots, each able to hold up to
// maxEntries Contribution Datagrams.
func New(durs pulseid.Durations, maxEntries int) *Manager {
	m := &Manager{
		durs:   durs,
		maxEnt: maxEntries,
		slots:  make([]slot, durs.MaxBatches),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// FetchW blocks until the slot for pid's batch index is free, then marks
// it busy and returns it. Returns ok=false if the manager was stopped
// while waiting (spec.md §4.2: "Returns null if the manager is
// stopped.").
func (m *Manager) FetchW(pid pulseid.ID) (*Batch, bool) {
	idx := m.durs.BatchIndex(pid)
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.slots[idx].busy && !m.stopped {
		m.cond.Wait()
	}
	if m.stopped {
		return nil, false
	}
	s := &m.slots[idx]
	s.busy = true
	s.batch.Reset(idx, pid)
	if cap(s.batch.Entries) < m.maxEnt {
		s.batch.Entries = make([]dgram.Datagram, 0, m.maxEnt)
	}
	return &s.batch, true
}

// Return releases b's slot back to the manager, waking any FetchW
// callers blocked on that exact index.
func (m *Manager) Return(b *Batch) {
	m.ReturnIndex(b.Index)
}

// ReturnIndex releases the slot at idx directly, for callers (the
// result-receive thread) that only have the index from an in-flight
// record and never held the *Batch itself.
func (m *Manager) ReturnIndex(idx uint64) {
	m.mu.Lock()
	m.slots[idx].busy = false
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Store associates an opaque per-event pointer with b's slot, per
// spec.md §4.2 store(pulseId, appPrm) — used by the poster to stash the
// in-flight match record the result-receive thread will need.
func (m *Manager) Store(b *Batch, appPrm any) {
	m.mu.Lock()
	b.AppPrm = appPrm
	m.mu.Unlock()
}

// Expired reports whether now has aged past batchStart's window, per
// spec.md §4.2 expired(now, batchStart).
func (m *Manager) Expired(now, batchStart pulseid.ID) bool {
	return m.durs.Expired(now, batchStart)
}

// Stop unblocks every pending FetchW with ok=false. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// InUse returns the number of currently occupied slots.
func (m *Manager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.slots {
		if m.slots[i].busy {
			n++
		}
	}
	return n
}
