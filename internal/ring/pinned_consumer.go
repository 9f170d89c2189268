// Dedicated OS thread pinned to a CPU core, draining a Ring until told
// to stop. cmd/eventbuilder wires this to the monitor fan-out thread
// (spec.md §5), fed by the builder's completed-event dispatch.
//
// Grounded on ring/pinned_consumer.go, simplified for this domain: the
// teacher's hot/cold spin-mode state machine exists to save power between
// WebSocket bursts, which has no counterpart in a DAQ node that runs at a
// roughly steady pulse rate. What's kept is the core contract: a
// dedicated, CPU-pinned goroutine that polls the ring instead of blocking
// on it (spec.md §5: "NIC completion queues are polled, not blocking"),
// and exits exactly once, closing `done` exactly once, when *stop becomes
// non-zero.
package ring

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// PinnedConsumer drains r until *stop is set, pinning the draining
// goroutine's OS thread to core first.
func PinnedConsumer(core int, r *Ring, stop *uint32, fn func(unsafe.Pointer), done chan<- struct{}) {
	go func() {
		runtime.LockOSThread()
		setAffinity(core)
		defer func() {
			runtime.UnlockOSThread()
			close(done)
		}()

		for {
			if p := r.Pop(); p != nil {
				fn(p)
				continue
			}
			if atomic.LoadUint32(stop) != 0 {
				return
			}
			cpuRelax()
		}
	}()
}
