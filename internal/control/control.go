// Package control provides process-wide, lock-free shutdown coordination
// for the builder's pinned receive/ageing/fan-out threads.
//
// Grounded on control/control.go's hot/stop atomic flags; generalized per
// the design note in spec.md §9 ("global sigaction state for shutdown
// should be replaced by a process-wide atomic flag set from a
// signal-safe handler and polled by each receive loop"). The activity
// hot/cold flag is dropped here — it belongs to the teacher's WebSocket
// burst-detection use case, not to this domain — and replaced with a
// plain running flag plus a fatal-error latch.
package control

import "sync/atomic"

// running is 1 while the process should keep serving; cleared by Stop or
// Fatal. It is read by every receive/ageing/fan-out loop each iteration.
var running uint32 = 1

// fatalErr latches the first fatal error reported via Fatal, if any.
var fatalErr atomic.Value // holds error

// Running reports whether the process should continue operating. Safe to
// call from a signal handler or any goroutine without further
// synchronization.
//
//go:nosplit
func Running() bool {
	return atomic.LoadUint32(&running) != 0
}

// Stop requests an orderly shutdown. Idempotent: calling it more than
// once has no additional effect. Every blocked fetchW/credit-pop/fabric
// poll must observe this within one poll interval and unwind.
func Stop() {
	atomic.StoreUint32(&running, 0)
}

// Fatal records a fatal error (capacity or protocol violation per
// spec.md §7) and requests shutdown. The first Fatal call wins; later
// calls are recorded as Stop but do not overwrite the original error.
func Fatal(err error) {
	fatalErr.CompareAndSwap(nil, err)
	Stop()
}

// FatalError returns the error passed to the first Fatal call, or nil if
// shutdown was never triggered by a fatal condition.
func FatalError() error {
	v := fatalErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// Reset restores a fresh running state. Only used by tests and by
// embedding processes that run multiple builder lifecycles in one
// binary; production shutdown is one-way.
func Reset() {
	atomic.StoreUint32(&running, 1)
	fatalErr = atomic.Value{}
}
