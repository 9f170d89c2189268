// Package config collects the compile-time tunables and boot-time
// topology configuration for an Event Builder process.
//
// Grounded on constants/constants.go: a plain `const` block of
// power-of-two-sized tunables with documented rationale per field. This
// repo keeps the same shape for the pulse-ID/windowing tunables (spec.md
// §2-§3) and adds the monitor/fan-out limits from spec.md §4.5-§6.
package config

import "fmt"

// Limits holds every size/duration tunable named by spec.md. All of them
// must be fixed at boot: the wire protocol (offset = batchIndex *
// maxInputSize) depends on every peer agreeing on these values without
// negotiation.
type Limits struct {
	// Log2BatchDuration is log2(BATCH_DURATION); BATCH_DURATION pulse IDs
	// make up one epoch bucket.
	Log2BatchDuration uint
	// MaxEntries is the maximum number of Contribution Datagrams in one
	// batch (1..MAX_ENTRIES).
	MaxEntries uint64
	// MaxBatches sizes the batch-manager's fixed-size pool and its LUT;
	// batchIndex wraps modulo this value.
	MaxBatches uint64
	// MaxInputSize bounds sizeof(header)+payload for one contribution.
	MaxInputSize uint64
	// NumPeers is the number of event-builder peers contributions are
	// round-robined across.
	NumPeers uint64
	// AgeingTicks is the fixed `living` initializer for newly allocated
	// events. See spec.md §9 open question: not adapted to observed
	// throughput in this revision.
	AgeingTicks uint32
	// NumEvBuffers is the monitor ring's buffer count. Must fit in the 8
	// bits reserved in the environment word (spec.md §4.5, §9 resolved:
	// rejected at configure, never silently truncated).
	NumEvBuffers uint32
	// MaxBufferSize is the monitor ring's per-slot byte size; must be >=
	// max(builtEventSize, maxTransitionSize).
	MaxBufferSize uint64
	// NumEvQueues is the number of monitor consumer queues.
	NumEvQueues uint32
	// Distribute toggles round-robin fan-out (true) vs broadcast (false)
	// across monitor consumer queues.
	Distribute bool
}

// MaxEnvBufferIndex is the largest buffer index the environment word's
// 8-bit field (spec.md §6) can carry.
const MaxEnvBufferIndex = 255

// Validate enforces every configuration-time invariant spec.md states
// explicitly, returning a configuration error (spec.md §7: "reported via
// the orchestration reply; no state change") rather than panicking.
func (l Limits) Validate() error {
	if l.Log2BatchDuration == 0 || l.Log2BatchDuration > 55 {
		return fmt.Errorf("config: log2BatchDuration %d out of range", l.Log2BatchDuration)
	}
	if l.MaxEntries == 0 {
		return fmt.Errorf("config: maxEntries must be > 0")
	}
	if l.MaxBatches == 0 || (l.MaxBatches&(l.MaxBatches-1)) != 0 {
		return fmt.Errorf("config: maxBatches %d must be a power of two", l.MaxBatches)
	}
	if l.MaxInputSize == 0 {
		return fmt.Errorf("config: maxInputSize must be > 0")
	}
	if l.NumPeers == 0 {
		return fmt.Errorf("config: numPeers must be > 0")
	}
	if l.AgeingTicks == 0 {
		return fmt.Errorf("config: ageingTicks must be > 0")
	}
	if l.NumEvBuffers > MaxEnvBufferIndex {
		return fmt.Errorf("config: numEvBuffers %d exceeds the 8-bit env-word field (max %d)", l.NumEvBuffers, MaxEnvBufferIndex)
	}
	if l.NumEvQueues == 0 {
		return fmt.Errorf("config: numEvQueues must be > 0")
	}
	return nil
}

// BatchDuration returns 1 << Log2BatchDuration.
func (l Limits) BatchDuration() uint64 { return uint64(1) << l.Log2BatchDuration }

// Default returns the tunables used by the reference deployment; callers
// override individual fields from CLI flags or the orchestration
// `configure` transition.
func Default() Limits {
	return Limits{
		Log2BatchDuration: 6, // BATCH_DURATION = 64 pulse IDs per epoch
		MaxEntries:        64,
		MaxBatches:        256,
		MaxInputSize:      16 << 10, // 16 KiB
		NumPeers:          4,
		AgeingTicks:       8,
		NumEvBuffers:      64,
		MaxBufferSize:     1 << 20, // 1 MiB
		NumEvQueues:       4,
		Distribute:        true,
	}
}
