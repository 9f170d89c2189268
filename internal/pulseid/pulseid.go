// Package pulseid implements arithmetic over the 56-bit pulse-ID time
// domain: epoch-key derivation, batch-index windowing and batch expiry.
//
// Grounded on router/update.go's tick-to-bucket mapper (main_triarb): the
// same "mask off the low bits, keep the high bits as a bucket key" shape,
// generalized from a fixed 4096-bucket price ladder to the pulse-ID epoch
// ladder described in spec.md §3.
package pulseid

// ID is a monotonic 56-bit counter derived from a 1 microsecond master
// clock. Only the low 56 bits are meaningful; callers must not rely on
// bits 56-63.
type ID uint64

const mask56 ID = (1 << 56) - 1

// Clamp masks off any bits above bit 55, defending against upstream
// corruption of the high bits.
func (p ID) Clamp() ID { return p & mask56 }

// Durations expresses BATCH_DURATION as its log2 so that every division
// used for epoch/batch-index arithmetic becomes a shift.
type Durations struct {
	// Log2BatchDuration is log2(BATCH_DURATION); BATCH_DURATION must be a
	// power of two so pulse IDs can be partitioned into epochs and batch
	// slots with pure bit-masking, exactly as spec.md §3 requires.
	Log2BatchDuration uint
	// MaxBatches bounds the outstanding-batch window; batchIndex wraps
	// modulo this value.
	MaxBatches uint64
}

// EpochKey returns pid >> log2(BATCH_DURATION): the bucket identifying
// which epoch this pulse ID belongs to.
func (d Durations) EpochKey(pid ID) uint64 {
	return uint64(pid.Clamp()) >> d.Log2BatchDuration
}

// BatchIndex returns (pulseId / BATCH_DURATION) mod MAX_BATCHES, the slot
// in the pre-registered memory region holding this pulse ID's batch.
func (d Durations) BatchIndex(pid ID) uint64 {
	return (uint64(pid.Clamp()) >> d.Log2BatchDuration) % d.MaxBatches
}

// SamePosition reports whether two pulse IDs would fall in the same
// position within their respective epochs, i.e. share the same low bits.
func (d Durations) SamePosition(a, b ID) bool {
	lowMask := (ID(1) << d.Log2BatchDuration) - 1
	return (a & lowMask) == (b & lowMask)
}

// CrossesEpoch reports whether pid has moved into a different epoch than
// start.
func (d Durations) CrossesEpoch(start, pid ID) bool {
	return d.EpochKey(start) != d.EpochKey(pid)
}

// Expired implements spec.md §4.2 `expired(now, batchStart)`: true once
// (now - batchStart) >= BATCH_DURATION, or once the two pulse IDs have
// crossed an epoch boundary (batches never span an epoch).
func (d Durations) Expired(now, batchStart ID) bool {
	if d.CrossesEpoch(batchStart, now) {
		return true
	}
	batchDuration := ID(1) << d.Log2BatchDuration
	return now.Clamp()-batchStart.Clamp() >= batchDuration
}
