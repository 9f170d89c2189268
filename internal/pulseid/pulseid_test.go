package pulseid

import "testing"

func durs() Durations {
	return Durations{Log2BatchDuration: 6, MaxBatches: 16} // BATCH_DURATION = 64
}

func TestEpochKey(t *testing.T) {
	d := durs()
	if got := d.EpochKey(100); got != 1 {
		t.Fatalf("EpochKey(100) = %d, want 1", got)
	}
	if got := d.EpochKey(163); got != 2 {
		t.Fatalf("EpochKey(163) = %d, want 2", got)
	}
}

func TestBatchIndexWraps(t *testing.T) {
	d := durs()
	// epoch 20 -> batchIndex 20 mod 16 = 4
	pid := ID(20 << 6)
	if got := d.BatchIndex(pid); got != 4 {
		t.Fatalf("BatchIndex = %d, want 4", got)
	}
}

func TestExpiredCrossesEpoch(t *testing.T) {
	d := durs()
	start := ID(100)
	if !d.Expired(163, start) {
		t.Fatalf("pid 163 should have crossed the epoch boundary from 100")
	}
}

func TestExpiredWithinDuration(t *testing.T) {
	d := durs()
	start := ID(128) // epoch boundary
	if d.Expired(150, start) {
		t.Fatalf("pid 150 should still be within BATCH_DURATION of 128")
	}
	if !d.Expired(128+64, start) {
		t.Fatalf("pid 192 should be expired (== BATCH_DURATION away)")
	}
}

func TestSamePosition(t *testing.T) {
	d := durs()
	if !d.SamePosition(10, 10+64) {
		t.Fatalf("10 and 74 share the same low 6 bits")
	}
	if d.SamePosition(10, 11) {
		t.Fatalf("10 and 11 must not share position")
	}
}
