package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate cleanly: %v", err)
	}
}

func TestNumEvBuffersBoundary(t *testing.T) {
	for _, n := range []uint32{8, 255} {
		l := Default()
		l.NumEvBuffers = n
		if err := l.Validate(); err != nil {
			t.Fatalf("numEvBuffers=%d should validate: %v", n, err)
		}
	}
	l := Default()
	l.NumEvBuffers = 256
	if err := l.Validate(); err == nil {
		t.Fatalf("numEvBuffers=256 must be rejected at configure time")
	}
}

func TestMaxBatchesMustBePowerOfTwo(t *testing.T) {
	l := Default()
	l.MaxBatches = 100
	if err := l.Validate(); err == nil {
		t.Fatalf("non-power-of-two maxBatches must be rejected")
	}
}

func TestParseFlags(t *testing.T) {
	c, err := Parse([]string{"-p", "3", "-numEvBuffers", "128"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.PartitionID != 3 || c.NumEvBuffers != 128 {
		t.Fatalf("unexpected parse result: %+v", c)
	}
}

func TestParseFlagsRejectsOversizedBuffers(t *testing.T) {
	if _, err := Parse([]string{"-numEvBuffers", "256"}); err == nil {
		t.Fatalf("expected rejection of numEvBuffers=256")
	}
}

func TestCoreListParsesDefault(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cores, err := c.CoreList()
	if err != nil {
		t.Fatalf("CoreList: %v", err)
	}
	if cores != [4]int{0, 1, 2, 3} {
		t.Fatalf("CoreList() = %v, want [0 1 2 3]", cores)
	}
}

func TestCoreListRejectsWrongCount(t *testing.T) {
	if _, err := Parse([]string{"-cores", "0,1"}); err == nil {
		t.Fatalf("expected rejection of a 2-core list")
	}
}
