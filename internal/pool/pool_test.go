package pool

import (
	"sync"
	"testing"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	p := New[int](4)
	h, ok := p.Alloc()
	if !ok {
		t.Fatalf("expected alloc to succeed")
	}
	*p.Get(h) = 42
	if got := *p.Get(h); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
	p.Free(h)
	if p.InUse() != 0 {
		t.Fatalf("InUse should be 0 after Free, got %d", p.InUse())
	}
}

func TestExhaustionReturnsFalse(t *testing.T) {
	p := New[int](2)
	h1, ok1 := p.Alloc()
	h2, ok2 := p.Alloc()
	if !ok1 || !ok2 {
		t.Fatalf("expected first two allocs to succeed")
	}
	if _, ok := p.Alloc(); ok {
		t.Fatalf("expected exhaustion on third alloc")
	}
	p.Free(h1)
	p.Free(h2)
}

func TestAllocFreeLeavesInUseUnchanged(t *testing.T) {
	p := New[int](4)
	before := p.InUse()
	h, _ := p.Alloc()
	p.Free(h)
	if p.InUse() != before {
		t.Fatalf("alloc+free round trip should leave InUse unchanged: before=%d after=%d", before, p.InUse())
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	const n = 1000
	p := New[int](16)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, ok := p.Alloc()
			if ok {
				p.Free(h)
			}
		}()
	}
	wg.Wait()
	if p.InUse() != 0 {
		t.Fatalf("expected pool drained, InUse=%d", p.InUse())
	}
}
