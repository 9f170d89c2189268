package monitor

import (
	"errors"
	"testing"

	"github.com/slac-psdaq/teb/internal/control"
	"github.com/slac-psdaq/teb/internal/dgram"
)

func drain(t *testing.T, s *Server) {
	t.Helper()
	for i := range s.consumers {
		go func(ch chan dgram.Datagram) {
			for range ch {
			}
		}(s.consumers[i])
	}
}

// TestCreditExhaustion mirrors spec.md §8 scenario 5: numEvBuffers = 4,
// feed 10 built events without consumer acknowledgement. Expect the first
// 4 RequestCredit calls to succeed and the remaining 6 to be skipped.
func TestCreditExhaustion(t *testing.T) {
	s := New(Config{SelfID: 0, NumBuffers: 4, NumQueues: 1})
	drain(t, s)

	succeeded := 0
	for i := 0; i < 10; i++ {
		if idx, ok := s.RequestCredit(); ok {
			succeeded++
			if err := s.Deliver(idx, dgram.Datagram{}); err != nil {
				t.Fatalf("Deliver(%d): %v", idx, err)
			}
		}
	}
	if succeeded != 4 {
		t.Fatalf("succeeded = %d, want 4", succeeded)
	}
	if s.FreeCount() != 0 {
		t.Fatalf("FreeCount() = %d, want 0 (all 4 buffers outstanding, none released)", s.FreeCount())
	}
}

// TestDoubleFree mirrors spec.md §8 scenario 6: a synthetic consumer
// release with an already-free buffer index must be rejected, logged, and
// leave the free-list unchanged.
func TestDoubleFree(t *testing.T) {
	s := New(Config{SelfID: 0, NumBuffers: 4, NumQueues: 1})
	drain(t, s)

	before := s.FreeCount()
	env := uint32(2) << 16 // index 2, never delivered — already "free"
	if err := s.Release(env); err != ErrDoubleFree {
		t.Fatalf("Release() = %v, want ErrDoubleFree", err)
	}
	if s.FreeCount() != before {
		t.Fatalf("FreeCount() = %d, want unchanged %d", s.FreeCount(), before)
	}
}

// TestReleaseRepopulatesFreeList checks the credit round-trip: requesting
// a buffer, delivering into it, then releasing it returns the index to
// the free-list exactly once.
func TestReleaseRepopulatesFreeList(t *testing.T) {
	s := New(Config{SelfID: 0, NumBuffers: 2, NumQueues: 1})
	drain(t, s)

	idx, ok := s.RequestCredit()
	if !ok {
		t.Fatalf("RequestCredit failed with a fresh free-list")
	}
	if err := s.Deliver(idx, dgram.Datagram{}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if s.FreeCount() != 1 {
		t.Fatalf("FreeCount() = %d, want 1 after one credit consumed", s.FreeCount())
	}

	env := uint32(idx) << 16
	if err := s.Release(env); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if s.FreeCount() != 2 {
		t.Fatalf("FreeCount() = %d, want 2 after release", s.FreeCount())
	}

	// Releasing again must now be rejected as a double free.
	if err := s.Release(env); err != ErrDoubleFree {
		t.Fatalf("second Release() = %v, want ErrDoubleFree", err)
	}
}

// TestDeliverRejectsOversizedEvent mirrors MebContributor::post's fatal
// "too big for target buffer" check: a built event whose payload exceeds
// MaxBufferSize must latch a fatal error rather than silently truncate
// or corrupt the neighboring slot.
func TestDeliverRejectsOversizedEvent(t *testing.T) {
	control.Reset()
	defer control.Reset()

	s := New(Config{SelfID: 0, NumBuffers: 4, MaxBufferSize: 4, NumQueues: 1})
	drain(t, s)

	idx, ok := s.RequestCredit()
	if !ok {
		t.Fatalf("RequestCredit failed with a fresh free-list")
	}
	oversized := dgram.Datagram{Header: dgram.Header{Extent: 8}, Payload: make([]byte, 8)}
	if err := s.Deliver(idx, oversized); err == nil {
		t.Fatalf("Deliver with oversized payload succeeded, want error")
	}
	if control.FatalError() == nil {
		t.Fatalf("expected Deliver to latch a fatal error via control.Fatal")
	}
}

// TestDeliverRejectsExtentMismatch mirrors the datagram-integrity half of
// MebContributor::post's fatal checks: a declared Extent that disagrees
// with the actual payload means the built event was assembled wrong.
func TestDeliverRejectsExtentMismatch(t *testing.T) {
	control.Reset()
	defer control.Reset()

	s := New(Config{SelfID: 0, NumBuffers: 4, MaxBufferSize: 1024, NumQueues: 1})
	drain(t, s)

	idx, ok := s.RequestCredit()
	if !ok {
		t.Fatalf("RequestCredit failed with a fresh free-list")
	}
	corrupt := dgram.Datagram{Header: dgram.Header{Extent: 99}, Payload: []byte("short")}
	if err := s.Deliver(idx, corrupt); !errors.Is(err, dgram.ErrExtentMismatch) {
		t.Fatalf("Deliver() = %v, want %v", err, dgram.ErrExtentMismatch)
	}
	if control.FatalError() == nil {
		t.Fatalf("expected Deliver to latch a fatal error via control.Fatal")
	}
}

// TestDeliverPreservesReservedEnvBits mirrors spec.md §6's
// environment-word encoding: bits 0-15 and 24-31 are reserved for
// upstream uses and must round-trip unchanged. Deliver only owns bits
// 16-23 (the buffer index); it must read-modify-write rather than
// clobber the whole word.
func TestDeliverPreservesReservedEnvBits(t *testing.T) {
	s := New(Config{SelfID: 0, NumBuffers: 4, NumQueues: 1})
	ch := s.Consumer(0)

	idx, ok := s.RequestCredit()
	if !ok {
		t.Fatalf("RequestCredit failed with a fresh free-list")
	}
	const reserved = 0xAB0000CD // bits 0-15 = 0x00CD, bits 24-31 = 0xAB
	d := dgram.Datagram{Header: dgram.Header{Env: reserved}}
	if err := s.Deliver(idx, d); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	got := <-ch
	if got.Header.Env&0xFFFF != reserved&0xFFFF {
		t.Fatalf("Env low bits = %#x, want %#x (upstream bits clobbered)", got.Header.Env&0xFFFF, reserved&0xFFFF)
	}
	if got.Header.Env>>24 != reserved>>24 {
		t.Fatalf("Env high bits = %#x, want %#x (upstream bits clobbered)", got.Header.Env>>24, reserved>>24)
	}
	if (got.Header.Env>>16)&0xFF != uint32(idx) {
		t.Fatalf("Env buffer-index bits = %d, want %d", (got.Header.Env>>16)&0xFF, idx)
	}
}

// TestBroadcastFanOutReachesEveryConsumer checks the non-distribute path:
// every consumer sees every event.
func TestBroadcastFanOutReachesEveryConsumer(t *testing.T) {
	s := New(Config{SelfID: 0, NumBuffers: 4, NumQueues: 3, Distribute: false})

	idx, ok := s.RequestCredit()
	if !ok {
		t.Fatalf("RequestCredit failed")
	}
	if err := s.Deliver(idx, dgram.Datagram{}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-s.Consumer(i):
		default:
			t.Fatalf("consumer %d did not receive the broadcast event", i)
		}
	}
}
