package poster

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/slac-psdaq/teb/internal/batch"
	"github.com/slac-psdaq/teb/internal/dgram"
	"github.com/slac-psdaq/teb/internal/fabric"
	"github.com/slac-psdaq/teb/internal/imm"
	"github.com/slac-psdaq/teb/internal/pulseid"
	"github.com/slac-psdaq/teb/internal/queue"
)

// loopbackPeer starts a TCP listener that accepts exactly one connection,
// performs the fabric handshake, and drains every frame it receives. The
// payload of each frame not tagged NoResponse is appended to received;
// NoResponse frames (transition copies forwarded to a non-selected peer)
// are read and not recorded, so received holds what the poster posted to
// this peer as its selected peer.
func loopbackPeer(t *testing.T, selfID uint8, received *[][]byte) *fabric.Link {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		var hello [1]byte
		conn.Read(hello[:])
		conn.Write([]byte{selfID})
		r := bufio.NewReader(conn)
		for {
			_, word, payload, err := fabric.ReadFrame(r)
			if err != nil {
				return
			}
			if word.Has(imm.NoResponse) {
				continue
			}
			*received = append(*received, payload)
		}
	}()

	link := fabric.NewLink(ln.Addr().String(), selfID)
	if err := link.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { link.Close(); ln.Close() })
	return link
}

func contribFor(pid uint64, groups uint32, kind dgram.Transition, payload []byte) dgram.Datagram {
	return dgram.Datagram{
		Header: dgram.Header{
			PulseID:       pid,
			SourceIndex:   0,
			Kind:          kind,
			ReadoutGroups: groups,
		},
		Payload: payload,
	}
}

func newTestPoster(t *testing.T, peers []*fabric.Link) (*Poster, *batch.Manager) {
	t.Helper()
	durs := pulseid.Durations{Log2BatchDuration: 4, MaxBatches: 16}
	bm := batch.New(durs, 4)
	t.Cleanup(bm.Stop)
	cfg := Config{
		SelfID:          0,
		Durations:       durs,
		MaxEntries:      2,
		MaxInputSize:    4096,
		CommonGroups:    0x1,
		BatchingEnabled: true,
		Batches:         bm,
		Peers:           peers,
		InFlight:        queue.New[InFlight](16),
	}
	return New(cfg), bm
}

func TestBypassNonIntersectingGroups(t *testing.T) {
	p, bm := newTestPoster(t, nil)
	d := contribFor(10, 0x2, dgram.L1Accept, nil) // group 0x2 doesn't intersect CommonGroups 0x1
	if err := p.Insert(d); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, ok := p.cfg.InFlight.TryPop(); !ok {
		t.Fatalf("expected a bypass entry pushed to the in-flight queue")
	}
	if bm.InUse() != 0 {
		t.Fatalf("InUse() = %d, want 0 (bypass does not eagerly open a batch)", bm.InUse())
	}
}

func TestBypassFlushesInProgressBatch(t *testing.T) {
	var received [][]byte
	link := loopbackPeer(t, 1, &received)
	p, bm := newTestPoster(t, []*fabric.Link{link})

	// Accumulate one event into a batch, then bypass: the in-progress
	// batch must be posted, not silently discarded.
	accum := contribFor(5, 0x1, dgram.L1Accept, []byte("accum"))
	if err := p.Insert(accum); err != nil {
		t.Fatalf("Insert(accum): %v", err)
	}
	if bm.InUse() != 1 {
		t.Fatalf("InUse() = %d, want 1 before bypass", bm.InUse())
	}

	bypass := contribFor(6, 0x2, dgram.L1Accept, nil)
	if err := p.Insert(bypass); err != nil {
		t.Fatalf("Insert(bypass): %v", err)
	}

	waitFor(t, func() bool { return len(received) == 1 })
	if string(received[0]) != "accum" {
		t.Fatalf("posted payload = %q, want the flushed batch's %q", received[0], "accum")
	}
}

func TestFlushOnNonEventTransition(t *testing.T) {
	var received [][]byte
	link := loopbackPeer(t, 1, &received)
	p, _ := newTestPoster(t, []*fabric.Link{link})

	payload := []byte("transition-payload")
	d := contribFor(20, 0x1, dgram.BeginRun, payload)
	if err := p.Insert(d); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	waitFor(t, func() bool { return len(received) == 1 })
	if string(received[0]) != string(payload) {
		t.Fatalf("posted payload = %q, want %q", received[0], payload)
	}
}

func TestExpiredAndFlushProduceTwoSeparatePosts(t *testing.T) {
	var received [][]byte
	link := loopbackPeer(t, 1, &received)
	p, bm := newTestPoster(t, []*fabric.Link{link})

	// Log2BatchDuration=4 means a window of 16; pid 100 opens a batch
	// whose window ends at 112.
	first := contribFor(100, 0x1, dgram.L1Accept, []byte("stale"))
	if err := p.Insert(first); err != nil {
		t.Fatalf("Insert(first): %v", err)
	}

	// pid 200 both expires the window above AND carries a non-event
	// transition, so it must produce two posts: the stale batch, then a
	// fresh one-entry batch for the transition itself.
	second := contribFor(200, 0x1, dgram.BeginRun, []byte("expire+flush"))
	if err := p.Insert(second); err != nil {
		t.Fatalf("Insert(second): %v", err)
	}

	waitFor(t, func() bool { return len(received) == 2 })
	if string(received[0]) != "stale" {
		t.Fatalf("first post = %q, want %q (the pre-expiry batch)", received[0], "stale")
	}
	if string(received[1]) != "expire+flush" {
		t.Fatalf("second post = %q, want %q (the fresh batch seeded only by the transition)", received[1], "expire+flush")
	}
	if bm.InUse() != 2 {
		t.Fatalf("InUse() = %d, want 2 (both posted slots await their results)", bm.InUse())
	}
}

func TestRoundRobinPeerSelectionIsDeterministic(t *testing.T) {
	var recvA, recvB [][]byte
	linkA := loopbackPeer(t, 0, &recvA)
	linkB := loopbackPeer(t, 1, &recvB)
	p, _ := newTestPoster(t, []*fabric.Link{linkA, linkB})

	// MaxEntries=2, BATCH_DURATION=16: stepping pid by 16 advances
	// batchIndex by exactly 1 each time, so batchIndex 0,1 -> peer 0 and
	// batchIndex 2,3 -> peer 1, alternating thereafter. Force a flush on
	// every contribution so each pulse ID posts its own batch, making the
	// destination directly observable. Each transition is also forwarded
	// as a NoResponse copy to the other peer; loopbackPeer does not record
	// those, so the 8 frames counted are the 8 selected-peer batches.
	for i := uint64(0); i < 8; i++ {
		pid := i * 16
		d := contribFor(pid, 0x1, dgram.BeginRun, []byte{byte(i)})
		if err := p.Insert(d); err != nil {
			t.Fatalf("Insert(pid=%d): %v", pid, err)
		}
	}

	waitFor(t, func() bool { return len(recvA)+len(recvB) == 8 })
	if len(recvA) == 0 || len(recvB) == 0 {
		t.Fatalf("round-robin must spread batches across both peers: A=%d B=%d", len(recvA), len(recvB))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
