// Package monitor implements the Monitor Fan-out Server from spec.md
// §4.5: a single-writer, multi-reader ring of fixed-size buffers, a
// free-buffer credit protocol bounding how many built events can be
// outstanding at once, and round-robin/broadcast fan-out to consumers.
//
// Grounded on ring/pinned_consumer.go's single-writer ring discipline and
// bucketqueue/bucketqueue.go's arena-of-fixed-slots layout, with the
// free-buffer credit queue built on internal/queue (the MPSC contract
// spec.md §5 names: many consumer-release callers, one request-issuer).
package monitor

import (
	"errors"
	"fmt"

	"github.com/slac-psdaq/teb/internal/control"
	"github.com/slac-psdaq/teb/internal/dgram"
	"github.com/slac-psdaq/teb/internal/fabric"
	"github.com/slac-psdaq/teb/internal/imm"
	"github.com/slac-psdaq/teb/internal/logging"
	"github.com/slac-psdaq/teb/internal/metrics"
	"github.com/slac-psdaq/teb/internal/queue"
)

// Config bundles everything a Server needs at construction. Per spec.md
// §4.5's configuration-time invariants, NumBuffers must be ≤ 255 (the
// encoding reserves 8 bits in the environment word) — enforced upstream
// by internal/config.Limits.Validate, not re-checked here.
type Config struct {
	SelfID        uint8
	NumBuffers    int
	MaxBufferSize uint64
	NumQueues     int  // numEvQueues
	Distribute    bool // round-robin across queues instead of broadcast
	TebPeers      []*fabric.Link
	Metrics       *metrics.Registry
}

// ErrDoubleFree is returned by Release when the index being released is
// already present in the free-list — spec.md §4.5's double-free guard.
var ErrDoubleFree = errors.New("monitor: buffer index already free")

type buffer struct {
	live  bool
	event dgram.Datagram
	fpHi  uint64
	fpLo  uint64
}

// Server is the monitor fan-out server for one partition. Boot pushes
// every buffer index into the free-list; _requestDatagram/_copyDatagram/
// _deleteDatagram are Server's RequestCredit/Deliver/Release.
type Server struct {
	cfg     Config
	buffers []buffer
	free    *queue.Bounded[uint16]
	rrPeer  int // round-robin cursor over TebPeers for credit requests
	rrQueue int // round-robin cursor over consumer queues

	consumers []chan dgram.Datagram
}

// New constructs a Server and pushes every buffer index into the
// free-list, per spec.md §4.5 "Boot: push all buffer indices into the
// free-list queue."
func New(cfg Config) *Server {
	capacity := nextPow2(cfg.NumBuffers)
	s := &Server{
		cfg:       cfg,
		buffers:   make([]buffer, cfg.NumBuffers),
		free:      queue.New[uint16](capacity),
		consumers: make([]chan dgram.Datagram, cfg.NumQueues),
	}
	for i := range s.consumers {
		s.consumers[i] = make(chan dgram.Datagram, 64)
	}
	for i := 0; i < cfg.NumBuffers; i++ {
		s.free.Push(uint16(i))
	}
	return s
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	if p == 0 {
		p = 1
	}
	return p
}

// Consumer returns the channel consumer i reads built events and
// transitions from.
func (s *Server) Consumer(i int) <-chan dgram.Datagram { return s.consumers[i] }

// RequestCredit implements spec.md §4.5 `_requestDatagram`: pop a free
// index, encode it into an immediate word, and post a zero-length message
// to one of the TEB peers selected by round-robin. Returns ok=false (a
// normal, non-fatal skip) when no credit is available — spec.md §8
// scenario 5's "subsequent 6 are skipped (no credit), zero events lost in
// the builder."
func (s *Server) RequestCredit() (index uint16, ok bool) {
	idx, ok := s.free.TryPop()
	if !ok {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.CreditSkips.Inc()
		}
		return 0, false
	}
	word := imm.Encode(imm.Buffer, s.cfg.SelfID, idx)
	if len(s.cfg.TebPeers) > 0 {
		peer := s.cfg.TebPeers[s.rrPeer%len(s.cfg.TebPeers)]
		s.rrPeer++
		if err := peer.Post(nil, 0, word); err != nil {
			logging.Warn("MONITOR", "credit request post failed: "+err.Error())
			s.free.Push(idx)
			return 0, false
		}
	}
	return idx, true
}

// Deliver implements spec.md §4.5 `_copyDatagram`: reconstructs the
// built event into buffer slot index, stashes the index in the event's
// environment word so the free-list can be repopulated on release, and
// fans it out to consumers. A built event too large for its target
// buffer, or one whose declared Extent disagrees with its actual
// payload, is a fatal protocol violation rather than a skip: by the
// time a credit was granted for it, the event was already supposed to
// fit.
func (s *Server) Deliver(index uint16, d dgram.Datagram) error {
	if int(index) >= len(s.buffers) {
		return errors.New("monitor: buffer index out of range")
	}
	if err := d.ValidateExtent(); err != nil {
		err = fmt.Errorf("monitor: built event %d: %w", d.Header.PulseID, err)
		control.Fatal(err)
		return err
	}
	if uint64(len(d.Payload)) > s.cfg.MaxBufferSize {
		err := fmt.Errorf("monitor: built event %d of size %d exceeds buffer size %d",
			d.Header.PulseID, len(d.Payload), s.cfg.MaxBufferSize)
		control.Fatal(err)
		return err
	}
	hi, lo := dgram.Fingerprint(&d)
	b := &s.buffers[index]
	b.live = true
	b.event = d
	b.fpHi, b.fpLo = hi, lo

	d.Header.Env = (d.Header.Env &^ (0xFF << 16)) | (uint32(index) << 16)
	s.fanOut(d)
	return nil
}

// Release implements spec.md §4.5 `_deleteDatagram`: recovers the index
// from env, rejects a double-free by checking the buffer's live flag
// (equivalent to "scanning the current free-list" but O(1) since liveness
// is already tracked per slot), then pushes the index back.
func (s *Server) Release(env uint32) error {
	index := uint16(env >> 16 & 0xFF)
	if int(index) >= len(s.buffers) || !s.buffers[index].live {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.DuplicateBufferRelease.Inc()
		}
		logging.Warn("MONITOR", "double free rejected for buffer index")
		return ErrDoubleFree
	}
	s.buffers[index] = buffer{}
	if err := s.free.Push(index); err != nil {
		return err
	}
	return nil
}

// BroadcastTransition implements spec.md §4.5's "Special handling for
// transitions: they bypass the credit loop and are broadcast to all
// consumers directly; they are not counted against numEvBuffers."
func (s *Server) BroadcastTransition(d dgram.Datagram) {
	for _, ch := range s.consumers {
		ch <- d
	}
}

// fanOut delivers an ordinary built event per spec.md §4.5's "Fan-out
// across queues": round-robin to one consumer if Distribute is enabled,
// otherwise broadcast to every consumer.
func (s *Server) fanOut(d dgram.Datagram) {
	if !s.cfg.Distribute {
		for _, ch := range s.consumers {
			ch <- d
		}
		return
	}
	ch := s.consumers[s.rrQueue%len(s.consumers)]
	s.rrQueue++
	ch <- d
}

// FreeCount returns the current free-list depth, for diagnostics and
// tests.
func (s *Server) FreeCount() int { return s.free.Len() }
