// Package poster implements the Contribution Poster from spec.md §4.3:
// per-contribution batching against the local Batch Manager, deterministic
// round-robin peer selection, and posting through the fabric link layer.
//
// Grounded on router/router.go's CoreRouter fan-out table (a dense,
// pre-wired slice of destination handles selected by a cheap index
// computation rather than a hash lookup) generalized from "fan out to
// every affected queue" to "route to exactly one peer, chosen
// deterministically by batch index."
package poster

import (
	"fmt"

	"github.com/slac-psdaq/teb/internal/batch"
	"github.com/slac-psdaq/teb/internal/dgram"
	"github.com/slac-psdaq/teb/internal/fabric"
	"github.com/slac-psdaq/teb/internal/imm"
	"github.com/slac-psdaq/teb/internal/logging"
	"github.com/slac-psdaq/teb/internal/metrics"
	"github.com/slac-psdaq/teb/internal/pulseid"
	"github.com/slac-psdaq/teb/internal/queue"
)

// InFlight records a batch that has been posted and is awaiting its
// result, per spec.md §4.1's in-flight bookkeeping.
type InFlight struct {
	BatchIndex uint64
	StartPID   pulseid.ID
	EndPID     pulseid.ID
	Peer       uint8
	AppPrm     any
}

// Config bundles everything a Poster needs at construction.
type Config struct {
	SelfID          uint8
	Durations       pulseid.Durations
	MaxEntries      int // MAX_ENTRIES: batches per round-robin rotation
	MaxInputSize    uint64
	CommonGroups    uint32 // readout-group bits this core requires intersection with
	BatchingEnabled bool
	Batches         *batch.Manager
	Peers           []*fabric.Link // index == peer id
	InFlight        *queue.Bounded[InFlight]
	Metrics         *metrics.Registry
}

// ErrInFlightFull surfaces spec.md §7's "overflow there is fatal" for the
// in-flight queue: upstream flow control already failed.
var ErrInFlightFull = queue.ErrFull

// Poster is the single contribution-poster instance for one source. Not
// safe for concurrent Insert calls — one Poster is owned by exactly one
// contribution-receive thread, per spec.md §5.
type Poster struct {
	cfg Config

	batchStart *batch.Batch
	contractor uint32 // OR of contractor bits accumulated into the current batch
}

// New constructs a Poster.
func New(cfg Config) *Poster {
	return &Poster{cfg: cfg}
}

// Insert implements spec.md §4.3's per-contribution algorithm. expired
// and flush are independent conditions, not a priority-ordered choice:
// when a contribution both expires the current batch AND forces a flush
// (e.g. a Disable arriving the instant the window closes), the stale
// batch and the triggering contribution are posted separately, exactly
// as two distinct fabric writes.
func (p *Poster) Insert(d dgram.Datagram) error {
	if d.Header.ReadoutGroups&p.cfg.CommonGroups == 0 {
		return p.bypass(d)
	}

	pid := pulseid.ID(d.Header.PulseID)
	if p.batchStart == nil {
		if err := p.start(pid); err != nil {
			return err
		}
		p.contractor = d.Header.ReadoutGroups
	}

	expired := p.cfg.Batches.Expired(pid, p.batchStart.StartPID)
	flush := !d.Header.Kind.IsEvent() || !p.cfg.BatchingEnabled

	if !expired && !flush {
		// Most frequent case when batching.
		p.batchStart.EndPID = pid
		p.contractor |= d.Header.ReadoutGroups
		p.batchStart.Entries = append(p.batchStart.Entries, d)
		return nil
	}

	appended := false
	if expired {
		if p.contractor != 0 {
			if err := p.postCurrent(); err != nil {
				return err
			}
		} else {
			p.cfg.Batches.Return(p.batchStart)
		}
		// Start a new batch using the dgram that expired the old one.
		if err := p.start(pid); err != nil {
			return err
		}
		p.contractor = d.Header.ReadoutGroups
		p.batchStart.Entries = append(p.batchStart.Entries, d)
		appended = true
	}

	if flush {
		p.contractor |= d.Header.ReadoutGroups
		if !appended {
			p.batchStart.EndPID = pid
			p.batchStart.Entries = append(p.batchStart.Entries, d)
		}
		if p.contractor != 0 {
			if err := p.postCurrent(); err != nil {
				return err
			}
		}
		p.batchStart = nil
	}

	return p.forwardTransition(d)
}

// bypass implements spec.md §4.3 step 1: a contribution whose readout
// groups don't intersect the common group skips the builder path
// entirely and is matched locally. Any batch accumulating under this
// poster is flushed first, so bypassing a contribution never silently
// drops contributions already committed to the in-progress batch.
func (p *Poster) bypass(d dgram.Datagram) error {
	if p.batchStart != nil {
		if p.contractor != 0 {
			if err := p.postCurrent(); err != nil {
				return err
			}
		} else {
			p.cfg.Batches.Return(p.batchStart)
		}
		p.batchStart = nil
	}

	pid := pulseid.ID(d.Header.PulseID)
	idx := p.cfg.Durations.BatchIndex(pid)
	entry := InFlight{BatchIndex: idx, StartPID: pid, EndPID: pid, Peer: p.cfg.SelfID}
	if err := p.cfg.InFlight.Push(entry); err != nil {
		p.countOverflow()
		return fmt.Errorf("poster: bypass in-flight push: %w", err)
	}
	return p.forwardTransition(d)
}

// forwardTransition forwards d to every non-selected peer if it is a
// transition the current contractor set actually applies to; a no-op for
// ordinary events and for a contractor-less poster.
func (p *Poster) forwardTransition(d dgram.Datagram) error {
	if d.Header.Kind.IsEvent() || p.contractor == 0 {
		return nil
	}
	return p.forwardToOthers(d)
}

// start opens a fresh batch at pid via FetchW, per spec.md §4.2.
func (p *Poster) start(pid pulseid.ID) error {
	b, ok := p.cfg.Batches.FetchW(pid)
	if !ok {
		return fmt.Errorf("poster: batch manager stopped")
	}
	p.batchStart = b
	p.contractor = 0
	return nil
}

// peerFor implements spec.md §4.3's deterministic round-robin: every
// contributor independently agrees on which peer receives a given pulse
// ID's batch without any coordination.
func (p *Poster) peerFor(batchIndex uint64) uint8 {
	numPeers := uint64(len(p.cfg.Peers))
	return uint8((batchIndex / uint64(p.cfg.MaxEntries)) % numPeers)
}

// postCurrent posts p.batchStart to its round-robin peer and records it
// in the in-flight queue.
func (p *Poster) postCurrent() error {
	b := p.batchStart
	peer := p.peerFor(b.Index)

	buf, err := encodeBatch(b, p.cfg.MaxInputSize)
	if err != nil {
		return err
	}

	word := imm.Encode(imm.Buffer|imm.Response, p.cfg.SelfID, uint16(b.Index))
	offset := b.Index * p.cfg.MaxInputSize
	link := p.cfg.Peers[peer]
	if err := link.Post(buf, offset, word); err != nil {
		p.countPeerFailure(peer)
		logging.Warn("POSTER", "peer post failed, batch slot returned: "+err.Error())
		p.cfg.Batches.Return(b)
		return nil
	}
	p.countPosted(peer)

	entry := InFlight{BatchIndex: b.Index, StartPID: b.StartPID, EndPID: b.EndPID, Peer: peer}
	if err := p.cfg.InFlight.Push(entry); err != nil {
		p.countOverflow()
		return fmt.Errorf("poster: in-flight push: %w", err)
	}
	return nil
}

// forwardToOthers implements spec.md §4.3 step 4: for any non-event
// transition, forward a NoResponse-tagged copy to every peer other than
// the one selected for this transition's own batch index, so they stay
// synchronized. The selection is keyed off d's own pulse ID, not
// whatever batch happens to be open at the time — by the time a
// transition reaches here its batch may already have been posted and
// cleared.
func (p *Poster) forwardToOthers(d dgram.Datagram) error {
	if len(p.cfg.Peers) < 2 {
		return nil
	}
	idx := p.cfg.Durations.BatchIndex(pulseid.ID(d.Header.PulseID))
	selected := p.peerFor(idx)
	buf := encodeTransition(d)
	word := imm.Encode(imm.Transition|imm.NoResponse, p.cfg.SelfID, 0)
	for i, link := range p.cfg.Peers {
		if uint8(i) == selected {
			continue
		}
		if err := link.Post(buf, 0, word); err != nil {
			p.countPeerFailure(uint8(i))
			logging.Warn("POSTER", "transition forward failed: "+err.Error())
		}
	}
	return nil
}

// Flush forces the current batch out, used on a caller-driven transition
// (e.g. Disable, which must flush in-progress result batches everywhere).
func (p *Poster) Flush() error {
	if p.batchStart == nil || p.contractor == 0 {
		return nil
	}
	return p.postCurrent()
}

func encodeBatch(b *batch.Batch, maxInputSize uint64) ([]byte, error) {
	var out []byte
	for i := range b.Entries {
		d := &b.Entries[i]
		if err := d.Validate(maxInputSize); err != nil {
			return nil, fmt.Errorf("poster: encode batch[%d]: %w", i, err)
		}
		out = append(out, d.Payload...)
	}
	return out, nil
}

func encodeTransition(d dgram.Datagram) []byte {
	return append([]byte(nil), d.Payload...)
}

func (p *Poster) countOverflow() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.InFlightOverflows.Inc()
	}
}

func (p *Poster) countPeerFailure(peer uint8) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PeerPostFailures.WithLabelValues(fmt.Sprint(peer)).Inc()
	}
}

func (p *Poster) countPosted(peer uint8) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.BatchesPostedByPeer.WithLabelValues(fmt.Sprint(peer)).Inc()
	}
}
