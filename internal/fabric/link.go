// Package fabric is the Go-native stand-in for the RDMA fabric transport
// spec.md §1 scopes out of this core's implementation, carrying only the
// semantics spec.md §4.6 and §6 require: offset-addressed posts, a
// 32-bit immediate word delivered out-of-band, a named connection
// handshake with a 120s timeout, and `<0`-style failures mapped onto Go
// errors.
//
// Grounded on ws/ws_conn.go and ws/ws_io.go's buffered-I/O endpoint
// shape: a persistent net.Conn wrapped in bufio readers/writers, a fixed
// handshake exchanged once at connect time, then a tight write loop for
// the steady-state traffic.
package fabric

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/slac-psdaq/teb/internal/imm"
)

// HandshakeTimeout is the 120s connection-establishment deadline from
// spec.md §4.6.
const HandshakeTimeout = 120 * time.Second

// frameHeaderSize is the on-wire header preceding every post: remote
// offset (8 bytes), immediate word (4 bytes), payload length (4 bytes).
const frameHeaderSize = 8 + 4 + 4

var (
	// ErrNotPrepared is returned by Post if called before Connect.
	ErrNotPrepared = errors.New("fabric: link not prepared")
	// ErrHandshakeTimeout surfaces the 120s handshake deadline expiring.
	ErrHandshakeTimeout = errors.New("fabric: handshake timed out")
)

// Link is one peer endpoint: address, identity, and the buffered
// connection used to post batches/transitions. Per-link send state is
// accessed only by its owning poster thread (spec.md §5).
type Link struct {
	Identity uint8 // this node's selfId, embedded in every immediate word
	Addr     string

	mu       sync.Mutex
	conn     net.Conn
	bw       *bufio.Writer
	prepared bool
	depth    int // outstanding posts not yet observed to complete
}

// NewLink builds an unconnected Link for addr, identified as selfID on
// the wire.
func NewLink(addr string, selfID uint8) *Link {
	return &Link{Identity: selfID, Addr: addr}
}

// Connect performs the named handshake: dial, exchange identities, and
// mark the link prepared. Bounded by HandshakeTimeout per spec.md §4.6.
func (l *Link) Connect() error {
	d := net.Dialer{Timeout: HandshakeTimeout}
	conn, err := d.Dial("tcp", l.Addr)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrHandshakeTimeout
		}
		return fmt.Errorf("fabric: dial %s: %w", l.Addr, err)
	}
	deadline := time.Now().Add(HandshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}
	var hello [1]byte
	hello[0] = l.Identity
	if _, err := conn.Write(hello[:]); err != nil {
		conn.Close()
		return fmt.Errorf("fabric: handshake write: %w", err)
	}
	var peerHello [1]byte
	if _, err := conn.Read(peerHello[:]); err != nil {
		conn.Close()
		return fmt.Errorf("fabric: handshake read: %w", err)
	}
	conn.SetDeadline(time.Time{})

	l.mu.Lock()
	l.conn = conn
	l.bw = bufio.NewWriter(conn)
	l.prepared = true
	l.mu.Unlock()
	return nil
}

// Post writes buf to remoteOffset on the peer, tagged with word. Returns
// a non-nil error on any transport failure (spec.md §4.6: "return <0 on
// transport failure"); the caller maps this to the per-peer degrade path
// in spec.md §7 rather than aborting the process.
func (l *Link) Post(buf []byte, remoteOffset uint64, word imm.Word) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.prepared {
		return ErrNotPrepared
	}
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], remoteOffset)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(word))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(buf)))
	if _, err := l.bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("fabric: post header: %w", err)
	}
	if len(buf) > 0 {
		if _, err := l.bw.Write(buf); err != nil {
			return fmt.Errorf("fabric: post payload: %w", err)
		}
	}
	if err := l.bw.Flush(); err != nil {
		return fmt.Errorf("fabric: post flush: %w", err)
	}
	l.depth++
	return nil
}

// Depth returns the send queue depth (spec.md §4.6).
func (l *Link) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth
}

// Close tears down the connection. Idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prepared = false
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

// ReadFrame reads one posted frame off conn: remote offset, immediate
// word, payload. Used by the receiving side of a Link (a peer's
// contribution-receive or result-receive thread).
func ReadFrame(r *bufio.Reader) (remoteOffset uint64, word imm.Word, payload []byte, err error) {
	var hdr [frameHeaderSize]byte
	if _, err = readFull(r, hdr[:]); err != nil {
		return 0, 0, nil, err
	}
	remoteOffset = binary.BigEndian.Uint64(hdr[0:8])
	word = imm.Word(binary.BigEndian.Uint32(hdr[8:12]))
	length := binary.BigEndian.Uint32(hdr[12:16])
	if length == 0 {
		return remoteOffset, word, nil, nil
	}
	payload = make([]byte, length)
	_, err = readFull(r, payload)
	return remoteOffset, word, payload, err
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
