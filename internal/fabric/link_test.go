package fabric

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/slac-psdaq/teb/internal/imm"
)

func serverEcho(t *testing.T, ln net.Listener, got chan<- []byte) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	var hello [1]byte
	conn.Read(hello[:])
	conn.Write([]byte{0x42})

	r := bufio.NewReader(conn)
	_, _, payload, err := ReadFrame(r)
	if err != nil {
		t.Errorf("ReadFrame: %v", err)
		return
	}
	got <- payload
}

func TestPostDeliversPayload(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	got := make(chan []byte, 1)
	go serverEcho(t, ln, got)

	link := NewLink(ln.Addr().String(), 7)
	if err := link.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer link.Close()

	word := imm.Encode(imm.Buffer|imm.Response, link.Identity, 3)
	payload := []byte("contribution payload")
	if err := link.Post(payload, 3*1024, word); err != nil {
		t.Fatalf("post: %v", err)
	}

	select {
	case p := <-got:
		if string(p) != string(payload) {
			t.Fatalf("payload mismatch: got %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for server to observe the post")
	}

	if link.Depth() != 1 {
		t.Fatalf("expected depth 1 after one post, got %d", link.Depth())
	}
}

func TestPostWithoutConnectFails(t *testing.T) {
	link := NewLink("127.0.0.1:1", 1)
	if err := link.Post([]byte("x"), 0, 0); err != ErrNotPrepared {
		t.Fatalf("expected ErrNotPrepared, got %v", err)
	}
}
