package udp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/Zereker/meshsocket/transport"
)

func listen(t *testing.T, id transport.PeerID) *Transport {
	t.Helper()

	tr, err := Listen(id, "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func receive(t *testing.T, tr *Transport) transport.Packet {
	t.Helper()

	select {
	case pkt, ok := <-tr.Receive():
		if !ok {
			t.Fatal("receive stream closed")
		}
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for packet")
		return transport.Packet{}
	}
}

func TestTransport_SendReceive(t *testing.T) {
	a := listen(t, "!a")
	b := listen(t, "!b")

	if err := a.AddPeer("!b", b.Addr().String()); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}

	if err := a.Send(context.Background(), "!b", 433, []byte("hello"), true); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	pkt := receive(t, b)
	if pkt.From != "!a" || pkt.To != "!b" || pkt.Port != 433 || string(pkt.Payload) != "hello" {
		t.Errorf("got %+v", pkt)
	}

	// b learned a's address from the datagram and can reply.
	if err := b.Send(context.Background(), "!a", 433, []byte("back"), false); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if pkt := receive(t, a); string(pkt.Payload) != "back" {
		t.Errorf("reply payload = %q", pkt.Payload)
	}
}

func TestTransport_UnknownPeer(t *testing.T) {
	a := listen(t, "!a")

	err := a.Send(context.Background(), "!nobody", 433, []byte("x"), false)
	if !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestTransport_ForeignDatagramIgnored(t *testing.T) {
	a := listen(t, "!a")
	b := listen(t, "!b")

	conn, err := net.DialUDP("udp", nil, b.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("not an envelope")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := a.AddPeer("!b", b.Addr().String()); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}
	if err := a.Send(context.Background(), "!b", 1, []byte("real"), false); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if pkt := receive(t, b); string(pkt.Payload) != "real" {
		t.Errorf("got %q, want the real packet", pkt.Payload)
	}
}

func TestTransport_Close(t *testing.T) {
	a := listen(t, "!a")

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, ok := <-a.Receive(); ok {
		t.Error("receive stream still open")
	}
	if err := a.Send(context.Background(), "!b", 1, nil, false); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestTransport_CanceledContext(t *testing.T) {
	a := listen(t, "!a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Send(ctx, "!b", 1, nil, false); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
