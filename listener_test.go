package meshsocket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Zereker/meshsocket/transport/mem"
)

// mockHandler implements Handler interface for testing
type mockHandler struct {
	mu       sync.Mutex
	conns    []*Conn
	handleCh chan *Conn
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		conns:    make([]*Conn, 0),
		handleCh: make(chan *Conn, 10),
	}
}

func (h *mockHandler) Handle(conn *Conn) {
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()

	select {
	case h.handleCh <- conn:
	default:
	}
}

func (h *mockHandler) getConns() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns
}

func TestBind_Twice(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	d := startNode(t, network, "srv")

	l, err := d.Bind()
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if _, err := d.Bind(); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("expected ErrAlreadyBound, got %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := d.Bind(); err != nil {
		t.Errorf("Bind after Close failed: %v", err)
	}
}

func TestBind_AfterStop(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	d := startNode(t, network, "srv")

	d.stop(t)
	if _, err := d.Bind(); !errors.Is(err, ErrDispatcherStopped) {
		t.Errorf("expected ErrDispatcherStopped, got %v", err)
	}
}

func TestListener_OnAccept(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	server := startNode(t, network, "srv")
	client := startNode(t, network, "cli")

	l, err := server.Bind()
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	handler := newMockHandler()
	l.OnAccept(handler)

	cli, err := client.Connect(context.Background(), "srv", time.Second)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case conn := <-handler.handleCh:
		if conn.ID() != cli.ID() {
			t.Errorf("handler got %q, client has %q", conn.ID(), cli.ID())
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not called")
	}

	if n := len(handler.getConns()); n != 1 {
		t.Errorf("handled %d connections, want 1", n)
	}
}

func TestListener_EchoHandler(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	server := startNode(t, network, "srv")
	client := startNode(t, network, "cli")

	l, err := server.Bind()
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	l.OnAcceptFunc(func(conn *Conn) {
		defer conn.Close()
		msg, err := conn.Read(time.Second)
		if err != nil {
			return
		}
		_ = conn.Write(msg, true)
		_, _ = conn.Read(time.Second)
	})

	cli, err := client.Connect(context.Background(), "srv", time.Second)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer cli.Close()

	payload := randomBytes(600)
	if err := cli.Write(payload, false); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	reply, err := cli.Read(2 * time.Second)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(reply) != string(payload) {
		t.Error("echo mismatch")
	}
}

func TestListener_AcceptClosed(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	d := startNode(t, network, "srv")

	l, err := d.Bind()
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	_ = l.Close()
	_ = l.Close()

	if _, err := l.Accept(context.Background()); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("expected ErrListenerClosed, got %v", err)
	}
}

func TestListener_AcceptContext(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	d := startNode(t, network, "srv")

	l, err := d.Bind()
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestListener_ClosedStopsAccepting(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	server := startNode(t, network, "srv")
	client := startNode(t, network, "cli")

	l, err := server.Bind()
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	_ = l.Close()

	if _, err := client.Connect(context.Background(), "srv", 50*time.Millisecond); !errors.Is(err, ErrHandshakeTimeout) {
		t.Errorf("expected ErrHandshakeTimeout, got %v", err)
	}
}
