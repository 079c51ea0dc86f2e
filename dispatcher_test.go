package meshsocket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Zereker/meshsocket/transport"
	"github.com/Zereker/meshsocket/transport/mem"
)

func TestNewDispatcher_NilTransport(t *testing.T) {
	_, err := NewDispatcher(nil)
	if !errors.Is(err, ErrInvalidTransport) {
		t.Errorf("expected ErrInvalidTransport, got %v", err)
	}
}

func TestNewDispatcher_PacketTooSmall(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	_, err := NewDispatcher(network.Join("a"), MaxPacketSizeOption(16))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestDispatcher_RunTwice(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	d := startNode(t, network, "a")

	waitFor(t, "dispatcher running", d.running.Load)
	if err := d.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}

func TestDispatcher_TransportClosed(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	d := startNode(t, network, "a")

	_ = d.node.Close()

	select {
	case err := <-d.runErr:
		if !errors.Is(err, errTransportClosed) {
			t.Errorf("Run returned %v, want errTransportClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the transport closed")
	}
}

func TestDispatcher_ConnectTimeout(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	server := startNode(t, network, "srv") // never binds
	client := startNode(t, network, "cli")

	start := time.Now()
	conn, err := client.Connect(context.Background(), "srv", 100*time.Millisecond)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if conn != nil {
		t.Error("expected no connection")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Connect returned after %v", elapsed)
	}

	waitFor(t, "request dropped", func() bool {
		return server.metric(t, "meshsocket_frames_dropped_total", "reason", dropNotListening) == 1
	})

	// The pending dial is released.
	client.mu.RLock()
	pending := len(client.pending)
	client.mu.RUnlock()
	if pending != 0 {
		t.Errorf("%d dials still pending", pending)
	}
}

func TestDispatcher_ConnectUnreachable(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	client := startNode(t, network, "cli")

	_, err := client.Connect(context.Background(), "nobody", 50*time.Millisecond)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Errorf("expected ErrHandshakeTimeout, got %v", err)
	}
}

func TestDispatcher_ConnectCanceled(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	client := startNode(t, network, "cli")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Connect(ctx, "nobody", time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDispatcher_DialInProgress(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	client := startNode(t, network, "cli")

	first := make(chan error, 1)
	go func() {
		_, err := client.Connect(context.Background(), "nobody", 300*time.Millisecond)
		first <- err
	}()

	waitFor(t, "pending dial", func() bool {
		client.mu.RLock()
		defer client.mu.RUnlock()
		return client.pending["nobody"] != nil
	})

	if _, err := client.Connect(context.Background(), "nobody", time.Second); !errors.Is(err, ErrDialInProgress) {
		t.Errorf("expected ErrDialInProgress, got %v", err)
	}
	if err := <-first; !errors.Is(err, ErrHandshakeTimeout) {
		t.Errorf("first dial: expected ErrHandshakeTimeout, got %v", err)
	}
}

func TestDispatcher_MaxConnections(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	server := startNode(t, network, "srv", MaxConnectionsOption(1))
	first := startNode(t, network, "c1")
	second := startNode(t, network, "c2")

	_, c1 := connectPair(t, server, first)

	_, err := second.Connect(context.Background(), "srv", time.Second)
	if !errors.Is(err, ErrConnectionDenied) {
		t.Fatalf("expected ErrConnectionDenied, got %v", err)
	}

	if err := c1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitFor(t, "slot released", func() bool {
		server.mu.RLock()
		defer server.mu.RUnlock()
		return server.accepted == 0
	})

	c2, err := second.Connect(context.Background(), "srv", time.Second)
	if err != nil {
		t.Fatalf("Connect after release failed: %v", err)
	}
	if c2.State() != StateOpen {
		t.Errorf("state = %v, want open", c2.State())
	}
}

func TestDispatcher_MultipleConnectionsSamePeer(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	server := startNode(t, network, "srv")
	client := startNode(t, network, "cli")

	srv1, cli1 := connectPair(t, server, client)

	cli2, err := client.Connect(context.Background(), "srv", time.Second)
	if err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if cli2.ID() == cli1.ID() {
		t.Fatalf("both connections got id %q", cli1.ID())
	}

	server.mu.RLock()
	l := server.listener
	server.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv2, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	if err := cli2.Write([]byte("two"), false); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := cli1.Write([]byte("one"), false); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if msg, err := srv1.Read(time.Second); err != nil || string(msg) != "one" {
		t.Errorf("conn 1 read %q, %v", msg, err)
	}
	if msg, err := srv2.Read(time.Second); err != nil || string(msg) != "two" {
		t.Errorf("conn 2 read %q, %v", msg, err)
	}
}

func TestDispatcher_DropsStrayPackets(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	server := startNode(t, network, "srv")
	client := startNode(t, network, "cli")
	raw := network.Join("raw")

	if _, err := server.Bind(); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	encode := func(f *Frame) []byte {
		b, err := JSONCodec{}.Encode(f)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		return b
	}

	ctx := context.Background()
	stray := []struct {
		port    uint32
		payload []byte
	}{
		{1, encode(&Frame{Flags: FlagConnRequest})},
		{Port, []byte("not a frame")},
		{Port, []byte(`{"flag":["CHUNK"]}`)},
		{Port, encode(&Frame{Flags: FlagData, Payload: []byte("x"), ConnectionID: "ghost"})},
		{Port, encode(&Frame{Flags: FlagConnAccept, ConnectionID: "raw:1"})},
	}
	for _, s := range stray {
		if err := raw.Send(ctx, "srv", s.port, s.payload, false); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	waitFor(t, "drops counted", func() bool {
		return server.metric(t, "meshsocket_frames_dropped_total") == float64(len(stray))
	})

	want := map[string]float64{
		dropWrongPort:      1,
		dropDecode:         2,
		dropUnknownConn:    1,
		dropStrayHandshake: 1,
	}
	for reason, n := range want {
		if got := server.metric(t, "meshsocket_frames_dropped_total", "reason", reason); got != n {
			t.Errorf("%s drops = %v, want %v", reason, got, n)
		}
	}

	// The dispatcher keeps serving.
	if _, err := client.Connect(ctx, "srv", time.Second); err != nil {
		t.Errorf("Connect after stray packets failed: %v", err)
	}
}

func TestDispatcher_ShutdownFailsPendingDial(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	client := startNode(t, network, "cli")

	result := make(chan error, 1)
	go func() {
		_, err := client.Connect(context.Background(), "nobody", 10*time.Second)
		result <- err
	}()

	waitFor(t, "pending dial", func() bool {
		client.mu.RLock()
		defer client.mu.RUnlock()
		return len(client.pending) == 1
	})
	client.stop(t)

	select {
	case err := <-result:
		if !errors.Is(err, ErrDispatcherStopped) {
			t.Errorf("expected ErrDispatcherStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending dial not released by shutdown")
	}

	if _, err := client.Connect(context.Background(), "nobody", time.Second); !errors.Is(err, ErrDispatcherStopped) {
		t.Errorf("Connect after stop: %v", err)
	}
}

func TestDispatcher_ShutdownClosesConnections(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	server := startNode(t, network, "srv")
	client := startNode(t, network, "cli")

	_, cli := connectPair(t, server, client)

	result := make(chan error, 1)
	go func() {
		_, err := cli.Read(10 * time.Second)
		result <- err
	}()

	client.stop(t)

	select {
	case err := <-result:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read not woken by shutdown")
	}
	if cli.State() != StateClosedLocal {
		t.Errorf("state = %v, want closed_local", cli.State())
	}
	if err := cli.Write([]byte("x"), false); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Write after stop: %v", err)
	}
}

func TestDispatcher_NewConnIDUnique(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	d, err := NewDispatcher(network.Join("!a1b2"))
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := d.newConnID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if id := d.newConnID(); id[:6] != "!a1b2:" {
		t.Errorf("id %q not prefixed with the node address", id)
	}
}

func TestDispatcher_LocalID(t *testing.T) {
	network := mem.NewNetwork(MaxBytes)
	d := startNode(t, network, transport.PeerID("!cafe"))

	if d.LocalID() != "!cafe" {
		t.Errorf("LocalID = %q", d.LocalID())
	}
}
