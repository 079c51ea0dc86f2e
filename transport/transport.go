// Package transport defines the packet radio contract meshsocket runs on.
//
// A Transport offers best-effort delivery of small opaque packets addressed
// to a peer, and a single stream of inbound packets tagged with the
// application port they were sent on. Everything above that (handshakes,
// framing, retransmission) lives in the meshsocket package.
package transport

import "context"

// PeerID is the mesh address of a node (e.g. "!a1b2c3d4").
type PeerID string

// Packet is one inbound or outbound radio packet.
type Packet struct {
	From    PeerID
	To      PeerID
	Port    uint32
	Payload []byte
}

// Transport is implemented by the radio layer.
// Implementations must be safe for concurrent use.
type Transport interface {
	// LocalID returns the address of this node.
	LocalID() PeerID
	// Send transmits payload to the given peer on the given application port.
	// wantAck requests link-level delivery confirmation where supported; it is
	// independent of meshsocket's own ACK frames.
	Send(ctx context.Context, to PeerID, port uint32, payload []byte, wantAck bool) error
	// Receive returns the inbound packet stream. It is closed when the
	// transport shuts down.
	Receive() <-chan Packet
}
