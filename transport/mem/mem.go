// Package mem is an in-process lossy packet network. Useful for tests and as
// a stand-in for a radio mesh in demos.
package mem

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/Zereker/meshsocket/transport"
)

// ErrNodeClosed is returned when sending from a node that has left the network.
var ErrNodeClosed = errors.New("mem: node closed")

// ErrPacketTooLarge is returned when a packet exceeds the network's MTU.
var ErrPacketTooLarge = errors.New("mem: packet too large")

// DropFunc decides whether a packet in flight is lost.
type DropFunc func(p transport.Packet) bool

// TapFunc observes every packet handed to the network, including dropped ones.
type TapFunc func(p transport.Packet)

const defaultQueueSize = 256

// Network connects any number of in-process nodes.
type Network struct {
	mu    sync.RWMutex
	nodes map[transport.PeerID]*Node
	drop  DropFunc
	tap   TapFunc
	mtu   int
}

// NewNetwork creates an empty network. A positive mtu makes Send reject
// larger packets.
func NewNetwork(mtu int) *Network {
	return &Network{nodes: make(map[transport.PeerID]*Node), mtu: mtu}
}

// SetDropFunc installs a loss model. nil disables loss.
func (n *Network) SetDropFunc(fn DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

// SetTap installs a packet observer. nil removes it.
func (n *Network) SetTap(fn TapFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tap = fn
}

// Join attaches a node with the given address. Joining twice with the same
// address returns the existing node.
func (n *Network) Join(id transport.PeerID) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	if node, ok := n.nodes[id]; ok {
		return node
	}
	node := &Node{
		id:      id,
		network: n,
		rx:      make(chan transport.Packet, defaultQueueSize),
		closed:  make(chan struct{}),
	}
	n.nodes[id] = node
	return node
}

func (n *Network) leave(id transport.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

func (n *Network) deliver(p transport.Packet) error {
	n.mu.RLock()
	mtu, drop, tap := n.mtu, n.drop, n.tap
	dst := n.nodes[p.To]
	n.mu.RUnlock()

	if mtu > 0 && len(p.Payload) > mtu {
		return errors.Wrapf(ErrPacketTooLarge, "%d > %d bytes", len(p.Payload), mtu)
	}
	if tap != nil {
		tap(p)
	}
	if drop != nil && drop(p) {
		return nil
	}
	// Unknown destinations behave like an out-of-range radio: silent loss.
	if dst == nil {
		return nil
	}
	dst.push(p)
	return nil
}

// Node is one attachment point on a Network and implements transport.Transport.
type Node struct {
	id      transport.PeerID
	network *Network

	mu     sync.Mutex
	rx     chan transport.Packet
	closed chan struct{}
	done   bool
}

var _ transport.Transport = (*Node)(nil)

// LocalID implements transport.Transport.
func (n *Node) LocalID() transport.PeerID {
	return n.id
}

// Send implements transport.Transport. wantAck is accepted and ignored: the
// in-process link never loses a confirmed packet silently.
func (n *Node) Send(ctx context.Context, to transport.PeerID, port uint32, payload []byte, _ bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-n.closed:
		return ErrNodeClosed
	default:
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	return n.network.deliver(transport.Packet{From: n.id, To: to, Port: port, Payload: buf})
}

// Receive implements transport.Transport.
func (n *Node) Receive() <-chan transport.Packet {
	return n.rx
}

// Close detaches the node and closes its receive stream. Safe to call
// multiple times.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done {
		return nil
	}
	n.done = true
	close(n.closed)
	n.network.leave(n.id)
	close(n.rx)
	return nil
}

// push enqueues without blocking; a full queue drops like a saturated radio.
func (n *Node) push(p transport.Packet) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done {
		return
	}
	select {
	case n.rx <- p:
	default:
	}
}
