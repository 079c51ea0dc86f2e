// Package udp carries mesh packets over UDP datagrams. It stands in for the
// radio when running the CLI on ordinary hosts: every node binds one socket,
// and a peer table maps mesh addresses to UDP addresses.
package udp

import (
	"context"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Zereker/meshsocket/transport"
)

var (
	// ErrUnknownPeer is returned when sending to an address missing from the peer table.
	ErrUnknownPeer = errors.New("udp: unknown peer")
	// ErrClosed is returned when sending on a closed transport.
	ErrClosed = errors.New("udp: transport closed")
)

const (
	readBufferSize = 64 * 1024
	rxQueueSize    = 256
)

// envelope is the datagram body. The sender's mesh address travels with
// every packet because UDP source addresses say nothing about mesh identity.
type envelope struct {
	_       struct{} `cbor:",toarray"`
	From    string
	Port    uint32
	Payload []byte
}

// Transport implements transport.Transport over a single UDP socket.
type Transport struct {
	id     transport.PeerID
	conn   *net.UDPConn
	logger *zap.Logger

	enc cbor.EncMode
	dec cbor.DecMode

	mu    sync.RWMutex
	peers map[transport.PeerID]*net.UDPAddr

	rx        chan transport.Packet
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// Listen binds address and starts reading datagrams for node id.
// A nil logger disables logging.
func Listen(id transport.PeerID, address string, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", address)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", address)
	}

	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "cbor enc mode")
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "cbor dec mode")
	}

	t := &Transport{
		id:     id,
		conn:   conn,
		logger: logger.With(zap.String("node", string(id))),
		enc:    enc,
		dec:    dec,
		peers:  make(map[transport.PeerID]*net.UDPAddr),
		rx:     make(chan transport.Packet, rxQueueSize),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// Addr returns the bound UDP address.
func (t *Transport) Addr() net.Addr {
	return t.conn.LocalAddr()
}

// AddPeer maps a mesh address to a UDP address. Peers that send to this
// node are learned automatically.
func (t *Transport) AddPeer(id transport.PeerID, address string) error {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return errors.Wrapf(err, "resolve peer %s", id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = raddr
	return nil
}

// LocalID implements transport.Transport.
func (t *Transport) LocalID() transport.PeerID {
	return t.id
}

// Send implements transport.Transport. UDP has no link-level confirmation,
// so wantAck is ignored.
func (t *Transport) Send(ctx context.Context, to transport.PeerID, port uint32, payload []byte, _ bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrClosed
	default:
	}

	t.mu.RLock()
	raddr := t.peers[to]
	t.mu.RUnlock()
	if raddr == nil {
		return errors.Wrapf(ErrUnknownPeer, "%s", to)
	}

	b, err := t.enc.Marshal(envelope{From: string(t.id), Port: port, Payload: payload})
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	if _, err := t.conn.WriteToUDP(b, raddr); err != nil {
		return errors.Wrapf(err, "write to %s", raddr)
	}
	return nil
}

// Receive implements transport.Transport.
func (t *Transport) Receive() <-chan transport.Packet {
	return t.rx
}

// Close closes the socket and, once the reader has exited, the receive
// stream. Safe to call multiple times.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
		<-t.done
	})
	return err
}

func (t *Transport) readLoop() {
	defer close(t.done)
	defer close(t.rx)

	buf := make([]byte, readBufferSize)
	for {
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.logger.Error("udp read failed", zap.Error(err))
			}
			return
		}

		var env envelope
		if err := t.dec.Unmarshal(buf[:n], &env); err != nil || env.From == "" {
			t.logger.Debug("dropping foreign datagram", zap.Stringer("from", raddr), zap.Int("size", n))
			continue
		}

		from := transport.PeerID(env.From)
		t.learn(from, raddr)

		// buf is reused by the next read.
		payload := make([]byte, len(env.Payload))
		copy(payload, env.Payload)

		pkt := transport.Packet{From: from, To: t.id, Port: env.Port, Payload: payload}
		select {
		case t.rx <- pkt:
		default:
			t.logger.Warn("receive queue full, dropping packet", zap.String("from", env.From))
		}
	}
}

// learn records the UDP address a peer last sent from.
func (t *Transport) learn(id transport.PeerID, raddr *net.UDPAddr) {
	t.mu.RLock()
	known := t.peers[id]
	t.mu.RUnlock()
	if known != nil && known.String() == raddr.String() {
		return
	}

	t.mu.Lock()
	t.peers[id] = raddr
	t.mu.Unlock()
	t.logger.Debug("learned peer address", zap.String("peer", string(id)), zap.Stringer("addr", raddr))
}
