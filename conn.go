// Package meshsocket provides reliable, connection-oriented messaging over a
// lossy, low-bandwidth packet radio mesh.
//
// A Dispatcher owns the radio's inbound packet stream and multiplexes it into
// logical connections. Connections perform a small handshake, split messages
// too large for one packet into chunks that are acknowledged one at a time,
// and reassemble and decompress inbound messages.
package meshsocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/meshsocket/transport"
)

// State is the lifecycle stage of a connection.
type State int32

const (
	// StateHandshaking: CONN_REQUEST sent, waiting for CONN_ACCEPT.
	StateHandshaking State = iota
	// StateOpen: frames flow in both directions.
	StateOpen
	// StateClosedLocal: this side closed the connection or gave up the handshake.
	StateClosedLocal
	// StateClosedRemote: the peer closed or denied the connection.
	StateClosedRemote
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosedLocal:
		return "closed_local"
	case StateClosedRemote:
		return "closed_remote"
	default:
		return "unknown"
	}
}

// Conn is one logical connection to a remote peer.
//
// Inbound frames are processed by a dedicated goroutine that owns the
// reassembly state; complete messages are handed to readers through a
// single-slot inbox. A message that is not read before the next one completes
// is replaced by it.
type Conn struct {
	d      *Dispatcher
	remote transport.PeerID
	id     string
	logger Logger

	state    atomic.Int32
	accepted bool // created by a listener

	inbound  chan *Frame
	acks     chan int
	pongs    chan struct{}
	messages chan []byte

	// established is closed when the handshake resolves; handshakeErr is
	// set before that for failed handshakes.
	established  chan struct{}
	handshakeErr error

	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex
	pingMu  sync.Mutex
}

func newConn(d *Dispatcher, remote transport.PeerID, id string, state State) *Conn {
	c := &Conn{
		d:           d,
		remote:      remote,
		id:          id,
		logger:      d.logger,
		inbound:     make(chan *Frame, d.opts.inboundBuffer),
		acks:        make(chan int, 8),
		pongs:       make(chan struct{}, 1),
		messages:    make(chan []byte, 1),
		established: make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.state.Store(int32(state))
	return c
}

// ID returns the connection id chosen by the accepting side.
func (c *Conn) ID() string {
	return c.id
}

// RemotePeer returns the address of the other endpoint.
func (c *Conn) RemotePeer() transport.PeerID {
	return c.remote
}

// State returns the current lifecycle stage.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsClosed returns true if the connection has been closed by either side.
func (c *Conn) IsClosed() bool {
	s := c.State()
	return s == StateClosedLocal || s == StateClosedRemote
}

// Read waits up to timeout for the next message. A non-positive timeout uses
// the dispatcher's configured read timeout.
//
// Returns:
//   - the message bytes
//   - ErrReadTimeout: nothing arrived in time
//   - ErrConnectionClosed: the connection is closed, including when the peer
//     closes it while Read is waiting
func (c *Conn) Read(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.d.opts.readTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	msg, err := c.ReadContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		c.logger.Debug("read timeout", "conn", c.id, "timeout", timeout)
		return nil, ErrReadTimeout
	}
	return msg, err
}

// ReadContext waits for the next message until ctx is done.
func (c *Conn) ReadContext(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return nil, ErrConnectionClosed
	default:
	}

	select {
	case msg := <-c.messages:
		return msg, nil
	case <-c.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping sends a PING and waits up to timeout for the PONG, returning the
// round-trip time.
func (c *Conn) Ping(timeout time.Duration) (time.Duration, error) {
	if c.IsClosed() {
		return 0, ErrConnectionClosed
	}
	if timeout <= 0 {
		timeout = c.d.opts.ackTimeout
	}

	c.pingMu.Lock()
	defer c.pingMu.Unlock()

	select {
	case <-c.pongs:
	default:
	}

	start := time.Now()
	if err := c.d.send(c.remote, &Frame{Flags: FlagPing, ConnectionID: c.id}); err != nil {
		return 0, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.pongs:
		return time.Since(start), nil
	case <-c.done:
		return 0, ErrConnectionClosed
	case <-timer.C:
		return 0, ErrPingTimeout
	}
}

// Close sends CONN_CLOSE to the peer and releases the connection.
// Blocked readers and writers return ErrConnectionClosed.
// Safe to call multiple times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosedLocal))
		err = c.d.send(c.remote, &Frame{Flags: FlagConnClose, ConnectionID: c.id})
		c.teardown()
		c.logger.Info("connection closed", "conn", c.id, "peer", c.remote)
	})
	return err
}

// closeRemote handles an inbound CONN_CLOSE.
func (c *Conn) closeRemote() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosedRemote))
		c.teardown()
		c.logger.Info("connection closed by peer", "conn", c.id, "peer", c.remote)
	})
}

// abort closes the connection without notifying the peer. Used when the
// dispatcher stops or the handshake reply cannot be sent.
func (c *Conn) abort() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosedLocal))
		c.teardown()
	})
}

func (c *Conn) teardown() {
	close(c.done)
	c.d.unregister(c)

	// An unread message is discarded with the connection.
	select {
	case <-c.messages:
	default:
	}
}

// start launches the receive goroutine. Called once the connection is Open.
func (c *Conn) start() {
	c.logger.Info("connection established", "conn", c.id, "peer", c.remote)
	go c.receiveLoop()
}

// enqueue hands an inbound frame to the receive goroutine without blocking
// the dispatcher. It reports false when the queue is full.
func (c *Conn) enqueue(f *Frame) bool {
	select {
	case c.inbound <- f:
		return true
	default:
		return false
	}
}

// receiveLoop is the connection's single consumer of inbound frames.
// Partial chunk groups that see no progress for the reassembly timeout are
// discarded.
func (c *Conn) receiveLoop() {
	r := newReassembler()
	var expire <-chan time.Time

	for {
		select {
		case <-c.done:
			return
		case f := <-c.inbound:
			c.handleFrame(r, f)
			if !f.Flags.Has(FlagChunk) {
				continue
			}
			if r.pending() {
				expire = time.After(c.d.opts.reassemblyTTL)
			} else {
				expire = nil
			}
		case <-expire:
			c.logger.Warn("discarding incomplete chunk group",
				"conn", c.id, "received", len(r.chunks), "total", r.total)
			r.reset()
			expire = nil
		}
	}
}

func (c *Conn) handleFrame(r *reassembler, f *Frame) {
	switch {
	case f.Flags.Has(FlagConnClose):
		c.closeRemote()
	case f.Flags.Has(FlagAck):
		select {
		case c.acks <- f.Metadata.ChunkIndex:
		default:
			c.logger.Debug("ack queue full", "conn", c.id, "chunk", f.Metadata.ChunkIndex)
		}
	case f.Flags.Has(FlagPing):
		if err := c.d.send(c.remote, &Frame{Flags: FlagPong, ConnectionID: c.id}); err != nil {
			c.logger.Debug("pong failed", "conn", c.id, "error", err)
		}
	case f.Flags.Has(FlagPong):
		select {
		case c.pongs <- struct{}{}:
		default:
		}
	case f.Flags.Has(FlagError):
		c.logger.Warn("peer reported error", "conn", c.id, "message", string(f.Payload))
	case f.Flags.Has(FlagChunk):
		c.receiveChunk(r, f)
	case f.Flags.Has(FlagData):
		c.receiveData(f.Metadata.Compression, f.Payload)
	default:
		c.logger.Debug("ignoring frame", "conn", c.id, "flags", f.Flags)
	}
}

// receiveChunk stores a chunk, acknowledges it unconditionally, and delivers
// the message once the group is complete.
func (c *Conn) receiveChunk(r *reassembler, f *Frame) {
	index, total := f.Metadata.ChunkIndex, f.Metadata.TotalChunks
	data, compression, complete := r.add(f)

	ack := &Frame{Flags: FlagAck, ConnectionID: c.id, Metadata: Metadata{ChunkIndex: index}}
	if err := c.d.send(c.remote, ack); err != nil {
		c.logger.Warn("ack failed", "conn", c.id, "chunk", index, "error", err)
	}
	c.logger.Debug("chunk received", "conn", c.id, "chunk", index, "total", total)

	if complete {
		c.receiveData(compression, data)
	}
}

func (c *Conn) receiveData(compression Compression, payload []byte) {
	data, err := decompress(compression, payload)
	if err != nil {
		c.logger.Error("dropping message", "conn", c.id, "error", err)
		return
	}
	if data == nil {
		data = []byte{}
	}
	c.deliver(data)
}

// deliver places msg in the single-slot inbox, replacing an unread message.
// Only the receive goroutine delivers, so the slot is free after the drain.
func (c *Conn) deliver(msg []byte) {
	select {
	case <-c.messages:
		c.d.metrics.messagesOverwritten.Inc()
		c.logger.Debug("unread message overwritten", "conn", c.id)
	default:
	}

	select {
	case c.messages <- msg:
		c.d.metrics.messagesDelivered.Inc()
	default:
	}
}
