package meshsocket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/meshsocket/transport"
)

// errTransportClosed ends Run when the transport closes its receive stream.
var errTransportClosed = errors.New("transport receive stream closed")

// connKey identifies a connection on this node. The connection id alone is
// not enough: ids are chosen by the accepting side, so two remote servers may
// pick the same one.
type connKey struct {
	peer transport.PeerID
	id   string
}

// Dispatcher owns a transport's inbound packet stream and routes frames to
// connections, pending dials, and the listener.
type Dispatcher struct {
	transport transport.Transport
	opts      options
	logger    Logger
	metrics   *metrics

	// ctx scopes every transport send; canceled when Run exits.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	conns    map[connKey]*Conn
	pending  map[transport.PeerID]*Conn
	listener *Listener
	accepted int
	stopped  bool

	nextID   atomic.Uint64
	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher over t. Run must be called for any
// inbound traffic to be processed.
// Returns an error if t is nil or the options cannot frame control packets.
func NewDispatcher(t transport.Transport, opt ...Option) (*Dispatcher, error) {
	if t == nil {
		return nil, ErrInvalidTransport
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		transport: t,
		opts:      opts,
		logger:    opts.logger,
		metrics:   newMetrics(opts.registry),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[connKey]*Conn),
		pending:   make(map[transport.PeerID]*Conn),
		done:      make(chan struct{}),
	}, nil
}

// LocalID returns the address of the node this dispatcher runs on.
func (d *Dispatcher) LocalID() transport.PeerID {
	return d.transport.LocalID()
}

// Run consumes the transport's inbound packets until ctx is canceled or the
// transport closes its stream. When Run returns, every connection is closed
// locally and pending dials fail with ErrDispatcherStopped.
// A dispatcher can be run only once.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatcher already running")
	}

	d.logger.Info("dispatcher started", "node", d.transport.LocalID(), "port", d.opts.port)
	d.logger.Debug("dispatcher options", "node", d.transport.LocalID(),
		"codec", d.opts.codec.Name(),
		"max_packet_size", d.opts.maxPacketSize,
		"max_retries", d.opts.maxRetries,
		"ack_timeout", d.opts.ackTimeout,
		"connect_timeout", d.opts.connectTimeout)

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return d.receiveLoop(child)
	})

	group.Go(func() error {
		<-child.Done()
		d.shutdown()
		return nil
	})

	err := group.Wait()
	d.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Info("dispatcher stopped with error", "node", d.transport.LocalID(), "error", err)
	} else {
		d.logger.Info("dispatcher stopped", "node", d.transport.LocalID())
	}
	return err
}

// Done is closed once the dispatcher has stopped.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Bind starts accepting inbound connections. Only one listener may be bound
// at a time.
func (d *Dispatcher) Bind() (*Listener, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil, ErrDispatcherStopped
	}
	if d.listener != nil {
		return nil, ErrAlreadyBound
	}

	d.listener = newListener(d)
	d.logger.Info("listening for connections", "node", d.transport.LocalID(), "port", d.opts.port)
	return d.listener, nil
}

// Connect opens a connection to peer. It sends CONN_REQUEST and waits up to
// timeout (a non-positive timeout uses the configured connect timeout) for
// the peer's CONN_ACCEPT.
//
// Returns:
//   - the open connection
//   - ErrHandshakeTimeout: no answer in time
//   - ErrConnectionDenied: the peer answered CONN_DENY
//   - ErrDialInProgress: another dial to peer is pending
//   - ErrDispatcherStopped: the dispatcher is not running any more
func (d *Dispatcher) Connect(ctx context.Context, peer transport.PeerID, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = d.opts.connectTimeout
	}

	c := newConn(d, peer, "", StateHandshaking)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, ErrDispatcherStopped
	}
	if _, ok := d.pending[peer]; ok {
		d.mu.Unlock()
		return nil, ErrDialInProgress
	}
	d.pending[peer] = c
	d.mu.Unlock()

	if err := d.send(peer, &Frame{Flags: FlagConnRequest}); err != nil {
		d.cancelDial(c)
		return nil, err
	}
	d.logger.Info("connection requested", "peer", peer, "timeout", timeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-c.established:
		return d.dialResult(c)
	case <-ctx.Done():
	}

	if !d.cancelDial(c) {
		// The handshake resolved while the deadline fired.
		<-c.established
		return d.dialResult(c)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		d.logger.Info("connection request timed out", "peer", peer, "timeout", timeout)
		return nil, ErrHandshakeTimeout
	}
	return nil, ctx.Err()
}

// cancelDial removes a pending dial. It reports false if the dispatcher
// already resolved it.
func (d *Dispatcher) cancelDial(c *Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending[c.remote] != c {
		return false
	}
	delete(d.pending, c.remote)
	c.state.Store(int32(StateClosedLocal))
	return true
}

func (d *Dispatcher) dialResult(c *Conn) (*Conn, error) {
	if c.handshakeErr != nil {
		return nil, c.handshakeErr
	}
	return c, nil
}

// receiveLoop is the single reader of the transport's packet stream.
func (d *Dispatcher) receiveLoop(ctx context.Context) error {
	packets := d.transport.Receive()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-packets:
			if !ok {
				return errTransportClosed
			}
			d.handlePacket(pkt)
		}
	}
}

// handlePacket filters, decodes and routes one inbound packet. It never
// blocks on a connection.
func (d *Dispatcher) handlePacket(pkt transport.Packet) {
	if pkt.Port != d.opts.port {
		d.metrics.framesDropped.WithLabelValues(dropWrongPort).Inc()
		return
	}

	f, err := d.opts.codec.Decode(pkt.Payload)
	if err != nil {
		d.metrics.framesDropped.WithLabelValues(dropDecode).Inc()
		d.logger.Warn("dropping undecodable frame", "from", pkt.From, "size", len(pkt.Payload), "error", err)
		return
	}
	d.metrics.framesReceived.WithLabelValues(f.kind()).Inc()

	switch {
	case f.Flags.Has(FlagConnRequest) && f.ConnectionID == "":
		d.accept(pkt.From)
	case f.Flags.Has(FlagConnAccept) || f.Flags.Has(FlagConnDeny):
		if !d.completeDial(pkt.From, f) {
			d.metrics.framesDropped.WithLabelValues(dropStrayHandshake).Inc()
			d.logger.Debug("dropping handshake reply without pending dial", "from", pkt.From, "flags", f.Flags)
		}
	default:
		d.route(pkt.From, f)
	}
}

func (d *Dispatcher) route(from transport.PeerID, f *Frame) {
	d.mu.RLock()
	c := d.conns[connKey{peer: from, id: f.ConnectionID}]
	d.mu.RUnlock()

	if c == nil {
		d.metrics.framesDropped.WithLabelValues(dropUnknownConn).Inc()
		d.logger.Debug("dropping frame for unknown connection", "from", from, "conn", f.ConnectionID, "flags", f.Flags)
		return
	}
	if !c.enqueue(f) {
		d.metrics.framesDropped.WithLabelValues(dropQueueFull).Inc()
		d.logger.Warn("connection queue full, dropping frame", "conn", c.id, "flags", f.Flags)
	}
}

// completeDial resolves the pending dial to from with a CONN_ACCEPT or
// CONN_DENY. An accepted connection is registered before the dialer wakes,
// so frames the server sends right after accepting are routed.
func (d *Dispatcher) completeDial(from transport.PeerID, f *Frame) bool {
	d.mu.Lock()
	c := d.pending[from]
	if c == nil {
		d.mu.Unlock()
		return false
	}
	delete(d.pending, from)

	if f.Flags.Has(FlagConnAccept) && f.ConnectionID != "" {
		c.id = f.ConnectionID
		c.state.Store(int32(StateOpen))
		d.conns[connKey{peer: from, id: c.id}] = c
		d.mu.Unlock()

		d.metrics.activeConnections.Inc()
		c.start()
	} else {
		c.state.Store(int32(StateClosedRemote))
		c.handshakeErr = ErrConnectionDenied
		d.mu.Unlock()

		d.logger.Info("connection denied", "peer", from)
	}

	close(c.established)
	return true
}

// accept runs the server side of the handshake for a CONN_REQUEST from peer.
func (d *Dispatcher) accept(peer transport.PeerID) {
	d.mu.Lock()
	l := d.listener
	if l == nil {
		d.mu.Unlock()
		d.metrics.framesDropped.WithLabelValues(dropNotListening).Inc()
		d.logger.Debug("dropping connection request, not listening", "from", peer)
		return
	}

	if limit := d.opts.maxConnections; limit > 0 && d.accepted >= limit {
		d.mu.Unlock()
		d.logger.Warn("denying connection, limit reached", "from", peer, "limit", limit)
		go func() {
			if err := d.send(peer, &Frame{Flags: FlagConnDeny}); err != nil {
				d.logger.Debug("deny failed", "peer", peer, "error", err)
			}
		}()
		return
	}

	c := newConn(d, peer, d.newConnID(), StateOpen)
	c.accepted = true
	d.conns[connKey{peer: peer, id: c.id}] = c
	d.accepted++
	d.mu.Unlock()

	d.metrics.activeConnections.Inc()
	c.start()
	go l.handoff(c)
}

// newConnID returns an id unique on this node: its address plus a counter.
// The address alone would make every connection accepted here share an id.
func (d *Dispatcher) newConnID() string {
	return fmt.Sprintf("%s:%x", d.transport.LocalID(), d.nextID.Add(1))
}

// unregister forgets a closed connection so later frames for it are dropped.
func (d *Dispatcher) unregister(c *Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := connKey{peer: c.remote, id: c.id}
	if d.conns[key] != c {
		return
	}
	delete(d.conns, key)
	if c.accepted {
		d.accepted--
	}
	d.metrics.activeConnections.Dec()
}

func (d *Dispatcher) unbind(l *Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == l {
		d.listener = nil
	}
}

// send encodes and transmits a single-packet frame.
func (d *Dispatcher) send(to transport.PeerID, f *Frame) error {
	b, err := d.opts.codec.Encode(f)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}
	return d.sendRaw(to, f.kind(), b)
}

// sendRaw hands one encoded frame to the transport. Nothing larger than the
// packet ceiling ever reaches the transport.
func (d *Dispatcher) sendRaw(to transport.PeerID, kind string, b []byte) error {
	if len(b) > d.opts.maxPacketSize {
		return errors.Wrapf(ErrMessageTooLarge, "%s frame is %d bytes, limit %d", kind, len(b), d.opts.maxPacketSize)
	}
	if err := d.transport.Send(d.ctx, to, d.opts.port, b, !d.opts.noLinkAck); err != nil {
		if d.ctx.Err() != nil {
			return ErrDispatcherStopped
		}
		return errors.Wrapf(err, "send %s to %s", kind, to)
	}
	d.metrics.framesSent.WithLabelValues(kind).Inc()
	return nil
}

// shutdown closes every connection locally, fails pending dials and stops
// the listener. Safe to call multiple times.
func (d *Dispatcher) shutdown() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		conns := make([]*Conn, 0, len(d.conns))
		for _, c := range d.conns {
			conns = append(conns, c)
		}
		pending := d.pending
		d.pending = make(map[transport.PeerID]*Conn)
		l := d.listener
		d.mu.Unlock()

		d.cancel()

		for _, c := range pending {
			c.state.Store(int32(StateClosedLocal))
			c.handshakeErr = ErrDispatcherStopped
			close(c.established)
		}
		for _, c := range conns {
			c.abort()
		}
		if l != nil {
			_ = l.Close()
		}
		close(d.done)
	})
}
