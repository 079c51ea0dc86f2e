package meshsocket

import (
	"context"
	"sync"
)

// Handler is the interface for handling accepted connections.
type Handler interface {
	// Handle is called in its own goroutine for each accepted connection.
	// The implementation is responsible for closing the connection.
	Handle(conn *Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn *Conn)

// Handle implements Handler.
func (f HandlerFunc) Handle(conn *Conn) {
	f(conn)
}

const acceptBacklog = 16

// Listener receives the connections a dispatcher accepts. Accepted
// connections go to the handler set with OnAccept or, without one, queue for
// Accept.
type Listener struct {
	d *Dispatcher

	mu      sync.RWMutex
	handler Handler

	backlog   chan *Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func newListener(d *Dispatcher) *Listener {
	return &Listener{
		d:       d,
		backlog: make(chan *Conn, acceptBacklog),
		closed:  make(chan struct{}),
	}
}

// OnAccept sets the handler for connections accepted from now on.
func (l *Listener) OnAccept(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// OnAcceptFunc is OnAccept for a plain function.
func (l *Listener) OnAcceptFunc(fn func(conn *Conn)) {
	l.OnAccept(HandlerFunc(fn))
}

// Accept waits for the next accepted connection when no handler is set.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.backlog:
		return c, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting connections. Connections already accepted stay open.
// Safe to call multiple times.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.d.unbind(l)
		l.d.logger.Info("listener closed", "node", l.d.LocalID())
	})
	return nil
}

// handoff completes the server side of the handshake and passes the
// connection on. It runs in its own goroutine so the dispatcher loop never
// waits on a connection.
func (l *Listener) handoff(c *Conn) {
	accept := &Frame{Flags: FlagConnAccept, ConnectionID: c.id}
	if err := l.d.send(c.remote, accept); err != nil {
		l.d.logger.Warn("connection accept failed", "peer", c.remote, "conn", c.id, "error", err)
		c.abort()
		return
	}
	l.d.logger.Info("accepted connection", "peer", c.remote, "conn", c.id)

	l.mu.RLock()
	h := l.handler
	l.mu.RUnlock()

	if h != nil {
		h.Handle(c)
		return
	}

	select {
	case l.backlog <- c:
	case <-l.closed:
		c.abort()
	default:
		l.d.logger.Warn("accept backlog full, closing connection", "peer", c.remote, "conn", c.id)
		_ = c.Close()
	}
}
