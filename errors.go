package meshsocket

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by meshsocket operations. None of them are fatal to the
// process; each resolves to a failed operation for the caller.
var (
	// ErrMalformedFrame is wrapped by every frame decode failure.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrHandshakeTimeout is returned by Connect when no CONN_ACCEPT arrives in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrConnectionDenied is returned by Connect when the peer answers CONN_DENY.
	ErrConnectionDenied = errors.New("connection denied")
	// ErrDialInProgress is returned when a dial to the same peer is already pending.
	ErrDialInProgress = errors.New("dial to peer already in progress")
	// ErrChunkDeliveryExhausted is wrapped by ChunkDeliveryError.
	ErrChunkDeliveryExhausted = errors.New("chunk retry budget exhausted")
	// ErrDecompression is returned when a payload cannot be inflated.
	ErrDecompression = errors.New("decompression failed")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrReadTimeout is returned by Read when no message arrives in time.
	ErrReadTimeout = errors.New("read timeout")
	// ErrPingTimeout is returned by Ping when no PONG arrives in time.
	ErrPingTimeout = errors.New("ping timeout")
	// ErrMessageTooLarge is returned when a message cannot be framed within
	// the packet size and chunk count limits.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrInvalidTransport is returned when no transport is provided.
	ErrInvalidTransport = errors.New("invalid transport")
	// ErrAlreadyBound is returned by Bind when a listener already exists.
	ErrAlreadyBound = errors.New("dispatcher already bound")
	// ErrListenerClosed is returned by Accept after the listener is closed.
	ErrListenerClosed = errors.New("listener closed")
	// ErrDispatcherStopped is returned once the dispatcher's Run has exited.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// ChunkDeliveryError reports a write abandoned because one chunk was never
// acknowledged. Chunks after Index were not sent.
type ChunkDeliveryError struct {
	Index    int
	Total    int
	Attempts int
}

func (e *ChunkDeliveryError) Error() string {
	return fmt.Sprintf("chunk %d/%d not acknowledged after %d attempts: %v",
		e.Index, e.Total, e.Attempts, ErrChunkDeliveryExhausted)
}

// Unwrap lets errors.Is match ErrChunkDeliveryExhausted.
func (e *ChunkDeliveryError) Unwrap() error {
	return ErrChunkDeliveryExhausted
}
