package meshsocket

import (
	"strings"

	"github.com/pkg/errors"
)

// Flag is one control bit of a Frame. Flags combine into a set, e.g.
// FlagData|FlagChunk|FlagChunkEnd.
type Flag uint16

const (
	FlagConnRequest Flag = 1 << iota // client requests a connection
	FlagConnAccept                   // server accepts a connection
	FlagConnDeny                     // server refuses a connection
	FlagConnClose                    // either side closes
	FlagData                         // payload carries application data
	FlagPing                         // liveness probe
	FlagPong                         // reply to FlagPing
	FlagError                        // payload carries an error text
	FlagChunk                        // payload is one chunk of a larger frame
	FlagChunkEnd                     // last chunk of a group
	FlagAck                          // acknowledges one chunk index

	flagSentinel
)

// flagNames is ordered by bit position and is also the wire spelling.
var flagNames = [...]string{
	"CONN_REQUEST",
	"CONN_ACCEPT",
	"CONN_DENY",
	"CONN_CLOSE",
	"DATA",
	"PING",
	"PONG",
	"ERROR",
	"CHUNK",
	"CHUNK_END",
	"ACK",
}

// Has reports whether every bit of want is set.
func (f Flag) Has(want Flag) bool {
	return f&want == want
}

// Names returns the wire names of the set bits in bit order.
func (f Flag) Names() []string {
	names := make([]string, 0, len(flagNames))
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return names
}

func (f Flag) String() string {
	if f == 0 {
		return "NONE"
	}
	return strings.Join(f.Names(), "|")
}

func (f Flag) valid() bool {
	return f < flagSentinel
}

// parseFlag maps a wire name back to its bit.
func parseFlag(name string) (Flag, error) {
	for i, n := range flagNames {
		if n == name {
			return 1 << i, nil
		}
	}
	return 0, errors.Wrapf(ErrMalformedFrame, "unknown flag %q", name)
}

// Compression names the algorithm applied to a payload before framing.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZlib
)

func (c Compression) String() string {
	switch c {
	case CompressionZlib:
		return "zlib"
	default:
		return ""
	}
}

func parseCompression(s string) (Compression, error) {
	switch s {
	case "":
		return CompressionNone, nil
	case "zlib":
		return CompressionZlib, nil
	default:
		return CompressionNone, errors.Wrapf(ErrMalformedFrame, "unknown compression %q", s)
	}
}

// Metadata carries the reserved per-frame attributes. Zero values mean absent.
type Metadata struct {
	// Encoding names the text-safe payload encoding, e.g. "base64".
	Encoding    string
	Compression Compression
	// ChunkIndex is 1-based.
	ChunkIndex  int
	TotalChunks int
}

// Frame is the unit of protocol communication.
//
// A nil Payload is absent; an empty non-nil Payload is present and empty.
// ConnectionID is empty only on the initial connection request.
type Frame struct {
	Flags        Flag
	Payload      []byte
	ConnectionID string
	Metadata     Metadata
}

// IsControl reports whether the frame drives the connection lifecycle
// rather than carrying data.
func (f *Frame) IsControl() bool {
	return f.Flags&(FlagConnRequest|FlagConnAccept|FlagConnDeny|FlagConnClose) != 0
}

// kind is a short label for logs and metrics.
func (f *Frame) kind() string {
	switch {
	case f.Flags.Has(FlagAck):
		return "ack"
	case f.Flags.Has(FlagChunk):
		return "chunk"
	case f.Flags.Has(FlagData):
		return "data"
	case f.Flags.Has(FlagConnRequest):
		return "conn_request"
	case f.Flags.Has(FlagConnAccept):
		return "conn_accept"
	case f.Flags.Has(FlagConnDeny):
		return "conn_deny"
	case f.Flags.Has(FlagConnClose):
		return "conn_close"
	case f.Flags.Has(FlagPing):
		return "ping"
	case f.Flags.Has(FlagPong):
		return "pong"
	case f.Flags.Has(FlagError):
		return "error"
	default:
		return "other"
	}
}

// Validate checks the structural rules a decoded frame must satisfy.
func (f *Frame) Validate() error {
	if !f.Flags.valid() {
		return errors.Wrapf(ErrMalformedFrame, "unknown flag bits %#x", uint16(f.Flags))
	}

	m := f.Metadata
	if m.ChunkIndex < 0 || m.TotalChunks < 0 {
		return errors.Wrap(ErrMalformedFrame, "negative chunk metadata")
	}
	if m.TotalChunks > 0 && m.ChunkIndex > m.TotalChunks {
		return errors.Wrapf(ErrMalformedFrame, "chunk_index %d exceeds total_chunks %d", m.ChunkIndex, m.TotalChunks)
	}
	if f.Flags.Has(FlagChunk) && (m.ChunkIndex == 0 || m.TotalChunks == 0) {
		return errors.Wrap(ErrMalformedFrame, "chunk without chunk_index/total_chunks")
	}
	if f.Flags.Has(FlagChunkEnd) && !f.Flags.Has(FlagChunk) {
		return errors.Wrap(ErrMalformedFrame, "CHUNK_END without CHUNK")
	}
	if f.Flags.Has(FlagAck) && m.ChunkIndex == 0 {
		return errors.Wrap(ErrMalformedFrame, "ACK without chunk_index")
	}
	return nil
}
