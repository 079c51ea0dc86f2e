package meshsocket

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Codec is the interface for frame encoding and decoding.
// Both ends of a connection must use the same codec.
//
// Decode must reject truncated or malformed input with an error wrapping
// ErrMalformedFrame; the dispatcher drops such packets and keeps running.
type Codec interface {
	// Name identifies the codec in configuration.
	Name() string
	// PayloadEncoding is recorded in Metadata.Encoding for data frames.
	// Empty when the codec carries raw bytes.
	PayloadEncoding() string
	// Encode serializes a frame into one packet payload.
	Encode(f *Frame) ([]byte, error)
	// Decode parses one packet payload and validates the result.
	Decode(b []byte) (*Frame, error)
}

// CodecByName returns a built-in codec: "json" (default) or "cbor".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		c, err := NewCBORCodec()
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, errors.Errorf("unknown codec %q", name)
	}
}

// JSONCodec is the default, text-safe codec:
//
//	{"flag":["DATA"],"data":"<base64>","connection_id":"...","meta":{...}}
//
// Absent payload and connection id are encoded as null. An empty but present
// payload is encoded as "" and decodes back to an empty payload. Peers that
// write null for empty data and read "" as absent interoperate, except that
// an empty message sent to them arrives as a frame with no payload.
type JSONCodec struct{}

type jsonMeta struct {
	Encoding    string `json:"encoding,omitempty"`
	Compression string `json:"compression,omitempty"`
	ChunkIndex  int    `json:"chunk_index,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
}

type jsonFrame struct {
	Flag         []string `json:"flag"`
	Data         *string  `json:"data"`
	ConnectionID *string  `json:"connection_id"`
	Meta         jsonMeta `json:"meta"`
}

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// PayloadEncoding implements Codec.
func (JSONCodec) PayloadEncoding() string { return "base64" }

// Encode implements Codec.
func (JSONCodec) Encode(f *Frame) ([]byte, error) {
	w := jsonFrame{
		Flag: f.Flags.Names(),
		Meta: jsonMeta{
			Encoding:    f.Metadata.Encoding,
			Compression: f.Metadata.Compression.String(),
			ChunkIndex:  f.Metadata.ChunkIndex,
			TotalChunks: f.Metadata.TotalChunks,
		},
	}
	if f.Payload != nil {
		s := base64.StdEncoding.EncodeToString(f.Payload)
		w.Data = &s
	}
	if f.ConnectionID != "" {
		id := f.ConnectionID
		w.ConnectionID = &id
	}
	return json.Marshal(w)
}

// Decode implements Codec.
func (JSONCodec) Decode(b []byte) (*Frame, error) {
	if b = bytes.TrimSpace(b); len(b) == 0 || b[0] != '{' {
		return nil, errors.Wrap(ErrMalformedFrame, "not a JSON object")
	}

	var w jsonFrame
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err.Error())
	}

	f := &Frame{}
	for _, name := range w.Flag {
		flag, err := parseFlag(name)
		if err != nil {
			return nil, err
		}
		f.Flags |= flag
	}
	if w.Data != nil {
		data, err := base64.StdEncoding.DecodeString(*w.Data)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedFrame, "payload: %v", err)
		}
		if data == nil {
			data = []byte{}
		}
		f.Payload = data
	}
	if w.ConnectionID != nil {
		f.ConnectionID = *w.ConnectionID
	}

	compression, err := parseCompression(w.Meta.Compression)
	if err != nil {
		return nil, err
	}
	f.Metadata = Metadata{
		Encoding:    w.Meta.Encoding,
		Compression: compression,
		ChunkIndex:  w.Meta.ChunkIndex,
		TotalChunks: w.Meta.TotalChunks,
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// CBORCodec is a compact binary codec using canonical CBOR. Payload bytes
// travel unencoded, so chunks carry roughly a third more data than with
// JSONCodec.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

type cborMeta struct {
	Encoding    string `cbor:"1,keyasint,omitempty"`
	Compression uint8  `cbor:"2,keyasint,omitempty"`
	ChunkIndex  int    `cbor:"3,keyasint,omitempty"`
	TotalChunks int    `cbor:"4,keyasint,omitempty"`
}

type cborFrame struct {
	_            struct{} `cbor:",toarray"`
	Flags        uint16
	HasData      bool
	Data         []byte
	ConnectionID string
	Meta         cborMeta
}

// NewCBORCodec returns a deterministic CBOR codec.
func NewCBORCodec() (*CBORCodec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, errors.Wrap(err, "cbor enc mode")
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, errors.Wrap(err, "cbor dec mode")
	}
	return &CBORCodec{enc: em, dec: dm}, nil
}

// Name implements Codec.
func (*CBORCodec) Name() string { return "cbor" }

// PayloadEncoding implements Codec.
func (*CBORCodec) PayloadEncoding() string { return "" }

// Encode implements Codec.
func (c *CBORCodec) Encode(f *Frame) ([]byte, error) {
	return c.enc.Marshal(cborFrame{
		Flags:        uint16(f.Flags),
		HasData:      f.Payload != nil,
		Data:         f.Payload,
		ConnectionID: f.ConnectionID,
		Meta: cborMeta{
			Encoding:    f.Metadata.Encoding,
			Compression: uint8(f.Metadata.Compression),
			ChunkIndex:  f.Metadata.ChunkIndex,
			TotalChunks: f.Metadata.TotalChunks,
		},
	})
}

// Decode implements Codec.
func (c *CBORCodec) Decode(b []byte) (*Frame, error) {
	var w cborFrame
	if err := c.dec.Unmarshal(b, &w); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if !w.HasData && len(w.Data) > 0 {
		return nil, errors.Wrap(ErrMalformedFrame, "payload present but flagged absent")
	}
	if Compression(w.Meta.Compression) > CompressionZlib {
		return nil, errors.Wrapf(ErrMalformedFrame, "unknown compression %d", w.Meta.Compression)
	}

	f := &Frame{
		Flags:        Flag(w.Flags),
		ConnectionID: w.ConnectionID,
		Metadata: Metadata{
			Encoding:    w.Meta.Encoding,
			Compression: Compression(w.Meta.Compression),
			ChunkIndex:  w.Meta.ChunkIndex,
			TotalChunks: w.Meta.TotalChunks,
		},
	}
	if w.HasData {
		f.Payload = w.Data
		if f.Payload == nil {
			f.Payload = []byte{}
		}
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
