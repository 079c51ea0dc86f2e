package meshsocket

import (
	"bytes"
	"errors"
	"testing"
)

func TestChunkCapacity_Tight(t *testing.T) {
	for _, codec := range testCodecs(t) {
		f := &Frame{
			Flags:        FlagData,
			ConnectionID: "!a1b2c3d4:ff",
			Metadata:     Metadata{Encoding: codec.PayloadEncoding(), Compression: CompressionZlib},
		}

		capacity, err := chunkCapacity(codec, f, MaxBytes, MaxChunks)
		if err != nil {
			t.Fatalf("%s: chunkCapacity failed: %v", codec.Name(), err)
		}

		worst := func(n int) int {
			b, err := codec.Encode(&Frame{
				Flags:        f.Flags | FlagChunk | FlagChunkEnd,
				Payload:      make([]byte, n),
				ConnectionID: f.ConnectionID,
				Metadata: Metadata{
					Encoding:    f.Metadata.Encoding,
					Compression: f.Metadata.Compression,
					ChunkIndex:  MaxChunks,
					TotalChunks: MaxChunks,
				},
			})
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			return len(b)
		}

		if got := worst(capacity); got > MaxBytes {
			t.Errorf("%s: worst-case chunk with capacity %d is %d bytes", codec.Name(), capacity, got)
		}
		if got := worst(capacity + 1); got <= MaxBytes {
			t.Errorf("%s: capacity %d is not the largest that fits", codec.Name(), capacity)
		}
	}
}

func TestChunkCapacity_CBORCarriesMore(t *testing.T) {
	codecs := testCodecs(t)
	f := &Frame{Flags: FlagData, ConnectionID: "srv:1"}

	jsonCap, err := chunkCapacity(codecs[0], f, MaxBytes, MaxChunks)
	if err != nil {
		t.Fatalf("json capacity: %v", err)
	}
	cborCap, err := chunkCapacity(codecs[1], f, MaxBytes, MaxChunks)
	if err != nil {
		t.Fatalf("cbor capacity: %v", err)
	}
	if cborCap <= jsonCap {
		t.Errorf("cbor capacity %d, json capacity %d", cborCap, jsonCap)
	}
}

func TestChunkCapacity_NoRoom(t *testing.T) {
	f := &Frame{Flags: FlagData, ConnectionID: "a-rather-long-connection-identifier"}

	_, err := chunkCapacity(JSONCodec{}, f, 90, MaxChunks)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestSplitFrame_SizeBound(t *testing.T) {
	for _, codec := range testCodecs(t) {
		for size := 0; size <= 3000; size += 37 {
			payload := randomBytes(size)
			f := &Frame{
				Flags:        FlagData,
				Payload:      payload,
				ConnectionID: "srv:1",
				Metadata:     Metadata{Encoding: codec.PayloadEncoding()},
			}

			packets, _, err := splitFrame(codec, f, MaxBytes, MaxChunks)
			if err != nil {
				t.Fatalf("%s: splitFrame(%d) failed: %v", codec.Name(), size, err)
			}

			var joined []byte
			for i, p := range packets {
				if len(p) > MaxBytes {
					t.Fatalf("%s: %d bytes: chunk %d is %d bytes", codec.Name(), size, i+1, len(p))
				}

				chunk, err := codec.Decode(p)
				if err != nil {
					t.Fatalf("%s: chunk %d does not decode: %v", codec.Name(), i+1, err)
				}
				if chunk.Metadata.ChunkIndex != i+1 || chunk.Metadata.TotalChunks != len(packets) {
					t.Fatalf("%s: chunk %d has metadata %+v", codec.Name(), i+1, chunk.Metadata)
				}
				if last := i == len(packets)-1; chunk.Flags.Has(FlagChunkEnd) != last {
					t.Fatalf("%s: chunk %d/%d CHUNK_END = %v", codec.Name(), i+1, len(packets), !last)
				}
				if !chunk.Flags.Has(FlagData | FlagChunk) {
					t.Fatalf("%s: chunk flags %v", codec.Name(), chunk.Flags)
				}
				joined = append(joined, chunk.Payload...)
			}

			if !bytes.Equal(joined, payload) {
				t.Fatalf("%s: %d bytes did not survive splitting", codec.Name(), size)
			}
		}
	}
}

func TestSplitFrame_TooManyChunks(t *testing.T) {
	f := &Frame{Flags: FlagData, Payload: randomBytes(2000), ConnectionID: "srv:1"}

	_, _, err := splitFrame(JSONCodec{}, f, MaxBytes, 5)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestSplitFrame_Reassembles(t *testing.T) {
	payload := randomBytes(1234)
	f := &Frame{Flags: FlagData, Payload: payload, ConnectionID: "srv:1", Metadata: Metadata{Encoding: "base64"}}

	packets, _, err := splitFrame(JSONCodec{}, f, MaxBytes, MaxChunks)
	if err != nil {
		t.Fatalf("splitFrame failed: %v", err)
	}

	decode := func(b []byte) *Frame {
		chunk, err := JSONCodec{}.Decode(b)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		return chunk
	}

	// Chunk 1 opens the group; deliver the rest back to front.
	r := newReassembler()
	if _, _, ok := r.add(decode(packets[0])); ok {
		t.Fatal("completed after chunk 1")
	}
	var out []byte
	for i := len(packets) - 1; i >= 1; i-- {
		data, _, ok := r.add(decode(packets[i]))
		if ok != (i == 1) {
			t.Fatalf("completion after chunk %d = %v", i+1, ok)
		}
		out = data
	}
	if !bytes.Equal(out, payload) {
		t.Error("reassembled payload differs")
	}
}
