package meshsocket

import "bytes"

// reassembler collects the chunks of one inbound chunk group. It is owned by
// a single connection's receive goroutine and needs no locking.
//
// Chunk frames carry no group identifier, so group boundaries are inferred:
//   - a chunk announcing a different total or compression starts a new group;
//   - a chunk 1 starts a new group unless it repeats the stored chunk 1. The
//     sender never sends chunk i+1 before chunk i is acknowledged, so chunks
//     held without their chunk 1 are leftovers of an expired or abandoned
//     group;
//   - while no group is in progress, a chunk other than 1 that repeats the
//     last completed group byte for byte is a late retransmission and is
//     ignored, so it cannot seed the next group with stale data.
type reassembler struct {
	chunks      map[int][]byte
	total       int
	compression Compression

	last      map[int][]byte
	lastTotal int
}

func newReassembler() *reassembler {
	return &reassembler{chunks: make(map[int][]byte)}
}

// pending reports whether a group is partially received.
func (r *reassembler) pending() bool {
	return len(r.chunks) > 0
}

// reset discards any partial group.
func (r *reassembler) reset() {
	r.chunks = make(map[int][]byte)
	r.total = 0
	r.compression = CompressionNone
}

// add stores one chunk. It returns the concatenated payload and its
// compression tag once every index 1..total is present, and resets.
func (r *reassembler) add(f *Frame) ([]byte, Compression, bool) {
	index, total := f.Metadata.ChunkIndex, f.Metadata.TotalChunks

	if r.isLateDuplicate(index, total, f.Payload) {
		return nil, CompressionNone, false
	}

	if r.startsNewGroup(f) {
		r.reset()
		r.total = total
		r.compression = f.Metadata.Compression
	}
	r.chunks[index] = f.Payload

	if len(r.chunks) != r.total {
		return nil, CompressionNone, false
	}

	size := 0
	for _, c := range r.chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for i := 1; i <= r.total; i++ {
		out = append(out, r.chunks[i]...)
	}
	compression := r.compression

	r.last, r.lastTotal = r.chunks, r.total
	r.reset()
	return out, compression, true
}

func (r *reassembler) startsNewGroup(f *Frame) bool {
	if r.total == 0 || f.Metadata.TotalChunks != r.total || f.Metadata.Compression != r.compression {
		return true
	}
	if f.Metadata.ChunkIndex == 1 {
		first, ok := r.chunks[1]
		return !ok || !bytes.Equal(first, f.Payload)
	}
	return false
}

func (r *reassembler) isLateDuplicate(index, total int, payload []byte) bool {
	if r.pending() || index == 1 || total != r.lastTotal {
		return false
	}
	prev, ok := r.last[index]
	return ok && bytes.Equal(prev, payload)
}
