package meshsocket

import (
	"time"

	"github.com/pkg/errors"
)

// Write sends data as one message, blocking until it is delivered to the
// transport and, for chunked messages, every chunk is acknowledged.
//
// With compress set, the whole payload is zlib-compressed before framing.
// A message whose frame fits in one packet is sent once without waiting for
// an acknowledgment. Larger messages are split into chunks sent strictly in
// order; each chunk is retransmitted after the ACK timeout up to the retry
// budget.
//
// Returns:
//   - nil: the message was sent (and every chunk acknowledged)
//   - *ChunkDeliveryError: a chunk exhausted its retries; later chunks were not sent
//   - ErrMessageTooLarge: the message needs more chunks than allowed
//   - ErrConnectionClosed: the connection is closed or closed mid-transfer
//
// Writes on one connection are serialized.
func (c *Conn) Write(data []byte, compress bool) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	if data == nil {
		data = []byte{}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.writeFrame(&Frame{Flags: FlagData, Payload: data, ConnectionID: c.id}, compress)
}

func (c *Conn) writeFrame(f *Frame, compressPayload bool) error {
	opts := &c.d.opts

	if compressPayload && f.Payload != nil {
		z, err := compress(f.Payload)
		if err != nil {
			return err
		}
		c.logger.Debug("compressed payload", "conn", c.id, "from", len(f.Payload), "to", len(z))
		f.Payload = z
		f.Metadata.Compression = CompressionZlib
	}
	if f.Payload != nil {
		f.Metadata.Encoding = opts.codec.PayloadEncoding()
	}

	b, err := opts.codec.Encode(f)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}
	if len(b) <= opts.maxPacketSize {
		return c.d.sendRaw(c.remote, f.kind(), b)
	}

	packets, capacity, err := splitFrame(opts.codec, f, opts.maxPacketSize, opts.maxChunks)
	if err != nil {
		return err
	}
	c.logger.Debug("chunking message", "conn", c.id,
		"payload", len(f.Payload), "chunk_capacity", capacity, "chunks", len(packets))

	for i, packet := range packets {
		if err := c.sendChunk(i+1, len(packets), packet); err != nil {
			c.d.metrics.transfersFailed.Inc()
			c.logger.Error("chunked write failed", "conn", c.id, "error", err)
			return err
		}
	}
	return nil
}

// sendChunk transmits one encoded chunk and waits for its ACK, retrying up
// to the retry budget.
func (c *Conn) sendChunk(index, total int, packet []byte) error {
	attempts := c.d.opts.maxRetries + 1
	c.drainAcks()

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			c.d.metrics.chunkRetransmits.Inc()
			c.logger.Debug("retransmitting chunk", "conn", c.id,
				"chunk", index, "total", total, "attempt", attempt)
		}
		if err := c.d.sendRaw(c.remote, "chunk", packet); err != nil {
			c.logger.Warn("chunk send failed", "conn", c.id, "chunk", index, "error", err)
		}

		acked, err := c.awaitAck(index, c.d.opts.ackTimeout)
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
	}

	return &ChunkDeliveryError{Index: index, Total: total, Attempts: attempts}
}

// awaitAck waits for the ACK of one chunk index. ACKs for other indexes are
// stale retransmission replies and are skipped.
func (c *Conn) awaitAck(index int, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case got := <-c.acks:
			if got == index {
				return true, nil
			}
			c.logger.Debug("ignoring stale ack", "conn", c.id, "got", got, "want", index)
		case <-timer.C:
			return false, nil
		case <-c.done:
			return false, ErrConnectionClosed
		}
	}
}

func (c *Conn) drainAcks() {
	for {
		select {
		case <-c.acks:
		default:
			return
		}
	}
}

// chunkCapacity returns the largest payload slice that keeps a chunk frame
// derived from f within maxPacket bytes.
//
// The bound is measured on real encodings of a worst-case chunk: f's flags
// plus CHUNK and CHUNK_END, and chunk_index and total_chunks both set to
// maxChunks. Searching on the encoded size accounts for codecs whose payload
// encoding expands the bytes.
func chunkCapacity(codec Codec, f *Frame, maxPacket, maxChunks int) (int, error) {
	worst := &Frame{
		Flags:        f.Flags | FlagChunk | FlagChunkEnd,
		ConnectionID: f.ConnectionID,
		Metadata:     f.Metadata,
	}
	worst.Metadata.ChunkIndex = maxChunks
	worst.Metadata.TotalChunks = maxChunks

	fits := func(n int) (bool, error) {
		worst.Payload = make([]byte, n)
		b, err := codec.Encode(worst)
		if err != nil {
			return false, errors.Wrap(err, "encode chunk header")
		}
		return len(b) <= maxPacket, nil
	}

	ok, err := fits(0)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.Wrapf(ErrMessageTooLarge, "chunk header exceeds %d bytes", maxPacket)
	}

	lo, hi := 0, maxPacket
	for lo < hi {
		mid := (lo + hi + 1) / 2
		ok, err := fits(mid)
		if err != nil {
			return 0, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return 0, errors.Wrapf(ErrMessageTooLarge, "no room for chunk payload in %d bytes", maxPacket)
	}
	return lo, nil
}

// splitFrame encodes f's payload as an ordered chunk group. It returns the
// encoded packets (chunk i+1 at position i) and the per-chunk capacity.
func splitFrame(codec Codec, f *Frame, maxPacket, maxChunks int) ([][]byte, int, error) {
	capacity, err := chunkCapacity(codec, f, maxPacket, maxChunks)
	if err != nil {
		return nil, 0, err
	}

	total := (len(f.Payload) + capacity - 1) / capacity
	if total == 0 {
		total = 1
	}
	if total > maxChunks {
		return nil, 0, errors.Wrapf(ErrMessageTooLarge, "%d bytes need %d chunks, limit %d",
			len(f.Payload), total, maxChunks)
	}

	packets := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(f.Payload) {
			end = len(f.Payload)
		}

		chunk := &Frame{
			Flags:        f.Flags | FlagChunk,
			Payload:      f.Payload[start:end],
			ConnectionID: f.ConnectionID,
			Metadata:     f.Metadata,
		}
		chunk.Metadata.ChunkIndex = i + 1
		chunk.Metadata.TotalChunks = total
		if i == total-1 {
			chunk.Flags |= FlagChunkEnd
		}

		b, err := codec.Encode(chunk)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "encode chunk %d/%d", i+1, total)
		}
		if len(b) > maxPacket {
			return nil, 0, errors.Wrapf(ErrMessageTooLarge, "chunk %d/%d encodes to %d bytes", i+1, total, len(b))
		}
		packets = append(packets, b)
	}
	return packets, capacity, nil
}
