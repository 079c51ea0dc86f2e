package meshsocket

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// compress deflates the whole payload. Compression is never applied per
// chunk.
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, errors.Wrap(err, "zlib writer")
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "zlib write")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "zlib close")
	}
	return buf.Bytes(), nil
}

// decompress inflates a payload tagged with c. Untagged payloads are
// returned unchanged.
func decompress(c Compression, data []byte) ([]byte, error) {
	if c != CompressionZlib {
		return data, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(ErrDecompression, err.Error())
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(ErrDecompression, err.Error())
	}
	return out, nil
}
