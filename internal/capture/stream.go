package capture

import (
	"io"

	"github.com/snapo-dev/snapo-core/internal/wire"
)

// chunkReader adapts a shell stream's length-prefixed chunks (spec §4.1)
// to io.Reader, so callers can use bufio/io.Copy instead of reasoning about
// chunk boundaries directly.
type chunkReader struct {
	conn *wire.Conn
	buf  []byte
}

func newChunkReader(conn *wire.Conn) *chunkReader { return &chunkReader{conn: conn} }

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		chunk, err := wire.ReadStreamChunk(r.conn)
		if err != nil {
			return 0, err
		}
		if chunk == nil {
			return 0, io.EOF
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
