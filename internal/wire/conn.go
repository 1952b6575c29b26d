// Package wire implements the ADB host-protocol frame codec: 4-hex-digit
// length-prefixed ASCII requests, OKAY/FAIL status words, and
// length-prefixed payload/stream chunks. It speaks only the wire shape;
// it knows nothing about what a command means.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/snapo-dev/snapo-core/internal/adberr"
)

// maxCommandLen is the largest command the 4-hex-digit length prefix can
// address (0xffff). Payloads larger than this are only ever split across
// repeated stream chunks (track-devices, shell), never a single blob.
const maxCommandLen = 0xffff

// Conn wraps a TCP connection to the ADB server with a buffered reader so
// length-prefixed frames can be parsed without extra syscalls per byte.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader
}

// NewConn wraps an already-dialed connection. Callers own nc's lifetime
// through Conn.Close.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc)}
}

func (c *Conn) Close() error { return c.nc.Close() }

// SetDeadline forwards to the underlying net.Conn, so a caller can bound a
// blocking read or write on this connection.
func (c *Conn) SetDeadline(t time.Time) error { return c.nc.SetDeadline(t) }

// Raw exposes the underlying connection for commands (sync:, shell:) that
// switch protocols after the initial handshake.
func (c *Conn) Raw() io.ReadWriter { return rawConn{c} }

type rawConn struct{ c *Conn }

func (r rawConn) Read(p []byte) (int, error)  { return r.c.r.Read(p) }
func (r rawConn) Write(p []byte) (int, error) { return r.c.nc.Write(p) }

// EncodeCommand produces the "%04x"+cmd frame sent to the server. It
// rejects commands whose length can't fit the 4-hex-digit prefix.
func EncodeCommand(cmd string) ([]byte, error) {
	if len(cmd) > maxCommandLen {
		return nil, adberr.Frame("encode_command", "command exceeds 4-hex-digit length cap", nil)
	}
	return []byte(fmt.Sprintf("%04x%s", len(cmd), cmd)), nil
}

// DecodeCommand recovers the original command string from an encoded
// frame; used by the wire codec's round-trip test.
func DecodeCommand(frame []byte) (string, error) {
	if len(frame) < 4 {
		return "", adberr.Frame("decode_command", "frame shorter than length prefix", nil)
	}
	n, err := strconv.ParseUint(string(frame[:4]), 16, 32)
	if err != nil {
		return "", adberr.Frame("decode_command", "non-hex length prefix", err)
	}
	if len(frame) != 4+int(n) {
		return "", adberr.Frame("decode_command", "length prefix does not match frame size", nil)
	}
	return string(frame[4:]), nil
}

// SendCommand writes the length-prefixed command and blocks for the
// OKAY/FAIL status that follows.
func SendCommand(c *Conn, cmd string) error {
	frame, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if _, err := c.nc.Write(frame); err != nil {
		return adberr.Io("send_command", err)
	}
	return readStatus(c, cmd)
}

func readStatus(c *Conn, cmdForContext string) error {
	var status [4]byte
	if _, err := io.ReadFull(c.r, status[:]); err != nil {
		return adberr.Io("read_status", err)
	}
	switch string(status[:]) {
	case "OKAY":
		return nil
	case "FAIL":
		n, err := readHexLen(c.r)
		if err != nil {
			return adberr.Frame("read_status", "malformed FAIL length prefix", err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(c.r, msg); err != nil {
			return adberr.Frame("read_status", "truncated FAIL message", err)
		}
		return adberr.Protocol(cmdForContext, string(msg))
	default:
		// Any first four bytes that are neither OKAY nor FAIL: BadStatus,
		// folded into KindFrame since the status line is itself the frame.
		return adberr.Frame("read_status", fmt.Sprintf("bad status %q", status[:]), nil)
	}
}

func readHexLen(r io.Reader) (int, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(string(buf[:]), 16, 32)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ReadBlob reads one length-prefixed payload, as returned by single-shot
// commands like host:version or host:devices-l.
func ReadBlob(c *Conn) ([]byte, error) {
	n, err := readHexLen(c.r)
	if err != nil {
		return nil, adberr.Frame("read_blob", "malformed length prefix", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, adberr.Frame("read_blob", "truncated payload", err)
	}
	return buf, nil
}

// ReadStreamChunk reads the next length-prefixed chunk of a streaming
// command (shell:, host:track-devices). It returns a nil slice and a nil
// error on clean EOF; any other error is a real failure.
func ReadStreamChunk(c *Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, adberr.Frame("read_stream_chunk", "malformed length prefix", err)
	}
	n, err := strconv.ParseUint(string(lenBuf[:]), 16, 32)
	if err != nil {
		return nil, adberr.Frame("read_stream_chunk", "non-hex length prefix", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, adberr.Frame("read_stream_chunk", "truncated chunk", err)
	}
	return buf, nil
}

// DrainToEnd reads chunks until clean EOF, writing each to sink. Used to
// collect shell output in full (shell_collect).
func DrainToEnd(c *Conn, sink io.Writer) error {
	for {
		chunk, err := ReadStreamChunk(c)
		if err != nil {
			return err
		}
		if chunk == nil {
			return nil
		}
		if _, err := sink.Write(chunk); err != nil {
			return adberr.Io("drain_to_end", err)
		}
	}
}
