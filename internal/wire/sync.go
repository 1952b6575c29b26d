package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/snapo-dev/snapo-core/internal/adberr"
)

// SyncMaxChunk is the largest DATA chunk the sync protocol allows per
// spec (recording pull step 3: "length ≤ 64 KiB").
const SyncMaxChunk = 64 * 1024

var (
	idStat = [4]byte{'S', 'T', 'A', 'T'}
	idRecv = [4]byte{'R', 'E', 'C', 'V'}
	idData = [4]byte{'D', 'A', 'T', 'A'}
	idDone = [4]byte{'D', 'O', 'N', 'E'}
	idFail = [4]byte{'F', 'A', 'I', 'L'}
)

// SyncConn is a Conn that has issued "sync:" and switched to the binary,
// little-endian-length sync sub-protocol used for file transfer.
type SyncConn struct {
	c *Conn
}

// NewSyncConn wraps a Conn already upgraded to sync mode (the caller has
// sent "sync:" and consumed its OKAY/FAIL status).
func NewSyncConn(c *Conn) *SyncConn { return &SyncConn{c: c} }

func (s *SyncConn) Close() error { return s.c.Close() }

func writeSyncRequest(c *Conn, id [4]byte, path string) error {
	hdr := make([]byte, 8+len(path))
	copy(hdr[0:4], id[:])
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(path)))
	copy(hdr[8:], path)
	if _, err := c.nc.Write(hdr); err != nil {
		return adberr.Io("sync_request", err)
	}
	return nil
}

// Stat issues STAT and returns the remote file's size. A remote file that
// does not exist is reported with size 0, mode 0 (the sync protocol has
// no explicit not-found marker for STAT; callers that need to distinguish
// "absent" from "empty" should follow with a RECV and inspect its error).
func (s *SyncConn) Stat(path string) (size int64, err error) {
	if err := writeSyncRequest(s.c, idStat, path); err != nil {
		return 0, err
	}
	var hdr [16]byte
	if _, err := io.ReadFull(s.c.r, hdr[:]); err != nil {
		return 0, adberr.Frame("sync_stat", "truncated STAT response", err)
	}
	if !bytes.Equal(hdr[0:4], idStat[:]) {
		return 0, adberr.Frame("sync_stat", fmt.Sprintf("unexpected id %q", hdr[0:4]), nil)
	}
	return int64(binary.LittleEndian.Uint32(hdr[8:12])), nil
}

// Recv issues RECV and streams DATA chunks into dst until DONE, per spec
// §4.5 recording-stop step 3. A FAIL response surfaces its message via
// adberr.Protocol.
func (s *SyncConn) Recv(path string, dst io.Writer) error {
	if err := writeSyncRequest(s.c, idRecv, path); err != nil {
		return err
	}
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(s.c.r, hdr[:]); err != nil {
			return adberr.Frame("sync_recv", "truncated chunk header", err)
		}
		switch {
		case bytes.Equal(hdr[0:4], idData[:]):
			n := binary.LittleEndian.Uint32(hdr[4:8])
			if n > SyncMaxChunk {
				return adberr.Frame("sync_recv", "chunk exceeds 64 KiB cap", nil)
			}
			buf := make([]byte, n)
			if _, err := io.ReadFull(s.c.r, buf); err != nil {
				return adberr.Frame("sync_recv", "truncated chunk body", err)
			}
			if _, err := dst.Write(buf); err != nil {
				return adberr.Io("sync_recv", err)
			}
		case bytes.Equal(hdr[0:4], idDone[:]):
			return nil
		case bytes.Equal(hdr[0:4], idFail[:]):
			n := binary.LittleEndian.Uint32(hdr[4:8])
			msg := make([]byte, n)
			io.ReadFull(s.c.r, msg)
			return adberr.Protocol("sync_recv", string(msg))
		default:
			return adberr.Frame("sync_recv", fmt.Sprintf("unexpected id %q", hdr[0:4]), nil)
		}
	}
}
