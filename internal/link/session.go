package link

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/snapo-dev/snapo-core/internal/adberr"
	"github.com/snapo-dev/snapo-core/internal/logging"
	"github.com/snapo-dev/snapo-core/internal/metrics"
)

// maxLineSize is the NDJSON line cap; lines beyond it are dropped and
// parsing resumes at the next newline (spec §4.6 "Handshake & framing").
const maxLineSize = 16 * 1024 * 1024

// helloLine is the literal ASCII greeting the client writes once a forward
// connects, before the server starts emitting NDJSON (spec §4.6).
const helloLine = "HelloSnapO\n"

// Session is one handshaken connection to an on-device Link server. Reads
// happen on the caller's Run goroutine; writes are serialized through a
// single mutex-guarded path, matching the "one reader task and one writer
// task per server" model.
type Session struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex
}

// Handshake writes the literal "HelloSnapO\n" greeting and returns a
// Session ready to Run.
func Handshake(conn net.Conn) (*Session, error) {
	if _, err := conn.Write([]byte(helloLine)); err != nil {
		return nil, adberr.Io("link_handshake", err)
	}
	return &Session{conn: conn, r: bufio.NewReaderSize(conn, 64*1024)}, nil
}

// Run reads NDJSON lines until ctx is cancelled or the connection closes,
// dispatching each decoded Record to onRecord. It returns the terminal
// read error (nil on clean EOF or context cancellation).
func (s *Session) Run(ctx context.Context, onRecord func(Record)) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	for {
		line, dropped, err := readLine(s.r, maxLineSize)
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if dropped {
			metrics.Inc("link_lines_dropped")
			logging.Error("link: NDJSON line exceeded %d bytes, dropped", maxLineSize)
			continue
		}
		if len(line) == 0 {
			continue
		}
		onRecord(ParseLine(line))
	}
}

// Close tears down the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// SendFeatureOpened emits {"type":"FeatureOpened","feature":…}. Idempotent:
// callers may send it any number of times (spec §4.6 "Host-to-device
// messages").
func (s *Session) SendFeatureOpened(feature string) error {
	return s.writeJSON(map[string]any{"type": "FeatureOpened", "feature": feature})
}

// SendFeatureCommand emits {"type":"FeatureCommand","feature":…,"payload":…}.
func (s *Session) SendFeatureCommand(feature string, payload any) error {
	return s.writeJSON(map[string]any{"type": "FeatureCommand", "feature": feature, "payload": payload})
}

func (s *Session) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal link message: %w", err)
	}
	b = append(b, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(b); err != nil {
		return adberr.Io("link_write", err)
	}
	return nil
}

// readLine reads one '\n'-terminated line, enforcing maxLen without ever
// buffering more than one underlying read's worth of bytes past the cap:
// once the running total exceeds maxLen, subsequent bytes for that line
// are discarded until the terminating newline is found, and dropped is
// reported true with a nil line.
func readLine(r *bufio.Reader, maxLen int) (line []byte, dropped bool, err error) {
	var buf []byte
	total := 0
	for {
		chunk, e := r.ReadSlice('\n')
		total += len(chunk)
		if !dropped {
			if total <= maxLen {
				buf = append(buf, chunk...)
			} else {
				dropped = true
				buf = nil
			}
		}
		if e == nil {
			return buf, dropped, nil
		}
		if e != bufio.ErrBufferFull {
			return nil, false, e
		}
	}
}
