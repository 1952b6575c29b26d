package hostcmd

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/snapo-dev/snapo-core/internal/adbserver"
)

// fakeADBServer accepts one connection per call to next() and lets the
// test drive its request/response script directly, standing in for the
// real ADB daemon on 127.0.0.1:5037.
type fakeADBServer struct {
	ln net.Listener
}

func newFakeADBServer(t *testing.T) *fakeADBServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeADBServer{ln: ln}
}

func (f *fakeADBServer) port() int { return f.ln.Addr().(*net.TCPAddr).Port }

func (f *fakeADBServer) accept(t *testing.T) net.Conn {
	t.Helper()
	c, err := f.ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return c
}

func client(t *testing.T, srv *fakeADBServer) *Client {
	t.Helper()
	pool := adbserver.New(adbserver.Options{Host: "127.0.0.1", Port: srv.port()})
	return New(pool)
}

func TestVersionParsesHexBlob(t *testing.T) {
	srv := newFakeADBServer(t)
	defer srv.ln.Close()
	cl := client(t, srv)

	result := make(chan uint32, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		v, err := cl.Version(ctx)
		if err != nil {
			errCh <- err
			return
		}
		result <- v
	}()

	conn := srv.accept(t)
	defer conn.Close()
	r := bufio.NewReader(conn)

	hdr := make([]byte, 4)
	readFull(t, r, hdr)
	cmdLen := hexToInt(t, hdr)
	cmd := make([]byte, cmdLen)
	readFull(t, r, cmd)
	if string(cmd) != "host:version" {
		t.Fatalf("want host:version, got %q", cmd)
	}
	conn.Write([]byte("OKAY"))
	conn.Write([]byte("0004"))
	conn.Write([]byte("0029"))

	select {
	case v := <-result:
		if v != 0x29 {
			t.Fatalf("want 0x29, got %#x", v)
		}
	case err := <-errCh:
		t.Fatalf("Version: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func readFull(t *testing.T, r *bufio.Reader, buf []byte) {
	t.Helper()
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		n += m
	}
}

func hexToInt(t *testing.T, b []byte) int {
	t.Helper()
	n := 0
	for _, c := range b {
		n <<= 4
		switch {
		case c >= '0' && c <= '9':
			n |= int(c - '0')
		case c >= 'a' && c <= 'f':
			n |= int(c-'a') + 10
		default:
			t.Fatalf("non-hex digit %q", c)
		}
	}
	return n
}

func TestParseDevicesLongRowsAndOrder(t *testing.T) {
	body := "emulator-5554          device product:sdk model:sdk_gphone device:generic_x86 transport_id:1\n" +
		"XYZ123                 device product:coral model:Pixel_4 device:coral transport_id:2\n" +
		"ZZZ999                 unauthorized transport_id:3\n"

	rows := ParseDevicesLong(body)
	if len(rows) != 3 {
		t.Fatalf("want 3 rows, got %d", len(rows))
	}
	if rows[0].Serial != "emulator-5554" || rows[1].Serial != "XYZ123" || rows[2].Serial != "ZZZ999" {
		t.Fatalf("unexpected order/serials: %+v", rows)
	}
	if rows[0].Props["model"] != "sdk_gphone" {
		t.Fatalf("want model sdk_gphone, got %q", rows[0].Props["model"])
	}
	if rows[2].State != "unauthorized" {
		t.Fatalf("want unauthorized, got %q", rows[2].State)
	}
}

func TestParseDevicesLongIgnoresBlankLines(t *testing.T) {
	body := "\nemulator-5554\tdevice\n\n"
	rows := ParseDevicesLong(body)
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d: %+v", len(rows), rows)
	}
}

func TestShellCollectDrainsUntilEOF(t *testing.T) {
	srv := newFakeADBServer(t)
	defer srv.ln.Close()
	cl := client(t, srv)

	result := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		out, err := cl.ShellCollect(ctx, "emulator-5554", "getprop ro.product.model")
		if err != nil {
			errCh <- err
			return
		}
		result <- out
	}()

	conn := srv.accept(t)
	defer conn.Close()
	r := bufio.NewReader(conn)

	// host:transport:<serial>
	hdr := make([]byte, 4)
	readFull(t, r, hdr)
	n := hexToInt(t, hdr)
	cmd := make([]byte, n)
	readFull(t, r, cmd)
	if !strings.HasPrefix(string(cmd), "host:transport:") {
		t.Fatalf("want host:transport prefix, got %q", cmd)
	}
	conn.Write([]byte("OKAY"))

	// shell:<cmd>
	readFull(t, r, hdr)
	n = hexToInt(t, hdr)
	cmd = make([]byte, n)
	readFull(t, r, cmd)
	if string(cmd) != "shell:getprop ro.product.model" {
		t.Fatalf("unexpected shell command %q", cmd)
	}
	conn.Write([]byte("OKAY"))

	writeChunk := func(s string) {
		hex := "0000"
		l := len(s)
		hex = hex[:4-len(itoaHex(l))] + itoaHex(l)
		conn.Write([]byte(hex))
		conn.Write([]byte(s))
	}
	writeChunk("sdk_gphone")
	writeChunk("64_x86\n")
	conn.Close()

	select {
	case out := <-result:
		if string(out) != "sdk_gphone64_x86\n" {
			t.Fatalf("want concatenated chunks, got %q", out)
		}
	case err := <-errCh:
		t.Fatalf("ShellCollect: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func itoaHex(n int) string {
	const digits = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%16]}, b...)
		n /= 16
	}
	return string(b)
}
