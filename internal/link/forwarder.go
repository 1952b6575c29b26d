// Package link discovers the on-device Snap-O Link socket, forwards it to
// a local TCP port, and speaks its NDJSON handshake/record protocol
// (spec §4.6).
package link

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/snapo-dev/snapo-core/internal/adberr"
	"github.com/snapo-dev/snapo-core/internal/logging"
)

// serverSocketPrefix is the abstract socket name prefix the on-device Link
// server binds to (spec §4.6 "Discovery").
const serverSocketPrefix = "@snapo_server_"

// connectTimeout bounds the local TCP dial after a forward is established.
const connectTimeout = 1 * time.Second

// HostClient is the subset of hostcmd.Client the forwarder depends on.
type HostClient interface {
	ShellCollect(ctx context.Context, serial, cmd string) ([]byte, error)
	Forward(ctx context.Context, serial string, localPort int, remote string) error
	KillForward(ctx context.Context, serial string, localPort int) error
}

// ServerInfo identifies one discovered Link server on a device.
type ServerInfo struct {
	Serial string
	Name   string // abstract socket name, without the leading '@'
}

// Discover parses `cat /proc/net/unix` for rows naming a Link server
// socket (spec §4.6 "Discovery").
func Discover(ctx context.Context, client HostClient, serial string) ([]ServerInfo, error) {
	out, err := client.ShellCollect(ctx, serial, "cat /proc/net/unix")
	if err != nil {
		return nil, err
	}
	var servers []ServerInfo
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		last := fields[len(fields)-1]
		if !strings.HasPrefix(last, serverSocketPrefix) {
			continue
		}
		servers = append(servers, ServerInfo{Serial: serial, Name: strings.TrimPrefix(last, "@")})
	}
	return servers, nil
}

// Forwarder reserves a local port, forwards it to a device's abstract Link
// socket, and connects a TCP client to it (spec §4.6 "Forward lifecycle").
type Forwarder struct {
	client HostClient
}

// NewForwarder constructs a Forwarder backed by client.
func NewForwarder(client HostClient) *Forwarder { return &Forwarder{client: client} }

// Open establishes a forward for (serial, serverName) and returns a
// connected TCP client plus a teardown func that kills the forward. The
// teardown is idempotent and never returns an error (spec §5 cancellation
// semantics: "releasing local port forwards" never raises).
func (f *Forwarder) Open(ctx context.Context, serial, serverName string) (net.Conn, func(), error) {
	port, err := reservePort()
	if err != nil {
		return nil, nil, adberr.Io("link_forward_reserve_port", err)
	}

	if err := f.client.Forward(ctx, serial, port, "localabstract:"+serverName); err != nil {
		return nil, nil, err
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		f.killForward(serial, port)
		return nil, nil, adberr.Timeout("link_forward_connect")
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	var once sync.Once
	teardown := func() {
		once.Do(func() {
			conn.Close()
			f.killForward(serial, port)
		})
	}
	return conn, teardown, nil
}

func (f *Forwarder) killForward(serial string, port int) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := f.client.KillForward(ctx, serial, port); err != nil {
		logging.Error("link: killforward tcp:%d for %s failed: %v", port, serial, err)
	}
}

// reservePort binds an ephemeral local TCP port and immediately releases
// it, so the adb forward target is free by the time Forward is issued
// (spec §4.6 "Forward lifecycle" step 1).
func reservePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, err
	}
	return port, nil
}
