// Package hostcmd provides typed wrappers over the ADB host protocol:
// host:version, host:devices-l, host:track-devices, host:transport:<serial>,
// shell:, sync:, and forward/killforward, per spec §4.3.
package hostcmd

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/snapo-dev/snapo-core/internal/adberr"
	"github.com/snapo-dev/snapo-core/internal/adbserver"
	"github.com/snapo-dev/snapo-core/internal/wire"
)

// Client issues host-protocol commands against a Pool.
type Client struct {
	pool *adbserver.Pool
}

func New(pool *adbserver.Pool) *Client { return &Client{pool: pool} }

// Version issues host:version and parses the blob as 4 hex digits.
func (c *Client) Version(ctx context.Context) (uint32, error) {
	conn, err := c.pool.Dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := wire.SendCommand(conn, "host:version"); err != nil {
		return 0, err
	}
	blob, err := wire.ReadBlob(conn)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(blob)), 16, 32)
	if err != nil {
		return 0, adberr.Frame("host:version", "non-hex version blob", err)
	}
	return uint32(v), nil
}

// DeviceRow is one parsed line of a host:devices-l response.
type DeviceRow struct {
	Serial string
	State  string
	// Props holds the "key:value" pairs that follow serial and state,
	// e.g. "product", "model", "device", "transport_id".
	Props map[string]string
}

// DevicesLong issues host:devices-l and parses each whitespace-separated
// row "<serial> <state> <key:value>*".
func (c *Client) DevicesLong(ctx context.Context) ([]DeviceRow, error) {
	conn, err := c.pool.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := wire.SendCommand(conn, "host:devices-l"); err != nil {
		return nil, err
	}
	blob, err := wire.ReadBlob(conn)
	if err != nil {
		return nil, err
	}
	return ParseDevicesLong(string(blob)), nil
}

// ParseDevicesLong parses the body of a host:devices-l / host:track-devices
// payload into rows, preserving emission order.
func ParseDevicesLong(body string) []DeviceRow {
	var rows []DeviceRow
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		row := DeviceRow{Serial: fields[0], State: fields[1], Props: map[string]string{}}
		for _, kv := range fields[2:] {
			if idx := strings.IndexByte(kv, ':'); idx > 0 {
				row.Props[kv[:idx]] = kv[idx+1:]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// TrackDevices issues host:track-devices and returns the still-open
// connection; the caller (the tracker) reads successive payloads with
// ReadStreamChunk until it returns a nil chunk (clean EOF).
func (c *Client) TrackDevices(ctx context.Context) (*wire.Conn, error) {
	conn, err := c.pool.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := wire.SendCommand(conn, "host:track-devices"); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Transport dials a fresh connection and upgrades it to device mode via
// host:transport:<serial>, for subsequent shell:/sync: commands.
func (c *Client) Transport(ctx context.Context, serial string) (*wire.Conn, error) {
	conn, err := c.pool.Dial(ctx)
	if err != nil {
		return nil, err
	}
	req := fmt.Sprintf("host:transport:%s", serial)
	if err := wire.SendCommand(conn, req); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// ShellCollect transports to serial, runs shell:<cmd>, and drains the
// output to completion.
func (c *Client) ShellCollect(ctx context.Context, serial, cmd string) ([]byte, error) {
	conn, err := c.Transport(ctx, serial)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := wire.SendCommand(conn, "shell:"+cmd); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := wire.DrainToEnd(conn, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ShellStream transports to serial, runs shell:<cmd>, and returns the
// still-open connection for the caller to read incrementally (recording,
// live preview).
func (c *Client) ShellStream(ctx context.Context, serial, cmd string) (*wire.Conn, error) {
	conn, err := c.Transport(ctx, serial)
	if err != nil {
		return nil, err
	}
	if err := wire.SendCommand(conn, "shell:"+cmd); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Sync transports to serial and upgrades the connection to the sync:
// sub-protocol, for file pulls.
func (c *Client) Sync(ctx context.Context, serial string) (*wire.SyncConn, error) {
	conn, err := c.Transport(ctx, serial)
	if err != nil {
		return nil, err
	}
	if err := wire.SendCommand(conn, "sync:"); err != nil {
		conn.Close()
		return nil, err
	}
	return wire.NewSyncConn(conn), nil
}

// Forward issues host-serial:<serial>:forward:tcp:<localPort>;<remote>.
func (c *Client) Forward(ctx context.Context, serial string, localPort int, remote string) error {
	conn, err := c.pool.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	req := fmt.Sprintf("host-serial:%s:forward:tcp:%d;%s", serial, localPort, remote)
	return wire.SendCommand(conn, req)
}

// KillForward issues host-serial:<serial>:killforward:tcp:<localPort>.
// Per spec §7, cleanup actions never raise; callers should log and
// ignore the returned error rather than propagate it.
func (c *Client) KillForward(ctx context.Context, serial string, localPort int) error {
	conn, err := c.pool.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	req := fmt.Sprintf("host-serial:%s:killforward:tcp:%d", serial, localPort)
	return wire.SendCommand(conn, req)
}
