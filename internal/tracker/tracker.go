// Package tracker keeps a live, ordered view of attached Android devices
// by holding a host:track-devices subscription open and re-establishing
// it on error, per spec §4.4.
package tracker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/snapo-dev/snapo-core/internal/hostcmd"
	"github.com/snapo-dev/snapo-core/internal/logging"
	"github.com/snapo-dev/snapo-core/internal/metrics"
	"github.com/snapo-dev/snapo-core/internal/wire"
)

// RestartBackoff is the pause between a dropped track-devices stream and
// the next reconnect attempt, per spec §4.4.
const RestartBackoff = 300 * time.Millisecond

// PropertyFetcher resolves the ro.* properties needed to enrich a device
// row. Production code backs this with Client.ShellCollect("getprop ...");
// tests substitute a fake.
type PropertyFetcher interface {
	GetProps(ctx context.Context, serial string) (map[string]string, error)
}

// HostClient is the subset of hostcmd.Client the tracker depends on.
type HostClient interface {
	TrackDevices(ctx context.Context) (*wire.Conn, error)
}

// Tracker runs the single, process-wide track-devices task and publishes
// the latest ordered device list to subscribers.
type Tracker struct {
	host  HostClient
	props PropertyFetcher

	mu        sync.RWMutex
	latest    []Device
	propCache map[string]Device // memoized by serial

	subMu sync.Mutex
	subs  map[chan []Device]struct{}
}

// New constructs a Tracker. Call Run in a goroutine to start it.
func New(host HostClient, props PropertyFetcher) *Tracker {
	return &Tracker{
		host:      host,
		props:     props,
		propCache: make(map[string]Device),
		subs:      make(map[chan []Device]struct{}),
	}
}

// Subscribe returns a channel that receives the current device list
// immediately (if one has been published) and every subsequent update.
// The returned func unsubscribes and closes the channel.
func (t *Tracker) Subscribe() (<-chan []Device, func()) {
	ch := make(chan []Device, 1)

	t.mu.RLock()
	latest := t.latest
	t.mu.RUnlock()
	if latest != nil {
		ch <- latest
	}

	t.subMu.Lock()
	t.subs[ch] = struct{}{}
	t.subMu.Unlock()

	unsubscribe := func() {
		t.subMu.Lock()
		delete(t.subs, ch)
		t.subMu.Unlock()
		close(ch)
	}
	return ch, unsubscribe
}

// Latest returns the most recently published device list.
func (t *Tracker) Latest() []Device {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// Run holds the track-devices subscription open until ctx is cancelled,
// reconnecting with RestartBackoff after any error or clean stream end.
func (t *Tracker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := t.runOnce(ctx); err != nil {
			logging.Error("tracker: track-devices stream ended: %v", err)
		}
		t.publish([]Device{})
		metrics.Inc("tracker_restarts")
		select {
		case <-time.After(RestartBackoff):
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) runOnce(ctx context.Context) error {
	conn, err := t.host.TrackDevices(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		chunk, err := wire.ReadStreamChunk(conn)
		if err != nil {
			return err
		}
		if chunk == nil {
			return nil
		}
		rows := hostcmd.ParseDevicesLong(string(chunk))
		devices := t.enrich(ctx, rows)
		t.publish(devices)
	}
}

// enrich filters non-"device" rows and resolves DeviceInfo for each
// remaining serial via a per-serial memoized property fetch, preserving
// row order and deduplicating serials (last occurrence wins, matching
// adb's own "most recent row for a serial" semantics within one payload).
func (t *Tracker) enrich(ctx context.Context, rows []hostcmd.DeviceRow) []Device {
	seen := make(map[string]bool)
	order := make([]string, 0, len(rows))
	bySerial := make(map[string]hostcmd.DeviceRow, len(rows))
	for _, row := range rows {
		if ParseTransportState(row.State) != StateDevice {
			continue
		}
		if !seen[row.Serial] {
			seen[row.Serial] = true
			order = append(order, row.Serial)
		}
		bySerial[row.Serial] = row
	}

	out := make([]Device, 0, len(order))
	for _, serial := range order {
		row := bySerial[serial]
		out = append(out, t.resolve(ctx, serial, row))
	}
	return out
}

func (t *Tracker) resolve(ctx context.Context, serial string, row hostcmd.DeviceRow) Device {
	t.mu.RLock()
	cached, ok := t.propCache[serial]
	t.mu.RUnlock()
	if ok {
		cached.TransportState = StateDevice
		cached.Product = row.Props["product"]
		cached.DeviceName = row.Props["device"]
		cached.TransportID = row.Props["transport_id"]
		return cached
	}

	d := Device{
		Serial:         serial,
		TransportState: StateDevice,
		Product:        row.Props["product"],
		DeviceName:     row.Props["device"],
		TransportID:    row.Props["transport_id"],
	}
	props, err := t.props.GetProps(ctx, serial)
	if err != nil {
		logging.Error("tracker: getprop failed for %s: %v", serial, err)
	} else {
		d.Model = props["ro.product.model"]
		d.AndroidRelease = props["ro.build.version.release"]
		d.Manufacturer = props["ro.product.manufacturer"]
		d.AVDName = props["ro.boot.qemu.avd_name"]
	}

	t.mu.Lock()
	t.propCache[serial] = d
	t.mu.Unlock()
	return d
}

func (t *Tracker) publish(devices []Device) {
	t.mu.Lock()
	t.latest = devices
	t.mu.Unlock()

	t.subMu.Lock()
	defer t.subMu.Unlock()
	for ch := range t.subs {
		// Drop any stale buffered value so the newest always wins for a
		// slow/late subscriber (spec §4.4 "newest value is always retained").
		select {
		case <-ch:
		default:
		}
		ch <- devices
	}
}

// ShellGetProps is the production PropertyFetcher, backed by
// shell:getprop over a transport connection.
type ShellGetProps struct {
	Client interface {
		ShellCollect(ctx context.Context, serial, cmd string) ([]byte, error)
	}
}

func (s ShellGetProps) GetProps(ctx context.Context, serial string) (map[string]string, error) {
	out, err := s.Client.ShellCollect(ctx, serial, "getprop")
	if err != nil {
		return nil, err
	}
	return parseGetprop(string(out)), nil
}

// parseGetprop parses `getprop` output lines of the form
// "[ro.product.model]: [Pixel 4]".
func parseGetprop(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		end := strings.Index(line, "]:")
		if end < 0 {
			continue
		}
		key := line[1:end]
		rest := strings.TrimSpace(line[end+2:])
		value := strings.TrimSuffix(strings.TrimPrefix(rest, "["), "]")
		props[key] = value
	}
	return props
}
