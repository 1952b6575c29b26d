package tracker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/snapo-dev/snapo-core/internal/wire"
)

type fakeHostClient struct {
	payloads [][]byte // each becomes one length-prefixed chunk, then EOF
}

func (f *fakeHostClient) TrackDevices(ctx context.Context) (*wire.Conn, error) {
	client, server := net.Pipe()
	go func() {
		sc := wire.NewConn(server)
		for _, p := range f.payloads {
			frame, _ := wire.EncodeCommand(string(p))
			sc.Raw().Write(frame)
		}
		server.Close()
	}()
	return wire.NewConn(client), nil
}

type fakeProps struct {
	byDevice map[string]map[string]string
}

func (f fakeProps) GetProps(ctx context.Context, serial string) (map[string]string, error) {
	return f.byDevice[serial], nil
}

func TestTrackTwoDevicesSeedScenario(t *testing.T) {
	host := &fakeHostClient{payloads: [][]byte{
		[]byte("emulator-5554\tdevice\tproduct:sdk\nXYZ123\tdevice\tproduct:phone\n"),
	}}
	props := fakeProps{byDevice: map[string]map[string]string{
		"emulator-5554": {"ro.product.model": "sdk_gphone"},
		"XYZ123":        {"ro.product.model": "Pixel 4"},
	}}

	tr := New(host, props)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go tr.Run(ctx)

	ch, unsub := tr.Subscribe()
	defer unsub()

	var got []string
	deadline := time.After(400 * time.Millisecond)
	for len(got) != 2 {
		select {
		case devices := <-ch:
			got = nil
			for _, d := range devices {
				got = append(got, d.Serial)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for 2 devices, last seen %v", got)
		}
	}

	if got[0] != "emulator-5554" || got[1] != "XYZ123" {
		t.Fatalf("want [emulator-5554 XYZ123], got %v", got)
	}
}

func TestTrackerFiltersUnauthorizedAndDedupes(t *testing.T) {
	host := &fakeHostClient{payloads: [][]byte{
		[]byte("A1\tdevice\nA1\tdevice\nA2\tunauthorized\n"),
	}}
	props := fakeProps{byDevice: map[string]map[string]string{}}

	tr := New(host, props)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go tr.Run(ctx)

	ch, unsub := tr.Subscribe()
	defer unsub()

	select {
	case devices := <-ch:
		if len(devices) != 1 || devices[0].Serial != "A1" {
			t.Fatalf("want only A1, got %+v", devices)
		}
	case <-time.After(250 * time.Millisecond):
		t.Fatal("timed out")
	}
}

func TestTrackerRestartsAfterStreamEnds(t *testing.T) {
	host := &fakeHostClient{payloads: [][]byte{[]byte("A1\tdevice\n")}}
	props := fakeProps{byDevice: map[string]map[string]string{}}

	tr := New(host, props)
	ctx, cancel := context.WithTimeout(context.Background(), 2*RestartBackoff)
	defer cancel()
	go tr.Run(ctx)

	ch, unsub := tr.Subscribe()
	defer unsub()

	// First the populated list, then (after the stream closes and the
	// tracker restarts) an empty list per spec §4.4.
	sawPopulated, sawEmpty := false, false
	deadline := time.After(2 * RestartBackoff)
	for !sawEmpty {
		select {
		case devices := <-ch:
			if len(devices) > 0 {
				sawPopulated = true
			} else if sawPopulated {
				sawEmpty = true
			}
		case <-deadline:
			t.Fatalf("timed out: populated=%v empty=%v", sawPopulated, sawEmpty)
		}
	}
}
