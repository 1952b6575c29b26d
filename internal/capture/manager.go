// Package capture implements the per-device screenshot, recording, and
// live-preview operations of spec §4.5, serialized per device and kind by
// Manager.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/snapo-dev/snapo-core/internal/adberr"
	"github.com/snapo-dev/snapo-core/internal/hostcmd"
)

// kind identifies which of the three mutually-constrained capture
// operations a lock slot belongs to.
type kind int

const (
	kindScreenshot kind = iota
	kindRecording
	kindPreview
)

// preloadTTL is how long a preload screenshot is served from cache before
// a fresh capture_screenshot call starts a new capture (spec §4.5 "Preload
// optimization").
const preloadTTL = time.Second

// Manager serializes capture operations per device and kind, and enforces
// that recording and live preview never run concurrently on the same
// device.
type Manager struct {
	client *hostcmd.Client

	mu    sync.Mutex
	locks map[string]map[kind]bool // serial -> kind -> busy

	preloadMu sync.Mutex
	preload   map[string]preloadEntry // serial -> last screenshot
}

type preloadEntry struct {
	img *Image
	at  time.Time
}

// NewManager constructs a Manager backed by client for shell/sync access.
func NewManager(client *hostcmd.Client) *Manager {
	return &Manager{
		client:  client,
		locks:   make(map[string]map[kind]bool),
		preload: make(map[string]preloadEntry),
	}
}

// acquire claims k for serial, failing with AlreadyInProgress if it (or, for
// recording/preview, its mutually-exclusive counterpart) is already held.
func (m *Manager) acquire(serial string, k kind) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slots, ok := m.locks[serial]
	if !ok {
		slots = make(map[kind]bool)
		m.locks[serial] = slots
	}
	if slots[k] {
		return nil, adberr.AlreadyInProgress(serial, kindName(k))
	}
	if (k == kindRecording && slots[kindPreview]) || (k == kindPreview && slots[kindRecording]) {
		return nil, adberr.AlreadyInProgress(serial, "recording/preview (mutually exclusive)")
	}

	slots[k] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.locks[serial], k)
	}, nil
}

func kindName(k kind) string {
	switch k {
	case kindScreenshot:
		return "screenshot"
	case kindRecording:
		return "recording"
	case kindPreview:
		return "preview"
	default:
		return "unknown"
	}
}

// CaptureScreenshot takes a screenshot for serial, writing the PNG to
// destPath. A screenshot taken less than preloadTTL ago is returned from
// the cache instead; its Path is the file that earlier capture wrote, and
// nothing is written to destPath.
func (m *Manager) CaptureScreenshot(ctx context.Context, serial, destPath string) (*Image, error) {
	m.preloadMu.Lock()
	if entry, ok := m.preload[serial]; ok && time.Since(entry.at) < preloadTTL {
		m.preloadMu.Unlock()
		return entry.img, nil
	}
	m.preloadMu.Unlock()

	release, err := m.acquire(serial, kindScreenshot)
	if err != nil {
		return nil, err
	}
	defer release()

	img, err := takeScreenshot(ctx, m.client, serial, destPath)
	if err != nil {
		return nil, err
	}

	m.preloadMu.Lock()
	m.preload[serial] = preloadEntry{img: img, at: time.Now()}
	m.preloadMu.Unlock()
	return img, nil
}

// Preload kicks off a screenshot for serial without a caller waiting on
// the result, seeding the cache for a subsequent CaptureScreenshot within
// preloadTTL (spec §4.5 "Preload optimization").
func (m *Manager) Preload(ctx context.Context, serial, destPath string) {
	go func() {
		if _, err := m.CaptureScreenshot(ctx, serial, destPath); err != nil {
			return
		}
	}()
}

// StartRecording begins a recording session for serial, per spec §4.5
// "Recording". The returned *Recording is released by its own Stop.
func (m *Manager) StartRecording(ctx context.Context, serial string) (*Recording, error) {
	release, err := m.acquire(serial, kindRecording)
	if err != nil {
		return nil, err
	}
	rec, err := startRecording(ctx, m.client, serial, release)
	if err != nil {
		release()
		return nil, err
	}
	return rec, nil
}

// StartPreview begins a live-preview session for serial, per spec §4.5
// "Live preview". The preview slot is released when the returned *Preview's
// reader loop exits, after Cancel or at the end of the stream.
func (m *Manager) StartPreview(ctx context.Context, serial string, onFormat func(w, h uint16), onSample func(data []byte, pts time.Duration)) (*Preview, error) {
	release, err := m.acquire(serial, kindPreview)
	if err != nil {
		return nil, err
	}
	pv, err := startPreview(ctx, m.client, serial, release, onFormat, onSample)
	if err != nil {
		release()
		return nil, err
	}
	return pv, nil
}
