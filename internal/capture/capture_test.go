package capture

import (
	"encoding/binary"
	"testing"
)

func TestParseIHDR(t *testing.T) {
	data := make([]byte, 0, 33)
	data = append(data, pngSignature[:]...)
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], 1080)
	binary.BigEndian.PutUint32(ihdr[4:8], 2400)
	chunk := make([]byte, 4+4+13)
	binary.BigEndian.PutUint32(chunk[0:4], 13)
	copy(chunk[4:8], "IHDR")
	copy(chunk[8:], ihdr)
	data = append(data, chunk...)

	w, h, err := parseIHDR(data)
	if err != nil {
		t.Fatalf("parseIHDR: %v", err)
	}
	if w != 1080 || h != 2400 {
		t.Fatalf("want 1080x2400, got %dx%d", w, h)
	}
}

func TestParseIHDRRejectsNonPNG(t *testing.T) {
	if _, _, err := parseIHDR([]byte("not a png")); err == nil {
		t.Fatal("want error for non-PNG input")
	}
}

func TestParseDensity(t *testing.T) {
	out := "Physical density: 420\nOverride density: null\n"
	d, ok := parseDensity(out)
	if !ok {
		t.Fatal("want density found")
	}
	if d != 420.0/160.0 {
		t.Fatalf("want %v, got %v", 420.0/160.0, d)
	}
}

func TestParseDensityMissing(t *testing.T) {
	if _, ok := parseDensity("no density here\n"); ok {
		t.Fatal("want not-found")
	}
}

func TestManagerAcquireExclusive(t *testing.T) {
	m := NewManager(nil)
	release, err := m.acquire("serial1", kindScreenshot)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := m.acquire("serial1", kindScreenshot); err == nil {
		t.Fatal("want AlreadyInProgress for a second concurrent screenshot")
	}
	release()
	if _, err := m.acquire("serial1", kindScreenshot); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestManagerRecordingAndPreviewMutuallyExclusive(t *testing.T) {
	m := NewManager(nil)
	releaseRec, err := m.acquire("serial1", kindRecording)
	if err != nil {
		t.Fatalf("acquire recording: %v", err)
	}
	if _, err := m.acquire("serial1", kindPreview); err == nil {
		t.Fatal("want preview rejected while recording is active")
	}
	releaseRec()
	releasePv, err := m.acquire("serial1", kindPreview)
	if err != nil {
		t.Fatalf("acquire preview after recording released: %v", err)
	}
	releasePv()
}

func TestManagerIndependentDevicesDoNotContend(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.acquire("serial1", kindScreenshot); err != nil {
		t.Fatalf("acquire serial1: %v", err)
	}
	if _, err := m.acquire("serial2", kindScreenshot); err != nil {
		t.Fatalf("acquire serial2 should not contend with serial1: %v", err)
	}
}

func buildTestMP4(t *testing.T, timescale, duration uint32, width, height uint16) []byte {
	t.Helper()
	mvhd := make([]byte, 4+8+4+4+44) // version/flags + 2*u32 dates + timescale + duration + trailing rate/volume/matrix/etc (approximate)
	mvhd[0] = 0
	binary.BigEndian.PutUint32(mvhd[12:16], timescale)
	binary.BigEndian.PutUint32(mvhd[16:20], duration)

	tkhd := make([]byte, 80)
	binary.BigEndian.PutUint32(tkhd[len(tkhd)-8:len(tkhd)-4], uint32(width)<<16)
	binary.BigEndian.PutUint32(tkhd[len(tkhd)-4:], uint32(height)<<16)

	box := func(fourCC string, body []byte) []byte {
		b := make([]byte, 8+len(body))
		binary.BigEndian.PutUint32(b[0:4], uint32(len(b)))
		copy(b[4:8], fourCC)
		copy(b[8:], body)
		return b
	}

	trak := box("trak", box("tkhd", tkhd))
	moov := box("moov", append(box("mvhd", mvhd), trak...))
	return moov
}

func TestParseMP4(t *testing.T) {
	data := buildTestMP4(t, 1000, 5000, 1080, 2400)
	info, err := parseMP4(data)
	if err != nil {
		t.Fatalf("parseMP4: %v", err)
	}
	if info.Duration.Seconds() != 5.0 {
		t.Fatalf("want 5s, got %v", info.Duration)
	}
	if info.Width != 1080 || info.Height != 2400 {
		t.Fatalf("want 1080x2400, got %dx%d", info.Width, info.Height)
	}
}

func TestParseMP4MissingMoov(t *testing.T) {
	if _, err := parseMP4([]byte{0, 0, 0, 8, 'f', 't', 'y', 'p'}); err == nil {
		t.Fatal("want error for missing moov")
	}
}
