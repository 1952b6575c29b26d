package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/snapo-dev/snapo-core/internal/hostcmd"
	"github.com/snapo-dev/snapo-core/internal/logging"
)

// Image is the result of a screenshot capture (spec §3 "Capture::Image":
// size is the PNG's pixel-dimension tuple, not a byte count).
type Image struct {
	Path    string
	Width   uint32
	Height  uint32
	Density *float64 // nil when density lookup failed
}

// takeScreenshot runs screencap and wm density concurrently, decodes the
// PNG's dimensions via its IHDR chunk, and writes the result atomically to
// destPath.
func takeScreenshot(ctx context.Context, client *hostcmd.Client, serial, destPath string) (*Image, error) {
	var (
		wg      sync.WaitGroup
		png     []byte
		pngErr  error
		density *float64
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		png, pngErr = client.ShellCollect(ctx, serial, "screencap -p")
	}()
	go func() {
		defer wg.Done()
		out, err := client.ShellCollect(ctx, serial, "wm density")
		if err != nil {
			logging.Error("capture: wm density failed for %s: %v", serial, err)
			return
		}
		if d, ok := parseDensity(string(out)); ok {
			density = &d
		}
	}()
	wg.Wait()

	if pngErr != nil {
		return nil, pngErr
	}
	width, height, err := parseIHDR(png)
	if err != nil {
		return nil, err
	}

	if err := writeAtomic(destPath, png); err != nil {
		return nil, err
	}

	return &Image{Path: destPath, Width: width, Height: height, Density: density}, nil
}

// parseDensity extracts the scale factor out of `wm density` output, whose
// relevant line reads "Physical density: <N>" (spec §4.5 screenshot step 2).
func parseDensity(out string) (float64, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		const prefix = "Physical density:"
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(line[len(prefix):]))
		if err != nil {
			return 0, false
		}
		return float64(n) / 160.0, true
	}
	return 0, false
}

// writeAtomic writes b to path by writing a sibling temp file and renaming
// it into place, so a concurrent reader never observes a partial file.
func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapo-capture-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}
