package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snapo-dev/snapo-core/internal/adberr"
	"github.com/snapo-dev/snapo-core/internal/hostcmd"
	"github.com/snapo-dev/snapo-core/internal/input"
	"github.com/snapo-dev/snapo-core/internal/logging"
)

// stopTimeout bounds the wait for screenrecord to exit after SIGINT before
// the recorder escalates to SIGKILL (spec §4.5 recording-stop step 2).
const stopTimeout = 10 * time.Second

// Video is the result of a completed recording (spec §3 "Capture::Video").
type Video struct {
	Path     string
	Size     int64
	Duration time.Duration
	Width    uint32
	Height   uint32
}

// Recording is an in-progress screenrecord session started by
// Manager.StartRecording.
type Recording struct {
	client *hostcmd.Client
	serial string
	remote string
	pid    string
	prior  string // prior show_touches value, empty if unknown/unset

	release func()

	mu       sync.Mutex
	shellErr error
	done     chan struct{}
}

func startRecording(ctx context.Context, client *hostcmd.Client, serial string, release func()) (*Recording, error) {
	prior, err := input.GetShowTouches(ctx, client, serial)
	if err != nil {
		logging.Error("capture: reading show_touches failed for %s: %v", serial, err)
	} else if err := input.SetShowTouches(ctx, client, serial, "1"); err != nil {
		logging.Error("capture: enabling show_touches failed for %s: %v", serial, err)
	}

	remote := fmt.Sprintf("/data/local/tmp/snapo-%s.mp4", uuid.NewString())
	conn, err := client.ShellStream(ctx, serial, fmt.Sprintf("screenrecord %s & echo $!", remote))
	if err != nil {
		return nil, err
	}

	r := bufio.NewReader(newChunkReader(conn))
	line, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, adberr.Frame("start_recording", "failed to read screenrecord pid", err)
	}

	rec := &Recording{
		client:  client,
		serial:  serial,
		remote:  remote,
		pid:     strings.TrimSpace(line),
		prior:   prior,
		release: release,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(rec.done)
		_, err := io.Copy(io.Discard, r)
		rec.mu.Lock()
		rec.shellErr = err
		rec.mu.Unlock()
		conn.Close()
	}()

	return rec, nil
}

// Stop signals screenrecord to finish, pulls the resulting MP4 to
// localPath, and restores show_touches, per spec §4.5 "Recording: Stop".
func (r *Recording) Stop(ctx context.Context, localPath string) (*Video, error) {
	defer r.release()

	if _, err := r.client.ShellCollect(ctx, r.serial, "kill -2 "+r.pid); err != nil {
		logging.Error("capture: SIGINT to screenrecord pid %s failed: %v", r.pid, err)
	}

	select {
	case <-r.done:
	case <-time.After(stopTimeout):
		logging.Error("capture: screenrecord pid %s did not exit within %s, sending SIGKILL", r.pid, stopTimeout)
		r.client.ShellCollect(ctx, r.serial, "kill -9 "+r.pid)
		<-r.done
	}

	defer r.restoreShowTouches(ctx)

	sc, err := r.client.Sync(ctx, r.serial)
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	size, err := sc.Stat(r.remote)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, adberr.InvalidRecord("recording", "remote capture file is empty, discarding")
	}

	var buf bytes.Buffer
	if err := sc.Recv(r.remote, &buf); err != nil {
		return nil, err
	}

	if _, err := r.client.ShellCollect(ctx, r.serial, "rm "+r.remote); err != nil {
		logging.Error("capture: rm %s failed: %v", r.remote, err)
	}

	info, err := parseMP4(buf.Bytes())
	if err != nil {
		return nil, err
	}
	if info.Duration <= 0 {
		return nil, adberr.InvalidRecord("recording", "non-positive duration, discarding capture")
	}

	if err := writeAtomic(localPath, buf.Bytes()); err != nil {
		return nil, err
	}

	return &Video{
		Path:     localPath,
		Size:     int64(buf.Len()),
		Duration: info.Duration,
		Width:    info.Width,
		Height:   info.Height,
	}, nil
}

func (r *Recording) restoreShowTouches(ctx context.Context) {
	if r.prior == "" {
		return
	}
	if err := input.SetShowTouches(ctx, r.client, r.serial, r.prior); err != nil {
		logging.Error("capture: restoring show_touches for %s failed: %v", r.serial, err)
	}
}
