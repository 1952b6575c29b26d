package capture

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/snapo-dev/snapo-core/internal/hostcmd"
	"github.com/snapo-dev/snapo-core/internal/input"
	"github.com/snapo-dev/snapo-core/internal/logging"
	"github.com/snapo-dev/snapo-core/internal/nal"
	"github.com/snapo-dev/snapo-core/internal/wire"
)

// previewChunkSize is the read size used for the live elementary stream
// (spec §4.5 "Live preview" step 3: "≤ 4 KiB chunks").
const previewChunkSize = 4 * 1024

// StopCause reports why a Preview's reader loop exited, per spec §4.5
// step 5 ("None, Cancelled, or Io(err)").
type StopCause struct {
	Cancelled bool
	Err       error
}

// Preview is a live H.264 elementary-stream reader started by
// Manager.StartPreview.
type Preview struct {
	serial  string
	client  *hostcmd.Client
	conn    *wire.Conn
	cancel  context.CancelFunc
	release func()

	done      chan struct{}
	stopCause StopCause

	priorShowTouches string
}

func startPreview(ctx context.Context, client *hostcmd.Client, serial string, release func(), onFormat func(w, h uint16), onSample func(data []byte, pts time.Duration)) (*Preview, error) {
	prior, err := input.GetShowTouches(ctx, client, serial)
	if err != nil {
		logging.Error("capture: reading show_touches failed for %s: %v", serial, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	conn, err := client.ShellStream(streamCtx, serial, "screenrecord --output-format=h264 -")
	if err != nil {
		cancel()
		return nil, err
	}

	pv := &Preview{
		serial:           serial,
		client:           client,
		conn:             conn,
		cancel:           cancel,
		release:          release,
		done:             make(chan struct{}),
		priorShowTouches: prior,
	}

	start := time.Now()
	assembler := nal.NewAccessUnitAssembler(onFormat, func(units [][]byte) {
		if onSample == nil {
			return
		}
		var flat []byte
		for _, u := range units {
			flat = append(flat, 0, 0, 0, 1)
			flat = append(flat, u...)
		}
		onSample(flat, time.Since(start))
	})

	go pv.run(assembler)
	return pv, nil
}

func (p *Preview) run(assembler *nal.AccessUnitAssembler) {
	defer close(p.done)
	defer p.releaseShowTouches()

	r := newChunkReader(p.conn)
	buf := make([]byte, previewChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			assembler.Feed(buf[:n])
		}
		if err != nil {
			assembler.Close()
			if errors.Is(err, io.EOF) {
				if p.stopCause.Err == nil && !p.stopCause.Cancelled {
					p.stopCause = StopCause{}
				}
			} else if !p.stopCause.Cancelled {
				p.stopCause = StopCause{Err: err}
			}
			return
		}
	}
}

func (p *Preview) releaseShowTouches() {
	if p.priorShowTouches != "" {
		if err := input.SetShowTouches(context.Background(), p.client, p.serial, p.priorShowTouches); err != nil {
			logging.Error("capture: restoring show_touches for %s failed: %v", p.serial, err)
		}
	}
	p.release()
}

// Cancel sends SIGINT to the screenrecord process and stops the reader
// (spec §4.5 step 5).
func (p *Preview) Cancel() {
	p.stopCause = StopCause{Cancelled: true}
	// Deriving a bounded context for the best-effort SIGINT; the shell
	// connection's own cancellation (below) guarantees termination even if
	// this call fails.
	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if pid, err := p.currentPID(ctx); err == nil && pid != "" {
		p.client.ShellCollect(ctx, p.serial, "kill -2 "+pid)
	}
	p.cancel()
	p.conn.Close()
}

// currentPID best-effort resolves screenrecord's pid via pgrep, used only
// to deliver a clean SIGINT before falling back to tearing down the shell
// connection outright.
func (p *Preview) currentPID(ctx context.Context) (string, error) {
	out, err := p.client.ShellCollect(ctx, p.serial, "pgrep -f 'screenrecord --output-format=h264'")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0]), nil
}

// Wait blocks until the reader loop exits and returns the reason.
func (p *Preview) Wait() StopCause {
	<-p.done
	return p.stopCause
}
