// Package adbserver dials the local ADB server and, when configured,
// bootstraps it via `adb start-server` on the first connection refusal.
// It intentionally holds no persistent connections of its own — every
// call to Dial returns a fresh socket; callers that need a long-lived
// stream (track-devices, shell, sync) own it from there.
package adbserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/snapo-dev/snapo-core/internal/adberr"
	"github.com/snapo-dev/snapo-core/internal/logging"
	"github.com/snapo-dev/snapo-core/internal/metrics"
	"github.com/snapo-dev/snapo-core/internal/wire"
)

// ConnectTimeout bounds a single dial attempt, per spec §4.2.
const ConnectTimeout = 1 * time.Second

// RestartWaitTimeout bounds how long the pool waits for `adb start-server`
// to open the port before giving up, per spec §4.2.
const RestartWaitTimeout = 5 * time.Second

// restartPollInterval controls how often the pool probes the port while
// waiting for a spawned adb server to come up.
const restartPollInterval = 100 * time.Millisecond

// Options configures the pool's target server and optional restart path.
type Options struct {
	// Host and Port address the ADB server. Zero values default to
	// 127.0.0.1:5037.
	Host string
	Port int
	// ADBPath, if set, is used to spawn `adb start-server` on ECONNREFUSED.
	// Leave empty to disable the restart path (ServerUnavailable instead).
	ADBPath string
}

func (o Options) addr() string {
	host := o.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := o.Port
	if port == 0 {
		port = 5037
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Pool dials fresh connections to the ADB server, coordinating at most one
// in-flight `adb start-server` restart across racing callers.
type Pool struct {
	opts Options

	mu         sync.Mutex
	restarting bool
	restartErr error
	restartDone chan struct{}
}

// New returns a Pool for the given options.
func New(opts Options) *Pool {
	return &Pool{opts: opts}
}

// Dial returns a fresh TCP connection to the ADB server. On ECONNREFUSED,
// if an adb binary path is configured, it triggers (or joins) exactly one
// restart attempt before retrying once.
func (p *Pool) Dial(ctx context.Context) (*wire.Conn, error) {
	nc, err := p.dialOnce(ctx)
	if err == nil {
		return wire.NewConn(nc), nil
	}
	if !isConnRefused(err) {
		return nil, adberr.Io("dial", err)
	}
	if p.opts.ADBPath == "" {
		return nil, adberr.ServerUnavailable("dial", err)
	}

	if restartErr := p.restartServer(ctx); restartErr != nil {
		return nil, adberr.ServerUnavailable("dial", restartErr)
	}

	nc, err = p.dialOnce(ctx)
	if err != nil {
		return nil, adberr.ServerUnavailable("dial", err)
	}
	return wire.NewConn(nc), nil
}

func (p *Pool) dialOnce(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: ConnectTimeout}
	deadline, ok := ctx.Deadline()
	if ok && time.Until(deadline) < ConnectTimeout {
		d.Timeout = time.Until(deadline)
	}
	metrics.Inc("adb_dial_attempts")
	nc, err := d.DialContext(ctx, "tcp", p.opts.addr())
	if err != nil {
		metrics.Inc("adb_dial_errors")
		return nil, err
	}
	return nc, nil
}

// restartServer spawns `adb start-server` unless another caller is already
// doing so, in which case it awaits that caller's outcome. The mutex is
// held only long enough to make that decision, never across the wait.
func (p *Pool) restartServer(ctx context.Context) error {
	p.mu.Lock()
	if p.restarting {
		done := p.restartDone
		p.mu.Unlock()
		select {
		case <-done:
			p.mu.Lock()
			err := p.restartErr
			p.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.restarting = true
	p.restartDone = make(chan struct{})
	p.mu.Unlock()

	err := p.spawnAndWait(ctx)

	p.mu.Lock()
	p.restartErr = err
	p.restarting = false
	close(p.restartDone)
	p.mu.Unlock()

	return err
}

func (p *Pool) spawnAndWait(ctx context.Context) error {
	metrics.Inc("adb_server_restarts")
	logging.Info("adb server unreachable, spawning %q start-server", p.opts.ADBPath)

	args := []string{"start-server"}
	if p.opts.Host != "" {
		args = append([]string{"-H", p.opts.Host}, args...)
	}
	if p.opts.Port != 0 {
		args = append([]string{"-P", fmt.Sprintf("%d", p.opts.Port)}, args...)
	}
	cmd := exec.CommandContext(ctx, p.opts.ADBPath, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn adb start-server: %w", err)
	}
	go cmd.Wait()

	deadline := time.Now().Add(RestartWaitTimeout)
	for time.Now().Before(deadline) {
		nc, err := p.dialOnce(ctx)
		if err == nil {
			nc.Close()
			return nil
		}
		select {
		case <-time.After(restartPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.New("adb server did not accept connections within restart timeout")
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
