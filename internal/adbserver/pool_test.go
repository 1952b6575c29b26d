package adbserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/snapo-dev/snapo-core/internal/adberr"
	"github.com/snapo-dev/snapo-core/internal/metrics"
)

func TestDialSucceedsAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	pool := New(Options{Host: "127.0.0.1", Port: addr.Port})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := pool.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
}

func TestDialWithoutADBPathReturnsServerUnavailable(t *testing.T) {
	// Port 1 (tcpmux) is a privileged port that is practically never
	// listened on; refused connections should surface ServerUnavailable
	// when no adb binary is configured to restart the server.
	pool := New(Options{Host: "127.0.0.1", Port: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := pool.Dial(ctx)
	if !adberr.Is(err, adberr.KindServerUnavailable) {
		t.Fatalf("want ServerUnavailable dialing a closed port, got %v", err)
	}
}

func TestConcurrentRestartsShareOneAttempt(t *testing.T) {
	spawnsBefore := metrics.Snapshot()["adb_server_restarts"]

	pool := New(Options{Host: "127.0.0.1", Port: 1, ADBPath: "/bin/true"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := pool.Dial(ctx)
			done <- err
		}()
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	// Three callers race against a path that can never actually open the
	// port; every caller gets a response and only one of them spawns.
	if spawns := metrics.Snapshot()["adb_server_restarts"] - spawnsBefore; spawns != 1 {
		t.Fatalf("want exactly 1 start-server spawn, got %d", spawns)
	}
}
