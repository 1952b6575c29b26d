// Command snapoctl exposes the Snap-O core over HTTP: device listing,
// screenshot/recording capture, Link server discovery, and a WebRTC live
// preview relay.
package main

import (
	"context"
	"expvar"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/snapo-dev/snapo-core/internal/adbserver"
	"github.com/snapo-dev/snapo-core/internal/capture"
	"github.com/snapo-dev/snapo-core/internal/config"
	"github.com/snapo-dev/snapo-core/internal/hostcmd"
	"github.com/snapo-dev/snapo-core/internal/link"
	"github.com/snapo-dev/snapo-core/internal/logging"
	"github.com/snapo-dev/snapo-core/internal/tracker"
)

// server bundles every long-lived component the HTTP handlers need.
type server struct {
	cfg         config.Config
	client      *hostcmd.Client
	tracker     *tracker.Tracker
	capture     *capture.Manager
	forwarder   *link.Forwarder
	artifactDir string

	recordings *recordingRegistry
	relays     *relayRegistry
	links      *linkRegistry
}

// prepareArtifactDir clears and recreates the process-owned temp subfolder
// capture artifacts are written under (spec §6 "Persisted state": "deleted
// on process start").
func prepareArtifactDir() string {
	dir := filepath.Join(os.TempDir(), "snapo-core")
	os.RemoveAll(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatalf("snapoctl: creating artifact dir: %v", err)
	}
	return dir
}

func main() {
	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logging.SetLevel(logging.LevelInfo)

	pool := adbserver.New(adbserver.Options{Host: cfg.Host, Port: cfg.Port, ADBPath: cfg.ADBPath})
	client := hostcmd.New(pool)

	trk := tracker.New(client, tracker.ShellGetProps{Client: client})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trk.Run(ctx)

	srv := &server{
		cfg:         cfg,
		client:      client,
		tracker:     trk,
		capture:     capture.NewManager(client),
		forwarder:   link.NewForwarder(client),
		artifactDir: prepareArtifactDir(),
		recordings:  newRecordingRegistry(),
		relays:      newRelayRegistry(),
		links:       newLinkRegistry(),
	}

	engine := gin.Default()
	engine.GET("/devices", srv.handleDevices)
	engine.POST("/capture/screenshot", srv.handleScreenshot)
	engine.POST("/capture/record/start", srv.handleRecordStart)
	engine.POST("/capture/record/stop", srv.handleRecordStop)
	engine.GET("/link/servers", srv.handleLinkServers)
	engine.POST("/link/connect", srv.handleLinkConnect)
	engine.POST("/link/disconnect", srv.handleLinkDisconnect)
	engine.GET("/link/requests", srv.handleLinkRequests)
	engine.GET("/link/sockets", srv.handleLinkSockets)
	engine.POST("/relay/offer", srv.handleRelayOffer)
	engine.GET("/debug/vars", gin.WrapH(expvar.Handler()))

	log.Printf("snapoctl listening on %s", cfg.HTTPAddr)
	if err := http.ListenAndServe(cfg.HTTPAddr, engine); err != nil {
		log.Fatalf("snapoctl: %v", err)
	}
}
