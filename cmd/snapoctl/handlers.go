package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/snapo-dev/snapo-core/internal/adberr"
	"github.com/snapo-dev/snapo-core/internal/capture"
	"github.com/snapo-dev/snapo-core/internal/link"
	"github.com/snapo-dev/snapo-core/internal/link/store"
	"github.com/snapo-dev/snapo-core/internal/logging"
	"github.com/snapo-dev/snapo-core/internal/relay"
)

func (s *server) handleDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.tracker.Latest()})
}

func (s *server) handleScreenshot(c *gin.Context) {
	serial := c.Query("serial")
	if serial == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing serial"})
		return
	}
	dest := filepath.Join(s.artifactDir, fmt.Sprintf("screenshot-%s.png", uuid.NewString()))

	img, err := s.capture.CaptureScreenshot(c.Request.Context(), serial, dest)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, img)
}

// recordingRegistry tracks in-progress Recordings by an opaque id handed
// back to the HTTP caller, since a *capture.Recording has no id of its own.
type recordingRegistry struct {
	mu    sync.Mutex
	items map[string]*capture.Recording
}

func newRecordingRegistry() *recordingRegistry {
	return &recordingRegistry{items: make(map[string]*capture.Recording)}
}

func (r *recordingRegistry) put(rec *capture.Recording) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.items[id] = rec
	r.mu.Unlock()
	return id
}

func (r *recordingRegistry) take(id string) (*capture.Recording, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	return rec, ok
}

func (s *server) handleRecordStart(c *gin.Context) {
	serial := c.Query("serial")
	if serial == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing serial"})
		return
	}
	rec, err := s.capture.StartRecording(c.Request.Context(), serial)
	if err != nil {
		writeError(c, err)
		return
	}
	id := s.recordings.put(rec)
	c.JSON(http.StatusOK, gin.H{"recording_id": id})
}

func (s *server) handleRecordStop(c *gin.Context) {
	id := c.Query("id")
	rec, ok := s.recordings.take(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown recording id"})
		return
	}
	dest := filepath.Join(s.artifactDir, fmt.Sprintf("recording-%s.mp4", uuid.NewString()))
	video, err := rec.Stop(c.Request.Context(), dest)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, video)
}

func (s *server) handleLinkServers(c *gin.Context) {
	serial := c.Query("serial")
	if serial == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing serial"})
		return
	}
	servers, err := link.Discover(c.Request.Context(), s.client, serial)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers})
}

// relayRegistry tracks active WebRTC relay sessions so their lifetime is
// bounded by the peer connection's own close, not by the HTTP request.
type relayRegistry struct {
	mu    sync.Mutex
	items map[string]*relay.Session
}

func newRelayRegistry() *relayRegistry {
	return &relayRegistry{items: make(map[string]*relay.Session)}
}

func (r *relayRegistry) put(sess *relay.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[sess.ID] = sess
}

func (s *server) handleRelayOffer(c *gin.Context) {
	serial := c.Query("serial")
	if serial == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing serial"})
		return
	}

	var offer webrtc.SessionDescription
	if err := c.ShouldBindJSON(&offer); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, answer, err := relay.NewSession(c.Request.Context(), offer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.relays.put(sess)

	previewCtx, cancel := context.WithCancel(context.Background())
	pv, err := s.capture.StartPreview(previewCtx, serial, nil, func(data []byte, pts time.Duration) {
		if err := sess.WriteAccessUnit(data, pts); err != nil {
			logging.Error("relay: write access unit for %s failed: %v", serial, err)
		}
	})
	if err != nil {
		cancel()
		sess.Close()
		writeError(c, err)
		return
	}
	go func() {
		pv.Wait()
		cancel()
		sess.Close()
	}()

	c.JSON(http.StatusOK, answer)
}

// linkConn is one live forward+handshake+dispatch pipeline, keyed by server
// name: Session.Run's record stream feeds a Dispatcher, which applies
// network FeatureEvents to the server's own request and WebSocket stores
// (spec §4.7 "Request/event store").
type linkConn struct {
	sess     *link.Session
	teardown func()
	cancel   context.CancelFunc
	requests *store.Store
	sockets  *store.WSStore
}

// linkRegistry tracks live Link connections by server name.
type linkRegistry struct {
	mu    sync.Mutex
	items map[string]*linkConn
}

func newLinkRegistry() *linkRegistry {
	return &linkRegistry{items: make(map[string]*linkConn)}
}

func (r *linkRegistry) put(serverName string, lc *linkConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[serverName] = lc
}

func (r *linkRegistry) get(serverName string) (*linkConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lc, ok := r.items[serverName]
	return lc, ok
}

func (r *linkRegistry) take(serverName string) (*linkConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lc, ok := r.items[serverName]
	if ok {
		delete(r.items, serverName)
	}
	return lc, ok
}

// handleLinkConnect opens a forward to the named Link server, performs the
// handshake, and starts a background goroutine dispatching its record
// stream into that server's request and WebSocket stores.
func (s *server) handleLinkConnect(c *gin.Context) {
	serial := c.Query("serial")
	serverName := c.Query("server")
	if serial == "" || serverName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing serial or server"})
		return
	}

	conn, teardown, err := s.forwarder.Open(c.Request.Context(), serial, serverName)
	if err != nil {
		writeError(c, err)
		return
	}
	sess, err := link.Handshake(conn)
	if err != nil {
		teardown()
		writeError(c, err)
		return
	}

	requests := store.New()
	sockets := store.NewWSStore()
	dispatcher := link.NewDispatcher(serverName, requests, sockets)

	runCtx, cancel := context.WithCancel(context.Background())
	lc := &linkConn{sess: sess, teardown: teardown, cancel: cancel, requests: requests, sockets: sockets}
	s.links.put(serverName, lc)

	go func() {
		if err := sess.Run(runCtx, dispatcher.Handle); err != nil {
			logging.Error("link: session for %s ended: %v", serverName, err)
		}
		teardown()
	}()

	c.JSON(http.StatusOK, gin.H{"server": serverName})
}

func (s *server) handleLinkDisconnect(c *gin.Context) {
	serverName := c.Query("server")
	lc, ok := s.links.take(serverName)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown server"})
		return
	}
	lc.cancel()
	c.JSON(http.StatusOK, gin.H{"server": serverName})
}

func (s *server) handleLinkRequests(c *gin.Context) {
	lc, ok := s.links.get(c.Query("server"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown server"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": lc.requests.Snapshot()})
}

func (s *server) handleLinkSockets(c *gin.Context) {
	lc, ok := s.links.get(c.Query("server"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown server"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sockets": lc.sockets.Snapshot()})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if e, ok := err.(*adberr.Error); ok {
		switch e.Kind {
		case adberr.KindAlreadyInProgress:
			status = http.StatusConflict
		case adberr.KindNotAuthorized:
			status = http.StatusForbidden
		case adberr.KindTimeout, adberr.KindServerUnavailable:
			status = http.StatusGatewayTimeout
		}
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
