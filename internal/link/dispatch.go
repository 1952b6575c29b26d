package link

import (
	"encoding/json"
	"sync"

	"github.com/snapo-dev/snapo-core/internal/link/store"
	"github.com/snapo-dev/snapo-core/internal/logging"
	"github.com/snapo-dev/snapo-core/internal/metrics"
)

// Dispatcher decodes the CDP-style payload of network FeatureEvent records
// and applies it to a server's request store and WebSocket store (spec §4.7
// "Request/event store"). Its Handle method has the func(Record) shape, so it
// is usable directly as Session.Run's onRecord callback.
type Dispatcher struct {
	ServerID string
	Requests *store.Store
	Sockets  *store.WSStore

	mu        sync.Mutex
	streamSeq map[string]int64 // requestID -> next StreamEvent sequence
	wsSeq     map[string]int64 // socketID -> next WSMessage sequence
}

// NewDispatcher constructs a Dispatcher that applies network events observed
// on serverID to requests and sockets.
func NewDispatcher(serverID string, requests *store.Store, sockets *store.WSStore) *Dispatcher {
	return &Dispatcher{
		ServerID:  serverID,
		Requests:  requests,
		Sockets:   sockets,
		streamSeq: make(map[string]int64),
		wsSeq:     make(map[string]int64),
	}
}

// Handle implements the func(Record) shape Session.Run expects. Records
// other than a network FeatureEvent are ignored.
func (d *Dispatcher) Handle(rec Record) {
	fe, ok := rec.(FeatureEventRecord)
	if !ok || fe.Network == nil {
		return
	}
	d.dispatchNetwork(*fe.Network)
}

func (d *Dispatcher) nextStreamSeq(requestID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.streamSeq[requestID]
	d.streamSeq[requestID] = n + 1
	return n
}

func (d *Dispatcher) nextWSSeq(socketID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.wsSeq[socketID]
	d.wsSeq[socketID] = n + 1
	return n
}

// dispatchNetwork decodes one CDP-style {"method":…,"params":…} network
// event and applies it to the request or WebSocket store (spec §4.6
// "Under feature=\"network\" the payload is a CDP-style object").
func (d *Dispatcher) dispatchNetwork(ev NetworkEvent) {
	switch ev.Method {
	case "Network.requestWillBeSent":
		var p struct {
			RequestID string `json:"requestId"`
			WallTime  int64  `json:"wallTime"`
			Request   struct {
				URL     string            `json:"url"`
				Method  string            `json:"method"`
				Headers map[string]string `json:"headers"`
			} `json:"request"`
		}
		if !d.unmarshal(ev, &p) {
			return
		}
		d.Requests.ApplyWillBeSent(d.ServerID, p.RequestID, store.WillBeSent{
			URL:     p.Request.URL,
			Method:  p.Request.Method,
			Headers: p.Request.Headers,
			TWallMs: p.WallTime,
		})

	case "Network.responseReceived":
		var p struct {
			RequestID string `json:"requestId"`
			WallTime  int64  `json:"wallTime"`
			Response  struct {
				Status   int               `json:"status"`
				Headers  map[string]string `json:"headers"`
				MimeType string            `json:"mimeType"`
			} `json:"response"`
		}
		if !d.unmarshal(ev, &p) {
			return
		}
		d.Requests.ApplyResponseReceived(d.ServerID, p.RequestID, store.ResponseReceived{
			Status:   p.Response.Status,
			Headers:  p.Response.Headers,
			MimeType: p.Response.MimeType,
			TWallMs:  p.WallTime,
		})

	case "Network.loadingFailed":
		var p struct {
			RequestID string `json:"requestId"`
			WallTime  int64  `json:"wallTime"`
			ErrorText string `json:"errorText"`
		}
		if !d.unmarshal(ev, &p) {
			return
		}
		d.Requests.ApplyFailed(d.ServerID, p.RequestID, store.Failed{
			Reason:  p.ErrorText,
			TWallMs: p.WallTime,
		})

	case "Network.dataReceived":
		var p struct {
			RequestID string `json:"requestId"`
			WallTime  int64  `json:"wallTime"`
			Data      string `json:"data"`
		}
		if !d.unmarshal(ev, &p) {
			return
		}
		d.Requests.ApplyStreamEvent(d.ServerID, p.RequestID, store.StreamEvent{
			Sequence: d.nextStreamSeq(p.RequestID),
			TWallMs:  p.WallTime,
			Data:     p.Data,
		})

	case "Network.loadingFinished":
		var p struct {
			RequestID string `json:"requestId"`
		}
		if !d.unmarshal(ev, &p) {
			return
		}
		d.Requests.ApplyStreamClosed(d.ServerID, p.RequestID)

	case "Network.webSocketCreated", "Network.webSocketWillSendHandshakeRequest":
		d.applyWSState(ev, store.WSWillOpen)
	case "Network.webSocketHandshakeResponseReceived":
		d.applyWSState(ev, store.WSOpened)
	case "Network.webSocketClosing":
		d.applyWSState(ev, store.WSClosing)
	case "Network.webSocketClosed":
		d.applyWSState(ev, store.WSClosed)
	case "Network.webSocketFailed":
		d.applyWSState(ev, store.WSFailed)
	case "Network.webSocketCloseRequested":
		d.applyWSState(ev, store.WSCloseRequested)
	case "Network.webSocketCancelled":
		d.applyWSState(ev, store.WSCancelled)

	case "Network.webSocketFrameSent", "Network.webSocketFrameReceived":
		var p struct {
			RequestID string `json:"requestId"`
			WallTime  int64  `json:"wallTime"`
			Response  struct {
				PayloadData string `json:"payloadData"`
			} `json:"response"`
		}
		if !d.unmarshal(ev, &p) {
			return
		}
		d.Sockets.AppendMessage(d.ServerID, p.RequestID, store.WSMessage{
			Sequence: d.nextWSSeq(p.RequestID),
			TWallMs:  p.WallTime,
			Outgoing: ev.Method == "Network.webSocketFrameSent",
			Data:     p.Response.PayloadData,
		})

	default:
		metrics.Inc("link_network_event_unhandled")
		logging.Error("link: unhandled network event method %q", ev.Method)
	}
}

func (d *Dispatcher) applyWSState(ev NetworkEvent, state store.WSState) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if !d.unmarshal(ev, &p) {
		return
	}
	d.Sockets.SetState(d.ServerID, p.RequestID, state)
}

func (d *Dispatcher) unmarshal(ev NetworkEvent, v any) bool {
	if err := json.Unmarshal(ev.Params, v); err != nil {
		logging.Error("link: decoding params for %s failed: %v", ev.Method, err)
		return false
	}
	return true
}
