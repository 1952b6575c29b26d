package link

import (
	"testing"

	"github.com/snapo-dev/snapo-core/internal/link/store"
)

// Seed test #5, re-derived through the Dispatcher instead of stopping at
// ParseLine: a FeatureEvent record must actually reach the request store.
func TestDispatcherAppliesSeedNetworkFeatureEvent(t *testing.T) {
	requests := store.New()
	sockets := store.NewWSStore()
	d := NewDispatcher("server-1", requests, sockets)

	line := `{"type":"FeatureEvent","feature":"network","payload":{"method":"Network.requestWillBeSent","params":{"requestId":"r1","request":{"url":"https://x","method":"GET","headers":{}}}}}`
	d.Handle(ParseLine([]byte(line)))

	snap := requests.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("want 1 request record, got %d", len(snap))
	}
	rec := snap[0]
	if rec.Key.ServerID != "server-1" || rec.Key.RequestID != "r1" {
		t.Fatalf("unexpected key: %+v", rec.Key)
	}
	if rec.WillBeSent == nil || rec.WillBeSent.Method != "GET" {
		t.Fatalf("want WillBeSent.Method=GET, got %+v", rec.WillBeSent)
	}
}

func TestDispatcherIgnoresNonNetworkRecords(t *testing.T) {
	requests := store.New()
	sockets := store.NewWSStore()
	d := NewDispatcher("server-1", requests, sockets)

	d.Handle(ParseLine([]byte(`{"type":"ReplayComplete"}`)))
	d.Handle(ParseLine([]byte(`{"type":"FeatureEvent","feature":"logcat","payload":{}}`)))

	if len(requests.Snapshot()) != 0 {
		t.Fatalf("want no request records, got %v", requests.Snapshot())
	}
}

func TestDispatcherMergesResponseAfterRequest(t *testing.T) {
	requests := store.New()
	sockets := store.NewWSStore()
	d := NewDispatcher("server-1", requests, sockets)

	d.Handle(ParseLine([]byte(`{"type":"FeatureEvent","feature":"network","payload":{"method":"Network.requestWillBeSent","params":{"requestId":"r1","request":{"url":"https://x","method":"GET","headers":{}}}}}`)))
	d.Handle(ParseLine([]byte(`{"type":"FeatureEvent","feature":"network","payload":{"method":"Network.responseReceived","params":{"requestId":"r1","response":{"status":200,"mimeType":"text/html"}}}}`)))

	snap := requests.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("want 1 request record, got %d", len(snap))
	}
	if snap[0].Response == nil || snap[0].Response.Status != 200 {
		t.Fatalf("want merged response, got %+v", snap[0])
	}
}

func TestDispatcherWebSocketLifecycle(t *testing.T) {
	requests := store.New()
	sockets := store.NewWSStore()
	d := NewDispatcher("server-1", requests, sockets)

	d.Handle(ParseLine([]byte(`{"type":"FeatureEvent","feature":"network","payload":{"method":"Network.webSocketCreated","params":{"requestId":"ws1"}}}`)))
	d.Handle(ParseLine([]byte(`{"type":"FeatureEvent","feature":"network","payload":{"method":"Network.webSocketFrameSent","params":{"requestId":"ws1","response":{"payloadData":"hi"}}}}`)))

	snap := sockets.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("want 1 ws record, got %d", len(snap))
	}
	if snap[0].State != store.WSWillOpen {
		t.Fatalf("want WSWillOpen, got %v", snap[0].State)
	}
	if len(snap[0].Messages) != 1 || snap[0].Messages[0].Data != "hi" || !snap[0].Messages[0].Outgoing {
		t.Fatalf("unexpected messages: %+v", snap[0].Messages)
	}
}
