package store

import "testing"

func TestRequestStorePreservesInsertionOrder(t *testing.T) {
	s := New()
	s.ApplyWillBeSent("srv", "r2", WillBeSent{URL: "https://b"})
	s.ApplyWillBeSent("srv", "r1", WillBeSent{URL: "https://a"})

	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Key.RequestID != "r2" || snap[1].Key.RequestID != "r1" {
		t.Fatalf("want insertion order [r2 r1], got %+v", snap)
	}
}

// Commutative-merge property from spec §8: the final state does not depend
// on whether WillBeSent or ResponseReceived arrives first.
func TestRequestStoreCommutativeMerge(t *testing.T) {
	canonical := New()
	canonical.ApplyWillBeSent("srv", "r1", WillBeSent{URL: "https://x", Method: "GET"})
	canonical.ApplyResponseReceived("srv", "r1", ResponseReceived{Status: 200})

	outOfOrder := New()
	outOfOrder.ApplyResponseReceived("srv", "r1", ResponseReceived{Status: 200})
	outOfOrder.ApplyWillBeSent("srv", "r1", WillBeSent{URL: "https://x", Method: "GET"})

	a := canonical.Snapshot()[0]
	b := outOfOrder.Snapshot()[0]
	if a.WillBeSent.URL != b.WillBeSent.URL || a.Response.Status != b.Response.Status {
		t.Fatalf("merge order dependent: %+v vs %+v", a, b)
	}
}

func TestStreamEventsSortedBySequenceThenWallClock(t *testing.T) {
	s := New()
	s.ApplyStreamEvent("srv", "r1", StreamEvent{Sequence: 2, TWallMs: 10, Data: "b"})
	s.ApplyStreamEvent("srv", "r1", StreamEvent{Sequence: 1, TWallMs: 20, Data: "a"})
	s.ApplyStreamEvent("srv", "r1", StreamEvent{Sequence: 1, TWallMs: 5, Data: "a-early"})

	events := s.Snapshot()[0].StreamEvents
	if len(events) != 3 {
		t.Fatalf("want 3 events, got %d", len(events))
	}
	if events[0].Data != "a-early" || events[1].Data != "a" || events[2].Data != "b" {
		t.Fatalf("unexpected order: %+v", events)
	}
}

func TestClearCompletedRetainsOpenStreamingAndLikelyStreaming(t *testing.T) {
	s := New()

	s.ApplyWillBeSent("srv", "open", WillBeSent{URL: "https://x"})

	s.ApplyWillBeSent("srv", "done", WillBeSent{URL: "https://y"})
	s.ApplyResponseReceived("srv", "done", ResponseReceived{Status: 200})

	s.ApplyWillBeSent("srv", "streaming", WillBeSent{URL: "https://z"})
	s.ApplyResponseReceived("srv", "streaming", ResponseReceived{Status: 200})
	s.ApplyStreamEvent("srv", "streaming", StreamEvent{Sequence: 1, Data: "chunk"})

	s.ApplyWillBeSent("srv", "sse", WillBeSent{URL: "https://w", Headers: map[string]string{"Accept": "text/event-stream"}})
	s.ApplyResponseReceived("srv", "sse", ResponseReceived{Status: 200})

	s.ClearCompleted()

	snap := s.Snapshot()
	got := make(map[string]bool, len(snap))
	for _, rec := range snap {
		got[rec.Key.RequestID] = true
	}
	if got["done"] {
		t.Fatal("completed, non-streaming request should be cleared")
	}
	if !got["open"] || !got["streaming"] || !got["sse"] {
		t.Fatalf("want open/streaming/sse retained, got %v", got)
	}
}

func TestClearCompletedDropsStreamAfterClose(t *testing.T) {
	s := New()
	s.ApplyWillBeSent("srv", "r1", WillBeSent{URL: "https://x"})
	s.ApplyResponseReceived("srv", "r1", ResponseReceived{Status: 200})
	s.ApplyStreamEvent("srv", "r1", StreamEvent{Sequence: 1, Data: "chunk"})
	s.ApplyStreamClosed("srv", "r1")

	s.ClearCompleted()
	if len(s.Snapshot()) != 0 {
		t.Fatal("a closed stream with a final response should be cleared")
	}
}

func TestWSStoreOrderingAndMessageSort(t *testing.T) {
	s := NewWSStore()
	s.SetState("srv", "sock1", WSOpened)
	s.AppendMessage("srv", "sock1", WSMessage{Sequence: 2, Outgoing: true, Data: "b"})
	s.AppendMessage("srv", "sock1", WSMessage{Sequence: 1, Outgoing: false, Data: "a"})
	s.SetState("srv", "sock0", WSWillOpen)

	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Key.SocketID != "sock1" || snap[1].Key.SocketID != "sock0" {
		t.Fatalf("want insertion order [sock1 sock0], got %+v", snap)
	}
	msgs := snap[0].Messages
	if len(msgs) != 2 || msgs[0].Data != "a" || msgs[1].Data != "b" {
		t.Fatalf("unexpected message order: %+v", msgs)
	}
}
