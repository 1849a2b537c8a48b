package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"avmed-detection/internal/domain"
)

func sampleDetections() []domain.Detection {
	return []domain.Detection{{
		Label:      "pill",
		Confidence: 0.9,
		Box:        domain.BoundingBox{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2},
		Status:     domain.StatusSuccess,
	}}
}

func TestSubscribeReceivesPublishedDetections(t *testing.T) {
	h := NewMonitorHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	h.PublishDetections("sess-1", sampleDetections())

	select {
	case ev := <-ch:
		if ev.Type != "detections" || ev.SessionID != "sess-1" {
			t.Fatalf("event = %+v", ev)
		}
		if len(ev.Detections) != 1 || ev.Detections[0].Label != "pill" {
			t.Fatalf("event detections = %+v", ev.Detections)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewMonitorHub()
	ch := h.Subscribe()
	h.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after Unsubscribe")
	}
	// Double unsubscribe is a no-op, and broadcasts keep working.
	h.Unsubscribe(ch)
	h.PublishDetections("sess-1", sampleDetections())
}

func TestSlowSubscriberDoesNotBlockBroadcast(t *testing.T) {
	h := NewMonitorHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	// Never drained; the buffer fills and further events are dropped, not
	// blocked on.
	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(ch)+10; i++ {
			h.PublishDetections("sess-1", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
}

func TestBroadcastReachesWebSocketClient(t *testing.T) {
	h := NewMonitorHub()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The hub registers the client on its handler goroutine; wait for it
	// before publishing.
	deadline := time.Now().Add(time.Second)
	for clientCount(h) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.PublishDetections("sess-2", sampleDetections())
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client never received a broadcast: %v", err)
	}
	var ev DetectionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.SessionID != "sess-2" {
		t.Fatalf("event = %+v", ev)
	}
}

func clientCount(h *MonitorHub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
