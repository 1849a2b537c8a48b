package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"avmed-detection/internal/domain"
)

// DetectionEvent is one live update on the monitor feed: the full detection
// set produced for a frame of the named session.
type DetectionEvent struct {
	Type       string             `json:"type"`
	SessionID  string             `json:"sessionId"`
	Detections []domain.Detection `json:"detections"`
	Ts         time.Time          `json:"ts"`
}

// MonitorHub fans detection results out to WebSocket viewers and in-process
// subscribers. It implements usecase.Publisher.
type MonitorHub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]struct{}
	upgrader websocket.Upgrader
	wmu      sync.Mutex
	// listeners are in-process subscribers
	lmu       sync.RWMutex
	listeners map[chan DetectionEvent]struct{}
}

func NewMonitorHub() *MonitorHub {
	return &MonitorHub{
		clients:   make(map[*websocket.Conn]struct{}),
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		listeners: make(map[chan DetectionEvent]struct{}),
	}
}

func (h *MonitorHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	_ = c.SetReadDeadline(time.Time{})
	for {
		// keepalive reads to detect client close
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.Close()
}

// PublishDetections satisfies usecase.Publisher.
func (h *MonitorHub) PublishDetections(sessionID string, dets []domain.Detection) {
	h.Broadcast(DetectionEvent{Type: "detections", SessionID: sessionID, Detections: dets, Ts: time.Now()})
}

func (h *MonitorHub) Broadcast(ev DetectionEvent) {
	data, _ := json.Marshal(ev)
	// snapshot clients to avoid holding the read lock during writes
	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	h.lmu.RLock()
	subs := make([]chan DetectionEvent, 0, len(h.listeners))
	for ch := range h.listeners {
		subs = append(subs, ch)
	}
	h.lmu.RUnlock()
	// serialize writes to prevent concurrent writes to the same conn
	h.wmu.Lock()
	for _, c := range clients {
		_ = c.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = c.WriteMessage(websocket.TextMessage, data)
	}
	h.wmu.Unlock()
	// non-blocking notify listeners
	for _, ch := range subs {
		select {
		case ch <- ev:
		default: // drop if slow
		}
	}
}

// Subscribe returns a channel receiving detection events. Caller must Unsubscribe.
func (h *MonitorHub) Subscribe() chan DetectionEvent {
	ch := make(chan DetectionEvent, 256)
	h.lmu.Lock()
	h.listeners[ch] = struct{}{}
	h.lmu.Unlock()
	return ch
}

// Unsubscribe removes a listener channel.
func (h *MonitorHub) Unsubscribe(ch chan DetectionEvent) {
	h.lmu.Lock()
	if _, ok := h.listeners[ch]; ok {
		delete(h.listeners, ch)
		close(ch)
	}
	h.lmu.Unlock()
}
