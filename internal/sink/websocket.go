package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/everywhere-relay/everywhere-relay/internal/feature"
)

const (
	wsWriteTimeout = 10 * time.Second
	// wsSendBuffer is how many messages may wait for one client before it is
	// dropped.
	wsSendBuffer = 16
)

// WebSocketHub broadcasts every batch to connected websocket clients and
// greets new clients with the current view. The view is replaced by
// snapshots and patched by deltas. Each client has its own send queue and
// writer, and a client whose queue is full is disconnected.
type WebSocketHub struct {
	upgrader websocket.Upgrader
	logger   *logrus.Entry

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	view    map[string]feature.Feature
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWebSocketHub creates an empty hub.
func NewWebSocketHub(logger *logrus.Entry) *WebSocketHub {
	return &WebSocketHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger.WithField("component", "sink_websocket"),
		clients: make(map[*wsClient]struct{}),
		view:    make(map[string]feature.Feature),
	}
}

// ServeHTTP upgrades the request and registers the client. The greeting is
// queued under the same lock as broadcasts so it always comes first.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}

	h.mu.Lock()
	greeting, err := json.Marshal(h.currentView())
	if err != nil {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.send <- greeting
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go h.readPump(c)
}

// Submit implements Submitter. It never waits on a client.
func (h *WebSocketHub) Submit(_ context.Context, b Batch) error {
	data, err := json.Marshal(b.Collection)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if b.Snapshot {
		h.view = make(map[string]feature.Feature, len(b.Collection.Features))
	}
	for _, f := range b.Collection.Features {
		h.view[f.ID] = f
	}

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("websocket client too slow, disconnecting")
			h.drop(c)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *WebSocketHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *WebSocketHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.drop(c)
	}
}

// drop unregisters c and stops its writer, which closes the connection. It
// must be called with h.mu held.
func (h *WebSocketHub) drop(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// currentView must be called with h.mu held.
func (h *WebSocketHub) currentView() feature.FeatureCollection {
	fc := feature.FeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]feature.Feature, 0, len(h.view)),
	}
	for _, f := range h.view {
		fc.Features = append(fc.Features, f)
	}
	sort.Slice(fc.Features, func(i, j int) bool { return fc.Features[i].ID < fc.Features[j].ID })
	return fc
}

// readPump discards client messages and unregisters the client on close.
func (h *WebSocketHub) readPump(c *wsClient) {
	defer func() {
		h.mu.Lock()
		h.drop(c)
		h.mu.Unlock()
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards queued messages until the queue is closed or a write
// fails.
func (c *wsClient) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
