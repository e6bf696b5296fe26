// Package monitor broadcasts a lossy snapshot feed of each frameset's
// magnitude and direction spectra to any attached GUI host over a
// websocket. A client whose one-slot queue is still full misses the
// newer snapshots; the queued one is delivered first.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// Snapshot is one frameset's worth of monitoring data.
type Snapshot struct {
	Magnitude []float32   `json:"magnitude"`
	Spectra   [][]float64 `json:"spectra"`
	FOIs      []float64   `json:"fois"`
}

// Hub fans Snapshots out to every connected client. Publish never
// blocks: a client that can't keep up just misses frames, matching the
// "atomic queue of length >= 1" delivery model the frontend's GUI host
// has always used, rather than backpressuring the pipeline.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Snapshot
}

// NewHub builds an empty hub.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Publish fans out a snapshot to every connected client without
// blocking; a client whose queue is already full drops the frame.
func (h *Hub) Publish(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- s:
		default:
		}
	}
}

// ServeWS upgrades an HTTP request to a websocket and streams Snapshots
// to it until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("monitor: upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan Snapshot, 1)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
	}()

	for s := range c.send {
		if err := conn.WriteJSON(jsonSnapshot(s)); err != nil {
			return
		}
	}
}

// jsonSnapshot marshals s ahead of the write, sending an empty JSON
// object if encoding fails.
func jsonSnapshot(s Snapshot) json.RawMessage {
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
