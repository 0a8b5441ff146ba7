package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleettrack-svr/internal/fleet"
	"fleettrack-svr/internal/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// writeWait bounds how long one subscriber's full TCP buffer can hold the
// hub mutex before the client is dropped.
const writeWait = 5 * time.Second

// WSHub fans accepted positions out to live-feed subscribers. A client that
// cannot keep up is dropped on the first failed write.
type WSHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	logger  *slog.Logger
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients: make(map[*websocket.Conn]struct{}),
		logger:  logger.With("component", "ws"),
	}
}

func (h *WSHub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "err", err)
		return
	}
	h.add(conn)
	go h.readPump(conn)
}

func (h *WSHub) add(c *websocket.Conn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	observability.WSClients.Inc()
}

func (h *WSHub) remove(c *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		observability.WSClients.Dec()
	}
	h.mu.Unlock()
}

// Broadcast pushes one accepted report to every subscriber. Writes carry a
// deadline so a stalled client is dropped instead of holding the hub.
func (h *WSHub) Broadcast(rep *fleet.PositionReport) {
	data, err := json.Marshal(rep)
	if err != nil {
		return
	}
	h.mu.Lock()
	for c := range h.clients {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			c.Close()
			delete(h.clients, c)
			observability.WSClients.Dec()
		}
	}
	h.mu.Unlock()
}

// readPump drains the client so pings and close frames are handled; inbound
// messages are ignored.
func (h *WSHub) readPump(c *websocket.Conn) {
	defer func() {
		h.remove(c)
		_ = c.Close()
	}()
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}
