package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/types"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// hub tracks connected UI clients and pushes every applied device plan to
// them.
type hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

func newHub() *hub {
	return &hub{clients: make(map[*client]bool)}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// BroadcastPlan pushes a plan snapshot to every connected client. Clients
// with a full buffer skip the message; the next rebuild catches them up.
func (h *hub) BroadcastPlan(plan types.DevicePlan) {
	msg, err := json.Marshal(struct {
		Type string           `json:"type"`
		Plan types.DevicePlan `json:"plan"`
	}{Type: "device_plan", Plan: plan})
	if err != nil {
		slog.Warn("failed to marshal plan broadcast", slog.Any("error", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client, used on shutdown.
func (h *hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 8)}
	s.hub.register(c)

	go c.writePump()
	go c.readPump(s.hub)

	// greet with the current plan so the UI renders immediately
	if msg, err := json.Marshal(struct {
		Type string           `json:"type"`
		Plan types.DevicePlan `json:"plan"`
	}{Type: "device_plan", Plan: s.orch.DevicePlan()}); err == nil {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump discards inbound messages and unregisters on disconnect.
func (c *client) readPump(h *hub) {
	defer h.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
