package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"market-breadth-lab/internal/domain"
)

const (
	sendBuffer   = 64
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	readLimit    = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Envelope is one stream message.
type Envelope struct {
	Type    string             `json:"type"`
	Seq     int64              `json:"seq"`
	Initial bool               `json:"initial,omitempty"`
	Data    *domain.IndexPoint `json:"data"`
}

// Hub fans newly computed index points out to websocket peers.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	latest  *domain.IndexPoint
	seq     int64
	logger  *log.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{clients: make(map[*client]struct{}), logger: logger}
}

// Broadcast sends p to every connected peer. Slow peers miss messages
// instead of blocking the caller.
func (h *Hub) Broadcast(p *domain.IndexPoint) {
	h.mu.Lock()
	h.seq++
	h.latest = p
	msg, err := json.Marshal(Envelope{Type: "index", Seq: h.seq, Data: p})
	h.mu.Unlock()
	if err != nil {
		h.logger.Printf("WARN: encode index point: %v", err)
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

// Clients returns the number of connected peers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("ws upgrade: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), hub: h}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.latest != nil {
		if msg, err := json.Marshal(Envelope{Type: "index", Seq: h.seq, Initial: true, Data: h.latest}); err == nil {
			c.send <- msg
		}
	}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; peers have nothing to say.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
