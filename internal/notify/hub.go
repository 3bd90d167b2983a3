package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mbd888/escrowledger/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// ErrHubStopped is returned by Deliver after the hub has shut down.
var ErrHubStopped = errors.New("notify: hub stopped")

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000

	clientBuffer = 64
	pongWait     = 60 * time.Second
	pingEvery    = 30 * time.Second
	writeWait    = 10 * time.Second
)

// filter narrows what a client receives beyond its party id.
type filter struct {
	Kinds []Kind `json:"kinds"`
}

func (f filter) allows(k Kind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, want := range f.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

// client is one WebSocket connection watching one party.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	partyID string
	send    chan []byte
	mu      sync.RWMutex
	filter  filter
}

// Hub streams notifications to the connected clients of each recipient.
// It is also a Sink.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Notification
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{}
	maxClients int

	totalDelivered atomic.Int64
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Notification, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("notification hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("notification hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("stream client connected", "party_id", c.partyID, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("stream client disconnected", "party_id", c.partyID, "total", n)

		case n := <-h.broadcast:
			h.fanOut(n)
		}
	}
}

func (h *Hub) fanOut(n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("encode notification", "error", err)
		return
	}
	recipients := n.Recipients()

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if !c.wants(recipients, n.Kind) {
			continue
		}
		select {
		case c.send <- payload:
			h.totalDelivered.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, c := range slow {
			if _, ok := h.clients[c]; ok {
				close(c.send)
				delete(h.clients, c)
			}
		}
		h.mu.Unlock()
	}
}

func (c *client) wants(recipients []string, k Kind) bool {
	c.mu.RLock()
	f := c.filter
	c.mu.RUnlock()
	if !f.allows(k) {
		return false
	}
	for _, r := range recipients {
		if r == c.partyID {
			return true
		}
	}
	return false
}

func (h *Hub) Name() string { return "websocket" }

// Deliver queues n for fan-out. It fails once the hub has stopped or its
// buffer is full, which lets the caller's retry policy back off.
func (h *Hub) Deliver(ctx context.Context, n Notification) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("notify: hub buffer full")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleStream handles GET /escrow/stream?partyId=...
func (h *Hub) HandleStream(c *gin.Context) {
	partyID := c.Query("partyId")
	if partyID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "partyId is required",
		})
		return
	}

	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "server shutting down"})
		return
	default:
	}
	if h.ClientCount() >= h.maxClients {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "too many connections"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{
		hub:     h,
		conn:    conn,
		partyID: partyID,
		send:    make(chan []byte, clientBuffer),
	}
	select {
	case h.register <- cl:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go cl.writePump()
	go cl.readPump()
}

// readPump accepts filter updates and keeps the read deadline fresh.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var f filter
		if err := json.Unmarshal(message, &f); err == nil {
			c.mu.Lock()
			c.filter = f
			c.mu.Unlock()
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
