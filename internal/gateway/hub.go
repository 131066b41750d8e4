package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"venue_go/internal/event"
	"venue_go/internal/infra"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is enforced by the HTTP layer
	CheckOrigin: func(r *http.Request) bool { return true },
}

// helloMessage is the first frame every subscriber receives.
type helloMessage struct {
	Type      string       `json:"type"`
	Payload   helloPayload `json:"payload"`
	Timestamp int64        `json:"timestamp"`
}

type helloPayload struct {
	Symbols []string `json:"symbols"`
}

// Hub tracks live subscribers and fans market events out to them.
// A subscriber whose send buffer is full is disconnected.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu       sync.RWMutex
	snaps    *SnapshotService
	metrics  *infra.Metrics
	now      func() time.Time
	sendSize int
}

// NewHub creates a hub greeting clients with the snapshots held by snaps. metrics may be nil.
func NewHub(snaps *SnapshotService, metrics *infra.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		snaps:      snaps,
		metrics:    metrics,
		now:        time.Now,
		sendSize:   sendBuffer,
	}
}

// Run is the hub's main loop. On return every client is disconnected.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.IncrementConnections()
			slog.Info("Gateway client connected", slog.String("client_id", c.id), slog.Int("total", total))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				slog.Info("Gateway client disconnected", slog.String("client_id", c.id), slog.Int("total", len(h.clients)))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slog.Warn("Dropping slow gateway client", slog.String("client_id", c.id))
					h.drop(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop must be called with mu held.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
	h.metrics.DecrementConnections()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for every client. It returns false once the hub has stopped.
func (h *Hub) Broadcast(ev event.MarketEvent) bool {
	msg, err := event.Encode(ev)
	if err != nil {
		slog.Error("Failed to encode market event", slog.String("event_id", ev.EventID), slog.Any("error", err))
		return true
	}

	select {
	case h.broadcast <- msg:
		h.metrics.RecordGatewayEvent(string(ev.Type))
		return true
	case <-h.done:
		return false
	}
}

// greeting builds the hello frame followed by one book:snapshot frame per cached symbol.
func (h *Hub) greeting(ctx context.Context) [][]byte {
	h.snaps.Seed(ctx)

	now := h.now()
	hello, _ := json.Marshal(helloMessage{
		Type:      "engine:hello",
		Payload:   helloPayload{Symbols: h.snaps.Symbols()},
		Timestamp: now.UnixMilli(),
	})
	frames := [][]byte{hello}
	for _, snap := range h.snaps.All() {
		msg, err := event.Encode(event.New(event.BookSnapshotted{Snapshot: snap}, "", now))
		if err != nil {
			continue
		}
		frames = append(frames, msg)
	}
	return frames
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.sendSize),
		id:   uuid.NewString(),
	}

	// queued before registration so the greeting precedes live events
	for _, frame := range h.greeting(r.Context()) {
		select {
		case c.send <- frame:
		default:
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// Client is one websocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// readPump discards inbound frames and detects disconnects.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("Gateway client read error", slog.String("client_id", c.id), slog.Any("error", err))
			}
			return
		}
	}
}

// writePump writes one frame per message so every frame is a single JSON event.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
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
