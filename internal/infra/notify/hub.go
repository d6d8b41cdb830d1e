package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"crypsync/internal/domain"
	"crypsync/internal/infra"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	// sendBuffer is how many events a client may lag behind before it is dropped.
	sendBuffer = 32
)

// client is one websocket subscriber with its own outbound queue.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes events to every connected websocket client. Broadcasts never
// block on a slow client.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]*client
	upgrader websocket.Upgrader
	metrics  *infra.Metrics
	logger   *slog.Logger
}

func NewHub(metrics *infra.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*websocket.Conn]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: metrics,
		logger:  logger.With(slog.String("component", "ws_hub")),
	}
}

// AddClient registers conn and starts its writer.
func (h *Hub) AddClient(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	go h.writePump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.conn] = c
	h.mu.Unlock()
	h.metrics.IncrementConnections()
}

// RemoveClient unregisters conn and closes it. Safe to call more than once.
func (h *Hub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	c, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		close(c.send)
		h.metrics.DecrementConnections()
	}
	_ = conn.Close()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastJSON queues v for every client, dropping clients whose queue is full.
func (h *Hub) BroadcastJSON(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode websocket event", slog.Any("error", err))
		return
	}

	var lagging []*websocket.Conn
	h.mu.RLock()
	for conn, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			lagging = append(lagging, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range lagging {
		h.logger.Warn("Dropping slow websocket client", slog.String("remote", conn.RemoteAddr().String()))
		h.RemoveClient(conn)
	}
}

func (h *Hub) writePump(c *client) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("Dropping websocket client", slog.Any("error", err))
			h.RemoveClient(c.conn)
		}
	}
}

// ServeHTTP upgrades the request and keeps the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.AddClient(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.RemoveClient(conn)
			return
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.RUnlock()

	for _, conn := range clients {
		h.RemoveClient(conn)
	}
}

func (h *Hub) AlertTriggered(ctx context.Context, ev domain.TriggerEvent) {
	h.BroadcastJSON(AlertEnvelope(ev))
}

func (h *Hub) TransactionCompleted(ctx context.Context, tx domain.Transaction) {
	h.BroadcastJSON(TradeEnvelope(tx))
}
