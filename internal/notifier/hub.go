package notifier

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write to a client.
	writeWait = 10 * time.Second

	// clientBuffer is the per-client outbound queue. Clients that fall
	// this far behind are disconnected.
	clientBuffer = 32
)

// Hub manages WebSocket clients and implements Subscriber, so the notifier
// streams every event to all connected clients.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// Compile-time interface assertion.
var _ Subscriber = (*Hub)(nil)

// NewHub builds an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API key middleware has already vetted the request.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// ServeHTTP upgrades the request and pumps events to the client until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.Any("error", err))

		return
	}

	send := make(chan []byte, clientBuffer)

	h.mu.Lock()
	h.clients[conn] = send
	h.mu.Unlock()

	h.logger.Info("WebSocket client connected", slog.Int("clients", h.ClientCount()))

	go h.writePump(conn, send)
	h.readPump(conn)
}

// Notify broadcasts one event to every connected client. Clients with full
// queues are disconnected rather than blocking the broadcast.
func (h *Hub) Notify(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for conn, send := range h.clients {
		select {
		case send <- payload:
		default:
			delete(h.clients, conn)
			close(send)
		}
	}

	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn, send := range h.clients {
		delete(h.clients, conn)
		close(send)
		_ = conn.Close()
	}
}

// readPump drains client frames so control messages are processed; the
// stream is server to client only.
func (h *Hub) readPump(conn *websocket.Conn) {
	defer h.detach(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, send chan []byte) {
	for payload := range send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.detach(conn)

			return
		}
	}

	// Queue closed by the broadcaster: the client fell behind.
	_ = conn.Close()
}

func (h *Hub) detach(conn *websocket.Conn) {
	h.mu.Lock()

	if send, attached := h.clients[conn]; attached {
		delete(h.clients, conn)
		close(send)
	}

	h.mu.Unlock()

	_ = conn.Close()
}
