package broadcast

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WebsocketHub is an Adapter that fans each Message out to every
// currently connected websocket client as a JSON text frame. Grounded
// on the teacher's internal/homeassistant.WSClient idiom (JSON framing
// over gorilla/websocket, a logger, mutex-guarded connection state)
// turned inside-out: that client dials out to a single server, this
// hub accepts inbound connections from many.
type WebsocketHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Message
}

// NewWebsocketHub creates an empty hub. Call ServeHTTP (directly or
// wrapped) as the handler for the configured websocket_addr.
func NewWebsocketHub(logger *slog.Logger) *WebsocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketHub{
		logger:  logger,
		clients: make(map[*websocket.Conn]chan Message),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the connection and registers it to receive every
// subsequent Deliver call until the client disconnects.
func (h *WebsocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("broadcast: websocket upgrade failed", "error", err)
		return
	}

	outbox := make(chan Message, 64)
	h.mu.Lock()
	h.clients[conn] = outbox
	h.mu.Unlock()

	h.logger.Info("broadcast: websocket client connected", "remote", r.RemoteAddr)

	go h.writeLoop(conn, outbox)
	h.readLoop(conn)
}

func (h *WebsocketHub) writeLoop(conn *websocket.Conn, outbox chan Message) {
	for msg := range outbox {
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Debug("broadcast: websocket write failed, dropping client", "error", err)
			h.removeClient(conn)
			return
		}
	}
}

// readLoop discards inbound frames (this is a fan-out-only channel)
// but must keep reading so the client's close and ping/pong control
// frames are processed; it returns, and the client is removed, once
// the connection is closed.
func (h *WebsocketHub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebsocketHub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	outbox, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
	}
	h.mu.Unlock()

	if ok {
		close(outbox)
	}
	conn.Close()
}

// Deliver fans msg out to every connected client. A client whose
// outbox is full does not receive msg (it is dropped) rather than
// blocking the publisher; it is the slow client's loss, not the
// broadcaster's problem to solve with backpressure.
func (h *WebsocketHub) Deliver(msg Message) {
	h.mu.Lock()
	outboxes := make([]chan Message, 0, len(h.clients))
	for _, ob := range h.clients {
		outboxes = append(outboxes, ob)
	}
	h.mu.Unlock()

	for _, ob := range outboxes {
		select {
		case ob <- msg:
		default:
			h.logger.Debug("broadcast: websocket client outbox full, dropping message", "type", msg.Type)
		}
	}
}

// Close disconnects every client.
func (h *WebsocketHub) Close() error {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.removeClient(c)
	}
	return nil
}
