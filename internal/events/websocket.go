package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cogsched/cogsched/pkg/models"
)

// WebSocketBroadcaster is one concrete bus subscriber: it pushes every
// event to connected WebSocket clients as JSON. It is intentionally thin —
// no auth, no rate limiting — since it exists to bridge the event stream,
// not to be an edge server.
type WebSocketBroadcaster struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWebSocketBroadcaster creates a broadcaster with no connections.
func NewWebSocketBroadcaster(logger *slog.Logger) *WebSocketBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketBroadcaster{
		logger: logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		conns: make(map[*wsConn]struct{}),
	}
}

// Handler returns the bus handler that feeds connected clients.
func (b *WebSocketBroadcaster) Handler() Handler {
	return func(ev models.Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			b.logger.Warn("failed to encode event", "type", ev.Type, "error", err)
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		for c := range b.conns {
			select {
			case c.send <- payload:
			default:
				// Slow consumer: drop the connection rather than the loop.
				b.dropLocked(c)
			}
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away.
func (b *WebSocketBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{conn: conn, send: make(chan []byte, 256)}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	b.logger.Info("websocket client connected", "remote", r.RemoteAddr)

	go b.writeLoop(c)
	b.readLoop(c)
}

func (b *WebSocketBroadcaster) writeLoop(c *wsConn) {
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.remove(c)
			return
		}
	}
}

// readLoop discards inbound frames; its job is noticing the close.
func (b *WebSocketBroadcaster) readLoop(c *wsConn) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			b.remove(c)
			return
		}
	}
}

func (b *WebSocketBroadcaster) remove(c *wsConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(c)
}

func (b *WebSocketBroadcaster) dropLocked(c *wsConn) {
	if _, ok := b.conns[c]; !ok {
		return
	}
	delete(b.conns, c)
	close(c.send)
	c.conn.Close()
}

// Close disconnects every client.
func (b *WebSocketBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		b.dropLocked(c)
	}
}
