package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/h1v3-io/babysitter/pkg/protocol"
)

const (
	sendBuffer     = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// DeliverFunc hands a human answer received from an observer to whoever is
// waiting for it.
type DeliverFunc func(ctx context.Context, sessionID, answer string) error

// inbound is a message sent by an observer.
type inbound struct {
	Type      protocol.EventType `json:"type"`
	SessionID string             `json:"session_id"`
	Response  string             `json:"response"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is a WebSocket endpoint that broadcasts events to every connected
// observer and accepts user_response messages back.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	deliver  DeliverFunc
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub creates a Hub. deliver may be nil, in which case answers are
// acknowledged and dropped.
func NewHub(deliver DeliverFunc, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		deliver: deliver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Broadcast sends ev to all connected observers. Slow observers whose send
// buffer is full miss the event.
func (h *Hub) Broadcast(ev protocol.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("hub broadcast marshal", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("hub dropped event for slow client", "type", ev.Type)
		}
	}
}

// Clients returns the number of connected observers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and serves it until the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("observer connected", "remote", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(r.Context(), c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
	h.logger.Debug("observer disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("websocket: ignoring malformed message", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.EventPing:
			h.reply(c, map[string]any{"type": protocol.EventPong})
		case protocol.EventUserResponse:
			h.handleAnswer(ctx, c, msg)
		}
	}
}

func (h *Hub) handleAnswer(ctx context.Context, c *client, msg inbound) {
	if msg.SessionID == "" || msg.Response == "" {
		h.reply(c, map[string]any{"type": protocol.EventAck, "status": "rejected", "error": "session_id and response are required"})
		return
	}
	if h.deliver != nil {
		if err := h.deliver(ctx, msg.SessionID, msg.Response); err != nil {
			h.logger.Error("deliver answer", "session", msg.SessionID, "error", err)
			h.reply(c, map[string]any{"type": protocol.EventAck, "session_id": msg.SessionID, "status": "failed"})
			return
		}
	}
	h.logger.Info("answer received over websocket", "session", msg.SessionID)
	h.reply(c, map[string]any{"type": protocol.EventAck, "session_id": msg.SessionID, "status": "received"})
}

func (h *Hub) reply(c *client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
