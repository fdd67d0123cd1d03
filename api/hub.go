package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/pagehook/model"
	"github.com/hazyhaar/pagehook/relay"
)

// Frame kinds sent to WebSocket clients.
const (
	FrameDelivery = "delivery"
	FrameResult   = "result"
)

// Frame is one WebSocket message from the server.
type Frame struct {
	Kind   string          `json:"kind"`
	Entry  *model.LogEntry `json:"entry,omitempty"`
	Type   relay.Type      `json:"type,omitempty"`
	Result *relay.Result   `json:"result,omitempty"`
}

// Hub fans delivery notifications out to WebSocket clients and feeds the
// relay messages they send into the relay. It implements dispatch.Notifier.
type Hub struct {
	upgrader   websocket.Upgrader
	relay      *relay.Relay
	logger     *slog.Logger
	maxClients int

	mu      sync.RWMutex
	clients map[*client]struct{}
	seq     atomic.Uint64
	stop    chan struct{}
	once    sync.Once
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubOrigins sets the origins allowed to open a WebSocket. Default:
// loopback origins and clients that send no Origin header.
func WithHubOrigins(p *OriginPolicy) HubOption {
	return func(h *Hub) { h.upgrader.CheckOrigin = p.CheckOrigin }
}

// NewHub creates a hub. r may be nil, in which case inbound messages are
// rejected.
func NewHub(r *relay.Relay, logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewOriginPolicy().CheckOrigin,
		},
		relay:      r,
		logger:     logger,
		maxClients: 64,
		clients:    make(map[*client]struct{}),
		stop:       make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify pushes a delivery frame to every client. Slow clients drop frames.
func (h *Hub) Notify(_ context.Context, entry model.LogEntry) {
	h.broadcast(Frame{Kind: FrameDelivery, Entry: &entry})
}

func (h *Hub) broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("api: encode frame", "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.push(data, h.logger)
	}
}

func (c *client) push(data []byte, logger *slog.Logger) {
	select {
	case c.send <- data:
	default:
		logger.Warn("api: ws client too slow, frame dropped", "client", c.id)
	}
}

// ServeHTTP upgrades the connection and serves it until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Clients() >= h.maxClients {
		http.Error(w, "Maximum clients reached", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("api: ws upgrade", "error", err)
		return
	}
	c := &client{
		id:   fmt.Sprintf("ws-%d", h.seq.Add(1)),
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("api: ws connected", "client", c.id, "remote", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
		h.logger.Debug("api: ws disconnected", "client", c.id)
	}()

	readDone := make(chan struct{})
	go h.readLoop(c, readDone)
	h.writeLoop(c, readDone)
}

func (h *Hub) readLoop(c *client, done chan<- struct{}) {
	defer close(done)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("api: ws read", "client", c.id, "error", err)
			}
			return
		}
		h.inbound(c, data)
	}
}

// inbound relays a client message. Results come back as result frames;
// messages from one client keep their order.
func (h *Hub) inbound(c *client, data []byte) {
	var msg relay.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reply(c, "", relay.Fail(fmt.Errorf("api: bad message: %w", err)))
		return
	}
	if h.relay == nil {
		h.reply(c, msg.Type, relay.Result{Error: "relay unavailable"})
		return
	}
	ch := h.relay.Send(context.Background(), c.id, msg)
	go func() {
		h.reply(c, msg.Type, <-ch)
	}()
}

func (h *Hub) reply(c *client, t relay.Type, res relay.Result) {
	data, err := json.Marshal(Frame{Kind: FrameResult, Type: t, Result: &res})
	if err != nil {
		return
	}
	c.push(data, h.logger)
}

func (h *Hub) writeLoop(c *client, readDone <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-h.stop:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.stop) })
}
