package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/opcproxy/internal/infrastructure/config"
	"github.com/nerrad567/opcproxy/internal/infrastructure/logging"
	"github.com/nerrad567/opcproxy/internal/item"
	"github.com/nerrad567/opcproxy/internal/store"
)

// Change feed message types.
const (
	// Server to client.
	FeedSnapshot = "snapshot"
	FeedChange   = "change"
	FeedAck      = "ack"
	FeedPong     = "pong"
	FeedError    = "error"

	// Client to server.
	FeedWatch = "watch"
	FeedPing  = "ping"

	feedSendBuffer = 256

	fallbackPingInterval = 30 * time.Second
)

// FeedMessage is one frame of the change feed.
//
// On connect the server sends a snapshot of every item, then one change
// frame per committed change. A watch frame narrows the feed to the listed
// items; an empty list restores the full feed.
type FeedMessage struct {
	Type     string       `json:"type"`
	ID       string       `json:"id,omitempty"`
	Items    []string     `json:"items,omitempty"`
	Snapshot []store.Item `json:"snapshot,omitempty"`
	Change   *item.Change `json:"change,omitempty"`
	Error    string       `json:"error,omitempty"`
	At       time.Time    `json:"at"`
}

// Hub fans item changes out to change feed clients. It implements
// dispatch.Observer; ItemChanged never blocks and slow clients lose frames.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*feedClient]struct{}

	dropped atomic.Uint64
}

type feedClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu    sync.RWMutex
	watch map[string]struct{} // nil means every item
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*feedClient]struct{}),
	}
}

// Run disconnects every client once ctx is done.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
}

// ItemChanged queues ch for every client watching the item.
func (h *Hub) ItemChanged(ch item.Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}

	data, err := json.Marshal(FeedMessage{Type: FeedChange, Change: &ch, At: ch.At})
	if err != nil {
		h.logger.Error("encoding change frame", "item", ch.Name, "error", err)
		return
	}
	for c := range h.clients {
		if c.watches(ch.Name) {
			h.offer(c, data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of frames discarded for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// offer queues data without blocking. Callers hold h.mu.
func (h *Hub) offer(c *feedClient, data []byte) {
	select {
	case c.send <- data:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) add(c *feedClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("change feed client connected", "clients", n)
}

// remove unregisters c. Only the call that removes c closes its queue.
func (h *Hub) remove(c *feedClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("change feed client disconnected", "clients", n)
	}
}

// reply encodes msg and queues it for c if c is still registered.
func (h *Hub) reply(c *feedClient, msg FeedMessage) {
	msg.At = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		h.offer(c, data)
	}
}

// handleWebSocket upgrades the request and starts a change feed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, feedSendBuffer),
	}
	s.hub.add(c)
	s.hub.reply(c, FeedMessage{Type: FeedSnapshot, Snapshot: s.operator.Items()})

	go c.writeLoop(s.wsCfg)
	go c.readLoop(s.wsCfg)
}

func (c *feedClient) watches(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.watch == nil {
		return true
	}
	_, ok := c.watch[name]
	return ok
}

func (c *feedClient) setWatch(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(names) == 0 {
		c.watch = nil
		return
	}
	c.watch = make(map[string]struct{}, len(names))
	for _, n := range names {
		c.watch[n] = struct{}{}
	}
}

func (c *feedClient) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	wait := config.Seconds(cfg.PingInterval) + config.Seconds(cfg.PongTimeout)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(wait)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("change feed read error", "error", err)
			}
			return
		}
		_ = extend()
		c.handle(data)
	}
}

func (c *feedClient) handle(data []byte) {
	var msg FeedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.hub.reply(c, FeedMessage{Type: FeedError, Error: "invalid JSON frame"})
		return
	}

	switch msg.Type {
	case FeedWatch:
		c.setWatch(msg.Items)
		c.hub.reply(c, FeedMessage{Type: FeedAck, ID: msg.ID, Items: msg.Items})
	case FeedPing:
		c.hub.reply(c, FeedMessage{Type: FeedPong, ID: msg.ID})
	default:
		c.hub.reply(c, FeedMessage{Type: FeedError, ID: msg.ID, Error: "unknown frame type: " + msg.Type})
	}
}

func (c *feedClient) writeLoop(cfg config.WebSocketConfig) {
	interval := config.Seconds(cfg.PingInterval)
	if interval <= 0 {
		interval = fallbackPingInterval
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := config.Seconds(cfg.PongTimeout)
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
