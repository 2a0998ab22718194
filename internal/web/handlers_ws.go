package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"bacnet-override/internal/commander"
)

// WSHub fans commander events out to WebSocket clients.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan commander.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	filter wsFilter
}

// wsFilter is what a client asked for with a subscribe message:
//
//	{"types": ["session_done"], "device": "10.0.0.5", "object": "analogValue:1"}
//
// Empty fields match everything.
type wsFilter struct {
	Types  []string `json:"types"`
	Device string   `json:"device"`
	Object string   `json:"object"`
}

func (f wsFilter) match(ev commander.Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, ev.Type) {
		return false
	}
	if f.Device == "" && f.Object == "" {
		return true
	}
	data, ok := ev.Data.(map[string]interface{})
	if !ok {
		return false
	}
	return (f.Device == "" || data["device"] == f.Device) &&
		(f.Object == "" || data["object"] == f.Object)
}

func (c *wsClient) wants(ev commander.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.match(ev)
}

func (c *wsClient) setFilter(f wsFilter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan commander.Event, 256),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.closeAll()
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

func (h *WSHub) add(client *wsClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ws client connected", "total", total)
}

func (h *WSHub) remove(client *wsClient) {
	h.mu.Lock()
	h.drop(client)
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ws client disconnected", "total", total)
}

// drop closes the send queue of a registered client. Caller holds h.mu.
func (h *WSHub) drop(client *wsClient) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		h.drop(client)
	}
	h.mu.Unlock()
}

// fanOut encodes ev once and queues it for every client whose filter
// matches. A client with a full queue is evicted.
func (h *WSHub) fanOut(ev commander.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws marshal", "type", ev.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(ev) {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.drop(client)
			h.logger.Warn("ws client evicted (too slow)", "event", ev.Type)
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues an event for every interested client. It never blocks,
// since it runs on the commander's emit path.
func (h *WSHub) Broadcast(ev commander.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("ws broadcast channel full, dropping event", "type", ev.Type)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump applies subscribe messages until the connection or the hub goes
// away.
func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		var f wsFilter
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Debug("ws bad subscribe message", "err", err)
			continue
		}
		client.setFilter(f)
	}
}
