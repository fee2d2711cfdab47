// Package ws is the gateway's websocket event stream: connected admin/UI
// clients receive every turn Notice as it's published, adapting the
// teacher's internal/gateway/ws hub to a broadcast-only surface (this
// spec has no per-connection chat session to open, unlike the teacher's
// agent-session protocol).
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Broadcaster is the event source a Hub bridges to connected clients. T is
// the published payload type (gateway.Notice); kept generic so this
// package doesn't need to import gateway (gateway already imports ws — a
// back-import would cycle).
type Broadcaster[T any] interface {
	Subscribe(handler func(T)) func()
}

// Client represents one connected websocket client.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub manages websocket clients and bridges them to a Broadcaster.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	unsubscribe func()
}

// NewHub creates a Hub that broadcasts every value bus publishes to all
// connected clients.
func NewHub[T any](bus Broadcaster[T]) *Hub {
	h := &Hub{clients: make(map[*Client]struct{})}

	h.unsubscribe = bus.Subscribe(func(n T) {
		frame, err := NewEventFrame("notice", n)
		if err != nil {
			slog.Error("marshal event frame", "error", err)
			return
		}
		data, err := MarshalFrame(frame)
		if err != nil {
			slog.Error("marshal frame", "error", err)
			return
		}
		h.broadcast(data)
	})

	return h
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("ws client connected", "clients", len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	slog.Info("ws client disconnected", "clients", len(h.clients))
}

// ServeWS upgrades r into a websocket connection and streams Notices to it
// until the client disconnects. Clients are read-only observers; any frame
// they send is ignored (this surface has no admin RPCs over the wire yet).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	client := &Client{conn: conn, send: make(chan []byte, 256), hub: h}
	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.drainReads(ctx)
}

// drainReads discards inbound frames until the connection closes, so the
// read side still notices a client-initiated close.
func (c *Client) drainReads(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close shuts down the hub and every connected client.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
	}
}
