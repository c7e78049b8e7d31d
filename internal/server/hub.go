package server

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/ilaydaydemir/screencast/internal/bus"
)

// client is one connected WebSocket consumer (panel or overlay).
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans session events out to every connected WebSocket client.
// Delivery is fire-and-forget; consumers treat events as idempotent
// snapshots, so a dropped or duplicated frame never corrupts their view.
type Hub struct {
	events *bus.Bus
	logger *zap.Logger

	mu         sync.RWMutex
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
}

func NewHub(events *bus.Bus, logger *zap.Logger) *Hub {
	return &Hub{
		events:     events,
		logger:     logger,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run pumps bus events to clients until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	messages, err := h.events.Subscribe(ctx, bus.TopicSessionEvents)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cl := <-h.register:
			h.mu.Lock()
			h.clients[cl] = true
			h.mu.Unlock()
			h.logger.Debug("event client connected")
		case cl := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[cl]; ok {
				delete(h.clients, cl)
				close(cl.send)
			}
			h.mu.Unlock()
			h.logger.Debug("event client disconnected")
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			h.broadcast(msg.Payload)
			msg.Ack()
		}
	}
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- payload:
		default:
			// Slow consumer; drop it rather than block the fanout.
			delete(h.clients, cl)
			close(cl.send)
		}
	}
}

// Serve handles one upgraded WebSocket connection.
func (h *Hub) Serve(c *websocket.Conn) {
	cl := &client{conn: c, send: make(chan []byte, 64)}
	h.register <- cl

	go cl.writePump()
	cl.readPump(h)
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection until it closes. Incoming frames carry no
// control meaning; the HTTP surface is the command path.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
