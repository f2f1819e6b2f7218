// Package websocket bridges open pages and the notification worker. Pages send
// page-worker messages (PING) over the socket and get the worker's replies on
// the same connection; notifications the worker shows are broadcast to every
// page.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/bearstradespro/pushkit/internal/model"
	"github.com/bearstradespro/pushkit/internal/platform"
)

// Message types sent only from the hub to pages.
const (
	TypeNotification = "NOTIFICATION"
	TypeError        = "ERROR"
)

// ErrNoTarget is returned when a page posts before a worker is bound.
var ErrNoTarget = errors.New("websocket: no worker bound")

// Message is the wire form of everything exchanged over the socket.
type Message struct {
	Type         string              `json:"type"`
	Notification *model.Notification `json:"notification,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// NotificationMessage wraps a shown notification for broadcast.
func NotificationMessage(n model.Notification) Message {
	return Message{Type: TypeNotification, Notification: &n}
}

// Target receives page messages; platform.Registration satisfies it.
type Target interface {
	PostMessage(ctx context.Context, msg platform.Message, port platform.Port) error
}

// Hub maintains the set of connected pages and the worker they talk to.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	target  Target
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Bind sets the worker registration page messages are delivered to.
func (h *Hub) Bind(t Target) {
	h.mu.Lock()
	h.target = t
	h.mu.Unlock()
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, drop the message
		}
	}
}

// sendTo queues msg for one client. It reports false once the client is gone
// or its buffer is full.
func (h *Hub) sendTo(c *Client, msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal reply", "error", err)
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// deliver hands a page message to the bound worker with a reply port on c.
func (h *Hub) deliver(ctx context.Context, c *Client, msg Message) error {
	h.mu.RLock()
	t := h.target
	h.mu.RUnlock()
	if t == nil {
		return ErrNoTarget
	}
	return t.PostMessage(ctx, platform.Message{Type: msg.Type}, clientPort{c: c})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// clientPort writes worker replies back to the page that asked.
type clientPort struct {
	c *Client
}

func (p clientPort) PostMessage(_ context.Context, msg platform.Message) error {
	if !p.c.hub.sendTo(p.c, Message{Type: msg.Type}) {
		return errClientGone
	}
	return nil
}

var errClientGone = errors.New("websocket: client gone")
