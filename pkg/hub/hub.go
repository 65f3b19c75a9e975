package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// InboundHandler receives messages sent by clients.
type InboundHandler func(c *Client, data []byte)

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	// Name for logging
	name   string
	logger *slog.Logger

	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Mutex for client map (read-only access from outside)
	mu sync.RWMutex

	// Inbound handler, set with OnMessage
	inbound atomic.Pointer[InboundHandler]

	// Optional callback with the current client count
	onCount atomic.Pointer[func(int)]

	running atomic.Bool
}

// New creates a new Hub
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:       name,
		logger:     logger.With("hub", name),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Name returns the hub name.
func (h *Hub) Name() string {
	return h.name
}

// OnMessage sets the handler for messages received from clients.
func (h *Hub) OnMessage(fn InboundHandler) {
	h.inbound.Store(&fn)
}

// OnClientCount sets a callback invoked whenever the client count changes.
func (h *Hub) OnClientCount(fn func(int)) {
	h.onCount.Store(&fn)
}

func (h *Hub) dispatch(c *Client, data []byte) {
	if fn := h.inbound.Load(); fn != nil && *fn != nil {
		(*fn)(c, data)
	}
}

func (h *Hub) countChanged(n int) {
	if fn := h.onCount.Load(); fn != nil && *fn != nil {
		(*fn)(n)
	}
}

// Run starts the hub's main loop until ctx is cancelled.
// This should be called in a goroutine
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.closeClientLocked(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "clients", count)
			h.countChanged(count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.closeClientLocked(client)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", "clients", count)
			h.countChanged(count)

		case message := <-h.broadcast:
			h.mu.Lock()
			dropped := 0
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client's buffer is full - they're too slow
					h.closeClientLocked(client)
					dropped++
				}
			}
			count := len(h.clients)
			h.mu.Unlock()
			if dropped > 0 {
				h.logger.Warn("dropped slow clients", "dropped", dropped)
				h.countChanged(count)
			}
		}
	}
}

// closeClientLocked drops client and closes its send channel. h.mu must be
// held for writing.
func (h *Hub) closeClientLocked(client *Client) {
	delete(h.clients, client)
	client.closed = true
	close(client.send)
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// BroadcastJSON encodes and broadcasts a JSON message
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(NewJSONMessage(data))
	return nil
}

// BroadcastBinary broadcasts binary data
func (h *Hub) BroadcastBinary(data []byte) {
	h.Broadcast(NewBinaryMessage(data))
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// IsRunning returns whether the hub is running
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}
