package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPNIO/internal/ar"
	"github.com/KevinKickass/OpenPNIO/internal/auth"
)

// Authenticator validates the token of the first client message.
type Authenticator interface {
	Authenticate(token string) (*auth.Principal, error)
}

// SnapshotProvider gives newly authenticated clients the current AR states.
type SnapshotProvider interface {
	List() []ar.Snapshot
}

type envelope struct {
	rtu  string
	data []byte
}

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	quit chan struct{}

	// Mutex for thread-safe operations
	mu sync.RWMutex

	logger        *zap.Logger
	authenticator Authenticator
	snapshots     SnapshotProvider
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger, authenticator Authenticator) *Hub {
	return &Hub{
		broadcast:     make(chan Message, 256),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		clients:       make(map[*Client]bool),
		quit:          make(chan struct{}),
		logger:        logger,
		authenticator: authenticator,
	}
}

// SetSnapshotProvider sets the AR snapshot source
func (h *Hub) SetSnapshotProvider(provider SnapshotProvider) {
	h.snapshots = provider
}

// Run starts the hub's main event loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
	defer close(h.quit)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message",
					zap.Error(err))
				continue
			}
			h.fanOut(envelope{rtu: message.RTU, data: data})
		}
	}
}

func (h *Hub) fanOut(env envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.wants(env.rtu) {
			continue
		}
		if !client.trySend(env.data) {
			// Client send channel full - unregister slow/dead client
			client.closeSend()
			delete(h.clients, client)
			h.logger.Warn("Client send buffer full, unregistering",
				zap.String("remote_addr", client.remoteAddr()))
		}
	}
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
		// Message queued for broadcast
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)),
			zap.String("rtu", msg.RTU))
	}
}

// ARStateChanged and AlarmReceived make the hub an ar.EventSink.
func (h *Hub) ARStateChanged(ev ar.Event) {
	h.Broadcast(NewARStateMessage(ev))
}

func (h *Hub) AlarmReceived(ev ar.AlarmEvent) {
	h.Broadcast(NewAlarmMessage(ev))
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
