package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
)

// Hub maintains the set of active clients and fans settlement events out to
// them. It implements payment.EventPublisher.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound settlement events
	broadcast chan *Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	// Mutex to protect clients map
	mu sync.RWMutex

	logger *logrus.Logger
}

// NewHub creates a new Hub instance
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop and returns when ctx is done, closing
// every client
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.WithField("user_id", client.userID).Info("WebSocket client connected")
			h.logger.WithField("count", count).Debug("Active WebSocket clients")

			connectedMsg, err := NewMessage(MessageTypeConnected, ConnectedPayload{
				Message: "Subscribed to settlement events",
				UserID:  client.userID,
			})
			if err == nil {
				client.Send(connectedMsg)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.WithField("user_id", client.userID).Info("WebSocket client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			messageBytes, err := json.Marshal(message)
			if err != nil {
				h.logger.WithError(err).Error("Failed to marshal broadcast message")
				continue
			}

			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(message) {
					continue
				}
				select {
				case client.sendRaw <- messageBytes:
				default:
					// Client's send channel is full, close the connection
					go func(c *Client) {
						h.logger.WithField("user_id", c.userID).Warn("Client send buffer full, closing connection")
						h.UnregisterClient(c)
					}(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues a settlement event for delivery. It never blocks: when the
// queue is full the event is dropped and logged.
func (h *Hub) Publish(event payment.SettlementEvent) {
	payloadBytes, err := json.Marshal(event.Payload)
	if err != nil {
		h.logger.WithError(err).WithField("type", event.Type).Error("Failed to marshal settlement event")
		return
	}

	message := &Message{
		Type:      MessageType(event.Type),
		UserID:    event.UserID,
		Payload:   payloadBytes,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.WithField("type", event.Type).Warn("Broadcast queue full, settlement event dropped")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RegisterClient sends a client to the register channel. It reports false
// once the hub has stopped.
func (h *Hub) RegisterClient(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// UnregisterClient sends a client to the unregister channel
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

var _ payment.EventPublisher = (*Hub)(nil)
