package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Subscribers only send control messages
	maxMessageSize = 4 * 1024
)

// Client represents a single WebSocket subscription
type Client struct {
	// The WebSocket connection
	conn *websocket.Conn

	// Hub that manages this client
	hub *Hub

	// Buffered channel of outbound messages (structured)
	send chan *Message

	// Buffered channel of outbound messages (raw bytes for broadcasts)
	sendRaw chan []byte

	// User whose events are delivered, empty for admin subscribers
	userID string

	logger *logrus.Logger
}

// NewClient creates a new Client instance. An empty userID subscribes to
// every user's events.
func NewClient(conn *websocket.Conn, hub *Hub, userID string) *Client {
	return &Client{
		conn:    conn,
		hub:     hub,
		send:    make(chan *Message, 256),
		sendRaw: make(chan []byte, 256),
		userID:  userID,
		logger:  hub.logger,
	}
}

// wants reports whether a broadcast message is meant for this client
func (c *Client) wants(msg *Message) bool {
	return c.userID == "" || c.userID == msg.UserID
}

// readPump reads control messages until the connection fails
func (c *Client) readPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("user_id", c.userID).Warn("WebSocket read error")
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.WithError(err).WithField("user_id", c.userID).Debug("Failed to parse incoming message")
			continue
		}

		c.handleIncomingMessage(&msg)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			messageBytes, err := json.Marshal(message)
			if err != nil {
				c.logger.WithError(err).Error("Failed to marshal message")
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
				c.logger.WithError(err).WithField("user_id", c.userID).Debug("Failed to write message")
				return
			}

		case messageBytes := <-c.sendRaw:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
				c.logger.WithError(err).WithField("user_id", c.userID).Debug("Failed to write event")
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

// handleIncomingMessage processes messages received from the client
func (c *Client) handleIncomingMessage(msg *Message) {
	switch msg.Type {
	case MessageTypePing:
		pongMsg, err := NewMessage(MessageTypePong, nil)
		if err != nil {
			c.logger.WithError(err).Error("Failed to create pong message")
			return
		}
		c.Send(pongMsg)

	default:
		errMsg, err := NewMessage(MessageTypeError, ErrorPayload{Error: "subscriptions are read-only"})
		if err == nil {
			c.Send(errMsg)
		}
	}
}

// Start begins the read and write pumps for this client
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Send queues a message to the client, dropping it when the buffer is full
func (c *Client) Send(msg *Message) {
	defer func() {
		// send is closed once the hub dropped the client
		recover()
	}()

	select {
	case c.send <- msg:
	default:
		c.logger.WithField("user_id", c.userID).Warn("Client send channel is full, message dropped")
	}
}
