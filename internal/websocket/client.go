package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Operators only send control frames
	maxMessageSize = 4096

	sendBufferSize = 256
)

// Client is one connected operator
type Client struct {
	ID       string
	Operator string
	Role     string

	// rooms is owned by the hub goroutine
	rooms map[string]bool

	hub       *Hub
	conn      *websocket.Conn
	send      chan *Message
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewClient creates a client for an upgraded connection
func NewClient(hub *Hub, conn *websocket.Conn, operator, role string, logger *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:       id,
		Operator: operator,
		Role:     role,
		rooms:    make(map[string]bool),
		hub:      hub,
		conn:     conn,
		send:     make(chan *Message, sendBufferSize),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("client_id", id)),
	}
}

// ReadPump reads control frames until the connection fails
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var message Message
		if err := json.Unmarshal(data, &message); err != nil {
			c.Send(errorMessage("malformed message"))
			continue
		}
		c.handleMessage(&message)
	}
}

// WritePump writes queued messages and keepalive pings to the connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

func (c *Client) handleMessage(message *Message) {
	switch message.Type {
	case MessageTypePing:
		c.Send(&Message{Type: MessageTypePong, Timestamp: time.Now().UTC()})

	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		if _, err := jobs.ParseKind(message.Queue); err != nil {
			c.Send(errorMessage("unknown queue " + message.Queue))
			return
		}
		if message.Type == MessageTypeSubscribe {
			c.hub.JoinRoom(c, message.Queue)
		} else {
			c.hub.LeaveRoom(c, message.Queue)
		}

	default:
		c.Send(errorMessage("unsupported message type " + string(message.Type)))
	}
}

// Send queues message for the client without blocking. It reports whether
// the message was queued.
func (c *Client) Send(message *Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		c.logger.Warn("Client send buffer full")
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func errorMessage(text string) *Message {
	return &Message{
		Type:      MessageTypeError,
		Data:      map[string]string{"message": text},
		Timestamp: time.Now().UTC(),
	}
}
