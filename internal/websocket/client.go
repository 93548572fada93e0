package websocket

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"session-notify/internal/domain"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // Must be less than pongWait
	maxMessageSize = 4096
	sendQueueSize  = 256

	inboundRate  = 20
	inboundBurst = 40
)

// Client events
const (
	EventJoinRoom  = "join_room"
	EventLeaveRoom = "leave_room"
	EventAck       = "ack"
)

// Server events
const (
	EventConnected    = "connected"
	EventNotification = "notification"
	EventError        = "error"
	EventRoomJoined   = "room_joined"
	EventRoomLeft     = "room_left"
)

// Reason codes carried by error events
const (
	ReasonInvalidEvent = "invalid_event"
	ReasonUnknownEvent = "unknown_event"
	ReasonRateLimited  = "rate_limited"
	ReasonInvalidRoom  = "invalid_room"
	ReasonRoomLimit    = "room_limit"
	ReasonSessionEnded = "session_ended"
)

// AckHandler receives acknowledgments read from the socket.
type AckHandler interface {
	OnAck(notificationID, connectionID string) bool
}

type ClientMessage struct {
	Type           string `json:"type"`
	Room           string `json:"room,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
}

type ServerMessage struct {
	Type         string                 `json:"type"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	Session      *domain.SessionSummary `json:"session,omitempty"`
	Notification *domain.Notification   `json:"notification,omitempty"`
	Room         string                 `json:"room,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
}

type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	info      domain.Connection
	acks      AckHandler
	limiter   *rate.Limiter
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once

	// owned by the hub goroutine
	rooms map[string]struct{}
}

func NewClient(hub *Hub, conn *websocket.Conn, info domain.Connection, acks AckHandler) *Client {
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	info.Rooms = nil

	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		info:    info,
		acks:    acks,
		limiter: rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		rooms:   make(map[string]struct{}),
	}
}

func (c *Client) ID() string { return c.info.ID }

// Greet queues the connected event. It must be called before Register so the
// event is the first thing the client reads.
func (c *Client) Greet(summary domain.SessionSummary) error {
	data, err := json.Marshal(ServerMessage{
		Type:         EventConnected,
		ConnectionID: c.info.ID,
		Session:      &summary,
	})
	if err != nil {
		return err
	}
	c.send <- data
	return nil
}

// snapshot must be called on the hub goroutine.
func (c *Client) snapshot() domain.Connection {
	conn := c.info
	if len(c.rooms) > 0 {
		conn.Rooms = make([]string, 0, len(c.rooms))
		for room := range c.rooms {
			conn.Rooms = append(conn.Rooms, room)
		}
		sort.Strings(conn.Rooms)
	}
	return conn
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.closeConnection()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Warn("failed to set read deadline",
			slog.String("error", err.Error()),
			slog.String("connection_id", c.info.ID))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			slog.Warn("failed to set read deadline in pong handler",
				slog.String("error", err.Error()),
				slog.String("connection_id", c.info.ID))
			return err
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket error",
					slog.String("error", err.Error()),
					slog.String("connection_id", c.info.ID))
			}
			break
		}

		if !c.limiter.Allow() {
			c.reply(ServerMessage{Type: EventError, Reason: ReasonRateLimited})
			continue
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			slog.Warn("invalid message format",
				slog.String("error", err.Error()),
				slog.String("connection_id", c.info.ID))
			c.reply(ServerMessage{Type: EventError, Reason: ReasonInvalidEvent})
			continue
		}

		c.handle(clientMsg)
	}
}

func (c *Client) handle(msg ClientMessage) {
	switch msg.Type {
	case EventAck:
		if msg.NotificationID == "" {
			c.reply(ServerMessage{Type: EventError, Reason: ReasonInvalidEvent})
			return
		}
		if c.acks == nil {
			return
		}
		if !c.acks.OnAck(msg.NotificationID, c.info.ID) {
			slog.Debug("ack ignored",
				slog.String("notification_id", msg.NotificationID),
				slog.String("connection_id", c.info.ID))
		}

	case EventJoinRoom:
		switch err := c.hub.JoinRoom(c.info.ID, msg.Room); err {
		case nil, ErrAlreadyInRoom:
			c.reply(ServerMessage{Type: EventRoomJoined, Room: msg.Room})
		case ErrInvalidRoom:
			c.reply(ServerMessage{Type: EventError, Room: msg.Room, Reason: ReasonInvalidRoom})
		case ErrTooManyRooms:
			c.reply(ServerMessage{Type: EventError, Room: msg.Room, Reason: ReasonRoomLimit})
		default:
			slog.Warn("join room failed",
				slog.String("connection_id", c.info.ID),
				slog.String("room", msg.Room),
				slog.String("error", err.Error()))
		}

	case EventLeaveRoom:
		if err := c.hub.LeaveRoom(c.info.ID, msg.Room); err != nil {
			slog.Warn("leave room failed",
				slog.String("connection_id", c.info.ID),
				slog.String("room", msg.Room),
				slog.String("error", err.Error()))
			return
		}
		c.reply(ServerMessage{Type: EventRoomLeft, Room: msg.Room})

	default:
		c.reply(ServerMessage{Type: EventError, Reason: ReasonUnknownEvent})
	}
}

// reply goes through the hub so it is ordered with notifications.
func (c *Client) reply(msg ServerMessage) {
	if err := c.hub.SendEvent(c.info.ID, msg); err != nil {
		slog.Debug("failed to queue reply",
			slog.String("connection_id", c.info.ID),
			slog.String("type", msg.Type),
			slog.String("error", err.Error()))
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				_ = c.writeMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.writeMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeMessage writes a message to the WebSocket connection in a thread-safe manner
func (c *Client) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return websocket.ErrCloseSent
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		slog.Warn("failed to set write deadline",
			slog.String("error", err.Error()),
			slog.String("connection_id", c.info.ID))
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// closeConnection safely closes the WebSocket connection
func (c *Client) closeConnection() {
	if c.closed.CompareAndSwap(false, true) {
		c.writeMu.Lock()
		c.conn.Close()
		c.writeMu.Unlock()
	}
}
