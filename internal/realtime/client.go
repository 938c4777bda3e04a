package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/auth"
	"github.com/aura-classroom/backend/pkg/response"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// TokenValidator verifies the bearer token presented on the WebSocket URL.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// Client is a single WebSocket connection. It may be a member of several rooms.
type Client struct {
	id       string
	identity auth.Identity
	hub      *Hub
	conn     *websocket.Conn
	send     chan WSMessage
	done     chan struct{}
	once     sync.Once
	rooms    map[string]struct{} // touched only by readPump
	logger   *zap.Logger
}

// ID implements Peer.
func (c *Client) ID() string { return c.id }

// Identity implements Peer.
func (c *Client) Identity() auth.Identity { return c.identity }

// Deliver implements Peer. Slow clients lose messages rather than stall a room.
func (c *Client) Deliver(msg WSMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// ServeWs handles GET /ws?token=<jwt>: upgrade, then run the client loops until disconnect.
func ServeWs(hub *Hub, validator TokenValidator, checkOrigin func(r *http.Request) bool, logger *zap.Logger) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			response.Unauthorized(c, "token required")
			return
		}
		claims, err := validator.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			id:       uuid.New().String(),
			identity: claims.Identity(),
			hub:      hub,
			conn:     conn,
			send:     make(chan WSMessage, sendBufferSize),
			done:     make(chan struct{}),
			rooms:    make(map[string]struct{}),
			logger:   logger.With(zap.String("user_id", claims.UserID.String())),
		}
		client.logger.Debug("websocket connected", zap.String("conn_id", client.id))
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		// Disconnect is an implicit leave of every joined room.
		for videoID := range c.rooms {
			c.hub.Leave(c, videoID)
		}
		c.close()
		c.logger.Debug("websocket disconnected", zap.String("conn_id", c.id))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(msg)
	}
}

func (c *Client) handle(msg WSMessage) {
	var p ClientPayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			c.Deliver(errorMessage("", ErrCodeBadRequest, "malformed payload"))
			return
		}
	}
	if p.VideoID == "" {
		c.Deliver(errorMessage("", ErrCodeBadRequest, "videoId required"))
		return
	}

	switch msg.Event {
	case EventJoinChat:
		if err := c.hub.Join(c, p.VideoID, p.UserName); err == nil {
			c.rooms[p.VideoID] = struct{}{}
		}
	case EventLeaveChat:
		c.hub.Leave(c, p.VideoID)
		delete(c.rooms, p.VideoID)
	case EventSendChatMessage:
		_ = c.hub.Send(c, p.VideoID, p.UserName, p.Message)
	case EventTyping:
		c.hub.Typing(c, p.VideoID)
	default:
		c.Deliver(errorMessage(p.VideoID, ErrCodeBadRequest, "unknown event "+msg.Event))
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
