package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/cloud-codex/cloud-codex/internal/common/errors"
	"github.com/cloud-codex/cloud-codex/internal/common/logger"
	"github.com/cloud-codex/cloud-codex/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

// Client represents one WebSocket client connection bound to a session.
// Sessions outlive connections; closing a client never destroys its session.
type Client struct {
	ID        string
	sessionID string
	userID    string

	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	adapter *Adapter
	sess    *session.Session
	logger  *logger.Logger
}

// NewClient creates a WebSocket client for an established session.
func NewClient(id string, conn *websocket.Conn, sess *session.Session, hub *Hub, adapter *Adapter, log *logger.Logger) *Client {
	return &Client{
		ID:        id,
		sessionID: sess.ID,
		userID:    sess.UserID,
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       hub,
		adapter:   adapter,
		sess:      sess,
		logger: log.Named("gateway-client").
			WithSession(sess.ID, sess.UserID).
			With(zap.String("client_id", id)),
	}
}

// ReadPump reads frames from the WebSocket connection and dispatches them.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Warn("invalid frame", zap.Error(err))
			c.Send(ErrorFrameFor("", apperrors.BadFrame("invalid frame")))
			continue
		}

		resp := c.adapter.Handle(ctx, c.sess, &frame)
		if resp != nil {
			c.Send(resp)
		}
	}
}

// WritePump writes queued frames to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// flush queued frames into the same websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// Send queues a frame for delivery. Returns false when the buffer is full.
func (c *Client) Send(frame *Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
