package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agoracivic/chat-server/internal/v1/logging"
	"github.com/agoracivic/chat-server/internal/v1/metrics"
	"github.com/agoracivic/chat-server/internal/v1/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// wsConnection abstracts the gorilla connection so tests can substitute a
// mock.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
}

// Client is one websocket session bound to an authenticated user. Two
// goroutines per client: readPump parses inbound envelopes and hands them to
// the hub, writePump drains the buffered send channel.
type Client struct {
	conn      wsConnection
	send      chan []byte
	hub       *Hub
	SessionID types.SessionIdType
	UserID    types.UserIdType

	mu     sync.RWMutex
	closed bool
}

func newClient(conn wsConnection, hub *Hub, sessionID types.SessionIdType, userID types.UserIdType) *Client {
	return &Client{
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		hub:       hub,
		SessionID: sessionID,
		UserID:    userID,
	}
}

// logContext binds the session's ids into the context for log enrichment.
func (c *Client) logContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, logging.SessionIDKey, string(c.SessionID))
	return context.WithValue(ctx, logging.UserIDKey, string(c.UserID))
}

func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(c.logContext(context.Background()), "Malformed client message", zap.Error(err))
			continue
		}

		ctx := c.logContext(context.Background())
		c.hub.dispatch(ctx, c, &msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(c.logContext(context.Background()), "Error writing message", zap.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// emit queues an envelope for delivery. A full buffer drops the frame rather
// than blocking the caller; clients recover by re-fetching history. The send
// happens under the read lock so close cannot shut the channel mid-send.
func (c *Client) emit(event string, ackID int64, data any) {
	raw, err := json.Marshal(ServerMessage{Event: event, AckID: ackID, Data: data})
	if err != nil {
		logging.Error(c.logContext(context.Background()), "Failed to marshal server message", zap.Error(err))
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- raw:
	default:
		logging.Warn(c.logContext(context.Background()), "Client send channel full, dropping frame",
			zap.String("event", event))
	}
}

// ack answers a client event.
func (c *Client) ack(ackID int64, data any) {
	if ackID == 0 {
		return
	}
	c.emit(EventAck, ackID, data)
}

// ackError answers a client event with the canonical error shape.
func (c *Client) ackError(ackID int64, code string) {
	if ackID == 0 {
		return
	}
	c.emit(EventAck, ackID, newErrorAck(code))
}

// close shuts the write side down, which ends writePump and in turn closes
// the connection, unblocking readPump. The flag is set under the write lock,
// so it waits out any in-flight emit before the channel closes.
func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.send)
}
