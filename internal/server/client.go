package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/caresync-rtc/internal/types"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Client is one live websocket connection. A user may hold several.
type Client struct {
	id       string
	conn     *websocket.Conn
	cs       *ChatServer
	log      *zap.Logger
	identity types.Identity
	send     chan *ServerMessage
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(identity types.Identity, conn *websocket.Conn, cs *ChatServer, l *zap.Logger) *Client {
	id, err := shortid.Generate()
	if err != nil {
		id = types.NewId()
	}

	return &Client{
		id:       id,
		conn:     conn,
		cs:       cs,
		log:      l.With(zap.String("conn_id", id), zap.String("user_id", identity.UserId)),
		identity: identity,
		send:     make(chan *ServerMessage, sendBufferSize),
		stop:     make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Identity() types.Identity {
	return c.identity
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error("failed to serialize message", zap.Error(err))
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// Read handles frames in arrival order until the connection drops, then
// removes the client from every room it joined.
func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cs.disconnect(c)
		c.stopClient()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("ws: read", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			c.log.Debug("error parsing message", zap.Error(err))
			c.queueMessage(asErrorEvent("", ErrInvalidMessage(msg.Id)))
			continue
		}

		msg.client = c
		msg.Timestamp = types.Now()
		c.cs.dispatch(&msg)
	}
}

// queueMessage hands msg to the write pump without blocking. A client whose
// buffer is full misses the message.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full")
		return false
	}

	return true
}

// reply answers msg. Failures on frames without an id are reported as error
// events; successes on such frames are dropped.
func (c *Client) reply(msg *ClientMessage, resp *ServerMessage) {
	if msg.Id == 0 {
		if resp.Response != nil && resp.Response.ResponseCode >= 400 {
			c.queueMessage(asErrorEvent(msg.Event, resp))
		}
		return
	}

	c.queueMessage(resp)
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("write message", zap.Error(err))
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}
