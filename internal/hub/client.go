package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/internal/terminal"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// outboxHighWater is the queue depth past which raw terminal output
	// frames are shed. The screen snapshot that follows every chunk is
	// replaceable, so a client that falls behind resynchronizes from it.
	outboxHighWater = 1024
)

// outMessage is one queued outbound frame. A non-empty key marks a
// replaceable snapshot: a newer message with the same key overwrites the
// queued one in place instead of appending behind it.
type outMessage struct {
	key       string
	binary    bool
	droppable bool
	data      []byte
}

// Client is one WebSocket connection with its subscriptions and its
// outbound queue.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	log  *logger.Logger

	outMu  sync.Mutex
	queue  []outMessage
	index  map[string]int // key → position in queue
	closed bool
	notify chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	subs    map[string]*subscription
	streams map[uint32]*terminal.Session
	device  protocol.Heartbeat
}

func newClient(id string, conn *websocket.Conn, h *Hub, log *logger.Logger) *Client {
	return &Client{
		id:      id,
		hub:     h,
		conn:    conn,
		log:     log.WithClientID(id),
		index:   make(map[string]int),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		subs:    make(map[string]*subscription),
		streams: make(map[uint32]*terminal.Session),
	}
}

// enqueue queues one outbound message. Replaceable messages (non-empty
// key) collapse onto the queued message with the same key, keeping its
// position. Droppable messages are shed when the queue is saturated.
func (c *Client) enqueue(msg outMessage) {
	c.outMu.Lock()
	if c.closed {
		c.outMu.Unlock()
		return
	}
	if msg.key != "" {
		if i, ok := c.index[msg.key]; ok {
			c.queue[i] = msg
			c.outMu.Unlock()
			return
		}
	}
	if msg.droppable && len(c.queue) >= outboxHighWater {
		c.outMu.Unlock()
		return
	}
	if msg.key != "" {
		c.index[msg.key] = len(c.queue)
	}
	c.queue = append(c.queue, msg)
	c.outMu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// sendJSON marshals and queues a text frame.
func (c *Client) sendJSON(key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("failed to marshal outbound message", zap.Error(err))
		return
	}
	c.enqueue(outMessage{key: key, data: data})
}

// sendBinary queues a multiplex frame.
func (c *Client) sendBinary(data []byte, droppable bool) {
	c.enqueue(outMessage{binary: true, droppable: droppable, data: data})
}

// drain removes and returns all queued messages.
func (c *Client) drain() []outMessage {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	out := c.queue
	c.queue = nil
	c.index = make(map[string]int)
	return out
}

// closeOutbox stops the write pump and rejects further messages.
func (c *Client) closeOutbox() {
	c.outMu.Lock()
	if c.closed {
		c.outMu.Unlock()
		return
	}
	c.closed = true
	c.outMu.Unlock()
	close(c.done)
}

// readPump pumps messages from the WebSocket connection into the
// dispatcher. It owns the connection teardown: when the read side ends,
// the client is unregistered and its subscriptions released.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket read error", zap.Error(err))
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			c.handleBinary(ctx, message)
			continue
		}

		env, err := protocol.ParseEnvelope(message)
		if err != nil {
			c.log.Debug("malformed frame", zap.Error(err))
			c.sendJSON("", map[string]interface{}{
				"type":    protocol.TypeError,
				"message": err.Error(),
			})
			continue
		}
		c.handleEnvelope(ctx, env)
	}
}

// writePump pumps queued messages to the WebSocket connection and keeps
// the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.notify:
			for _, msg := range c.drain() {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				frameType := websocket.TextMessage
				if msg.binary {
					frameType = websocket.BinaryMessage
				}
				if err := c.conn.WriteMessage(frameType, msg.data); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
