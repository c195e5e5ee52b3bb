package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/common/logger"
)

const maxLineSize = 4 * 1024 * 1024

// NotificationHandler receives server→host notifications.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler receives server→host reverse requests (approvals). The
// handler must eventually answer via Respond.
type RequestHandler func(id any, method string, params json.RawMessage)

// Client drives one Codex app-server process over its stdio pipes.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	log    *logger.Logger

	writeMu sync.Mutex

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *Response

	onNotification NotificationHandler
	onRequest      RequestHandler

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps the server's stdio pipes. Handlers must be set before
// Start.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		log:     log.WithFields(zap.String("component", "codex")),
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
}

// OnNotification registers the notification handler.
func (c *Client) OnNotification(h NotificationHandler) { c.onNotification = h }

// OnRequest registers the reverse-request handler.
func (c *Client) OnRequest(h RequestHandler) { c.onRequest = h }

// Start launches the stdout read loop.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Close stops the read loop and fails in-flight calls.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed when the client has shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Call sends a request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	id := c.nextID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		if paramsJSON, err = json.Marshal(params); err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&Request{ID: id, Method: method, Params: paramsJSON}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("client closed")
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s failed: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(method string, params any) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		if paramsJSON, err = json.Marshal(params); err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
	}
	return c.send(&Request{Method: method, Params: paramsJSON})
}

// Respond answers a reverse request.
func (c *Client) Respond(id any, result any, rpcErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		var err error
		if resultJSON, err = json.Marshal(result); err != nil {
			return fmt.Errorf("encoding response: %w", err)
		}
	}
	return c.send(&Response{ID: id, Result: resultJSON, Error: rpcErr})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("writing to provider stdin: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			ID     any             `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn("unparseable server line", zap.Error(err))
			continue
		}

		switch {
		case msg.ID != nil && msg.Method == "":
			c.resolve(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case msg.ID != nil:
			c.dispatchRequest(msg.ID, msg.Method, msg.Params)
		case msg.Method != "":
			if c.onNotification != nil {
				c.onNotification(msg.Method, msg.Params)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		c.log.Warn("stdout read loop ended", zap.Error(err))
	}
	c.Close()
}

func (c *Client) resolve(resp *Response) {
	id, ok := numericID(resp.ID)
	if !ok {
		c.log.Warn("response with non-numeric id", zap.Any("id", resp.ID))
		return
	}
	c.mu.Lock()
	ch, found := c.pending[id]
	c.mu.Unlock()
	if !found {
		c.log.Warn("response for unknown request", zap.Int64("id", id))
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (c *Client) dispatchRequest(id any, method string, params json.RawMessage) {
	if c.onRequest == nil {
		c.log.Warn("reverse request with no handler", zap.String("method", method))
		_ = c.Respond(id, nil, &Error{Code: MethodNotFound, Message: "method not found"})
		return
	}
	c.onRequest(id, method, params)
}

// numericID normalizes the wire's float64/json.Number id encodings.
func numericID(id any) (int64, bool) {
	switch v := id.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}
