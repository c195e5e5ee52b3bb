package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/common/logger"
)

// maxLineSize bounds one stdout line; assistant messages can carry large
// tool results.
const maxLineSize = 10 * 1024 * 1024

// ControlHandler receives CLI→host control requests (can_use_tool). The
// handler must eventually answer via RespondToControl.
type ControlHandler func(requestID string, req *ControlRequest)

// MessageHandler receives every non-control stdout line.
type MessageHandler func(msg *Message)

// Client drives one Claude Code CLI process over its stdio pipes. A
// single goroutine reads stdout; writes to stdin are serialized by a
// mutex.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	log    *logger.Logger

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onControl ControlHandler
	onMessage MessageHandler

	pendingMu sync.Mutex
	pending   map[string]chan *ControlResponse

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps the CLI's stdio pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		log:     log.WithFields(zap.String("component", "claudecode")),
		pending: make(map[string]chan *ControlResponse),
		done:    make(chan struct{}),
	}
}

// OnControlRequest registers the permission callback handler.
func (c *Client) OnControlRequest(h ControlHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onControl = h
}

// OnMessage registers the stream message handler.
func (c *Client) OnMessage(h MessageHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onMessage = h
}

// Start launches the stdout read loop.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Close stops the read loop and fails any in-flight control calls.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed when the client has shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Initialize performs the streaming-mode handshake and returns the CLI's
// published commands and models.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) (*InitializeResult, error) {
	resp, err := c.call(ctx, controlRequestBody{Subtype: SubtypeInitialize}, timeout)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if resp.Init == nil {
		return &InitializeResult{}, nil
	}
	return resp.Init, nil
}

// Interrupt aborts the current turn.
func (c *Client) Interrupt(ctx context.Context, timeout time.Duration) error {
	_, err := c.call(ctx, controlRequestBody{Subtype: SubtypeInterrupt}, timeout)
	if err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	return nil
}

// SetPermissionMode switches the CLI's permission mode for subsequent
// turns.
func (c *Client) SetPermissionMode(ctx context.Context, mode string, timeout time.Duration) error {
	_, err := c.call(ctx, controlRequestBody{Subtype: SubtypeSetPermissionMode, Mode: mode}, timeout)
	if err != nil {
		return fmt.Errorf("set permission mode: %w", err)
	}
	return nil
}

// Prompt sends a user message. Images, when present, are encoded as
// base64 content blocks alongside the text.
func (c *Client) Prompt(text string, images []ImageContent) error {
	var content any = text
	if len(images) > 0 {
		blocks := make([]any, 0, len(images)+1)
		for _, img := range images {
			blocks = append(blocks, img)
		}
		if text != "" {
			blocks = append(blocks, TextContent{Type: "text", Text: text})
		}
		content = blocks
	}
	return c.send(&promptMessage{
		Type:    MessageTypeUser,
		Message: promptBody{Role: "user", Content: content},
	})
}

// RespondToControl answers a CLI control request. A non-empty errMsg
// sends an error response instead of result.
func (c *Client) RespondToControl(requestID string, result *PermissionResult, errMsg string) error {
	resp := &ControlResponse{Subtype: "success", RequestID: requestID, Result: result}
	if errMsg != "" {
		resp = &ControlResponse{Subtype: "error", RequestID: requestID, Error: errMsg}
	}
	return c.send(&outgoingControlResponse{Type: MessageTypeControlResponse, Response: resp})
}

// call sends a control request and waits for its correlated response.
func (c *Client) call(ctx context.Context, body controlRequestBody, timeout time.Duration) (*ControlResponse, error) {
	requestID := uuid.New().String()
	ch := make(chan *ControlResponse, 1)

	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(&outgoingControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client closed")
	case <-timer.C:
		return nil, fmt.Errorf("%s timed out after %v", body.Subtype, timeout)
	case resp := <-ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("%s failed: %s", body.Subtype, resp.Error)
		}
		return resp, nil
	}
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
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.log.Warn("stdout read loop ended", zap.Error(err))
	}
	c.Close()
}

func (c *Client) handleLine(line []byte) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.log.Warn("unparseable stream line", zap.Error(err), zap.ByteString("line", line))
		return
	}

	switch {
	case msg.Type == MessageTypeControlRequest && msg.Request != nil:
		c.dispatchControl(msg.RequestID, msg.Request)

	case msg.Type == MessageTypeControlResponse && msg.Response != nil:
		c.resolveCall(msg.Response)

	default:
		c.handlerMu.RLock()
		h := c.onMessage
		c.handlerMu.RUnlock()
		if h != nil {
			h(&msg)
		}
	}
}

func (c *Client) dispatchControl(requestID string, req *ControlRequest) {
	c.handlerMu.RLock()
	h := c.onControl
	c.handlerMu.RUnlock()

	if h == nil {
		c.log.Warn("control request with no handler; denying",
			zap.String("request_id", requestID), zap.String("subtype", req.Subtype))
		_ = c.RespondToControl(requestID, nil, "no permission handler registered")
		return
	}
	h(requestID, req)
}

func (c *Client) resolveCall(resp *ControlResponse) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.RequestID]
	c.pendingMu.Unlock()
	if !ok {
		c.log.Warn("control response for unknown request", zap.String("request_id", resp.RequestID))
		return
	}
	select {
	case ch <- resp:
	default:
	}
}
