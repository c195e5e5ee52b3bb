package opencode

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/common/logger"
)

// EventHandler receives every SSE event that belongs to the client's
// session.
type EventHandler func(event *Event)

// Client talks to one spawned `opencode serve` instance.
type Client struct {
	baseURL   string
	directory string
	password  string
	http      *http.Client
	log       *logger.Logger

	mu        sync.RWMutex
	onEvent   EventHandler
	sseCancel context.CancelFunc
	closed    bool
}

// NewClient targets a server rooted at directory. The password guards
// the server's HTTP surface via basic auth.
func NewClient(baseURL, directory, password string, log *logger.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		directory: directory,
		password:  password,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       log.WithFields(zap.String("component", "opencode")),
	}
}

// GeneratePassword returns a random server password.
func GeneratePassword() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("opencode-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// OnEvent registers the SSE event handler.
func (c *Client) OnEvent(h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = h
}

// WaitForHealth polls /global/health until the server is up.
func (c *Client) WaitForHealth(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		var health HealthResponse
		err := c.getJSON(ctx, "/global/health", &health)
		if err == nil && health.Healthy {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("server not healthy yet (version %s)", health.Version)
		}
		time.Sleep(150 * time.Millisecond)
	}
	return fmt.Errorf("health check timed out: %w", lastErr)
}

// CreateSession opens a new session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var session SessionResponse
	if err := c.postJSON(ctx, "/session", map[string]any{}, &session); err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return session.ID, nil
}

// Prompt sends a user message to the session. The server streams the
// response over SSE; this call returns once the prompt is accepted.
func (c *Client) Prompt(ctx context.Context, sessionID string, parts []PartInput, model *ModelSpec) error {
	body := &PromptRequest{Model: model, Parts: parts}
	path := fmt.Sprintf("/session/%s/message", sessionID)

	// Success bodies look like {info, parts}; errors like {name, data}.
	var parsed map[string]json.RawMessage
	if err := c.postJSON(ctx, path, body, &parsed); err != nil {
		return fmt.Errorf("sending prompt: %w", err)
	}
	if _, ok := parsed["info"]; ok {
		return nil
	}
	if nameRaw, ok := parsed["name"]; ok {
		var apiErr APIError
		apiErr.Name = strings.Trim(string(nameRaw), `"`)
		if dataRaw, ok := parsed["data"]; ok {
			_ = json.Unmarshal(dataRaw, &apiErr.Data)
		}
		return fmt.Errorf("prompt rejected: %s: %s", apiErr.Kind(), apiErr.Text())
	}
	return nil
}

// Abort asks the server to stop the session's in-flight work. Abort is
// best effort; transport errors are swallowed.
func (c *Client) Abort(ctx context.Context, sessionID string) {
	abortCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	resp, err := c.do(abortCtx, http.MethodPost, fmt.Sprintf("/session/%s/abort", sessionID), nil)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// ReplyPermission answers a permission.asked prompt.
func (c *Client) ReplyPermission(ctx context.Context, permissionID, reply, message string) error {
	if message == "" && reply == ReplyReject {
		message = "User denied this tool use request"
	}
	path := fmt.Sprintf("/permission/%s/reply", permissionID)
	if err := c.postJSON(ctx, path, &PermissionReply{Reply: reply, Message: message}, nil); err != nil {
		return fmt.Errorf("replying to permission: %w", err)
	}
	return nil
}

// ListModels fetches the provider catalog.
func (c *Client) ListModels(ctx context.Context) (*ProviderListResponse, error) {
	var providers ProviderListResponse
	if err := c.getJSON(ctx, "/provider", &providers); err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	return &providers, nil
}

// StartEventStream connects to /event and dispatches events for
// sessionID to the registered handler. One stream per client; repeated
// calls are no-ops while a stream is live.
func (c *Client) StartEventStream(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.sseCancel != nil || c.closed {
		c.mu.Unlock()
		return nil
	}
	sseCtx, cancel := context.WithCancel(ctx)
	c.sseCancel = cancel
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(sseCtx, http.MethodGet, c.url("/event"), nil)
	if err != nil {
		c.clearStream()
		return fmt.Errorf("creating event stream request: %w", err)
	}
	c.setHeaders(req, false)
	req.Header.Set("Accept", "text/event-stream")

	// SSE connections stay open indefinitely.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		c.clearStream()
		return fmt.Errorf("connecting event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		c.clearStream()
		return fmt.Errorf("event stream returned HTTP %d: %s", resp.StatusCode, body)
	}

	go c.pumpEvents(sseCtx, sessionID, resp.Body)
	return nil
}

// Close terminates the event stream.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.sseCancel != nil {
		c.sseCancel()
		c.sseCancel = nil
	}
}

func (c *Client) clearStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sseCancel != nil {
		c.sseCancel()
		c.sseCancel = nil
	}
}

func (c *Client) pumpEvents(ctx context.Context, sessionID string, body io.ReadCloser) {
	defer func() {
		_ = body.Close()
		c.clearStream()
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
		if line != "" || data.Len() == 0 {
			continue
		}

		payload := strings.TrimSpace(data.String())
		data.Reset()
		if payload == "" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			c.log.Warn("unparseable SSE event", zap.Error(err))
			continue
		}
		if !eventMatchesSession(&event, sessionID) {
			continue
		}

		c.mu.RLock()
		h := c.onEvent
		c.mu.RUnlock()
		if h != nil {
			h(&event)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.log.Warn("event stream ended", zap.Error(err))
	}
}

// eventMatchesSession filters the shared /event firehose down to one
// session. Events without a recognizable session id pass through.
func eventMatchesSession(event *Event, sessionID string) bool {
	var probe struct {
		SessionID string `json:"sessionID"`
		Info      struct {
			SessionID string `json:"sessionID"`
		} `json:"info"`
		Part struct {
			SessionID string `json:"sessionID"`
		} `json:"part"`
	}
	if err := event.DecodeProperties(&probe); err != nil {
		return true
	}

	for _, id := range []string{probe.SessionID, probe.Info.SessionID, probe.Part.SessionID} {
		if id != "" {
			return id == sessionID
		}
	}
	return true
}

func (c *Client) url(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return c.baseURL + path + sep + "directory=" + c.directory
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	credentials := base64.StdEncoding.EncodeToString([]byte("opencode:" + c.password))
	req.Header.Set("Authorization", "Basic "+credentials)
	req.Header.Set("X-OpenCode-Directory", c.directory)
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, body != nil)
	return c.http.Do(req)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding body: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, path, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

func decodeJSON(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
