//go:build !windows

package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-sh/paseo/internal/checkout"
	"github.com/paseo-sh/paseo/internal/common/config"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/internal/events/bus"
	"github.com/paseo-sh/paseo/internal/files"
	"github.com/paseo-sh/paseo/internal/terminal"
	"github.com/paseo-sh/paseo/pkg/multiplex"
)

type testHub struct {
	hub       *Hub
	server    *httptest.Server
	terminals *terminal.Service
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	terminals := terminal.NewService(config.TerminalConfig{
		DefaultCols: 80, DefaultRows: 24, ScrollbackLines: 100,
	}, eventBus, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		terminals.Close(ctx)
	})

	checkouts := checkout.NewService(config.CheckoutConfig{DebounceMs: 50, PollSeconds: 1}, eventBus, log)
	t.Cleanup(checkouts.Close)

	h, err := New(Options{
		ServerID:  "srv_test",
		Version:   "test",
		Terminals: terminals,
		Checkouts: checkouts,
		Downloads: files.NewDownloads(),
		Bus:       eventBus,
		Logger:    log,
	})
	require.NoError(t, err)
	t.Cleanup(h.Close)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", h.ServeWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testHub{hub: h, server: server, terminals: terminals}
}

func (th *testHub) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(th.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt != websocket.TextMessage {
			continue
		}
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}
}

// readJSONOfType skips frames until one with the wanted type arrives.
func readJSONOfType(t *testing.T, conn *websocket.Conn, msgType string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msg := readJSON(t, conn)
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("no %s frame before deadline", msgType)
	return nil
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// rpc sends a request and waits for its correlated response, skipping
// interleaved pushes.
func rpc(t *testing.T, conn *websocket.Conn, msg map[string]interface{}) map[string]interface{} {
	t.Helper()
	send(t, conn, msg)
	wantType := msg["type"].(string) + "_response"
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp := readJSON(t, conn)
		if resp["type"] == wantType && resp["requestId"] == msg["requestId"] {
			return resp
		}
	}
	t.Fatalf("no response for %v before deadline", msg["type"])
	return nil
}

func TestWelcomeFrame(t *testing.T) {
	th := newTestHub(t)

	conn := th.dial(t)
	welcome := readJSONOfType(t, conn, "welcome")
	assert.Equal(t, "srv_test", welcome["serverId"])
	assert.Equal(t, "test", welcome["version"])
	assert.Equal(t, false, welcome["resumed"])
	assert.NotEmpty(t, welcome["hostname"])

	second := th.dial(t)
	welcome2 := readJSONOfType(t, second, "welcome")
	assert.Equal(t, true, welcome2["resumed"])
}

func TestHeartbeatAck(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readJSONOfType(t, conn, "welcome")

	send(t, conn, map[string]interface{}{
		"type":       "heartbeat",
		"deviceType": "ios",
		"appVisible": true,
	})
	ack := readJSONOfType(t, conn, "heartbeat_ack")
	assert.NotEmpty(t, ack["serverTime"])
}

func TestUnknownTypeGetsErrorResponse(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readJSONOfType(t, conn, "welcome")

	resp := rpc(t, conn, map[string]interface{}{
		"type":      "make_coffee",
		"requestId": "r1",
	})
	assert.Contains(t, resp["error"], "unknown message type")
	assert.Equal(t, "validation", resp["errorKind"])
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readJSONOfType(t, conn, "welcome")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"no":"type"}`)))
	errMsg := readJSONOfType(t, conn, "error")
	assert.Contains(t, errMsg["message"], "missing type")

	// The connection still answers after the bad frame.
	send(t, conn, map[string]interface{}{"type": "heartbeat"})
	readJSONOfType(t, conn, "heartbeat_ack")
}

func TestExploreFilesystem(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readJSONOfType(t, conn, "welcome")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	resp := rpc(t, conn, map[string]interface{}{
		"type":      "explore_filesystem",
		"requestId": "r1",
		"path":      dir,
	})
	entries := resp["entries"].([]interface{})
	require.Len(t, entries, 2)
	first := entries[0].(map[string]interface{})
	assert.Equal(t, "sub", first["name"])
}

func TestUnsubscribeUnknownSubscription(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readJSONOfType(t, conn, "welcome")

	resp := rpc(t, conn, map[string]interface{}{
		"type":           "unsubscribe_agent",
		"requestId":      "r1",
		"subscriptionId": "nope",
	})
	assert.Equal(t, "not_found", resp["errorKind"])
}

func TestNonMultiplexBinaryRejected(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readJSONOfType(t, conn, "welcome")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad, 0xbe, 0xef}))
	errMsg := readJSONOfType(t, conn, "error")
	assert.Contains(t, errMsg["message"], "unrecognized binary frame")
}

func TestTerminalSubscribeResizeAndState(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readJSONOfType(t, conn, "welcome")

	cwd := t.TempDir()
	created := rpc(t, conn, map[string]interface{}{
		"type":      "create_terminal",
		"requestId": "r1",
		"cwd":       cwd,
	})
	info := created["terminal"].(map[string]interface{})
	terminalID := info["id"].(string)

	sub := rpc(t, conn, map[string]interface{}{
		"type":           "subscribe_terminal",
		"requestId":      "r2",
		"subscriptionId": "s1",
		"terminalId":     terminalID,
	})
	state := sub["state"].(map[string]interface{})
	streamID := uint32(state["streamId"].(float64))
	assert.Equal(t, float64(80), state["cols"])

	// Resize over the binary channel; the new dimensions come back as a
	// terminal_state push.
	frame := multiplex.Encode(&multiplex.Frame{
		Channel:     multiplex.ChannelTerminal,
		MessageType: multiplex.TerminalResize,
		StreamID:    streamID,
		Payload:     encodeResize(100, 30),
	})
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		push := readJSONOfType(t, conn, "terminal_state")
		got := push["state"].(map[string]interface{})
		if got["cols"] == float64(100) && got["rows"] == float64(30) {
			return
		}
	}
	t.Fatal("no terminal_state push with the new dimensions")
}

func TestTerminalOutputArrivesAsMultiplexFrames(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readJSONOfType(t, conn, "welcome")

	cwd := t.TempDir()
	created := rpc(t, conn, map[string]interface{}{
		"type":      "create_terminal",
		"requestId": "r1",
		"cwd":       cwd,
	})
	terminalID := created["terminal"].(map[string]interface{})["id"].(string)

	sub := rpc(t, conn, map[string]interface{}{
		"type":           "subscribe_terminal",
		"requestId":      "r2",
		"subscriptionId": "s1",
		"terminalId":     terminalID,
	})
	streamID := uint32(sub["state"].(map[string]interface{})["streamId"].(float64))

	input := multiplex.Encode(&multiplex.Frame{
		Channel:     multiplex.ChannelTerminal,
		MessageType: multiplex.TerminalInput,
		StreamID:    streamID,
		Payload:     []byte("echo paseo-hub-test\n"),
	})
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, input))

	var collected []byte
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt != websocket.BinaryMessage {
			continue
		}
		frame, err := multiplex.Decode(data)
		require.NoError(t, err)
		if frame.Channel != multiplex.ChannelTerminal || frame.MessageType != multiplex.TerminalOutputUtf8 {
			continue
		}
		assert.Equal(t, streamID, frame.StreamID)
		collected = append(collected, frame.Payload...)
		if strings.Contains(string(collected), "paseo-hub-test") {
			return
		}
	}
	t.Fatalf("echoed output never arrived; got %q", collected)
}

func TestFileDownloadOverFileChannel(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t)
	readJSONOfType(t, conn, "welcome")

	path := filepath.Join(t.TempDir(), "payload.bin")
	content := strings.Repeat("paseo", 20000) // larger than one chunk
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	resp := rpc(t, conn, map[string]interface{}{
		"type":      "request_download_token",
		"requestId": "r1",
		"path":      path,
	})
	token := resp["token"].(map[string]interface{})["token"].(string)

	begin := multiplex.Encode(&multiplex.Frame{
		Channel:     multiplex.ChannelFile,
		MessageType: multiplex.FileBegin,
		StreamID:    7,
		Payload:     []byte(token),
	})
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, begin))

	var got []byte
	sawBegin := false
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt != websocket.BinaryMessage {
			continue
		}
		frame, err := multiplex.Decode(data)
		require.NoError(t, err)
		if frame.Channel != multiplex.ChannelFile {
			continue
		}
		require.Equal(t, uint32(7), frame.StreamID)
		switch frame.MessageType {
		case multiplex.FileBegin:
			sawBegin = true
			var meta fileBeginPayload
			require.NoError(t, json.Unmarshal(frame.Payload, &meta))
			assert.Equal(t, int64(len(content)), meta.Size)
		case multiplex.FileChunk:
			require.Equal(t, uint64(len(got)), frame.Offset)
			got = append(got, frame.Payload...)
		case multiplex.FileEnd:
			assert.True(t, sawBegin)
			assert.Equal(t, content, string(got))
			assert.Equal(t, uint64(len(content)), frame.Offset)
			return
		}
	}
	t.Fatal("file transfer did not complete")
}

func TestOutboxCollapsesReplaceableSnapshots(t *testing.T) {
	c := newClient("c1", nil, nil, logger.Default())

	c.enqueue(outMessage{data: []byte("first")})
	c.enqueue(outMessage{key: "snap", data: []byte("v1")})
	c.enqueue(outMessage{data: []byte("second")})
	c.enqueue(outMessage{key: "snap", data: []byte("v2")})

	queued := c.drain()
	require.Len(t, queued, 3)
	assert.Equal(t, "first", string(queued[0].data))
	assert.Equal(t, "v2", string(queued[1].data))
	assert.Equal(t, "second", string(queued[2].data))
}

func TestOutboxShedsDroppableWhenSaturated(t *testing.T) {
	c := newClient("c1", nil, nil, logger.Default())

	for i := 0; i < outboxHighWater; i++ {
		c.enqueue(outMessage{data: []byte("x")})
	}
	c.enqueue(outMessage{binary: true, droppable: true, data: []byte("shed")})
	c.enqueue(outMessage{data: []byte("kept")})

	queued := c.drain()
	require.Len(t, queued, outboxHighWater+1)
	assert.Equal(t, "kept", string(queued[len(queued)-1].data))
}

func TestOutboxRejectsAfterClose(t *testing.T) {
	c := newClient("c1", nil, nil, logger.Default())
	c.closeOutbox()
	c.enqueue(outMessage{data: []byte("late")})
	assert.Empty(t, c.drain())
}

func TestSubscriptionReplacedOnSameID(t *testing.T) {
	c := newClient("c1", nil, nil, logger.Default())

	closed := 0
	c.addSubscription(&subscription{id: "s1", teardown: []func(){func() { closed++ }}})
	c.addSubscription(&subscription{id: "s1", teardown: []func(){func() { closed++ }}})
	assert.Equal(t, 1, closed, "replacing a subscription tears the old one down")

	require.NoError(t, c.removeSubscription("s1"))
	assert.Equal(t, 2, closed)
	assert.ErrorContains(t, c.removeSubscription("s1"), "unknown subscription")
}
