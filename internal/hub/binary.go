package hub

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/pkg/multiplex"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// fileChunkSize bounds one file transfer frame's payload.
const fileChunkSize = 32 * 1024

// handleBinary routes one binary WebSocket frame. Frames without the PX
// magic are rejected with a JSON error; the connection stays up.
func (c *Client) handleBinary(ctx context.Context, data []byte) {
	if !multiplex.IsMultiplexed(data) {
		c.sendJSON("", map[string]interface{}{
			"type":    protocol.TypeError,
			"message": "unrecognized binary frame",
		})
		return
	}
	frame, err := multiplex.Decode(data)
	if err != nil {
		c.sendJSON("", map[string]interface{}{
			"type":    protocol.TypeError,
			"message": err.Error(),
		})
		return
	}

	switch frame.Channel {
	case multiplex.ChannelTerminal:
		c.handleTerminalFrame(frame)
	case multiplex.ChannelFile:
		c.handleFileFrame(ctx, frame)
	default:
		c.log.Debug("frame on unknown channel", zap.Uint8("channel", uint8(frame.Channel)))
	}
}

// handleTerminalFrame routes input, resize, and ack frames to the
// session bound to the stream id. Frames for streams this client never
// subscribed are dropped.
func (c *Client) handleTerminalFrame(frame *multiplex.Frame) {
	c.mu.Lock()
	sess := c.streams[frame.StreamID]
	c.mu.Unlock()
	if sess == nil {
		c.log.Debug("terminal frame for unbound stream", zap.Uint32("stream_id", frame.StreamID))
		return
	}

	switch frame.MessageType {
	case multiplex.TerminalInput:
		if err := sess.Input(frame.Payload); err != nil {
			c.log.Debug("terminal input rejected", zap.Error(err))
		}
	case multiplex.TerminalResize:
		cols, rows, ok := decodeResize(frame.Payload)
		if !ok {
			return
		}
		if err := sess.Resize(cols, rows); err != nil {
			c.log.Debug("terminal resize rejected", zap.Error(err))
		}
	case multiplex.TerminalAck:
		// Flow-control acknowledgment; the outbox sheds on its own.
	}
}

// decodeResize parses the 4-byte resize payload: u16 cols, u16 rows,
// big endian.
func decodeResize(payload []byte) (cols, rows int, ok bool) {
	if len(payload) < 4 {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint16(payload[0:2])), int(binary.BigEndian.Uint16(payload[2:4])), true
}

// encodeResize builds the resize payload; the inverse of decodeResize.
func encodeResize(cols, rows int) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], uint16(cols))
	binary.BigEndian.PutUint16(payload[2:4], uint16(rows))
	return payload
}

// fileBeginPayload is the metadata frame opening a file transfer.
type fileBeginPayload struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// handleFileFrame serves a file download. The client redeems a download
// token with a Begin frame carrying the token as payload; the host
// answers on the same stream id with Begin (metadata), Chunk frames at
// increasing offsets, and a final End at the file size.
func (c *Client) handleFileFrame(ctx context.Context, frame *multiplex.Frame) {
	if frame.MessageType != multiplex.FileBegin {
		return
	}
	token := string(frame.Payload)
	f, size, err := c.hub.downloads.Open(token)
	if err != nil {
		c.sendJSON("", map[string]interface{}{
			"type":    protocol.TypeError,
			"message": err.Error(),
		})
		return
	}
	go c.streamFile(frame.StreamID, f, size)
}

func (c *Client) streamFile(streamID uint32, f *os.File, size int64) {
	defer f.Close()

	meta, _ := json.Marshal(fileBeginPayload{Path: f.Name(), Size: size})
	c.sendBinary(multiplex.Encode(&multiplex.Frame{
		Channel:     multiplex.ChannelFile,
		MessageType: multiplex.FileBegin,
		StreamID:    streamID,
		Payload:     meta,
	}), false)

	buf := make([]byte, fileChunkSize)
	var offset uint64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.sendBinary(multiplex.Encode(&multiplex.Frame{
				Channel:     multiplex.ChannelFile,
				MessageType: multiplex.FileChunk,
				StreamID:    streamID,
				Offset:      offset,
				Payload:     chunk,
			}), false)
			offset += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			c.log.Warn("file transfer read failed", zap.String("path", f.Name()), zap.Error(err))
			break
		}
	}

	c.sendBinary(multiplex.Encode(&multiplex.Frame{
		Channel:     multiplex.ChannelFile,
		MessageType: multiplex.FileEnd,
		StreamID:    streamID,
		Offset:      offset,
	}), false)
}
