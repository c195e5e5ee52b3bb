// Package multiplex implements the binary framing that carries terminal
// I/O and file transfers over the session WebSocket. Each frame is a
// 24-byte big-endian header followed by the payload; the 2-byte "PX"
// magic lets the hub distinguish multiplexed frames from other binary
// traffic by peeking the first bytes.
package multiplex

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed frame header length in bytes.
const HeaderSize = 24

// Version is the only protocol version this host speaks.
const Version = 1

// Magic is the 2-byte frame prefix.
var Magic = [2]byte{'P', 'X'}

// Channel selects the subsystem a frame belongs to.
type Channel uint8

const (
	ChannelControl  Channel = 0
	ChannelTerminal Channel = 1
	ChannelFile     Channel = 2
)

// Terminal channel message types.
const (
	TerminalOutputUtf8 uint8 = 1
	TerminalInput      uint8 = 2
	TerminalResize     uint8 = 3
	TerminalAck        uint8 = 4
)

// File channel message types.
const (
	FileBegin uint8 = 1
	FileChunk uint8 = 2
	FileEnd   uint8 = 3
	FileAck   uint8 = 4
)

var (
	ErrShortFrame     = errors.New("multiplex: frame shorter than header")
	ErrBadMagic       = errors.New("multiplex: bad magic")
	ErrBadVersion     = errors.New("multiplex: unsupported version")
	ErrLengthMismatch = errors.New("multiplex: payload length mismatch")
)

// Frame is one decoded multiplex frame.
type Frame struct {
	Channel     Channel
	MessageType uint8
	Flags       uint8
	StreamID    uint32
	Offset      uint64
	Payload     []byte
}

// IsMultiplexed reports whether a binary WebSocket message should be
// routed into the multiplex decoder. It peeks the magic and version so a
// short or foreign frame is cheaply rejected before a full decode.
func IsMultiplexed(data []byte) bool {
	return len(data) >= 3 && data[0] == Magic[0] && data[1] == Magic[1] && data[2] == Version
}

// Encode serializes the frame. The header's payloadLen field is derived
// from len(f.Payload).
func Encode(f *Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = Magic[0]
	buf[1] = Magic[1]
	buf[2] = Version
	buf[3] = byte(f.Channel)
	buf[4] = f.MessageType
	buf[5] = f.Flags
	// buf[6:8] reserved, zero
	binary.BigEndian.PutUint32(buf[8:12], f.StreamID)
	binary.BigEndian.PutUint64(buf[12:20], f.Offset)
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode parses a complete frame. The payload slice aliases data; callers
// that retain it past the WebSocket read must copy.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, ErrShortFrame
	}
	if data[0] != Magic[0] || data[1] != Magic[1] {
		return nil, ErrBadMagic
	}
	if data[2] != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, data[2])
	}
	payloadLen := binary.BigEndian.Uint32(data[20:24])
	if int(payloadLen) != len(data)-HeaderSize {
		return nil, fmt.Errorf("%w: header says %d, frame carries %d",
			ErrLengthMismatch, payloadLen, len(data)-HeaderSize)
	}
	return &Frame{
		Channel:     Channel(data[3]),
		MessageType: data[4],
		Flags:       data[5],
		StreamID:    binary.BigEndian.Uint32(data[8:12]),
		Offset:      binary.BigEndian.Uint64(data[12:20]),
		Payload:     data[HeaderSize:],
	}, nil
}
