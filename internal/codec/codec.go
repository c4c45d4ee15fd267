// Package codec implements the wire framing for Conduit's control channel:
// a 4-byte big-endian length prefix followed by a JSON-encoded
// protocol.Message, mirroring the teacher's internal/tunnel/handshake.go
// framing and original_source/src/protocol/codec.rs's size-cap and
// partial-buffer semantics.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"conduit/internal/errs"
	"conduit/internal/protocol"
)

// DefaultMaxMessageSize matches the teacher's handshake and the original's
// max_message_size default: 1 MiB.
const DefaultMaxMessageSize = 1024 * 1024

const lengthPrefixSize = 4

// Codec encodes and decodes protocol.Message frames under a size cap.
type Codec struct {
	maxMessageSize uint32
}

// New builds a Codec enforcing maxMessageSize on both encode and decode.
func New(maxMessageSize uint32) *Codec {
	return &Codec{maxMessageSize: maxMessageSize}
}

// Encode serializes msg to length-prefixed JSON. A message above the size
// cap is rejected before any bytes are produced.
func (c *Codec) Encode(msg *protocol.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, "failed to marshal message", err)
	}
	if uint32(len(data)) > c.maxMessageSize {
		return nil, errs.New(errs.KindProtocol, fmt.Sprintf("message too large: %d bytes (max %d)", len(data), c.maxMessageSize))
	}

	out := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(len(data)))
	copy(out[lengthPrefixSize:], data)
	return out, nil
}

// Decode parses a single length-prefixed frame that has already been split
// out of a stream (e.g. by Extract).
func (c *Codec) Decode(data []byte) (*protocol.Message, error) {
	if len(data) < lengthPrefixSize {
		return nil, errs.New(errs.KindProtocol, fmt.Sprintf("invalid frame length: %d bytes", len(data)))
	}
	length := binary.BigEndian.Uint32(data[:lengthPrefixSize])
	if length > c.maxMessageSize {
		return nil, errs.New(errs.KindProtocol, fmt.Sprintf("message too large: %d bytes (max %d)", length, c.maxMessageSize))
	}
	expected := lengthPrefixSize + int(length)
	if len(data) < expected {
		return nil, errs.New(errs.KindProtocol, fmt.Sprintf("truncated frame: have %d bytes, want %d", len(data), expected))
	}

	var msg protocol.Message
	if err := json.Unmarshal(data[lengthPrefixSize:expected], &msg); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, "failed to unmarshal message", err)
	}
	return &msg, nil
}

// WriteMessage encodes msg and writes the full frame to w.
func (c *Codec) WriteMessage(w io.Writer, msg *protocol.Message) error {
	frame, err := c.Encode(msg)
	if err != nil {
		return err
	}
	n, err := w.Write(frame)
	if err != nil {
		return errs.Wrap(errs.KindNetwork, "failed to write frame", err)
	}
	if n != len(frame) {
		return errs.New(errs.KindNetwork, fmt.Sprintf("incomplete write: wrote %d/%d bytes", n, len(frame)))
	}
	return nil
}

// ReadMessage reads a single length-prefixed frame from r and decodes it.
// io.EOF is returned unwrapped so callers can distinguish a clean close
// from a protocol error, matching the original's ConnectionClosed case.
func (c *Codec) ReadMessage(r io.Reader) (*protocol.Message, error) {
	lengthBytes := make([]byte, lengthPrefixSize)
	if _, err := io.ReadFull(r, lengthBytes); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, errs.Wrap(errs.KindNetwork, "failed to read frame length", err)
	}

	length := binary.BigEndian.Uint32(lengthBytes)
	if length > c.maxMessageSize {
		return nil, errs.New(errs.KindProtocol, fmt.Sprintf("message too large: %d bytes (max %d)", length, c.maxMessageSize))
	}
	if length == 0 {
		return nil, errs.New(errs.KindProtocol, "invalid message length: 0")
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, errs.Wrap(errs.KindNetwork, "failed to read frame payload", err)
	}

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, "failed to unmarshal message", err)
	}
	return &msg, nil
}

// Extract pulls one complete frame off the front of buf, for stream
// buffering use cases where reads don't align with frame boundaries. It
// returns (nil, buf, false, nil) when buf doesn't yet hold a full frame, and
// never mutates buf on a partial read — the caller re-slices once more
// data has been appended.
func (c *Codec) Extract(buf []byte) (msg *protocol.Message, rest []byte, ok bool, err error) {
	if len(buf) < lengthPrefixSize {
		return nil, buf, false, nil
	}
	length := binary.BigEndian.Uint32(buf[:lengthPrefixSize])
	if length > c.maxMessageSize {
		return nil, buf, false, errs.New(errs.KindProtocol, fmt.Sprintf("message too large: %d bytes (max %d)", length, c.maxMessageSize))
	}
	total := lengthPrefixSize + int(length)
	if len(buf) < total {
		return nil, buf, false, nil
	}

	var m protocol.Message
	if err := json.Unmarshal(buf[lengthPrefixSize:total], &m); err != nil {
		return nil, buf, false, errs.Wrap(errs.KindProtocol, "failed to unmarshal message", err)
	}
	return &m, buf[total:], true, nil
}
