package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/protocol"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := New(DefaultMaxMessageSize)
	msg, err := protocol.New(protocol.TypeHeartbeat, protocol.Heartbeat{
		ClientID:    "client-1",
		MemoryUsage: 1048576,
	})
	require.NoError(t, err)

	frame, err := c.Encode(msg)
	require.NoError(t, err)

	decoded, err := c.Decode(frame)
	require.NoError(t, err)

	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.MessageType, decoded.MessageType)

	var hb protocol.Heartbeat
	require.NoError(t, decoded.DecodePayload(&hb))
	assert.EqualValues(t, 1048576, hb.MemoryUsage)
}

func TestEncodeRejectsOversizedMessage(t *testing.T) {
	c := New(100)
	msg, err := protocol.New(protocol.TypeHeartbeat, protocol.Heartbeat{
		ClientID: "a-very-long-client-id-that-pushes-this-frame-over-the-cap-xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx",
	})
	require.NoError(t, err)

	_, err = c.Encode(msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestReadMessageReturnsEOFOnCleanClose(t *testing.T) {
	c := New(DefaultMaxMessageSize)
	r := bytes.NewReader(nil)
	_, err := c.ReadMessage(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestExtractDoesNotAdvanceOnPartialFrame(t *testing.T) {
	c := New(DefaultMaxMessageSize)
	msg, err := protocol.New(protocol.TypeHeartbeat, protocol.Heartbeat{ClientID: "c"})
	require.NoError(t, err)
	frame, err := c.Encode(msg)
	require.NoError(t, err)

	partial := frame[:len(frame)-1]
	decoded, rest, ok, err := c.Extract(partial)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, decoded)
	assert.Equal(t, partial, rest)

	decoded, rest, ok, err = c.Extract(frame)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, decoded)
	assert.Empty(t, rest)
}

func TestWriteReadMessageOverPipe(t *testing.T) {
	c := New(DefaultMaxMessageSize)
	var buf bytes.Buffer

	msg, err := protocol.New(protocol.TypeTunnelCreate, protocol.TunnelCreate{
		TunnelID: "t-1",
		Config:   protocol.DefaultTunnelConfig,
	})
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(&buf, msg))

	got, err := c.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeTunnelCreate, got.MessageType)
}
