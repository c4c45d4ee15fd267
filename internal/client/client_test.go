package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/codec"
	"conduit/internal/crypto"
	"conduit/internal/protocol"
)

type recordingHandler struct {
	received []*protocol.Message
}

func (r *recordingHandler) HandleMessage(msg *protocol.Message) {
	r.received = append(r.received, msg)
}

// newConnectedHandler wires a Handler directly onto one end of a net.Pipe,
// bypassing Connect's TLS dial so the request/response plumbing can be
// exercised without a real listener.
func newConnectedHandler(t *testing.T, h *Handler) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	h.conn = client
	h.state = StateConnected
	go h.readLoop()
	t.Cleanup(func() { client.Close(); server.Close() })
	return server
}

func TestSendMessageCorrelatesResponseByID(t *testing.T) {
	handler := &recordingHandler{}
	h := New(DefaultConfig, nil, nil, handler)
	server := newConnectedHandler(t, h)

	c := codec.New(codec.DefaultMaxMessageSize)
	go func() {
		req, err := c.ReadMessage(server)
		require.NoError(t, err)
		resp := &protocol.Message{
			ID:          req.ID,
			Version:     protocol.CurrentVersion,
			Timestamp:   time.Now().UTC(),
			MessageType: protocol.TypeHeartbeatResponse,
		}
		raw, _ := protocol.New(protocol.TypeHeartbeatResponse, protocol.HeartbeatResponse{ServerTime: time.Now().UTC()})
		resp.Payload = raw.Payload
		require.NoError(t, c.WriteMessage(server, resp))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := h.SendMessage(ctx, protocol.TypeHeartbeat, protocol.Heartbeat{ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeHeartbeatResponse, resp.MessageType)
}

func TestSendMessageTimesOut(t *testing.T) {
	handler := &recordingHandler{}
	cfg := DefaultConfig
	cfg.MessageTimeout = 50 * time.Millisecond
	h := New(cfg, nil, nil, handler)
	_ = newConnectedHandler(t, h)

	ctx := context.Background()
	_, err := h.SendMessage(ctx, protocol.TypeHeartbeat, protocol.Heartbeat{ClientID: "c1"})
	require.Error(t, err)
}

func TestAuthenticateSignsChallengeAndTransitionsState(t *testing.T) {
	pair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	handler := &recordingHandler{}
	h := New(DefaultConfig, nil, pair, handler)
	server := newConnectedHandler(t, h)

	c := codec.New(codec.DefaultMaxMessageSize)
	go func() {
		req, err := c.ReadMessage(server)
		require.NoError(t, err)
		var reg protocol.ClientRegister
		require.NoError(t, req.DecodePayload(&reg))
		assert.Equal(t, "client-1", reg.ClientID)

		resp := &protocol.Message{ID: req.ID, Version: protocol.CurrentVersion, Timestamp: time.Now().UTC(), MessageType: protocol.TypeClientRegisterResponse}
		payload, _ := protocol.New(protocol.TypeClientRegisterResponse, protocol.ClientRegisterResponse{Success: true, SessionID: "sess-1"})
		resp.Payload = payload.Payload
		require.NoError(t, c.WriteMessage(server, resp))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sessionID, err := h.Authenticate(ctx, "client-1", "test-client", "1.0.0", []string{"tcp"})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sessionID)
	assert.Equal(t, StateAuthenticated, h.State())
}
