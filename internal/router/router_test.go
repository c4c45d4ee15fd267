package router

import (
	"encoding/base64"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/codec"
	"conduit/internal/crypto"
	"conduit/internal/protocol"
)

func signedRegister(t *testing.T, s *Server, clientID string) protocol.ClientRegister {
	t.Helper()
	pair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	challenge, err := crypto.RandomBytes(32)
	require.NoError(t, err)
	ts := time.Now().UTC()

	pub := pair.PublicKey()
	verifyData := make([]byte, 0, len(challenge)+len(clientID)+len(pub)+8)
	verifyData = append(verifyData, challenge...)
	verifyData = append(verifyData, []byte(clientID)...)
	verifyData = append(verifyData, pub...)
	tsBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBytes, uint64(ts.Unix()))
	verifyData = append(verifyData, tsBytes...)

	sig := pair.Sign(verifyData)

	s.AuthorizeClient(clientID, pub)

	return protocol.ClientRegister{
		ClientID:  clientID,
		Challenge: base64.StdEncoding.EncodeToString(challenge),
		Signature: base64.StdEncoding.EncodeToString(sig),
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Timestamp: ts,
	}
}

func TestHandleClientRegisterAcceptsAuthorizedClient(t *testing.T) {
	s := New(DefaultConfig)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	reg := signedRegister(t, s, "client-1")
	req, err := protocol.New(protocol.TypeClientRegister, reg)
	require.NoError(t, err)

	go func() {
		sessionID := s.handleClientRegister(server, req, "127.0.0.1:1234")
		assert.NotEmpty(t, sessionID)
	}()

	c := codec.New(codec.DefaultMaxMessageSize)
	resp, err := c.ReadMessage(client)
	require.NoError(t, err)

	var payload protocol.ClientRegisterResponse
	require.NoError(t, resp.DecodePayload(&payload))
	assert.True(t, payload.Success)
	assert.NotEmpty(t, payload.SessionID)
}

func TestHandleClientRegisterRejectsUnauthorizedClient(t *testing.T) {
	s := New(DefaultConfig)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	pair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	reg := protocol.ClientRegister{
		ClientID:  "unknown",
		Challenge: base64.StdEncoding.EncodeToString([]byte("01234567890123456789012345678901")),
		Signature: base64.StdEncoding.EncodeToString(pair.Sign([]byte("garbage"))),
		PublicKey: base64.StdEncoding.EncodeToString(pair.PublicKey()),
		Timestamp: time.Now().UTC(),
	}
	req, err := protocol.New(protocol.TypeClientRegister, reg)
	require.NoError(t, err)

	go s.handleClientRegister(server, req, "127.0.0.1:1234")

	c := codec.New(codec.DefaultMaxMessageSize)
	resp, err := c.ReadMessage(client)
	require.NoError(t, err)

	var payload protocol.ClientRegisterResponse
	require.NoError(t, resp.DecodePayload(&payload))
	assert.False(t, payload.Success)
}

func TestHandleTunnelCreateRejectsUDP(t *testing.T) {
	s := New(DefaultConfig)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	reg := signedRegister(t, s, "client-2")
	regMsg, err := protocol.New(protocol.TypeClientRegister, reg)
	require.NoError(t, err)

	var sessionID string
	done := make(chan struct{})
	go func() {
		sessionID = s.handleClientRegister(server, regMsg, "127.0.0.1:1")
		close(done)
	}()
	c := codec.New(codec.DefaultMaxMessageSize)
	_, err = c.ReadMessage(client)
	require.NoError(t, err)
	<-done

	createMsg, err := protocol.New(protocol.TypeTunnelCreate, protocol.TunnelCreate{
		TunnelID: "t1",
		Protocol: "udp",
	})
	require.NoError(t, err)

	go s.handleTunnelCreate(server, createMsg, sessionID)
	resp, err := c.ReadMessage(client)
	require.NoError(t, err)

	var payload protocol.TunnelCreateResponse
	require.NoError(t, resp.DecodePayload(&payload))
	assert.False(t, payload.Success)
}

func TestHandleTunnelCreateAcceptsTCP(t *testing.T) {
	s := New(DefaultConfig)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	reg := signedRegister(t, s, "client-3")
	regMsg, err := protocol.New(protocol.TypeClientRegister, reg)
	require.NoError(t, err)

	var sessionID string
	done := make(chan struct{})
	go func() {
		sessionID = s.handleClientRegister(server, regMsg, "127.0.0.1:1")
		close(done)
	}()
	c := codec.New(codec.DefaultMaxMessageSize)
	_, err = c.ReadMessage(client)
	require.NoError(t, err)
	<-done

	createMsg, err := protocol.New(protocol.TypeTunnelCreate, protocol.TunnelCreate{
		TunnelID: "t2",
		Protocol: "tcp",
	})
	require.NoError(t, err)

	go s.handleTunnelCreate(server, createMsg, sessionID)
	resp, err := c.ReadMessage(client)
	require.NoError(t, err)

	var payload protocol.TunnelCreateResponse
	require.NoError(t, resp.DecodePayload(&payload))
	assert.True(t, payload.Success)
	assert.Equal(t, "t2", payload.TunnelID)
}

func TestHandleHeartbeatRequiresSession(t *testing.T) {
	s := New(DefaultConfig)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	hbMsg, err := protocol.New(protocol.TypeHeartbeat, protocol.Heartbeat{ClientID: "client-4"})
	require.NoError(t, err)

	go s.handleHeartbeat(server, hbMsg, "")
	c := codec.New(codec.DefaultMaxMessageSize)
	resp, err := c.ReadMessage(client)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, resp.MessageType)
}

func TestHandleHeartbeatAcceptsValidSession(t *testing.T) {
	s := New(DefaultConfig)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	reg := signedRegister(t, s, "client-5")
	regMsg, err := protocol.New(protocol.TypeClientRegister, reg)
	require.NoError(t, err)

	var sessionID string
	done := make(chan struct{})
	go func() {
		sessionID = s.handleClientRegister(server, regMsg, "127.0.0.1:1")
		close(done)
	}()
	c := codec.New(codec.DefaultMaxMessageSize)
	_, err = c.ReadMessage(client)
	require.NoError(t, err)
	<-done

	hbMsg, err := protocol.New(protocol.TypeHeartbeat, protocol.Heartbeat{ClientID: "client-5"})
	require.NoError(t, err)

	go s.handleHeartbeat(server, hbMsg, sessionID)
	resp, err := c.ReadMessage(client)
	require.NoError(t, err)

	var payload protocol.HeartbeatResponse
	require.NoError(t, resp.DecodePayload(&payload))
	assert.False(t, payload.ServerTime.IsZero())
}
