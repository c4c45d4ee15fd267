// Package client implements the client-side protocol handler: dialing and
// authenticating with a Router, correlated request/response messaging, a
// read loop dispatching unsolicited events, and a heartbeat loop
// (spec.md C6; original_source/src/protocol/handler.rs).
package client

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"conduit/internal/codec"
	"conduit/internal/crypto"
	"conduit/internal/errs"
	"conduit/internal/logging"
	"conduit/internal/protocol"
)

// State is the connection lifecycle state (spec.md §4.2).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config controls handshake timeouts, retry behavior, and framing limits.
type Config struct {
	ConnectTimeout    time.Duration
	MessageTimeout    time.Duration
	HeartbeatInterval time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	MaxMessageSize    uint32
}

// DefaultConfig matches the original's ProtocolHandlerConfig defaults.
var DefaultConfig = Config{
	ConnectTimeout:    30 * time.Second,
	MessageTimeout:    30 * time.Second,
	HeartbeatInterval: 60 * time.Second,
	MaxRetries:        3,
	RetryDelay:        time.Second,
	MaxMessageSize:    codec.DefaultMaxMessageSize,
}

// EventHandler receives application events the Handler's read loop
// doesn't itself correlate to a pending request (TunnelData, Error,
// Disconnect, and any other non-response message type).
type EventHandler interface {
	HandleMessage(msg *protocol.Message)
}

// Handler owns one connection to a Router: its TLS dial, authentication,
// correlated request/response traffic, and background heartbeat.
type Handler struct {
	cfg       Config
	codec     *codec.Codec
	tlsConfig *tls.Config
	keyPair   *crypto.KeyPair
	handler   EventHandler

	mu    sync.RWMutex
	state State
	conn  net.Conn

	pendingMu sync.Mutex
	pending   map[uuid.UUID]chan *protocol.Message

	shutdown  chan struct{}
	closeOnce sync.Once
}

// New builds a Handler that will dial under tlsConfig, authenticate with
// keyPair, and deliver unsolicited messages to handler.
func New(cfg Config, tlsConfig *tls.Config, keyPair *crypto.KeyPair, handler EventHandler) *Handler {
	return &Handler{
		cfg:       cfg,
		codec:     codec.New(cfg.MaxMessageSize),
		tlsConfig: tlsConfig,
		keyPair:   keyPair,
		handler:   handler,
		state:     StateDisconnected,
		pending:   make(map[uuid.UUID]chan *protocol.Message),
		shutdown:  make(chan struct{}),
	}
}

// State returns the handler's current connection state.
func (h *Handler) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Handler) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Connect dials routerAddr, retrying up to cfg.MaxRetries times with a
// linearly increasing backoff, matching the original's retry loop. On
// success it starts the background read loop and returns nil.
func (h *Handler) Connect(ctx context.Context, routerAddr string) error {
	h.setState(StateConnecting)

	var lastErr error
	for attempt := 1; attempt <= h.cfg.MaxRetries; attempt++ {
		conn, err := h.tryConnect(ctx, routerAddr)
		if err == nil {
			h.mu.Lock()
			h.conn = conn
			h.state = StateConnected
			h.mu.Unlock()
			go h.readLoop()
			logging.GetGlobalLogger().Info("client: connected to %s on attempt %d", routerAddr, attempt)
			return nil
		}
		lastErr = err
		logging.GetGlobalLogger().Warn("client: connect attempt %d/%d to %s failed: %v", attempt, h.cfg.MaxRetries, routerAddr, err)
		if attempt < h.cfg.MaxRetries {
			select {
			case <-time.After(h.cfg.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				h.setState(StateError)
				return ctx.Err()
			}
		}
	}

	h.setState(StateError)
	return errs.Wrap(errs.KindNetwork, fmt.Sprintf("failed to connect to %s after %d attempts", routerAddr, h.cfg.MaxRetries), lastErr)
}

func (h *Handler) tryConnect(ctx context.Context, routerAddr string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, h.cfg.ConnectTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(dialCtx, "tcp", routerAddr)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "tcp dial failed", err)
	}

	tlsConn := tls.Client(rawConn, h.tlsConfig)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		rawConn.Close()
		return nil, errs.Wrap(errs.KindNetwork, "tls handshake failed", err)
	}
	return tlsConn, nil
}

// SendMessage writes msgType/payload as a new request, registers it for
// correlation, and blocks until a response with the same message ID
// arrives or cfg.MessageTimeout elapses.
func (h *Handler) SendMessage(ctx context.Context, msgType protocol.Type, payload interface{}) (*protocol.Message, error) {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, "failed to build message", err)
	}

	ch := make(chan *protocol.Message, 1)
	h.pendingMu.Lock()
	h.pending[msg.ID] = ch
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, msg.ID)
		h.pendingMu.Unlock()
	}()

	h.mu.RLock()
	conn := h.conn
	h.mu.RUnlock()
	if conn == nil {
		return nil, errs.New(errs.KindNetwork, "not connected")
	}
	if err := h.codec.WriteMessage(conn, msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(h.cfg.MessageTimeout):
		return nil, errs.New(errs.KindNetwork, "timed out waiting for response")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.shutdown:
		return nil, errs.Cancelled
	}
}

// SendAsync writes msgType/payload without waiting for a response, used
// for fire-and-forget traffic like Heartbeat.
func (h *Handler) SendAsync(msgType protocol.Type, payload interface{}) error {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		return errs.Wrap(errs.KindProtocol, "failed to build message", err)
	}
	h.mu.RLock()
	conn := h.conn
	h.mu.RUnlock()
	if conn == nil {
		return errs.New(errs.KindNetwork, "not connected")
	}
	return h.codec.WriteMessage(conn, msg)
}

// readLoop continuously decodes frames from the connection, routing
// response-typed messages to their pending waiter and everything else to
// the EventHandler. A clean close transitions to Disconnected; any other
// error transitions to Error.
func (h *Handler) readLoop() {
	h.mu.RLock()
	conn := h.conn
	h.mu.RUnlock()

	for {
		msg, err := h.codec.ReadMessage(conn)
		if err != nil {
			if err == io.EOF {
				h.setState(StateDisconnected)
			} else {
				h.setState(StateError)
			}
			logging.GetGlobalLogger().Info("client: read loop exiting: %v", err)
			return
		}

		if msg.MessageType.IsResponse() {
			h.pendingMu.Lock()
			ch, ok := h.pending[msg.ID]
			h.pendingMu.Unlock()
			if ok {
				select {
				case ch <- msg:
				default:
				}
			}
			continue
		}

		if h.handler != nil {
			h.handler.HandleMessage(msg)
		}
	}
}

// StartHeartbeatLoop sends a Heartbeat every cfg.HeartbeatInterval while
// the state remains Connected or Authenticated, stopping otherwise or when
// ctx is cancelled (spec.md §4.2).
func (h *Handler) StartHeartbeatLoop(ctx context.Context, clientID string, snapshot func() Heartbeat) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		case <-ticker.C:
			switch h.State() {
			case StateConnected, StateAuthenticated:
			default:
				return
			}
			hb := snapshot()
			hb.ClientID = clientID
			if err := h.SendAsync(protocol.TypeHeartbeat, toProtocolHeartbeat(hb)); err != nil {
				logging.GetGlobalLogger().Warn("client: heartbeat send failed: %v", err)
			}
		}
	}
}

// Heartbeat is the client-local snapshot fed into StartHeartbeatLoop; it
// mirrors protocol.Heartbeat but keeps this package's public surface free
// of a direct dependency on the caller re-building envelope fields.
type Heartbeat struct {
	ClientID          string
	ActiveTunnels     int
	ActiveConnections int
	CPUUsage          float64
	MemoryUsage       uint64
}

func toProtocolHeartbeat(hb Heartbeat) protocol.Heartbeat {
	return protocol.Heartbeat{
		ClientID:          hb.ClientID,
		ActiveTunnels:     hb.ActiveTunnels,
		ActiveConnections: hb.ActiveConnections,
		CPUUsage:          hb.CPUUsage,
		MemoryUsage:       hb.MemoryUsage,
	}
}

// Authenticate sends a ClientRegister signed with h.keyPair's own
// self-issued challenge and the current timestamp, then waits for
// ClientRegisterResponse. Success transitions state to Authenticated;
// failure (explicit or wrong payload type) is fatal to the session and
// sets state to Error.
func (h *Handler) Authenticate(ctx context.Context, clientID, clientName, clientVersion string, capabilities []string) (string, error) {
	challenge, err := crypto.RandomBytes(32)
	if err != nil {
		return "", errs.Wrap(errs.KindAuth, "failed to generate challenge", err)
	}
	timestamp := time.Now().UTC()

	verifyData := make([]byte, 0, len(challenge)+len(clientID)+len(h.keyPair.PublicKey())+8)
	verifyData = append(verifyData, challenge...)
	verifyData = append(verifyData, []byte(clientID)...)
	verifyData = append(verifyData, h.keyPair.PublicKey()...)
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(timestamp.Unix()))
	verifyData = append(verifyData, tsBytes[:]...)

	signature := h.keyPair.Sign(verifyData)

	reg := protocol.ClientRegister{
		ClientID:      clientID,
		ClientName:    clientName,
		PublicKey:     h.keyPair.PublicKeyBase64(),
		Signature:     base64.StdEncoding.EncodeToString(signature),
		Challenge:     base64.StdEncoding.EncodeToString(challenge),
		Timestamp:     timestamp,
		ClientVersion: clientVersion,
		Capabilities:  capabilities,
	}

	resp, err := h.SendMessage(ctx, protocol.TypeClientRegister, reg)
	if err != nil {
		h.setState(StateError)
		return "", err
	}
	if resp.MessageType != protocol.TypeClientRegisterResponse {
		h.setState(StateError)
		return "", errs.New(errs.KindProtocol, "unexpected response type to ClientRegister")
	}

	var regResp protocol.ClientRegisterResponse
	if err := resp.DecodePayload(&regResp); err != nil {
		h.setState(StateError)
		return "", errs.Wrap(errs.KindProtocol, "failed to decode ClientRegisterResponse", err)
	}
	if !regResp.Success {
		h.setState(StateError)
		return "", errs.New(errs.KindAuth, regResp.ErrorMessage)
	}

	h.setState(StateAuthenticated)
	return regResp.SessionID, nil
}

// Disconnect transitions to Disconnected, closes the connection, and
// unblocks every pending SendMessage waiter with errs.Cancelled.
func (h *Handler) Disconnect() error {
	h.closeOnce.Do(func() { close(h.shutdown) })
	h.setState(StateDisconnected)

	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	// Pending SendMessage calls unblock via the shutdown channel select
	// case above, not by closing their response channels (closing would
	// deliver a misleading nil *protocol.Message instead of an error).
	h.pendingMu.Lock()
	h.pending = make(map[uuid.UUID]chan *protocol.Message)
	h.pendingMu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
