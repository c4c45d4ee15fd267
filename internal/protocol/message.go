// Package protocol defines the wire message envelope and its tagged
// payload union (spec.md C5; original_source/src/protocol/messages.rs).
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies the variant carried in a Message's Payload.
type Type string

const (
	// Client -> Router
	TypeClientRegister Type = "ClientRegister"
	TypeTunnelCreate   Type = "TunnelCreate"
	TypeTunnelData     Type = "TunnelData"
	TypeHeartbeat      Type = "Heartbeat"

	// Router -> Client
	TypeClientRegisterResponse Type = "ClientRegisterResponse"
	TypeTunnelCreateResponse   Type = "TunnelCreateResponse"
	TypeTunnelDataResponse     Type = "TunnelDataResponse"
	TypeHeartbeatResponse      Type = "HeartbeatResponse"

	// Bidirectional
	TypeError      Type = "Error"
	TypeDisconnect Type = "Disconnect"
)

// IsResponse reports whether t is response-routed (correlated back to a
// pending request) rather than an application event, per spec.md §4.2.
func (t Type) IsResponse() bool {
	switch t {
	case TypeClientRegisterResponse, TypeTunnelCreateResponse, TypeTunnelDataResponse, TypeHeartbeatResponse:
		return true
	default:
		return false
	}
}

// Version is the protocol version carried in every envelope.
type Version struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

// CurrentVersion is the version this package encodes.
var CurrentVersion = Version{Major: 1, Minor: 0}

// Message is the base envelope framed by the codec: an ID, version,
// timestamp, discriminant type, and a payload whose concrete shape must
// match that discriminant.
type Message struct {
	ID          uuid.UUID       `json:"id"`
	Version     Version         `json:"version"`
	Timestamp   time.Time       `json:"timestamp"`
	MessageType Type            `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`
}

// New builds a Message with a fresh ID, the current version, and the
// current timestamp, marshaling payload into the envelope.
func New(msgType Type, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:          uuid.New(),
		Version:     CurrentVersion,
		Timestamp:   time.Now().UTC(),
		MessageType: msgType,
		Payload:     raw,
	}, nil
}

// DecodePayload unmarshals the envelope's raw payload into dst, which must
// be a pointer to the struct matching m.MessageType.
func (m *Message) DecodePayload(dst interface{}) error {
	return json.Unmarshal(m.Payload, dst)
}

// ClientRegister is sent by a client to authenticate (spec.md §4.2). The
// client mints its own random Challenge and signs
// Challenge ∥ ClientID ∥ PublicKey ∥ be64(Timestamp) (spec.md §4.3); the
// Router verifies the signature and the timestamp's freshness.
type ClientRegister struct {
	ClientID      string    `json:"client_id"`
	ClientName    string    `json:"client_name"`
	PublicKey     string    `json:"public_key"`
	Signature     string    `json:"signature"`
	Challenge     string    `json:"challenge"`
	Timestamp     time.Time `json:"timestamp"`
	ClientVersion string    `json:"client_version"`
	Capabilities  []string  `json:"capabilities"`
}

// ClientRegisterResponse answers a ClientRegister.
type ClientRegisterResponse struct {
	Success      bool   `json:"success"`
	SessionID    string `json:"session_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// TunnelConfig carries per-tunnel knobs, defaulted per spec.md §5.3.
type TunnelConfig struct {
	MaxConnections int  `json:"max_connections"`
	TimeoutSeconds int  `json:"timeout_seconds"`
	BufferSize     int  `json:"buffer_size"`
	Compression    bool `json:"compression"`
}

// DefaultTunnelConfig matches spec.md §5.3's TunnelCreate defaults.
var DefaultTunnelConfig = TunnelConfig{
	MaxConnections: 100,
	TimeoutSeconds: 300,
	BufferSize:     65536,
	Compression:    false,
}

// TunnelCreate requests that the Router establish a new tunnel.
type TunnelCreate struct {
	TunnelID   string       `json:"tunnel_id"`
	TunnelName string       `json:"tunnel_name"`
	SourceAddr string       `json:"source_addr"`
	BindAddr   string       `json:"bind_addr"`
	Protocol   string       `json:"protocol"`
	Config     TunnelConfig `json:"config"`
}

// TunnelCreateResponse answers a TunnelCreate.
type TunnelCreateResponse struct {
	Success      bool   `json:"success"`
	TunnelID     string `json:"tunnel_id"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// TunnelData carries an opaque data-plane chunk; forwarding it is an
// external collaborator (spec.md §1 Non-goals) — this package only models
// the envelope so it round-trips.
type TunnelData struct {
	TunnelID     string `json:"tunnel_id"`
	ConnectionID string `json:"connection_id"`
	Data         []byte `json:"data"`
	Sequence     uint64 `json:"sequence"`
}

// TunnelDataResponse acknowledges a TunnelData frame.
type TunnelDataResponse struct {
	TunnelID     string `json:"tunnel_id"`
	ConnectionID string `json:"connection_id"`
	Sequence     uint64 `json:"sequence"`
	Success      bool   `json:"success"`
}

// Heartbeat is sent fire-and-forget by a client on its heartbeat interval
// while Connected or Authenticated (spec.md §4.2).
type Heartbeat struct {
	ClientID          string  `json:"client_id"`
	ActiveTunnels     int     `json:"active_tunnels"`
	ActiveConnections int     `json:"active_connections"`
	CPUUsage          float64 `json:"cpu_usage"`
	MemoryUsage       uint64  `json:"memory_usage"`
}

// HeartbeatResponse answers a Heartbeat with the Router's clock, used by
// tests to assert liveness (spec.md §8 scenario 1).
type HeartbeatResponse struct {
	ServerTime time.Time `json:"server_time"`
}

// ErrorMessage is a bidirectional out-of-band error notification.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DisconnectMessage signals a graceful session teardown.
type DisconnectMessage struct {
	Reason string `json:"reason"`
}
