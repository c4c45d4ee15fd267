// Package router implements the Router side of the wire protocol: it
// accepts mutually authenticated TLS connections, authenticates clients
// (internal/session), and answers TunnelCreate/Heartbeat/Disconnect
// messages (spec.md §1, §4.3; original_source/src/router/mod.rs, whose
// Router::start/stop were TODO stubs over an empty struct — this package
// is the real implementation).
package router

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"net"
	"sync"
	"time"

	"conduit/internal/codec"
	"conduit/internal/errs"
	"conduit/internal/logging"
	"conduit/internal/protocol"
	"conduit/internal/session"
	"conduit/internal/tlsconfig"
)

// Config configures the Router's listener and session policy.
type Config struct {
	BindAddr         string
	CertPath         string
	KeyPath          string
	ClientCACertPath string
	MaxMessageSize   uint32
	Session          session.Config
}

// DefaultConfig mirrors internal/session.DefaultConfig and
// codec.DefaultMaxMessageSize.
var DefaultConfig = Config{
	MaxMessageSize: codec.DefaultMaxMessageSize,
	Session:        session.DefaultConfig,
}

// Server is the Router's accept loop over one bound address.
type Server struct {
	cfg      Config
	sessions *session.Manager
	codec    *codec.Codec
	listener net.Listener

	mu      sync.Mutex
	tunnels map[string]string // tunnelID -> owning clientID
}

// New builds a Server that hasn't started listening yet.
func New(cfg Config) *Server {
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = codec.DefaultMaxMessageSize
	}
	return &Server{
		cfg:      cfg,
		sessions: session.NewManager(cfg.Session),
		codec:    codec.New(cfg.MaxMessageSize),
		tunnels:  make(map[string]string),
	}
}

// AuthorizeClient pre-registers a client's public key, matching spec.md
// §4.3's "admin set via operator action" — a client the Router hasn't
// authorized this way will always fail ClientRegister.
func (s *Server) AuthorizeClient(clientID string, publicKey []byte) {
	s.sessions.AuthorizeClient(clientID, publicKey)
}

// RevokeClient immediately invalidates a client's authorization and any
// sessions it currently holds.
func (s *Server) RevokeClient(clientID string) {
	s.sessions.RevokeClient(clientID)
}

// Serve binds the TLS listener and accepts connections until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	tlsConfig, err := tlsconfig.ServerConfig(s.cfg.CertPath, s.cfg.KeyPath, s.cfg.ClientCACertPath)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return errs.Wrap(errs.KindNetwork, "failed to bind router listener", err)
	}
	s.listener = tls.NewListener(listener, tlsConfig)

	logging.GetGlobalLogger().Info("router: listening on %s", s.cfg.BindAddr)

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errs.Wrap(errs.KindNetwork, "accept failed", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	var sessionID string

	for {
		msg, err := s.codec.ReadMessage(conn)
		if err != nil {
			if sessionID != "" {
				s.sessions.Logout(sessionID)
			}
			logging.GetGlobalLogger().Debug("router: connection %s closed: %v", remote, err)
			return
		}

		switch msg.MessageType {
		case protocol.TypeClientRegister:
			sessionID = s.handleClientRegister(conn, msg, remote)

		case protocol.TypeHeartbeat:
			s.handleHeartbeat(conn, msg, sessionID)

		case protocol.TypeTunnelCreate:
			s.handleTunnelCreate(conn, msg, sessionID)

		case protocol.TypeDisconnect:
			if sessionID != "" {
				s.sessions.Logout(sessionID)
			}
			return

		default:
			s.sendError(conn, msg, "unsupported_message", "message type not handled by router")
		}
	}
}

func (s *Server) handleClientRegister(conn net.Conn, msg *protocol.Message, remote string) string {
	var reg protocol.ClientRegister
	if err := msg.DecodePayload(&reg); err != nil {
		s.sendRegisterFailure(conn, msg, "malformed ClientRegister payload")
		return ""
	}

	publicKey, err := base64.StdEncoding.DecodeString(reg.PublicKey)
	if err != nil {
		s.sendRegisterFailure(conn, msg, "invalid public key encoding")
		return ""
	}
	signature, err := base64.StdEncoding.DecodeString(reg.Signature)
	if err != nil {
		s.sendRegisterFailure(conn, msg, "invalid signature encoding")
		return ""
	}
	challenge, err := base64.StdEncoding.DecodeString(reg.Challenge)
	if err != nil {
		s.sendRegisterFailure(conn, msg, "invalid challenge encoding")
		return ""
	}

	sess, err := s.sessions.Authenticate(session.Request{
		ClientInfo: session.ClientInfo{
			ClientID:  reg.ClientID,
			IPAddress: remote,
			PublicKey: publicKey,
		},
		Challenge: challenge,
		Signature: signature,
		Timestamp: reg.Timestamp,
	})
	if err != nil {
		logging.GetGlobalLogger().Warn("router: authentication failed for %s: %v", reg.ClientID, err)
		s.sendRegisterFailure(conn, msg, "authentication failed")
		return ""
	}

	resp, buildErr := protocol.New(protocol.TypeClientRegisterResponse, protocol.ClientRegisterResponse{
		Success:   true,
		SessionID: sess.SessionID,
	})
	if buildErr == nil {
		resp.ID = msg.ID
		_ = s.codec.WriteMessage(conn, resp)
	}
	logging.GetGlobalLogger().Info("router: client %s authenticated, session %s", reg.ClientID, sess.SessionID)
	return sess.SessionID
}

func (s *Server) sendRegisterFailure(conn net.Conn, req *protocol.Message, reason string) {
	resp, err := protocol.New(protocol.TypeClientRegisterResponse, protocol.ClientRegisterResponse{
		Success:      false,
		ErrorMessage: reason,
	})
	if err != nil {
		return
	}
	resp.ID = req.ID
	_ = s.codec.WriteMessage(conn, resp)
}

func (s *Server) handleHeartbeat(conn net.Conn, msg *protocol.Message, sessionID string) {
	if sessionID == "" {
		s.sendError(conn, msg, "unauthenticated", "heartbeat received before successful registration")
		return
	}
	if _, err := s.sessions.ValidateSession(sessionID); err != nil {
		s.sendError(conn, msg, "unauthenticated", "heartbeat received before successful registration")
		return
	}

	resp, err := protocol.New(protocol.TypeHeartbeatResponse, protocol.HeartbeatResponse{
		ServerTime: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	resp.ID = msg.ID
	_ = s.codec.WriteMessage(conn, resp)
}

func (s *Server) handleTunnelCreate(conn net.Conn, msg *protocol.Message, sessionID string) {
	if sessionID == "" {
		s.sendTunnelCreateFailure(conn, msg, "", "not authorized to create tunnels")
		return
	}
	allowed, err := s.sessions.CheckPermission(sessionID, session.PermissionCreateTunnel)
	if err != nil || !allowed {
		s.sendTunnelCreateFailure(conn, msg, "", "not authorized to create tunnels")
		return
	}

	var create protocol.TunnelCreate
	if err := msg.DecodePayload(&create); err != nil {
		s.sendTunnelCreateFailure(conn, msg, "", "malformed TunnelCreate payload")
		return
	}

	if create.Protocol == "udp" {
		s.sendTunnelCreateFailure(conn, msg, create.TunnelID, "udp is not supported over the wire")
		return
	}

	s.mu.Lock()
	if _, exists := s.tunnels[create.TunnelID]; exists {
		s.mu.Unlock()
		s.sendTunnelCreateFailure(conn, msg, create.TunnelID, "tunnel ID already in use")
		return
	}
	s.tunnels[create.TunnelID] = sessionID
	s.mu.Unlock()

	resp, err := protocol.New(protocol.TypeTunnelCreateResponse, protocol.TunnelCreateResponse{
		Success:  true,
		TunnelID: create.TunnelID,
	})
	if err != nil {
		return
	}
	resp.ID = msg.ID
	_ = s.codec.WriteMessage(conn, resp)
}

func (s *Server) sendTunnelCreateFailure(conn net.Conn, req *protocol.Message, tunnelID, reason string) {
	resp, err := protocol.New(protocol.TypeTunnelCreateResponse, protocol.TunnelCreateResponse{
		Success:      false,
		TunnelID:     tunnelID,
		ErrorMessage: reason,
	})
	if err != nil {
		return
	}
	resp.ID = req.ID
	_ = s.codec.WriteMessage(conn, resp)
}

func (s *Server) sendError(conn net.Conn, req *protocol.Message, code, message string) {
	resp, err := protocol.New(protocol.TypeError, protocol.ErrorMessage{Code: code, Message: message})
	if err != nil {
		return
	}
	resp.ID = req.ID
	_ = s.codec.WriteMessage(conn, resp)
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
