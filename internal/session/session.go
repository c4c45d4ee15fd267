// Package session implements the Router-side session and authorization
// manager: challenge/signature authentication, session lifecycle, and
// permission checks (spec.md C7; original_source/src/security/auth.rs).
package session

import (
	"encoding/base64"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"

	"conduit/internal/crypto"
	"conduit/internal/errs"
	"conduit/internal/logging"
)

// Permission is a capability granted to an authenticated session.
type Permission string

const (
	PermissionCreateTunnel      Permission = "CreateTunnel"
	PermissionDeleteTunnel      Permission = "DeleteTunnel"
	PermissionListTunnels       Permission = "ListTunnels"
	PermissionManageConnections Permission = "ManageConnections"
	PermissionSystemMonitoring  Permission = "SystemMonitoring"
	PermissionConfigManagement  Permission = "ConfigManagement"
	PermissionKeyManagement     Permission = "KeyManagement"
	PermissionAdminAccess       Permission = "AdminAccess"
)

// defaultPermissions are granted to every session minted by Authenticate,
// matching the original's default AuthToken permission set.
var defaultPermissions = []Permission{
	PermissionCreateTunnel,
	PermissionDeleteTunnel,
	PermissionListTunnels,
	PermissionManageConnections,
}

// ClientInfo identifies the peer presenting a Request.
type ClientInfo struct {
	ClientID  string
	IPAddress string
	UserAgent string
	PublicKey []byte
}

// Request is what a client presents to authenticate: a challenge, a
// signature over the verify-data, and the timestamp it was signed at. The
// challenge is taken as the client presents it (the client mints its own
// in ClientRegister); Authenticate does not check that the Router issued
// it or that it has not been used before.
type Request struct {
	ClientInfo ClientInfo
	Challenge  []byte
	Signature  []byte
	Timestamp  time.Time
}

// Token is the capability set minted on successful authentication.
type Token struct {
	TokenID     string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Subject     string
	Permissions []Permission
}

// IsValid reports whether the token has not yet expired.
func (t *Token) IsValid() bool {
	return time.Now().UTC().Before(t.ExpiresAt)
}

// HasPermission reports whether p is in the token's permission set.
func (t *Token) HasPermission(p Permission) bool {
	for _, have := range t.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Session binds a Token to a client and tracks its last activity for
// timeout-based eviction.
type Session struct {
	SessionID  string
	Token      Token
	LastAccess time.Time
	ClientInfo ClientInfo
}

// IsValid reports whether the session's token is valid and it has not sat
// idle past timeout.
func (s *Session) IsValid(timeout time.Duration) bool {
	return s.Token.IsValid() && time.Since(s.LastAccess) < timeout
}

// Config controls session and token lifetimes.
type Config struct {
	SessionTimeout time.Duration
	TokenDuration  time.Duration
}

// DefaultConfig mirrors the original's defaults: a 30-minute session
// timeout and a 24-hour token lifetime.
var DefaultConfig = Config{
	SessionTimeout: 30 * time.Minute,
	TokenDuration:  24 * time.Hour,
}

// maxTimestampSkew bounds how old a Request.Timestamp may be relative to
// the Router's clock, defending against replay (spec.md §4.3).
const maxTimestampSkew = 300 * time.Second

// Manager authenticates clients, mints and tracks sessions, and enforces
// the authorized-client allowlist keyed by client ID -> public key.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	sessions   map[string]*Session
	authorized map[string][]byte
}

// NewManager builds an empty Manager under cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:        cfg,
		sessions:   make(map[string]*Session),
		authorized: make(map[string][]byte),
	}
}

// AuthorizeClient records that clientID's claimed publicKey is trusted,
// the prerequisite for Authenticate to succeed for that client.
func (m *Manager) AuthorizeClient(clientID string, publicKey []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authorized[clientID] = append([]byte(nil), publicKey...)
}

// RevokeClient atomically removes clientID's authorization and every
// session belonging to it (original's auth.rs revoke_client, supplemented
// per SPEC_FULL.md item 4).
func (m *Manager) RevokeClient(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.authorized, clientID)
	for id, s := range m.sessions {
		if s.ClientInfo.ClientID == clientID {
			delete(m.sessions, id)
		}
	}
}

// GenerateChallenge returns 32 fresh random bytes for a client to sign.
func (m *Manager) GenerateChallenge() ([]byte, error) {
	return crypto.RandomBytes(32)
}

// createVerifyData builds the exact byte sequence a client must sign:
// challenge ∥ client_id ∥ public_key ∥ be64(timestamp), per spec.md §4.3.
func createVerifyData(challenge []byte, clientID string, publicKey []byte, timestamp time.Time) []byte {
	out := make([]byte, 0, len(challenge)+len(clientID)+len(publicKey)+8)
	out = append(out, challenge...)
	out = append(out, []byte(clientID)...)
	out = append(out, publicKey...)
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(timestamp.Unix()))
	out = append(out, tsBytes[:]...)
	return out
}

// Authenticate verifies req against the authorized-client allowlist and,
// on success, mints a Token and Session. Returns a *errs.Error on failure.
func (m *Manager) Authenticate(req Request) (*Session, error) {
	if time.Since(req.Timestamp) > maxTimestampSkew || time.Until(req.Timestamp) > maxTimestampSkew {
		return nil, errs.New(errs.KindAuth, "timestamp too old or too far in the future")
	}

	verifyData := createVerifyData(req.Challenge, req.ClientInfo.ClientID, req.ClientInfo.PublicKey, req.Timestamp)
	if !crypto.VerifySignature(req.ClientInfo.PublicKey, verifyData, req.Signature) {
		return nil, errs.New(errs.KindAuth, "signature verification failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	authorizedKey, ok := m.authorized[req.ClientInfo.ClientID]
	if !ok || !bytesEqual(authorizedKey, req.ClientInfo.PublicKey) {
		return nil, errs.New(errs.KindAuth, "client not authorized")
	}

	now := time.Now().UTC()
	token := Token{
		TokenID:     uuid.NewString(),
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.cfg.TokenDuration),
		Subject:     req.ClientInfo.ClientID,
		Permissions: append([]Permission(nil), defaultPermissions...),
	}
	sess := &Session{
		SessionID:  uuid.NewString(),
		Token:      token,
		LastAccess: now,
		ClientInfo: req.ClientInfo,
	}
	m.sessions[sess.SessionID] = sess

	logging.GetGlobalLogger().Info("session: authenticated client %s, session %s", req.ClientInfo.ClientID, sess.SessionID)
	return sess, nil
}

// ValidateSession checks sessionID is known and unexpired, bumping its
// last-access time on success; an expired session is evicted and errored.
func (m *Manager) ValidateSession(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, errs.New(errs.KindSession, "session not found")
	}
	if !sess.IsValid(m.cfg.SessionTimeout) {
		delete(m.sessions, sessionID)
		return nil, errs.New(errs.KindSession, "session expired")
	}
	sess.LastAccess = time.Now().UTC()
	return sess, nil
}

// CheckPermission reports whether sessionID's token carries p.
func (m *Manager) CheckPermission(sessionID string, p Permission) (bool, error) {
	sess, err := m.ValidateSession(sessionID)
	if err != nil {
		return false, err
	}
	return sess.Token.HasPermission(p), nil
}

// Logout removes sessionID immediately.
func (m *Manager) Logout(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// CleanupExpiredSessions evicts every session past its timeout and
// returns how many were removed.
func (m *Manager) CleanupExpiredSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, sess := range m.sessions {
		if !sess.IsValid(m.cfg.SessionTimeout) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// ActiveSessionCount returns the number of sessions currently tracked,
// expired or not.
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ListSessions returns a snapshot of all tracked sessions.
func (m *Manager) ListSessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// challengeToBase64 is a small helper for logging/debugging challenges
// without dumping raw bytes.
func challengeToBase64(challenge []byte) string {
	return base64.StdEncoding.EncodeToString(challenge)
}
