package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/crypto"
)

func TestAuthenticateSucceedsForAuthorizedClient(t *testing.T) {
	pair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	m := NewManager(DefaultConfig)
	m.AuthorizeClient("client-1", pair.PublicKey())

	challenge, err := m.GenerateChallenge()
	require.NoError(t, err)

	ts := time.Now().UTC()
	verifyData := createVerifyData(challenge, "client-1", pair.PublicKey(), ts)
	sig := pair.Sign(verifyData)

	sess, err := m.Authenticate(Request{
		ClientInfo: ClientInfo{ClientID: "client-1", PublicKey: pair.PublicKey()},
		Challenge:  challenge,
		Signature:  sig,
		Timestamp:  ts,
	})
	require.NoError(t, err)
	assert.True(t, sess.Token.HasPermission(PermissionCreateTunnel))
	assert.Equal(t, 1, m.ActiveSessionCount())
}

func TestAuthenticateRejectsUnauthorizedClient(t *testing.T) {
	pair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	m := NewManager(DefaultConfig)
	challenge, _ := m.GenerateChallenge()
	ts := time.Now().UTC()
	sig := pair.Sign(createVerifyData(challenge, "ghost", pair.PublicKey(), ts))

	_, err = m.Authenticate(Request{
		ClientInfo: ClientInfo{ClientID: "ghost", PublicKey: pair.PublicKey()},
		Challenge:  challenge,
		Signature:  sig,
		Timestamp:  ts,
	})
	require.Error(t, err)
}

func TestAuthenticateRejectsStaleTimestamp(t *testing.T) {
	pair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	m := NewManager(DefaultConfig)
	m.AuthorizeClient("client-1", pair.PublicKey())
	challenge, _ := m.GenerateChallenge()
	stale := time.Now().UTC().Add(-10 * time.Minute)
	sig := pair.Sign(createVerifyData(challenge, "client-1", pair.PublicKey(), stale))

	_, err = m.Authenticate(Request{
		ClientInfo: ClientInfo{ClientID: "client-1", PublicKey: pair.PublicKey()},
		Challenge:  challenge,
		Signature:  sig,
		Timestamp:  stale,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timestamp")
}

func TestRevokeClientRemovesSessions(t *testing.T) {
	pair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	m := NewManager(DefaultConfig)
	m.AuthorizeClient("client-1", pair.PublicKey())
	challenge, _ := m.GenerateChallenge()
	ts := time.Now().UTC()
	sig := pair.Sign(createVerifyData(challenge, "client-1", pair.PublicKey(), ts))
	sess, err := m.Authenticate(Request{
		ClientInfo: ClientInfo{ClientID: "client-1", PublicKey: pair.PublicKey()},
		Challenge:  challenge,
		Signature:  sig,
		Timestamp:  ts,
	})
	require.NoError(t, err)

	m.RevokeClient("client-1")
	_, err = m.ValidateSession(sess.SessionID)
	require.Error(t, err)
}

func TestValidateSessionExpires(t *testing.T) {
	m := NewManager(Config{SessionTimeout: time.Millisecond, TokenDuration: time.Hour})
	m.sessions["s1"] = &Session{
		SessionID:  "s1",
		Token:      Token{ExpiresAt: time.Now().UTC().Add(time.Hour)},
		LastAccess: time.Now().UTC().Add(-time.Second),
	}
	_, err := m.ValidateSession("s1")
	require.Error(t, err)
	assert.Equal(t, 0, m.ActiveSessionCount())
}
