// Package crypto provides the Ed25519 signing primitives and the AES-256-GCM
// sealing used to protect registry config payloads (spec.md C1).
//
// Ed25519 and AES-GCM are implemented on crypto/ed25519 and crypto/aes from
// the standard library rather than a third-party package: Go's standard
// library already ships constant-time, audited implementations of both
// primitives and no library in the retrieval pack offers a meaningfully
// different one (see DESIGN.md).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"conduit/internal/logging"
)

// KeyPair wraps an Ed25519 signing/verifying key pair.
type KeyPair struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh random Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 keypair: %w", err)
	}
	return &KeyPair{public: pub, private: priv}, nil
}

// KeyPairFromPrivateBytes rebuilds a KeyPair from a raw 64-byte seed+public
// Ed25519 private key, as produced by PrivateKeyBytes.
func KeyPairFromPrivateBytes(secret []byte) (*KeyPair, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid secret key length: %d bytes (expected %d)", len(secret), ed25519.PrivateKeySize)
	}
	priv := ed25519.PrivateKey(append([]byte(nil), secret...))
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{public: pub, private: priv}, nil
}

// PublicKey returns the public half of the pair.
func (k *KeyPair) PublicKey() ed25519.PublicKey { return k.public }

// PrivateKeyBytes returns the raw 64-byte private key (seed || public).
func (k *KeyPair) PrivateKeyBytes() []byte {
	out := make([]byte, len(k.private))
	copy(out, k.private)
	return out
}

// PublicKeyBase64 and PrivateKeyBase64 are convenience accessors used when
// persisting or transmitting keys as JSON string fields.
func (k *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.public)
}

func (k *KeyPair) PrivateKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.private)
}

// Sign produces a detached Ed25519 signature over data.
func (k *KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(k.private, data)
}

// Verify checks a signature produced by Sign against this pair's own public key.
func (k *KeyPair) Verify(data, signature []byte) bool {
	return ed25519.Verify(k.public, data, signature)
}

// VerifySignature checks a detached Ed25519 signature against an arbitrary
// public key, as the Router does for an incoming client's claimed key
// (spec.md §4.3 step 2).
func VerifySignature(publicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		logging.GetGlobalLogger().Warn("crypto: rejecting signature check: invalid public key length %d", len(publicKey))
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)
}

// RandomBytes returns n cryptographically random bytes, used for challenge
// generation (spec.md §4.3) and AES-GCM nonces.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

const nonceSize = 12 // AES-GCM standard nonce length, prepended to ciphertext per spec.md §3/§4.4.

// SealAESGCM encrypts plaintext under a 32-byte AES-256 key and returns
// nonce(12) || ciphertext, matching the registry's config_encrypted column
// format (spec.md §3 TunnelRecord, §4.4 Encryption).
func SealAESGCM(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build GCM mode: %w", err)
	}
	nonce, err := RandomBytes(nonceSize)
	if err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// OpenAESGCM reverses SealAESGCM: it expects nonce(12) || ciphertext and
// returns the recovered plaintext, or an error if authentication fails
// (tampered ciphertext, wrong key).
func OpenAESGCM(key, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed payload too short: %d bytes", len(sealed))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build GCM mode: %w", err)
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt/authenticate payload: %w", err)
	}
	return plaintext, nil
}
