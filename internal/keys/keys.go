// Package keys implements the on-disk Ed25519 key store: generation,
// persistence, loading, and time-boxed rotation with a grace period
// (spec.md C2; original_source/src/security/keys.rs).
package keys

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"conduit/internal/crypto"
	"conduit/internal/errs"
	"conduit/internal/logging"
)

// Purpose distinguishes why a key was minted.
type Purpose string

const (
	PurposeClientAuth Purpose = "client_auth"
	PurposeServerAuth Purpose = "server_auth"
	PurposeSigning    Purpose = "signing"
)

// RotationConfig controls how often keys rotate and how long a retired key
// stays verifiable, mirroring the original's KeyRotationConfig.
type RotationConfig struct {
	RotationInterval time.Duration
	GracePeriod      time.Duration
	AutoRotate       bool
	MaxOldKeys       int
}

// DefaultRotationConfig matches the original's 30-day/24-hour/5-key defaults.
var DefaultRotationConfig = RotationConfig{
	RotationInterval: 30 * 24 * time.Hour,
	GracePeriod:      24 * time.Hour,
	AutoRotate:       true,
	MaxOldKeys:       5,
}

// Metadata describes a key on disk without exposing key material.
type Metadata struct {
	KeyID     string    `json:"key_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IsActive  bool      `json:"is_active"`
	Purpose   Purpose   `json:"purpose"`
	Version   int       `json:"version"`
}

// Entry pairs a loaded keypair with its metadata.
type Entry struct {
	Metadata Metadata
	KeyPair  *crypto.KeyPair
}

// Manager owns a directory of Ed25519 keys, tracking which one is active
// and rotating on demand.
type Manager struct {
	dir      string
	rotation RotationConfig
	keys     map[string]*Entry
	activeID string
}

// NewManager loads any existing keys from dir, creating dir if needed.
func NewManager(dir string, rotation RotationConfig) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "failed to create key directory", err)
	}
	m := &Manager{dir: dir, rotation: rotation, keys: make(map[string]*Entry)}
	if err := m.loadExisting(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) keyPaths(keyID string) (metadata, secret, public string) {
	return filepath.Join(m.dir, keyID+".metadata.json"),
		filepath.Join(m.dir, keyID+".key"),
		filepath.Join(m.dir, keyID+".pub")
}

// Generate creates and persists a new key, marking all others inactive and
// making the new key active.
func (m *Manager) Generate(purpose Purpose) (string, error) {
	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", errs.Wrap(errs.KindAuth, "failed to generate keypair", err)
	}

	now := time.Now().UTC()
	entry := &Entry{
		Metadata: Metadata{
			KeyID:     uuid.NewString(),
			CreatedAt: now,
			ExpiresAt: now.Add(m.rotation.RotationInterval),
			IsActive:  true,
			Purpose:   purpose,
			Version:   1,
		},
		KeyPair: pair,
	}

	for _, e := range m.keys {
		e.Metadata.IsActive = false
	}

	if err := m.save(entry); err != nil {
		return "", err
	}

	m.keys[entry.Metadata.KeyID] = entry
	m.activeID = entry.Metadata.KeyID
	logging.GetGlobalLogger().Info("keys: generated new key %s (purpose=%s)", entry.Metadata.KeyID, purpose)
	return entry.Metadata.KeyID, nil
}

func (m *Manager) save(e *Entry) error {
	metadataPath, secretPath, publicPath := m.keyPaths(e.Metadata.KeyID)

	raw, err := json.MarshalIndent(e.Metadata, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindAuth, "failed to marshal key metadata", err)
	}
	if err := os.WriteFile(metadataPath, raw, 0600); err != nil {
		return errs.Wrap(errs.KindAuth, "failed to write key metadata", err)
	}
	if err := os.WriteFile(secretPath, []byte(base64.StdEncoding.EncodeToString(e.KeyPair.PrivateKeyBytes())), 0600); err != nil {
		return errs.Wrap(errs.KindAuth, "failed to write secret key", err)
	}
	if err := os.WriteFile(publicPath, []byte(e.KeyPair.PublicKeyBase64()), 0644); err != nil {
		return errs.Wrap(errs.KindAuth, "failed to write public key", err)
	}
	return nil
}

// GetActive returns the currently active key entry.
func (m *Manager) GetActive() (*Entry, error) {
	if m.activeID == "" {
		return nil, errs.New(errs.KindAuth, "no active key")
	}
	e, ok := m.keys[m.activeID]
	if !ok {
		return nil, errs.New(errs.KindAuth, "active key missing from store")
	}
	return e, nil
}

// IsValid reports whether keyID is either the active key or a retired key
// still within its grace period, per spec.md §3's rotation invariant.
func (m *Manager) IsValid(keyID string) bool {
	e, ok := m.keys[keyID]
	if !ok {
		return false
	}
	if e.Metadata.IsActive {
		return true
	}
	return time.Now().UTC().Before(e.Metadata.ExpiresAt.Add(m.rotation.GracePeriod))
}

// NeedsRotation reports whether the active key has passed its rotation
// threshold, or there is no active key at all.
func (m *Manager) NeedsRotation() bool {
	if !m.rotation.AutoRotate {
		return false
	}
	active, err := m.GetActive()
	if err != nil {
		return true
	}
	threshold := active.Metadata.CreatedAt.Add(m.rotation.RotationInterval)
	return time.Now().UTC().After(threshold) || time.Now().UTC().Equal(threshold)
}

// Rotate generates a fresh active key and prunes old inactive keys beyond
// MaxOldKeys, oldest first.
func (m *Manager) Rotate(purpose Purpose) (string, error) {
	newID, err := m.Generate(purpose)
	if err != nil {
		return "", err
	}
	if err := m.cleanupOldKeys(); err != nil {
		return "", err
	}
	logging.GetGlobalLogger().Info("keys: rotation complete, active key is now %s", newID)
	return newID, nil
}

func (m *Manager) cleanupOldKeys() error {
	var old []*Entry
	for _, e := range m.keys {
		if !e.Metadata.IsActive {
			old = append(old, e)
		}
	}
	sort.Slice(old, func(i, j int) bool {
		return old[i].Metadata.CreatedAt.After(old[j].Metadata.CreatedAt)
	})
	if len(old) <= m.rotation.MaxOldKeys {
		return nil
	}
	for _, e := range old[m.rotation.MaxOldKeys:] {
		if err := m.delete(e.Metadata.KeyID); err != nil {
			return err
		}
		logging.GetGlobalLogger().Debug("keys: pruned expired key %s", e.Metadata.KeyID)
	}
	return nil
}

func (m *Manager) delete(keyID string) error {
	metadataPath, secretPath, publicPath := m.keyPaths(keyID)
	for _, p := range []string{metadataPath, secretPath, publicPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.KindAuth, fmt.Sprintf("failed to delete key file %s", p), err)
		}
	}
	delete(m.keys, keyID)
	if m.activeID == keyID {
		m.activeID = ""
	}
	return nil
}

func (m *Manager) loadFromDisk(keyID string) error {
	metadataPath, secretPath, _ := m.keyPaths(keyID)

	raw, err := os.ReadFile(metadataPath)
	if err != nil {
		return errs.Wrap(errs.KindAuth, "failed to read key metadata", err)
	}
	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return errs.Wrap(errs.KindAuth, "failed to parse key metadata", err)
	}

	secretRaw, err := os.ReadFile(secretPath)
	if err != nil {
		return errs.Wrap(errs.KindAuth, "failed to read secret key", err)
	}
	secret, err := base64.StdEncoding.DecodeString(string(secretRaw))
	if err != nil {
		return errs.Wrap(errs.KindAuth, "failed to decode secret key", err)
	}
	pair, err := crypto.KeyPairFromPrivateBytes(secret)
	if err != nil {
		return errs.Wrap(errs.KindAuth, "failed to rebuild keypair", err)
	}

	m.keys[keyID] = &Entry{Metadata: metadata, KeyPair: pair}
	return nil
}

func (m *Manager) loadExisting() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return errs.Wrap(errs.KindConfiguration, "failed to read key directory", err)
	}

	var activeID string
	var latest time.Time
	const suffix = ".metadata.json"

	for _, entry := range entries {
		name := entry.Name()
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		keyID := name[:len(name)-len(suffix)]
		if err := m.loadFromDisk(keyID); err != nil {
			logging.GetGlobalLogger().Warn("keys: failed to load key %s: %v", keyID, err)
			continue
		}
		if e := m.keys[keyID]; e.Metadata.IsActive && e.Metadata.CreatedAt.After(latest) {
			activeID = keyID
			latest = e.Metadata.CreatedAt
		}
	}

	m.activeID = activeID
	logging.GetGlobalLogger().Info("keys: loaded %d key(s) from disk", len(m.keys))
	return nil
}

// List returns metadata for every known key, active and retired.
func (m *Manager) List() []Metadata {
	out := make([]Metadata, 0, len(m.keys))
	for _, e := range m.keys {
		out = append(out, e.Metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
