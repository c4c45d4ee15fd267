// Package registry implements the per-host Process Registry: an embedded
// SQLite store of tunnel records, connection and audit history, and the
// encryption key protecting each record's config payload (spec.md C8;
// original_source/src/registry/sqlite.rs).
package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"

	"conduit/internal/crypto"
	"conduit/internal/errs"
	"conduit/internal/logging"
)

// Status is a TunnelRecord's lifecycle state.
type Status int

const (
	StatusStarting Status = iota
	StatusActive
	StatusRunning
	StatusStopping
	StatusStopped
	StatusExited
	StatusError
)

// String renders a Status for logs and CLI output.
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusActive:
		return "active"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusExited:
		return "exited"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// TunnelRecord is the persisted, decrypted view of a tunnel (spec.md §3:
// "socket_path_hash (SHA-256 of absolute socket path, base64)" — the
// registry never stores the plaintext path, since the socket's location
// is deterministic from the tunnel ID and every caller that needs to
// dial it reconstructs the path via internal/process instead of reading
// it back out of the store).
type TunnelRecord struct {
	ID             string
	Name           string
	PID            int
	SocketPathHash string
	Status         Status
	Config         json.RawMessage
	ExitCode       *int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConnectionEntry is a per-connection observability row (SPEC_FULL.md
// supplemented feature 3; spec.md §3 "client_addr/target_addr (hashed)").
type ConnectionEntry struct {
	ID             string
	TunnelID       string
	ClientAddrHash string
	TargetAddrHash string
	BytesIn        int64
	BytesOut       int64
	OpenedAt       time.Time
	ClosedAt       *time.Time
}

// SessionRollup is one row of the sessions metrics-rollup table: a
// per-tunnel-run aggregate distinct from the individual ConnectionEntry
// rows it summarizes (spec.md §4.4 "sessions(... total_connections,
// total_bytes_sent, total_bytes_received, avg_latency_ms, error_count)").
type SessionRollup struct {
	ID                 string
	TunnelID           string
	StartedAt          time.Time
	EndedAt            *time.Time
	TotalConnections   int64
	TotalBytesSent     int64
	TotalBytesReceived int64
	AvgLatencyMs       float64
	ErrorCount         int64
}

// AuditLogEntry is one append-only audit row written alongside a mutation.
type AuditLogEntry struct {
	ID        int64
	TunnelID  string
	Action    string
	Detail    string
	CreatedAt time.Time
}

// Store wraps the embedded registry.db connection pool.
type Store struct {
	db            *sql.DB
	encryptionKey []byte
}

const schema = `
CREATE TABLE IF NOT EXISTS tunnels (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	pid INTEGER,
	socket_path_hash TEXT NOT NULL,
	status INTEGER NOT NULL,
	config_encrypted BLOB NOT NULL,
	config_checksum TEXT NOT NULL,
	exit_code INTEGER,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	tunnel_id TEXT NOT NULL REFERENCES tunnels(id) ON DELETE CASCADE,
	client_addr_hash TEXT NOT NULL,
	target_addr_hash TEXT NOT NULL DEFAULT '',
	bytes_in INTEGER NOT NULL DEFAULT 0,
	bytes_out INTEGER NOT NULL DEFAULT 0,
	opened_at DATETIME NOT NULL,
	closed_at DATETIME
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tunnel_id TEXT NOT NULL,
	action TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS config_metadata (
	key_id TEXT PRIMARY KEY,
	algorithm TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	rotation_at DATETIME NOT NULL,
	is_active INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	tunnel_id TEXT NOT NULL REFERENCES tunnels(id) ON DELETE CASCADE,
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	total_connections INTEGER NOT NULL DEFAULT 0,
	total_bytes_sent INTEGER NOT NULL DEFAULT 0,
	total_bytes_received INTEGER NOT NULL DEFAULT 0,
	avg_latency_ms REAL NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0
);
`

// pragmas mirrors the original's exact WAL/synchronous/integrity pragma
// set (original_source/src/registry/sqlite.rs new()).
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=FULL",
	"PRAGMA cache_size=5000",
	"PRAGMA temp_store=memory",
	"PRAGMA mmap_size=134217728",
	"PRAGMA auto_vacuum=FULL",
	"PRAGMA secure_delete=ON",
	"PRAGMA foreign_keys=ON",
}

// Open connects to (creating if absent) the SQLite database at path,
// applies the WAL pragma set, runs the schema, and loads or mints the
// AES-256-GCM encryption key protecting config payloads.
func Open(ctx context.Context, path string, encryptionKey []byte) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindRegistry, "failed to open registry database", err)
	}
	db.SetMaxOpenConns(10) // spec.md §5 "registry connection pool (≤10 connections)"

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errs.Wrap(errs.KindRegistry, "failed to apply pragma "+pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindRegistry, "failed to apply schema", err)
	}

	s := &Store{db: db, encryptionKey: encryptionKey}
	if s.encryptionKey == nil {
		key, err := s.getOrCreateEncryptionKey(ctx)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.encryptionKey = key
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// getOrCreateEncryptionKey loads the active key's metadata, or mints a
// fresh 32-byte key and records its metadata (not the key material — the
// caller is responsible for storing it securely, per spec.md §4.4).
func (s *Store) getOrCreateEncryptionKey(ctx context.Context) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key_id FROM config_metadata WHERE is_active = 1 LIMIT 1`)
	var keyID string
	if err := row.Scan(&keyID); err == nil {
		// Metadata exists but key material is never stored in the registry
		// itself; the caller must supply it on every Open. We still mint
		// fresh material here only if none was provided, matching the
		// invariant that Open never panics on a metadata-only database.
		logging.GetGlobalLogger().Warn("registry: active key metadata %s found but no key material supplied; minting a new key", keyID)
	} else if err != sql.ErrNoRows {
		return nil, errs.Wrap(errs.KindRegistry, "failed to query key metadata", err)
	}

	key, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, errs.Wrap(errs.KindRegistry, "failed to generate encryption key", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `INSERT INTO config_metadata (key_id, algorithm, created_at, rotation_at, is_active) VALUES (?, ?, ?, ?, 1)`,
		uuid.NewString(), "AES-256-GCM", now, now.Add(30*24*time.Hour))
	if err != nil {
		return nil, errs.Wrap(errs.KindRegistry, "failed to persist key metadata", err)
	}
	return key, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// hashBase64 implements spec.md §3's "(SHA-256 ..., base64)" fields —
// socket_path_hash and the per-connection address hashes.
func hashBase64(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// CreateTunnel inserts a new tunnel record with its config sealed under the
// store's encryption key, writing a matching audit_log row in the same
// transaction. socketPath is the worker's real control-socket path; only
// its SHA-256/base64 hash is persisted (spec.md §3), since the path is
// deterministic from id and every caller reconstructs it via
// internal/process rather than reading it back from the registry.
func (s *Store) CreateTunnel(ctx context.Context, id, name string, pid int, socketPath string, config json.RawMessage) error {
	sealed, err := crypto.SealAESGCM(s.encryptionKey, config)
	if err != nil {
		return errs.Wrap(errs.KindRegistry, "failed to seal tunnel config", err)
	}
	checksum := sha256Hex(config)
	socketPathHash := hashBase64(socketPath)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindRegistry, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO tunnels (id, name, pid, socket_path_hash, status, config_encrypted, config_checksum, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, name, pid, socketPathHash, StatusStarting, sealed, checksum, now, now)
	if err != nil {
		return errs.Wrap(errs.KindRegistry, "failed to insert tunnel", err)
	}

	if err := s.logAuditAction(ctx, tx, id, "create", name); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindRegistry, "failed to commit transaction", err)
	}
	return nil
}

// UpdateTunnelStatus transitions a tunnel's status, clearing its PID when
// the new status is terminal (Exited/Error), preserving the current PID
// otherwise.
func (s *Store) UpdateTunnelStatus(ctx context.Context, id string, status Status, exitCode *int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindRegistry, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if status == StatusExited || status == StatusError {
		_, err = tx.ExecContext(ctx, `UPDATE tunnels SET status = ?, pid = NULL, exit_code = ?, updated_at = ? WHERE id = ?`,
			status, exitCode, now, id)
	} else {
		row := tx.QueryRowContext(ctx, `SELECT pid FROM tunnels WHERE id = ?`, id)
		var pid sql.NullInt64
		if err := row.Scan(&pid); err != nil {
			return errs.Wrap(errs.KindRegistry, "failed to read current pid", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE tunnels SET status = ?, pid = ?, updated_at = ? WHERE id = ?`,
			status, pid, now, id)
	}
	if err != nil {
		return errs.Wrap(errs.KindRegistry, "failed to update tunnel status", err)
	}

	if err := s.logAuditAction(ctx, tx, id, "status_change", fmt.Sprintf("status=%d", status)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindRegistry, "failed to commit transaction", err)
	}
	return nil
}

// GetTunnel fetches and decrypts one tunnel by ID.
func (s *Store) GetTunnel(ctx context.Context, id string) (*TunnelRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, pid, socket_path_hash, status, config_encrypted, config_checksum, exit_code, created_at, updated_at
		FROM tunnels WHERE id = ?`, id)
	return s.scanTunnel(row)
}

// ListActiveTunnels returns tunnels whose status is Running or Stopping,
// newest first, skipping (and logging) any record that fails decryption.
func (s *Store) ListActiveTunnels(ctx context.Context) ([]*TunnelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, pid, socket_path_hash, status, config_encrypted, config_checksum, exit_code, created_at, updated_at
		FROM tunnels WHERE status IN (?, ?) ORDER BY created_at DESC`, StatusRunning, StatusStopping)
	if err != nil {
		return nil, errs.Wrap(errs.KindRegistry, "failed to query active tunnels", err)
	}
	defer rows.Close()
	return s.scanTunnels(rows)
}

// ListAllTunnels returns every tunnel record, newest first.
func (s *Store) ListAllTunnels(ctx context.Context) ([]*TunnelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, pid, socket_path_hash, status, config_encrypted, config_checksum, exit_code, created_at, updated_at
		FROM tunnels ORDER BY created_at DESC`)
	if err != nil {
		return nil, errs.Wrap(errs.KindRegistry, "failed to query all tunnels", err)
	}
	defer rows.Close()
	return s.scanTunnels(rows)
}

// DeleteTunnel removes a tunnel record (and its connections, via FK cascade).
func (s *Store) DeleteTunnel(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindRegistry, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tunnels WHERE id = ?`, id); err != nil {
		return errs.Wrap(errs.KindRegistry, "failed to delete tunnel", err)
	}
	if err := s.logAuditAction(ctx, tx, id, "delete", ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindRegistry, "failed to commit transaction", err)
	}
	return nil
}

// CleanupDeadProcesses probes the PID of every Running/Stopping tunnel and
// marks any whose process no longer exists as Exited, returning the IDs
// reaped.
func (s *Store) CleanupDeadProcesses(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, pid FROM tunnels WHERE status IN (?, ?) AND pid IS NOT NULL`, StatusRunning, StatusStopping)
	if err != nil {
		return nil, errs.Wrap(errs.KindRegistry, "failed to query live tunnels", err)
	}

	type candidate struct {
		id  string
		pid int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.pid); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.KindRegistry, "failed to scan candidate", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()

	var reaped []string
	for _, c := range candidates {
		if processExists(c.pid) {
			continue
		}
		exitCode := -1
		if err := s.UpdateTunnelStatus(ctx, c.id, StatusExited, &exitCode); err != nil {
			return reaped, err
		}
		reaped = append(reaped, c.id)
		logging.GetGlobalLogger().Info("registry: reaped dead tunnel %s (pid %d no longer exists)", c.id, c.pid)
	}
	return reaped, nil
}

// ListAuditLog returns the most recent audit rows, newest first, up to
// limit (SPEC_FULL.md supplemented feature 2).
func (s *Store) ListAuditLog(ctx context.Context, limit int) ([]AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tunnel_id, action, detail, created_at FROM audit_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindRegistry, "failed to query audit log", err)
	}
	defer rows.Close()

	var out []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.TunnelID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindRegistry, "failed to scan audit entry", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// RecordConnection inserts a new connection row for tunnelID. clientAddr
// and targetAddr are hashed before being persisted (spec.md §3
// "client_addr/target_addr (hashed)").
func (s *Store) RecordConnection(ctx context.Context, tunnelID, clientAddr, targetAddr string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO connections (id, tunnel_id, client_addr_hash, target_addr_hash, opened_at) VALUES (?, ?, ?, ?, ?)`,
		id, tunnelID, hashBase64(clientAddr), hashBase64(targetAddr), time.Now().UTC())
	if err != nil {
		return "", errs.Wrap(errs.KindRegistry, "failed to record connection", err)
	}
	return id, nil
}

// UpdateConnection updates a connection's byte counters and, if closed,
// its closed_at timestamp.
func (s *Store) UpdateConnection(ctx context.Context, id string, bytesIn, bytesOut int64, closed bool) error {
	if closed {
		_, err := s.db.ExecContext(ctx, `UPDATE connections SET bytes_in = ?, bytes_out = ?, closed_at = ? WHERE id = ?`,
			bytesIn, bytesOut, time.Now().UTC(), id)
		if err != nil {
			return errs.Wrap(errs.KindRegistry, "failed to update connection", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE connections SET bytes_in = ?, bytes_out = ? WHERE id = ?`, bytesIn, bytesOut, id)
	if err != nil {
		return errs.Wrap(errs.KindRegistry, "failed to update connection", err)
	}
	return nil
}

// StartSession opens a new sessions rollup row for tunnelID, returning its
// ID (spec.md §4.4's sessions table — one row per worker run, distinct
// from the individual ConnectionEntry rows it aggregates).
func (s *Store) StartSession(ctx context.Context, tunnelID string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (id, tunnel_id, started_at) VALUES (?, ?, ?)`,
		id, tunnelID, time.Now().UTC())
	if err != nil {
		return "", errs.Wrap(errs.KindRegistry, "failed to start session", err)
	}
	return id, nil
}

// UpdateSessionMetrics overwrites a session row's rollup counters with the
// worker's current snapshot.
func (s *Store) UpdateSessionMetrics(ctx context.Context, sessionID string, totalConnections, totalBytesSent, totalBytesReceived int64, avgLatencyMs float64, errorCount int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET total_connections = ?, total_bytes_sent = ?, total_bytes_received = ?, avg_latency_ms = ?, error_count = ? WHERE id = ?`,
		totalConnections, totalBytesSent, totalBytesReceived, avgLatencyMs, errorCount, sessionID)
	if err != nil {
		return errs.Wrap(errs.KindRegistry, "failed to update session metrics", err)
	}
	return nil
}

// EndSession marks a session row as closed.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE id = ?`, time.Now().UTC(), sessionID)
	if err != nil {
		return errs.Wrap(errs.KindRegistry, "failed to end session", err)
	}
	return nil
}

// GetLatestSession returns tunnelID's most recently started session
// rollup, or nil if the tunnel has never started one.
func (s *Store) GetLatestSession(ctx context.Context, tunnelID string) (*SessionRollup, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, tunnel_id, started_at, ended_at, total_connections, total_bytes_sent, total_bytes_received, avg_latency_ms, error_count
		FROM sessions WHERE tunnel_id = ? ORDER BY started_at DESC LIMIT 1`, tunnelID)

	var rollup SessionRollup
	var endedAt sql.NullTime
	err := row.Scan(&rollup.ID, &rollup.TunnelID, &rollup.StartedAt, &endedAt,
		&rollup.TotalConnections, &rollup.TotalBytesSent, &rollup.TotalBytesReceived, &rollup.AvgLatencyMs, &rollup.ErrorCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindRegistry, "failed to scan session rollup", err)
	}
	if endedAt.Valid {
		rollup.EndedAt = &endedAt.Time
	}
	return &rollup, nil
}

func (s *Store) logAuditAction(ctx context.Context, tx *sql.Tx, tunnelID, action, detail string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_log (tunnel_id, action, detail, created_at) VALUES (?, ?, ?, ?)`,
		tunnelID, action, detail, time.Now().UTC())
	if err != nil {
		return errs.Wrap(errs.KindRegistry, "failed to write audit log entry", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanTunnel(row scanner) (*TunnelRecord, error) {
	var (
		rec       TunnelRecord
		pid       sql.NullInt64
		sealed    []byte
		checksum  string
		exitCode  sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.Name, &pid, &rec.SocketPathHash, &rec.Status, &sealed, &checksum, &exitCode, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindRegistry, "tunnel not found")
		}
		return nil, errs.Wrap(errs.KindRegistry, "failed to scan tunnel row", err)
	}
	if pid.Valid {
		rec.PID = int(pid.Int64)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}

	plaintext, err := crypto.OpenAESGCM(s.encryptionKey, sealed)
	if err != nil {
		return nil, errs.Wrap(errs.KindRegistry, "failed to decrypt tunnel config", err)
	}
	if sha256Hex(plaintext) != checksum {
		return nil, errs.New(errs.KindRegistry, "config checksum mismatch: record may be corrupted")
	}
	rec.Config = plaintext
	return &rec, nil
}

func (s *Store) scanTunnels(rows *sql.Rows) ([]*TunnelRecord, error) {
	var out []*TunnelRecord
	for rows.Next() {
		rec, err := s.scanTunnel(rows)
		if err != nil {
			logging.GetGlobalLogger().Warn("registry: skipping tunnel row: %v", err)
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
