package registry

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/crypto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	key, err := crypto.RandomBytes(32)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "registry.db")
	s, err := Open(context.Background(), path, key)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetTunnel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cfg, _ := json.Marshal(map[string]string{"source": "127.0.0.1:8080"})
	require.NoError(t, s.CreateTunnel(ctx, "t-1", "my-tunnel", 1234, "/tmp/t-1.sock", cfg))

	rec, err := s.GetTunnel(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "my-tunnel", rec.Name)
	assert.Equal(t, 1234, rec.PID)
	assert.JSONEq(t, string(cfg), string(rec.Config))

	entries, err := s.ListAuditLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "create", entries[0].Action)
}

func TestUpdateTunnelStatusClearsPIDOnExit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cfg, _ := json.Marshal(map[string]string{})
	require.NoError(t, s.CreateTunnel(ctx, "t-1", "n", 1234, "/tmp/t-1.sock", cfg))

	exitCode := 1
	require.NoError(t, s.UpdateTunnelStatus(ctx, "t-1", StatusExited, &exitCode))

	rec, err := s.GetTunnel(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.PID)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 1, *rec.ExitCode)
}

func TestUpdateTunnelStatusPreservesPIDWhenNotTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cfg, _ := json.Marshal(map[string]string{})
	require.NoError(t, s.CreateTunnel(ctx, "t-1", "n", 1234, "/tmp/t-1.sock", cfg))

	require.NoError(t, s.UpdateTunnelStatus(ctx, "t-1", StatusRunning, nil))

	rec, err := s.GetTunnel(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1234, rec.PID)
}

func TestListActiveTunnelsFiltersByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cfg, _ := json.Marshal(map[string]string{})
	require.NoError(t, s.CreateTunnel(ctx, "t-1", "n1", 1, "/tmp/1.sock", cfg))
	require.NoError(t, s.CreateTunnel(ctx, "t-2", "n2", 2, "/tmp/2.sock", cfg))
	require.NoError(t, s.UpdateTunnelStatus(ctx, "t-1", StatusRunning, nil))

	active, err := s.ListActiveTunnels(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "t-1", active[0].ID)
}

func TestDeleteTunnel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cfg, _ := json.Marshal(map[string]string{})
	require.NoError(t, s.CreateTunnel(ctx, "t-1", "n", 1, "/tmp/1.sock", cfg))
	require.NoError(t, s.DeleteTunnel(ctx, "t-1"))

	_, err := s.GetTunnel(ctx, "t-1")
	require.Error(t, err)
}
