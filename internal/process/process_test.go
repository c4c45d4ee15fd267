package process

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/registry"
)

func openTestStore(t *testing.T) *registry.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := registry.Open(context.Background(), dir+"/registry.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStartTunnelProcessTracksAndRegisters(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store)

	cfg := WorkerConfig{
		TunnelID:   "t1",
		Name:       "demo",
		RouterAddr: "127.0.0.1:9000",
		SourceAddr: "127.0.0.1:8080",
		BindAddr:   "0.0.0.0:8080",
		Protocol:   "tcp",
	}

	// os.Executable can't be overridden, so this spawns the test binary
	// itself with the internal-tunnel-process arguments and stops it right
	// away so the child isn't leaked.
	pid, err := m.StartTunnelProcess(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.NotZero(t, pid)

	running := m.ListRunning()
	assert.Contains(t, running, "t1")

	ok, err := m.StopTunnelProcess(context.Background(), "t1", true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotContains(t, m.ListRunning(), "t1")
}

func TestStopTunnelProcessUnknownIDIsNoop(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store)
	ok, err := m.StopTunnelProcess(context.Background(), "missing", false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPrepareSocketPathRemovesStaleFile(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store)

	path, err := m.prepareSocketPath("t-stale")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("stale"), 0600))
	path2, err := m.prepareSocketPath("t-stale")
	require.NoError(t, err)
	assert.Equal(t, path, path2)

	info, err := os.Stat(path2)
	assert.True(t, err != nil || info.Size() == 0)
}

func TestGetProcessStatsReportsUptime(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store)
	m.mu.Lock()
	m.processes["t2"] = &info{tunnelID: "t2", pid: os.Getpid(), startedAt: time.Now().Add(-5 * time.Second)}
	m.mu.Unlock()

	stats := m.GetProcessStats()
	require.Contains(t, stats, "t2")
	assert.GreaterOrEqual(t, stats["t2"].UptimeSeconds, int64(5))
}
