package ipc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	server := NewServer(socketPath, "t1")
	go server.Serve()
	t.Cleanup(server.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if HealthCheck(socketPath, 200*time.Millisecond) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	return server, socketPath
}

func TestGetStatusReturnsCurrentSnapshot(t *testing.T) {
	server, socketPath := startTestServer(t)
	server.Service().UpdateMetrics(TunnelMetrics{ActiveConnections: 3})

	client, err := ConnectWithTimeout(socketPath, time.Second)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), resp.Metrics.ActiveConnections)
}

func TestShutdownIsIdempotent(t *testing.T) {
	_, socketPath := startTestServer(t)

	client, err := ConnectWithTimeout(socketPath, time.Second)
	require.NoError(t, err)
	defer client.Close()

	first, err := client.Shutdown(context.Background(), false, 10)
	require.NoError(t, err)
	assert.True(t, first.Success)

	second, err := client.Shutdown(context.Background(), false, 10)
	require.NoError(t, err)
	assert.False(t, second.Success)
}

func TestShutdownRejectsInvalidTimeout(t *testing.T) {
	_, socketPath := startTestServer(t)

	client, err := ConnectWithTimeout(socketPath, time.Second)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Shutdown(context.Background(), false, 999)
	assert.Error(t, err)
}

func TestHealthCheckFailsForMissingSocket(t *testing.T) {
	assert.False(t, HealthCheck(filepath.Join(t.TempDir(), "missing.sock"), 200*time.Millisecond))
}

func TestGetMultipleStatusCoversEveryPath(t *testing.T) {
	_, pathA := startTestServer(t)
	_, pathB := startTestServer(t)
	missing := filepath.Join(t.TempDir(), "missing.sock")

	results := GetMultipleStatus(context.Background(), []string{pathA, missing, pathB}, 500*time.Millisecond)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.NotNil(t, results[0].Status)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
}

func TestHealthCheckMultiple(t *testing.T) {
	_, pathA := startTestServer(t)
	missing := filepath.Join(t.TempDir(), "missing.sock")

	results := HealthCheckMultiple([]string{pathA, missing}, 500*time.Millisecond)
	require.Len(t, results, 2)
	assert.True(t, results[0].Healthy)
	assert.False(t, results[1].Healthy)
}

func TestPoolGetClientReusesHealthyConnection(t *testing.T) {
	_, socketPath := startTestServer(t)
	pool := NewPool(time.Second)
	defer pool.Close()

	first, err := pool.GetClient(context.Background(), socketPath)
	require.NoError(t, err)
	second, err := pool.GetClient(context.Background(), socketPath)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestPoolCleanupEvictsDeadClients(t *testing.T) {
	server, socketPath := startTestServer(t)
	pool := NewPool(time.Second)
	defer pool.Close()

	_, err := pool.GetClient(context.Background(), socketPath)
	require.NoError(t, err)

	server.Stop()
	pool.Cleanup(context.Background())

	pool.mu.Lock()
	_, stillPooled := pool.clients[socketPath]
	pool.mu.Unlock()
	assert.False(t, stillPooled)
}
