package tunnelctl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/process"
	"conduit/internal/protocol"
	"conduit/internal/registry"
)

type fakeRouter struct {
	response *protocol.Message
	err      error
	lastType protocol.Type
}

func (f *fakeRouter) SendMessage(ctx context.Context, msgType protocol.Type, payload interface{}) (*protocol.Message, error) {
	f.lastType = msgType
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func openTestStore(t *testing.T) *registry.Store {
	t.Helper()
	store, err := registry.Open(context.Background(), t.TempDir()+"/registry.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func successResponse(t *testing.T) *protocol.Message {
	t.Helper()
	msg, err := protocol.New(protocol.TypeTunnelCreateResponse, protocol.TunnelCreateResponse{Success: true, TunnelID: "ignored"})
	require.NoError(t, err)
	return msg
}

func TestCreateTunnelRejectsUDP(t *testing.T) {
	store := openTestStore(t)
	procs := process.NewManager(store)
	router := &fakeRouter{response: successResponse(t)}
	c := New(router, store, procs)

	_, err := c.CreateTunnel(context.Background(), CreateOptions{Protocol: "udp"})
	assert.Error(t, err)
}

func TestCreateTunnelFailsWhenRouterRejects(t *testing.T) {
	store := openTestStore(t)
	procs := process.NewManager(store)
	msg, err := protocol.New(protocol.TypeTunnelCreateResponse, protocol.TunnelCreateResponse{Success: false, ErrorMessage: "no capacity"})
	require.NoError(t, err)
	router := &fakeRouter{response: msg}
	c := New(router, store, procs)

	_, err = c.CreateTunnel(context.Background(), CreateOptions{Protocol: "tcp"})
	assert.Error(t, err)
}

func TestHandleMessageDispatchesTunnelData(t *testing.T) {
	store := openTestStore(t)
	procs := process.NewManager(store)
	c := New(&fakeRouter{}, store, procs)

	var received *protocol.TunnelData
	c.SetDataHandler(func(d *protocol.TunnelData) { received = d })

	payload := protocol.TunnelData{TunnelID: "t1", ConnectionID: "c1", Sequence: 7}
	msg, err := protocol.New(protocol.TypeTunnelData, payload)
	require.NoError(t, err)

	c.HandleMessage(msg)
	require.NotNil(t, received)
	assert.Equal(t, "t1", received.TunnelID)
	assert.Equal(t, uint64(7), received.Sequence)
}

func TestListTunnelsReturnsRegistryRecords(t *testing.T) {
	store := openTestStore(t)
	procs := process.NewManager(store)
	c := New(&fakeRouter{}, store, procs)

	require.NoError(t, store.CreateTunnel(context.Background(), "t1", "demo", 1234, "/tmp/t1.sock", nil))

	records, err := c.ListTunnels(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "t1", records[0].ID)
}
