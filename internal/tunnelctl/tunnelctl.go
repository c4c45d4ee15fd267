// Package tunnelctl is the tunnel control plane: it orchestrates the
// router handshake (internal/client), the on-disk registry
// (internal/registry), the worker process lifecycle (internal/process),
// and each worker's control socket (internal/ipc) into the operations the
// CLI surface calls (spec.md §6; original_source/src/client/tunnel.rs,
// whose create_tunnel/remove_tunnel were left as TODO stubs over a
// dashmap — this is the real implementation).
package tunnelctl

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"conduit/internal/errs"
	"conduit/internal/ipc"
	"conduit/internal/logging"
	"conduit/internal/process"
	"conduit/internal/protocol"
	"conduit/internal/registry"
)

// RouterClient is the subset of *client.Handler the control plane needs,
// kept as an interface so tests can fake the router round trip.
type RouterClient interface {
	SendMessage(ctx context.Context, msgType protocol.Type, payload interface{}) (*protocol.Message, error)
}

// DataHandler receives opaque TunnelData payloads forwarded from the
// router; spec.md's Non-goals keep the actual proxying external, so this
// package only dispatches the envelope to whatever the caller registers.
type DataHandler func(*protocol.TunnelData)

// Controller ties the four subsystems together for one client process.
type Controller struct {
	router   RouterClient
	registry *registry.Store
	procs    *process.Manager

	onData DataHandler
}

// New builds a Controller over an already-authenticated router connection.
func New(router RouterClient, reg *registry.Store, procs *process.Manager) *Controller {
	return &Controller{router: router, registry: reg, procs: procs}
}

// SetDataHandler registers the callback invoked for inbound TunnelData
// envelopes (see HandleMessage).
func (c *Controller) SetDataHandler(h DataHandler) {
	c.onData = h
}

// HandleMessage implements client.EventHandler, dispatching non-correlated
// inbound messages (TunnelData, Error, Disconnect) the router pushes
// outside of a request/response exchange.
func (c *Controller) HandleMessage(msg *protocol.Message) {
	switch msg.MessageType {
	case protocol.TypeTunnelData:
		if c.onData == nil {
			return
		}
		var data protocol.TunnelData
		if err := msg.DecodePayload(&data); err != nil {
			logging.GetGlobalLogger().Warn("tunnelctl: malformed TunnelData: %v", err)
			return
		}
		c.onData(&data)
	case protocol.TypeError:
		var errMsg protocol.ErrorMessage
		if err := msg.DecodePayload(&errMsg); err == nil {
			logging.GetGlobalLogger().Error("tunnelctl: router error %s: %s", errMsg.Code, errMsg.Message)
		}
	case protocol.TypeDisconnect:
		logging.GetGlobalLogger().Info("tunnelctl: router requested disconnect")
	}
}

// CreateOptions describes a tunnel to bring up.
type CreateOptions struct {
	Name       string
	RouterAddr string
	SourceAddr string
	BindAddr   string
	Protocol   string
	Config     protocol.TunnelConfig
}

// CreateTunnel asks the router to establish the tunnel, then — on success —
// spawns the local worker process that will actually own the socket and
// report to the registry (spec.md §5: "Created on spawn → Running once
// worker process is observed alive").
func (c *Controller) CreateTunnel(ctx context.Context, opts CreateOptions) (string, error) {
	if opts.Protocol == "udp" {
		return "", errs.New(errs.KindConfiguration, "udp protocol is accepted in config but not supported over the wire")
	}

	tunnelID := uuid.NewString()

	resp, err := c.router.SendMessage(ctx, protocol.TypeTunnelCreate, protocol.TunnelCreate{
		TunnelID:   tunnelID,
		TunnelName: opts.Name,
		SourceAddr: opts.SourceAddr,
		BindAddr:   opts.BindAddr,
		Protocol:   opts.Protocol,
		Config:     opts.Config,
	})
	if err != nil {
		return "", errs.Wrap(errs.KindNetwork, "TunnelCreate request failed", err)
	}

	var createResp protocol.TunnelCreateResponse
	if err := resp.DecodePayload(&createResp); err != nil {
		return "", errs.Wrap(errs.KindProtocol, "malformed TunnelCreateResponse", err)
	}
	if !createResp.Success {
		return "", errs.New(errs.KindProtocol, "router rejected tunnel: "+createResp.ErrorMessage)
	}

	rawConfig, err := json.Marshal(opts.Config)
	if err != nil {
		return "", errs.Wrap(errs.KindConfiguration, "failed to marshal tunnel config", err)
	}

	workerCfg := process.WorkerConfig{
		TunnelID:       tunnelID,
		Name:           opts.Name,
		RouterAddr:     opts.RouterAddr,
		SourceAddr:     opts.SourceAddr,
		BindAddr:       opts.BindAddr,
		Protocol:       opts.Protocol,
		TimeoutSeconds: opts.Config.TimeoutSeconds,
		MaxConnections: opts.Config.MaxConnections,
	}
	if _, err := c.procs.StartTunnelProcess(ctx, workerCfg, rawConfig); err != nil {
		return "", err
	}

	return tunnelID, nil
}

// shutdownGrace bounds how long StopTunnel waits for a graceful IPC
// shutdown before escalating to a direct process kill, matching spec.md
// §5's default 10s SIGTERM→SIGKILL escalation window.
const shutdownGrace = 10 * time.Second

// StopTunnel tears a tunnel down. When force is false it first asks the
// worker to shut itself down gracefully over its control socket (CLI → IPC
// Shutdown → worker oneshot → registry Exited, per spec.md §5), falling
// back to a direct SIGTERM/SIGKILL escalation via internal/process if the
// worker doesn't exit within shutdownGrace. When force is true it kills
// the process directly.
func (c *Controller) StopTunnel(ctx context.Context, tunnelID string, force bool) error {
	if force {
		_, err := c.procs.StopTunnelProcess(ctx, tunnelID, true)
		return err
	}

	socketPath, err := process.SocketPath(tunnelID)
	if err != nil {
		return err
	}

	if ipcClient, dialErr := ipc.ConnectWithTimeout(socketPath, 2*time.Second); dialErr == nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, shutdownErr := ipcClient.Shutdown(shutdownCtx, false, int(shutdownGrace.Seconds()))
		cancel()
		ipcClient.Close()
		if shutdownErr == nil {
			if c.waitForExit(ctx, tunnelID, shutdownGrace) {
				return nil
			}
		}
	}

	logging.GetGlobalLogger().Warn("tunnelctl: graceful shutdown of %s did not complete, escalating", tunnelID)
	_, err = c.procs.StopTunnelProcess(ctx, tunnelID, false)
	return err
}

func (c *Controller) waitForExit(ctx context.Context, tunnelID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		record, err := c.registry.GetTunnel(ctx, tunnelID)
		if err != nil {
			return false
		}
		if record.Status == registry.StatusExited || record.Status == registry.StatusStopped {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}

// ListTunnels returns every tunnel the registry knows about.
func (c *Controller) ListTunnels(ctx context.Context) ([]*registry.TunnelRecord, error) {
	return c.registry.ListAllTunnels(ctx)
}

// TunnelStatus merges the registry's durable record with the worker's live
// status/connections/metrics snapshot.
type TunnelStatus struct {
	Record      *registry.TunnelRecord
	Live        *ipc.StatusResponse
	LiveReached bool
}

// GetTunnelStatus fetches the registry record and, if the worker's socket
// answers, its live status snapshot.
func (c *Controller) GetTunnelStatus(ctx context.Context, tunnelID string) (*TunnelStatus, error) {
	record, err := c.registry.GetTunnel(ctx, tunnelID)
	if err != nil {
		return nil, err
	}

	out := &TunnelStatus{Record: record}
	socketPath, err := process.SocketPath(tunnelID)
	if err != nil {
		return out, nil
	}
	client, err := ipc.ConnectWithTimeout(socketPath, time.Second)
	if err != nil {
		return out, nil
	}
	defer client.Close()

	live, err := client.GetStatus(ctx)
	if err != nil {
		return out, nil
	}
	out.Live = live
	out.LiveReached = true
	return out, nil
}

// ListConnections fans out to the worker's control socket for its active
// connection list.
func (c *Controller) ListConnections(ctx context.Context, tunnelID string) ([]ipc.ConnectionInfo, error) {
	if _, err := c.registry.GetTunnel(ctx, tunnelID); err != nil {
		return nil, err
	}

	socketPath, err := process.SocketPath(tunnelID)
	if err != nil {
		return nil, errs.Wrap(errs.KindIPC, "worker unreachable", err)
	}

	client, err := ipc.Connect(ctx, socketPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindIPC, "worker unreachable", err)
	}
	defer client.Close()

	resp, err := client.ListConnections(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Connections, nil
}

// fanOutTimeout bounds each individual socket call within a bulk fan-out,
// matching spec.md §4.6's per-call shared deadline.
const fanOutTimeout = 2 * time.Second

// ListTunnelStatuses queries every given tunnel's control socket
// concurrently instead of one at a time, merging each worker's live
// snapshot with its registry record (spec.md §4.6 "Fan-out client":
// get_multiple_status across up to the target ~100 concurrent sockets).
// Tunnels whose socket doesn't answer are still returned, with
// LiveReached=false.
func (c *Controller) ListTunnelStatuses(ctx context.Context, records []*registry.TunnelRecord) []*TunnelStatus {
	paths := make([]string, len(records))
	for i, r := range records {
		if p, err := process.SocketPath(r.ID); err == nil {
			paths[i] = p
		}
	}
	results := ipc.GetMultipleStatus(ctx, paths, fanOutTimeout)

	statuses := make([]*TunnelStatus, len(records))
	for i, r := range records {
		st := &TunnelStatus{Record: r}
		if res := results[i]; res.Err == nil && res.Status != nil {
			st.Live = res.Status
			st.LiveReached = true
		}
		statuses[i] = st
	}
	return statuses
}

// ListAllConnections fans out to every running/active tunnel's control
// socket concurrently and returns each tunnel's connection list keyed by
// tunnel ID, instead of dialing each worker in sequence.
func (c *Controller) ListAllConnections(ctx context.Context, records []*registry.TunnelRecord) map[string][]ipc.ConnectionInfo {
	live := make([]*registry.TunnelRecord, 0, len(records))
	for _, r := range records {
		if r.Status == registry.StatusRunning || r.Status == registry.StatusActive {
			live = append(live, r)
		}
	}

	paths := make([]string, len(live))
	for i, r := range live {
		if p, err := process.SocketPath(r.ID); err == nil {
			paths[i] = p
		}
	}
	results := ipc.GetMultipleStatus(ctx, paths, fanOutTimeout)

	out := make(map[string][]ipc.ConnectionInfo, len(live))
	for i, r := range live {
		if res := results[i]; res.Err == nil && res.Status != nil {
			out[r.ID] = res.Status.Connections
		}
	}
	return out
}
