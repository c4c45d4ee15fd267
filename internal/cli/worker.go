// The worker side of the CLI: the hidden `internal-tunnel-process`
// subcommand a process.Manager spawns for every tunnel (spec.md §5;
// original_source/src/registry/manager.rs's start_tunnel_process spawn
// args, which this package's process.StartTunnelProcess already mirrors).
package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"conduit/internal/client"
	"conduit/internal/errs"
	"conduit/internal/ipc"
	"conduit/internal/logging"
	"conduit/internal/protocol"
	"conduit/internal/registry"
)

var internalTunnelProcessCmd = &cobra.Command{
	Use:    "internal-tunnel-process",
	Hidden: true,
	Short:  "Run a single tunnel's worker loop (spawned by the CLI, not invoked directly)",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		name, _ := cmd.Flags().GetString("name")
		router, _ := cmd.Flags().GetString("router")
		source, _ := cmd.Flags().GetString("source")
		bind, _ := cmd.Flags().GetString("bind")
		socket, _ := cmd.Flags().GetString("socket")
		proto, _ := cmd.Flags().GetString("protocol")
		timeout, _ := cmd.Flags().GetInt("timeout")
		maxConns, _ := cmd.Flags().GetInt("max-connections")
		return runTunnelWorker(cmd.Context(), workerArgs{
			id: id, name: name, router: router, source: source,
			bind: bind, socket: socket, protocol: proto,
			timeoutSeconds: timeout, maxConnections: maxConns,
		})
	},
}

func init() {
	rootCmd.AddCommand(internalTunnelProcessCmd)

	flags := internalTunnelProcessCmd.Flags()
	flags.String("id", "", "tunnel ID")
	flags.String("name", "", "tunnel name")
	flags.String("router", "", "router address")
	flags.String("source", "", "source address on the router side")
	flags.String("bind", "", "local bind address")
	flags.String("socket", "", "control socket path")
	flags.String("protocol", "tcp", "tunnel protocol")
	flags.Int("timeout", 300, "timeout in seconds for request/response messages on the router connection")
	flags.Int("max-connections", 100, "maximum concurrent connections this tunnel accepts")
}

type workerArgs struct {
	id, name, router, source, bind, socket, protocol string
	timeoutSeconds, maxConnections                   int
}

// metricsPollInterval is how often the worker refreshes the snapshot it
// serves over GetStatus/StreamMetrics.
const metricsPollInterval = 5 * time.Second

// runTunnelWorker is what `internal-tunnel-process` actually does once
// spawned: serve the control socket, register with the router, and keep
// the registry's durable status current until shut down. Moving bytes
// between bind and source is the data-plane forwarder's job, assumed
// external to this module (spec.md §6 Non-goals).
func runTunnelWorker(ctx context.Context, a workerArgs) error {
	if a.id == "" || a.socket == "" {
		return errs.New(errs.KindConfiguration, "internal-tunnel-process requires --id and --socket")
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	ipcSrv := ipc.NewServer(a.socket, a.id)
	svc := ipcSrv.Service()
	svc.UpdateInfo(ipc.TunnelInfo{
		ID:         a.id,
		Name:       a.name,
		RouterAddr: a.router,
		SourceAddr: a.source,
		BindAddr:   a.bind,
		SocketPath: a.socket,
	})
	// maxConnections is the cap the data-plane forwarder (external to this
	// module, spec.md §6 Non-goals) must enforce; it is only logged here
	// and is not reported through GetStatus or list. The worker itself
	// never admits or rejects connections.
	logger.Info("worker %s: configured max_connections=%d timeout=%ds", a.id, a.maxConnections, a.timeoutSeconds)

	serveCtx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- ipcSrv.Serve() }()

	if err := store.UpdateTunnelStatus(ctx, a.id, registry.StatusStarting, nil); err != nil {
		logger.Warn("worker %s: failed to record starting status: %v", a.id, err)
	}

	keyMgr, err := openKeys()
	if err != nil {
		return failWorker(store, a.id, err)
	}
	active, err := keyMgr.GetActive()
	if err != nil {
		return failWorker(store, a.id, err)
	}
	cfg, err := loadConfigFile("")
	if err != nil {
		return failWorker(store, a.id, err)
	}
	tlsCfg, err := buildTLSConfig(cfg.Security)
	if err != nil {
		return failWorker(store, a.id, err)
	}

	clientCfg := client.DefaultConfig
	if a.timeoutSeconds > 0 {
		clientCfg.MessageTimeout = time.Duration(a.timeoutSeconds) * time.Second
	}
	routerHandler := &workerEventHandler{svc: svc}
	routerConn := client.New(clientCfg, tlsCfg, active.KeyPair, routerHandler)
	if err := routerConn.Connect(serveCtx, a.router); err != nil {
		return failWorker(store, a.id, err)
	}
	defer routerConn.Disconnect()

	if _, err := routerConn.Authenticate(serveCtx, cfg.Token, active.Metadata.KeyID, Version, nil); err != nil {
		return failWorker(store, a.id, err)
	}

	if err := store.UpdateTunnelStatus(ctx, a.id, registry.StatusRunning, nil); err != nil {
		logger.Warn("worker %s: failed to record running status: %v", a.id, err)
	}
	logger.Info("worker %s: tunnel %s running (%s -> %s via %s)", a.id, a.name, a.source, a.bind, a.router)

	sessionID, err := store.StartSession(ctx, a.id)
	if err != nil {
		logger.Warn("worker %s: failed to start session rollup: %v", a.id, err)
	}

	go routerConn.StartHeartbeatLoop(serveCtx, a.id, func() client.Heartbeat {
		return client.Heartbeat{ActiveTunnels: 1}
	})
	go pollMetrics(serveCtx, svc, time.Now())
	if sessionID != "" {
		go pollSessionRollup(serveCtx, store, svc, sessionID)
	}

	exitCode := 0
	select {
	case <-serveCtx.Done():
	case <-svc.Done():
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("worker %s: control socket exited: %v", a.id, err)
			exitCode = 1
		}
	}

	ipcSrv.Stop()
	code := exitCode
	if err := store.UpdateTunnelStatus(ctx, a.id, registry.StatusExited, &code); err != nil {
		logger.Warn("worker %s: failed to record exited status: %v", a.id, err)
	}
	if sessionID != "" {
		if err := store.EndSession(context.Background(), sessionID); err != nil {
			logger.Warn("worker %s: failed to end session rollup: %v", a.id, err)
		}
	}
	return nil
}

// pollSessionRollup periodically flushes the control socket's live metrics
// snapshot into the session's rollup row, so GetLatestSession reflects a
// running tunnel instead of only its state at StartSession/EndSession.
func pollSessionRollup(ctx context.Context, store *registry.Store, svc *ipc.TunnelService, sessionID string) {
	ticker := time.NewTicker(metricsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := svc.Metrics()
			if err := store.UpdateSessionMetrics(ctx, sessionID, m.TotalConnections, m.TotalBytesSent, m.TotalBytesReceived, m.AvgLatencyMs, 0); err != nil {
				logger.Warn("session %s: failed to update rollup: %v", sessionID, err)
			}
		}
	}
}

// pollMetrics keeps the control socket's uptime counter current; bytes/
// connection counts stay at zero until the external data-plane forwarder
// reports them (spec.md §6 Non-goals).
func pollMetrics(ctx context.Context, svc *ipc.TunnelService, startedAt time.Time) {
	ticker := time.NewTicker(metricsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.UpdateMetrics(ipc.TunnelMetrics{UptimeSeconds: int64(time.Since(startedAt).Seconds())})
		}
	}
}

func failWorker(store *registry.Store, id string, cause error) error {
	code := 1
	if err := store.UpdateTunnelStatus(context.Background(), id, registry.StatusError, &code); err != nil {
		logger.Warn("worker %s: failed to record error status: %v", id, err)
	}
	return cause
}

// workerEventHandler receives the envelopes the router pushes for this
// tunnel: a TunnelData payload is decoded and then dropped (it does not
// touch the control socket's metrics), and a Disconnect is logged. Moving
// the bytes to the source/bind addresses is the data-plane forwarder's job.
type workerEventHandler struct {
	svc *ipc.TunnelService
}

func (h *workerEventHandler) HandleMessage(msg *protocol.Message) {
	switch msg.MessageType {
	case protocol.TypeTunnelData:
		var data protocol.TunnelData
		if err := msg.DecodePayload(&data); err != nil {
			return
		}
	case protocol.TypeDisconnect:
		logging.GetGlobalLogger().Warn("worker: router requested disconnect")
	}
}
