// Package process implements the Process Manager: spawning detached
// per-tunnel worker subprocesses, tracking them in memory, escalating
// termination signals, and running periodic cleanup/health monitoring
// tasks (spec.md C9; original_source/src/registry/manager.rs).
package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"conduit/internal/errs"
	"conduit/internal/ipc"
	"conduit/internal/logging"
	"conduit/internal/registry"
)

// WorkerConfig is what's threaded through to the spawned
// internal-tunnel-process subcommand.
type WorkerConfig struct {
	TunnelID       string
	Name           string
	RouterAddr     string
	SourceAddr     string
	BindAddr       string
	Protocol       string
	TimeoutSeconds int
	MaxConnections int
}

// info tracks one running worker in memory, mirroring the original's
// ProcessInfo.
type info struct {
	tunnelID        string
	pid             int
	socketPath      string
	startedAt       time.Time
	lastHealthCheck time.Time
	restartCount    int
	healthy         bool
}

// healthCheckTimeout bounds each control-socket ping issued by
// healthCheckProcesses.
const healthCheckTimeout = 2 * time.Second

// Manager owns the set of live tunnel worker processes and the registry
// they're recorded in.
type Manager struct {
	reg *registry.Store

	mu        sync.RWMutex
	processes map[string]*info

	cleanupInterval    time.Duration
	healthCheckInterval time.Duration
}

// NewManager builds a Manager over reg with the original's 30s/10s
// cleanup/health-check cadence.
func NewManager(reg *registry.Store) *Manager {
	return &Manager{
		reg:                 reg,
		processes:           make(map[string]*info),
		cleanupInterval:     30 * time.Second,
		healthCheckInterval: 10 * time.Second,
	}
}

// socketDir returns ~/.conduit/sockets, creating it with 0700 permissions.
func socketDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dir := filepath.Join(home, ".conduit", "sockets")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", errs.Wrap(errs.KindProcess, "failed to create socket directory", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", errs.Wrap(errs.KindProcess, "failed to set socket directory permissions", err)
	}
	return dir, nil
}

// SocketPath returns the deterministic control-socket path for tunnelID
// without touching the filesystem — the registry only ever persists a
// hash of this path (internal/registry.Store.CreateTunnel), so any caller
// that needs to dial a worker's socket reconstructs it from the tunnel ID
// this way rather than reading it back out of the store.
func SocketPath(tunnelID string) (string, error) {
	dir, err := socketDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, tunnelID+".sock"), nil
}

func (m *Manager) prepareSocketPath(tunnelID string) (string, error) {
	path, err := SocketPath(tunnelID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return "", errs.Wrap(errs.KindProcess, "failed to remove stale socket file", err)
		}
	}
	return path, nil
}

// StartTunnelProcess spawns this same executable as a detached
// `internal-tunnel-process` subcommand, records it in the registry, and
// tracks it in memory. Returns the spawned PID.
func (m *Manager) StartTunnelProcess(ctx context.Context, cfg WorkerConfig, rawConfig []byte) (int, error) {
	logging.GetGlobalLogger().Info("process: starting tunnel process %s (%s)", cfg.Name, cfg.TunnelID)

	socketPath, err := m.prepareSocketPath(cfg.TunnelID)
	if err != nil {
		return 0, err
	}

	self, err := os.Executable()
	if err != nil {
		return 0, errs.Wrap(errs.KindProcess, "failed to resolve own executable path", err)
	}

	args := []string{
		"internal-tunnel-process",
		"--id", cfg.TunnelID,
		"--name", cfg.Name,
		"--router", cfg.RouterAddr,
		"--source", cfg.SourceAddr,
		"--bind", cfg.BindAddr,
		"--socket", socketPath,
		"--protocol", cfg.Protocol,
		"--timeout", strconv.Itoa(cfg.TimeoutSeconds),
		"--max-connections", strconv.Itoa(cfg.MaxConnections),
	}

	cmd := exec.Command(self, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Env = append(os.Environ(),
		"CONDUIT_TUNNEL_ID="+cfg.TunnelID,
		"CONDUIT_SOCKET_PATH="+socketPath,
	)
	cmd.SysProcAttr = detachedAttr()

	if err := cmd.Start(); err != nil {
		return 0, errs.Wrap(errs.KindProcess, "failed to spawn tunnel process", err)
	}
	pid := cmd.Process.Pid

	// The worker is detached and outlives this call; reap its OS-level
	// wait status in the background so it never becomes a zombie without
	// blocking the caller on its exit.
	go cmd.Wait()

	if err := m.reg.CreateTunnel(ctx, cfg.TunnelID, cfg.Name, pid, socketPath, rawConfig); err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.processes[cfg.TunnelID] = &info{
		tunnelID:        cfg.TunnelID,
		pid:             pid,
		socketPath:      socketPath,
		startedAt:       time.Now(),
		lastHealthCheck: time.Now(),
	}
	m.mu.Unlock()

	return pid, nil
}

// StopTunnelProcess sends SIGTERM (or SIGKILL if force), polling for exit
// for up to 10 seconds before escalating, matching spec.md §5's
// SIGTERM→poll→SIGKILL escalation.
func (m *Manager) StopTunnelProcess(ctx context.Context, tunnelID string, force bool) (bool, error) {
	logging.GetGlobalLogger().Info("process: stopping tunnel process %s (force=%v)", tunnelID, force)

	m.mu.RLock()
	entry, ok := m.processes[tunnelID]
	m.mu.RUnlock()
	if !ok {
		logging.GetGlobalLogger().Warn("process: tunnel %s not found in running processes", tunnelID)
		return false, nil
	}

	if err := m.reg.UpdateTunnelStatus(ctx, tunnelID, registry.StatusStopping, nil); err != nil {
		return false, err
	}

	success := killProcess(entry.pid, force)
	exitCode := -1
	status := registry.StatusError
	if success {
		exitCode = 0
		status = registry.StatusExited
	}
	if err := m.reg.UpdateTunnelStatus(ctx, tunnelID, status, &exitCode); err != nil {
		return false, err
	}

	m.mu.Lock()
	delete(m.processes, tunnelID)
	m.mu.Unlock()

	_ = os.Remove(entry.socketPath)

	logging.GetGlobalLogger().Info("process: tunnel %s stopped (exit_code=%d)", tunnelID, exitCode)
	return true, nil
}

// StopAll stops every tracked process, returning the tunnel IDs that
// stopped successfully.
func (m *Manager) StopAll(ctx context.Context, force bool) ([]string, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var stopped []string
	for _, id := range ids {
		ok, err := m.StopTunnelProcess(ctx, id, force)
		if err != nil {
			logging.GetGlobalLogger().Error("process: error stopping %s: %v", id, err)
			continue
		}
		if ok {
			stopped = append(stopped, id)
		}
	}
	return stopped, nil
}

// killProcess sends SIGKILL at once when force is set; otherwise it sends
// SIGTERM and polls for 10 seconds, escalating to SIGKILL if the process
// hasn't exited by then.
func killProcess(pid int, force bool) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	signal := syscall.SIGTERM
	if force {
		signal = syscall.SIGKILL
	}
	if err := proc.Signal(signal); err != nil {
		return false
	}
	if force {
		return true
	}

	for i := 0; i < 10; i++ {
		time.Sleep(time.Second)
		if !processExistsOS(pid) {
			return true
		}
	}
	_ = proc.Signal(syscall.SIGKILL)
	return true
}

// StartMonitoring launches the cleanup and health-check background tasks
// under an errgroup.Group, returning once ctx is cancelled (or either task
// returns an error other than context cancellation).
func (m *Manager) StartMonitoring(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := m.cleanupDeadProcesses(ctx); err != nil {
					logging.GetGlobalLogger().Error("process: cleanup error: %v", err)
				}
			}
		}
	})

	group.Go(func() error {
		ticker := time.NewTicker(m.healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				m.healthCheckProcesses()
			}
		}
	})

	logging.GetGlobalLogger().Info("process: monitoring started")
	return group.Wait()
}

func (m *Manager) cleanupDeadProcesses(ctx context.Context) error {
	reapedFromRegistry, err := m.reg.CleanupDeadProcesses(ctx)
	if err != nil {
		return err
	}
	if len(reapedFromRegistry) > 0 {
		m.mu.Lock()
		for _, id := range reapedFromRegistry {
			if entry, ok := m.processes[id]; ok {
				_ = os.Remove(entry.socketPath)
				delete(m.processes, id)
			}
		}
		m.mu.Unlock()
	}

	var dead []string
	m.mu.RLock()
	for id, entry := range m.processes {
		if !processExistsOS(entry.pid) {
			dead = append(dead, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range dead {
		exitCode := -1
		if err := m.reg.UpdateTunnelStatus(ctx, id, registry.StatusExited, &exitCode); err != nil {
			logging.GetGlobalLogger().Error("process: failed to update status for dead process %s: %v", id, err)
			continue
		}
		m.mu.Lock()
		delete(m.processes, id)
		m.mu.Unlock()
		logging.GetGlobalLogger().Info("process: cleaned up dead process %s", id)
	}
	return nil
}

// healthCheckProcesses pings every tracked worker's control socket
// (internal/ipc), recording the result rather than leaving it a
// simplified stub the way original_source/src/registry/manager.rs's
// check_process_health does.
func (m *Manager) healthCheckProcesses() {
	m.mu.RLock()
	targets := make(map[string]string, len(m.processes))
	for id, entry := range m.processes {
		targets[id] = entry.socketPath
	}
	m.mu.RUnlock()

	for id, socketPath := range targets {
		alive := ipc.HealthCheck(socketPath, healthCheckTimeout)
		m.mu.Lock()
		if entry, ok := m.processes[id]; ok {
			entry.lastHealthCheck = time.Now()
			entry.healthy = alive
		}
		m.mu.Unlock()
		if !alive {
			logging.GetGlobalLogger().Warn("process: health check failed for tunnel %s", id)
		}
	}
}

// ListRunning returns the tunnel IDs of every process currently tracked.
func (m *Manager) ListRunning() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	return ids
}

// Stats summarizes one tracked process, as returned by GetProcessStats.
type Stats struct {
	TunnelID     string
	PID          int
	UptimeSeconds int64
	RestartCount  int
	SocketPath    string
}

// GetProcessStats snapshots every tracked process's runtime stats.
func (m *Manager) GetProcessStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.processes))
	for id, entry := range m.processes {
		out[id] = Stats{
			TunnelID:      id,
			PID:           entry.pid,
			UptimeSeconds: int64(time.Since(entry.startedAt).Seconds()),
			RestartCount:  entry.restartCount,
			SocketPath:    entry.socketPath,
		}
	}
	return out
}
