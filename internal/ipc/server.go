package ipc

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"conduit/internal/errs"
	"conduit/internal/logging"
)

// Server hosts one worker's TunnelControl RPCs over its Unix domain
// socket (original_source/src/ipc/server.rs UdsGrpcServer).
type Server struct {
	socketPath string
	grpcServer *grpc.Server
	service    *TunnelService
}

// NewServer builds a Server for tunnelID that Serve will bind to
// socketPath; it does not touch the filesystem (Serve removes any stale
// socket file and restricts the socket to 0600 once bound).
func NewServer(socketPath, tunnelID string) *Server {
	service := NewTunnelService(tunnelID)
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	RegisterTunnelControlServer(grpcServer, service)

	return &Server{
		socketPath: socketPath,
		grpcServer: grpcServer,
		service:    service,
	}
}

// Service returns the underlying TunnelService so the worker can push
// status/connection/metrics updates into it.
func (s *Server) Service() *TunnelService {
	return s.service
}

// Serve binds the Unix domain socket and blocks serving RPCs until Stop is
// called or the service's shutdown channel fires.
func (s *Server) Serve() error {
	if _, err := os.Stat(s.socketPath); err == nil {
		if err := os.Remove(s.socketPath); err != nil {
			return errs.Wrap(errs.KindIPC, "failed to remove stale control socket", err)
		}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errs.Wrap(errs.KindIPC, "failed to bind control socket", err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return errs.Wrap(errs.KindIPC, "failed to set control socket permissions", err)
	}

	go func() {
		<-s.service.Done()
		s.grpcServer.GracefulStop()
	}()

	logging.GetGlobalLogger().Info("ipc: control socket listening at %s", s.socketPath)
	if err := s.grpcServer.Serve(listener); err != nil {
		return errs.Wrap(errs.KindIPC, "control server exited", err)
	}
	return nil
}

// Stop tears the server down and removes the socket file.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}

// TunnelService is the default TunnelControlServer implementation held by
// a worker process.
type TunnelService struct {
	tunnelID string

	mu          sync.RWMutex
	info        TunnelInfo
	connections []ConnectionInfo
	metrics     TunnelMetrics

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewTunnelService builds an empty TunnelService for tunnelID.
func NewTunnelService(tunnelID string) *TunnelService {
	now := time.Now().UTC()
	return &TunnelService{
		tunnelID:   tunnelID,
		info:       TunnelInfo{ID: tunnelID, CreatedAt: now, UpdatedAt: now},
		shutdownCh: make(chan struct{}),
	}
}

// Done returns a channel closed once Shutdown has been called, letting the
// worker's main loop select on it alongside its own signal handling.
func (s *TunnelService) Done() <-chan struct{} {
	return s.shutdownCh
}

// UpdateInfo replaces the reported tunnel info.
func (s *TunnelService) UpdateInfo(info TunnelInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info.UpdatedAt = time.Now().UTC()
	s.info = info
}

// UpdateConnections replaces the reported connection list.
func (s *TunnelService) UpdateConnections(conns []ConnectionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections = conns
}

// UpdateMetrics replaces the reported metrics snapshot.
func (s *TunnelService) UpdateMetrics(metrics TunnelMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = metrics
}

// Metrics returns the current metrics snapshot, for callers (such as the
// session rollup poller) that need it outside of a GetStatus RPC.
func (s *TunnelService) Metrics() TunnelMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

func (s *TunnelService) GetStatus(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &StatusResponse{
		TunnelInfo:  s.info,
		Connections: append([]ConnectionInfo(nil), s.connections...),
		Metrics:     s.metrics,
	}, nil
}

func (s *TunnelService) ListConnections(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &ListResponse{Connections: append([]ConnectionInfo(nil), s.connections...)}, nil
}

// Shutdown signals the worker's shutdown channel exactly once; a second
// call reports that the signal was already consumed rather than erroring,
// matching the original's oneshot-sender semantics.
func (s *TunnelService) Shutdown(ctx context.Context, req *ShutdownRequest) (*ShutdownResponse, error) {
	if err := validateShutdownRequest(req); err != nil {
		return nil, err
	}

	consumed := false
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		consumed = true
	})

	if consumed {
		logging.GetGlobalLogger().Info("ipc: shutdown initiated for tunnel %s (force=%v)", s.tunnelID, req.Force)
		return &ShutdownResponse{Success: true, Message: "shutdown initiated successfully"}, nil
	}
	return &ShutdownResponse{Success: false, Message: "shutdown signal already consumed"}, nil
}

// StreamMetrics pushes a metrics snapshot once a second until the stream's
// context is cancelled, matching the original's 1-second ticker.
func (s *TunnelService) StreamMetrics(req *MetricsRequest, stream MetricsStreamServer) error {
	ticker := time.NewTicker(metricsStreamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-ticker.C:
			s.mu.RLock()
			metrics := s.metrics
			s.mu.RUnlock()
			if err := stream.Send(&MetricsResponse{Metrics: metrics, Timestamp: time.Now().UTC()}); err != nil {
				return err
			}
		}
	}
}
