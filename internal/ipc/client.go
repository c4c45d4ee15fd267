package ipc

import (
	"context"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"conduit/internal/errs"
)

// Client talks to one worker's control socket (original_source/src/ipc/
// client.rs UdsGrpcClient).
type Client struct {
	conn       *grpc.ClientConn
	socketPath string
}

// Connect dials the Unix domain socket at socketPath. The socket file must
// already exist — a worker that hasn't bound it yet is reported as
// unreachable rather than waited on.
func Connect(ctx context.Context, socketPath string) (*Client, error) {
	if _, err := os.Stat(socketPath); err != nil {
		return nil, errs.Wrap(errs.KindIPC, "control socket not found", err)
	}

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}

	conn, err := grpc.DialContext(ctx, "unix:"+socketPath,
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(callSubtype())),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindIPC, "failed to connect to control socket", err)
	}

	return &Client{conn: conn, socketPath: socketPath}, nil
}

// ConnectWithTimeout is Connect bounded by timeout.
func ConnectWithTimeout(socketPath string, timeout time.Duration) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Connect(ctx, socketPath)
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	resp := new(StatusResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/GetStatus", &StatusRequest{}, resp); err != nil {
		return nil, errs.Wrap(errs.KindIPC, "GetStatus failed", err)
	}
	return resp, nil
}

func (c *Client) ListConnections(ctx context.Context) (*ListResponse, error) {
	resp := new(ListResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/ListConnections", &ListRequest{}, resp); err != nil {
		return nil, errs.Wrap(errs.KindIPC, "ListConnections failed", err)
	}
	return resp, nil
}

func (c *Client) Shutdown(ctx context.Context, force bool, timeoutSeconds int) (*ShutdownResponse, error) {
	req := &ShutdownRequest{Force: force, TimeoutSeconds: timeoutSeconds}
	resp := new(ShutdownResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Shutdown", req, resp); err != nil {
		return nil, errs.Wrap(errs.KindIPC, "Shutdown failed", err)
	}
	return resp, nil
}

// Ping reports whether the worker is reachable and answering, implemented
// as a short-timeout GetStatus call rather than a dedicated RPC, matching
// original_source/src/ipc/client.rs's UdsGrpcClient::ping.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := c.GetStatus(ctx)
	return err
}

// StreamMetrics opens the GetMetricsStream server-streaming RPC and
// returns a channel of snapshots; the channel closes when the stream ends
// or ctx is cancelled.
func (c *Client) StreamMetrics(ctx context.Context) (<-chan *MetricsResponse, error) {
	desc := &tunnelControlServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, "/"+serviceName+"/GetMetricsStream")
	if err != nil {
		return nil, errs.Wrap(errs.KindIPC, "failed to open metrics stream", err)
	}
	if err := stream.SendMsg(&MetricsRequest{}); err != nil {
		return nil, errs.Wrap(errs.KindIPC, "failed to send metrics stream request", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, errs.Wrap(errs.KindIPC, "failed to close metrics stream send side", err)
	}

	out := make(chan *MetricsResponse)
	go func() {
		defer close(out)
		for {
			resp := new(MetricsResponse)
			if err := stream.RecvMsg(resp); err != nil {
				return
			}
			select {
			case out <- resp:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// HealthCheck dials socketPath, pings it, and reports liveness without
// requiring the caller to manage a long-lived connection — the shape
// internal/process's health-check task calls on its 10-second cadence.
func HealthCheck(socketPath string, timeout time.Duration) bool {
	client, err := ConnectWithTimeout(socketPath, timeout)
	if err != nil {
		return false
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return client.Ping(ctx) == nil
}
