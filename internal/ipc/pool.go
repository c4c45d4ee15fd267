package ipc

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// StatusResult pairs a socket path with the outcome of a fan-out call
// against it (original_source/src/ipc/client.rs's ParallelUdsClient,
// which returns Vec<(PathBuf, Result<T>)>).
type StatusResult struct {
	SocketPath string
	Status     *StatusResponse
	Err        error
}

// HealthResult pairs a socket path with whether it answered a ping.
type HealthResult struct {
	SocketPath string
	Healthy    bool
}

// ShutdownResult pairs a socket path with the outcome of a Shutdown call
// against it.
type ShutdownResult struct {
	SocketPath string
	Response   *ShutdownResponse
	Err        error
}

// GetMultipleStatus spawns one goroutine per socket path, each bounded by
// the same per-call deadline, and collects a result for every path
// regardless of individual failures (spec.md §4.6 "Fan-out client":
// get_multiple_status(paths, timeout_ms), target >=100 concurrent
// sockets).
func GetMultipleStatus(ctx context.Context, socketPaths []string, timeout time.Duration) []StatusResult {
	results := make([]StatusResult, len(socketPaths))
	var wg sync.WaitGroup
	wg.Add(len(socketPaths))
	for i, path := range socketPaths {
		go func(i int, path string) {
			defer wg.Done()
			results[i] = StatusResult{SocketPath: path}
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			client, err := Connect(callCtx, path)
			if err != nil {
				results[i].Err = err
				return
			}
			defer client.Close()
			status, err := client.GetStatus(callCtx)
			results[i].Status = status
			results[i].Err = err
		}(i, path)
	}
	wg.Wait()
	return results
}

// HealthCheckMultiple is GetMultipleStatus's health-only counterpart: one
// goroutine per path, a shared deadline, and a plain boolean per result
// (spec.md §4.6 health_check_multiple).
func HealthCheckMultiple(socketPaths []string, timeout time.Duration) []HealthResult {
	results := make([]HealthResult, len(socketPaths))
	var wg sync.WaitGroup
	wg.Add(len(socketPaths))
	for i, path := range socketPaths {
		go func(i int, path string) {
			defer wg.Done()
			results[i] = HealthResult{SocketPath: path, Healthy: HealthCheck(path, timeout)}
		}(i, path)
	}
	wg.Wait()
	return results
}

// ShutdownMultiple fans a Shutdown request out to every socket path with a
// shared per-call deadline (spec.md §4.6 shutdown_multiple).
func ShutdownMultiple(ctx context.Context, socketPaths []string, force bool, timeoutSeconds int, timeout time.Duration) []ShutdownResult {
	results := make([]ShutdownResult, len(socketPaths))
	var wg sync.WaitGroup
	wg.Add(len(socketPaths))
	for i, path := range socketPaths {
		go func(i int, path string) {
			defer wg.Done()
			results[i] = ShutdownResult{SocketPath: path}
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			client, err := Connect(callCtx, path)
			if err != nil {
				results[i].Err = err
				return
			}
			defer client.Close()
			resp, err := client.Shutdown(callCtx, force, timeoutSeconds)
			results[i].Response = resp
			results[i].Err = err
		}(i, path)
	}
	wg.Wait()
	return results
}

// Pool reuses control-socket connections across calls, keyed by socket
// path (original_source/src/ipc/client.rs's UdsClientPool). A singleflight
// group collapses concurrent GetClient calls for the same path into one
// dial, so a burst of CLI goroutines querying the same worker doesn't open
// the socket redundantly.
type Pool struct {
	connectTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*Client

	group singleflight.Group
}

// NewPool builds an empty Pool; connectTimeout bounds both the initial
// dial and any reconnect GetClient performs.
func NewPool(connectTimeout time.Duration) *Pool {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &Pool{
		connectTimeout: connectTimeout,
		clients:        make(map[string]*Client),
	}
}

// GetClient returns a cached client for socketPath if its ping still
// passes, otherwise transparently reconnects (or dials for the first
// time) and caches the result.
func (p *Pool) GetClient(ctx context.Context, socketPath string) (*Client, error) {
	v, err, _ := p.group.Do(socketPath, func() (interface{}, error) {
		p.mu.Lock()
		existing := p.clients[socketPath]
		p.mu.Unlock()

		if existing != nil {
			pingCtx, cancel := context.WithTimeout(ctx, time.Second)
			healthy := existing.Ping(pingCtx) == nil
			cancel()
			if healthy {
				return existing, nil
			}
			existing.Close()
		}

		client, err := ConnectWithTimeout(socketPath, p.connectTimeout)
		if err != nil {
			p.mu.Lock()
			delete(p.clients, socketPath)
			p.mu.Unlock()
			return nil, err
		}
		p.mu.Lock()
		p.clients[socketPath] = client
		p.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// Cleanup evicts every pooled client whose ping fails, closing its
// connection first.
func (p *Pool) Cleanup(ctx context.Context) {
	p.mu.Lock()
	snapshot := make(map[string]*Client, len(p.clients))
	for path, client := range p.clients {
		snapshot[path] = client
	}
	p.mu.Unlock()

	for path, client := range snapshot {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		healthy := client.Ping(pingCtx) == nil
		cancel()
		if healthy {
			continue
		}
		client.Close()
		p.mu.Lock()
		delete(p.clients, path)
		p.mu.Unlock()
	}
}

// Close closes every pooled client and empties the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for path, client := range p.clients {
		client.Close()
		delete(p.clients, path)
	}
}
