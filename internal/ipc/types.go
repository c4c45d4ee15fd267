package ipc

import "time"

// TunnelInfo mirrors the status snapshot a worker reports over its control
// socket (original_source/src/ipc/protocol.rs TunnelInfo).
type TunnelInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	RouterAddr string    `json:"router_addr"`
	SourceAddr string    `json:"source_addr"`
	BindAddr   string    `json:"bind_addr"`
	Status     int32     `json:"status"`
	PID        int32     `json:"pid"`
	SocketPath string    `json:"socket_path"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TunnelMetrics is the worker's point-in-time counters.
type TunnelMetrics struct {
	ActiveConnections   int32   `json:"active_connections"`
	TotalConnections    int64   `json:"total_connections"`
	TotalBytesSent      int64   `json:"total_bytes_sent"`
	TotalBytesReceived  int64   `json:"total_bytes_received"`
	CPUUsage            float64 `json:"cpu_usage"`
	MemoryUsage         int64   `json:"memory_usage"`
	UptimeSeconds       int64   `json:"uptime_seconds"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
}

// ConnectionInfo describes one active proxied connection.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	ClientAddr    string    `json:"client_addr"`
	TargetAddr    string    `json:"target_addr"`
	ConnectedAt   time.Time `json:"connected_at"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
	Status        string    `json:"status"`
}

type StatusRequest struct{}

type StatusResponse struct {
	TunnelInfo  TunnelInfo       `json:"tunnel_info"`
	Connections []ConnectionInfo `json:"connections"`
	Metrics     TunnelMetrics    `json:"metrics"`
}

type ListRequest struct{}

type ListResponse struct {
	Connections []ConnectionInfo `json:"connections"`
}

type ShutdownRequest struct {
	Force          bool `json:"force"`
	TimeoutSeconds int  `json:"timeout_seconds"`
}

type ShutdownResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type MetricsRequest struct{}

type MetricsResponse struct {
	Metrics   TunnelMetrics `json:"metrics"`
	Timestamp time.Time     `json:"timestamp"`
}
