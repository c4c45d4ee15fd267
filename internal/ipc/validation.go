package ipc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// validateShutdownRequest mirrors original_source/src/ipc/protocol.rs's
// validation::validate_shutdown_request.
func validateShutdownRequest(req *ShutdownRequest) error {
	if req.TimeoutSeconds < 0 {
		return status.Error(codes.InvalidArgument, "timeout must be non-negative")
	}
	if req.TimeoutSeconds > 300 {
		return status.Error(codes.InvalidArgument, "timeout cannot exceed 300 seconds")
	}
	return nil
}

// validateTunnelID mirrors the original's validate_tunnel_id.
func validateTunnelID(id string) error {
	if id == "" {
		return status.Error(codes.InvalidArgument, "tunnel ID cannot be empty")
	}
	if len(id) > 100 {
		return status.Error(codes.InvalidArgument, "tunnel ID too long")
	}
	for _, r := range id {
		alnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !alnum && r != '-' && r != '_' {
			return status.Error(codes.InvalidArgument, "invalid tunnel ID format")
		}
	}
	return nil
}
