//go:build unix

// Liveness probing for CleanupDeadProcesses: checks /proc/{pid} presence,
// mirroring original_source/src/registry/sqlite.rs's process_exists and
// the teacher's Unix-specific file layout convention (singleton_unix.go).
package registry

import (
	"os"
	"strconv"
)

func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.Stat("/proc/" + strconv.Itoa(pid))
	return err == nil
}
