//go:build !unix

package process

import "syscall"

// detachedAttr has no portable process-group detach outside unix; leave the
// spawned worker attached to this process's group.
func detachedAttr() *syscall.SysProcAttr {
	return nil
}

// processExistsOS has no portable /proc probe outside unix; treat every PID
// as alive, matching internal/registry's process_other.go fallback.
func processExistsOS(pid int) bool {
	return pid > 0
}
