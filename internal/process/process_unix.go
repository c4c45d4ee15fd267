//go:build unix

package process

import (
	"os"
	"strconv"
	"syscall"
)

// detachedAttr puts the spawned worker in its own session so it survives
// this process exiting and doesn't receive signals sent to our process
// group.
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// processExistsOS reports whether pid is still alive by probing /proc.
func processExistsOS(pid int) bool {
	_, err := os.Stat("/proc/" + strconv.Itoa(pid))
	return err == nil
}
