//go:build !windows

package process

import "syscall"

// terminate sends SIGTERM to the whole process group.
func terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// kill sends SIGKILL to the whole process group.
func kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}
