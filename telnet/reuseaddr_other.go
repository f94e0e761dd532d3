//go:build !windows

package telnet

import "syscall"

// setReuseAddr lets the feed rebind its port right after a restart.
func setReuseAddr(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
