//go:build linux

package endpoint

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReusePort best-effort enables SO_REUSEPORT on S before bind, so a
// restarted process can rebind the same ephemeral port without waiting out
// the kernel's TIME_WAIT-like hold (SPEC_FULL.md §4.2 domain-stack wiring).
// Failure is never fatal: the socket still binds, just without the option.
func controlReusePort(_, _ string, c syscall.RawConn) error {
	c.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	return nil
}
