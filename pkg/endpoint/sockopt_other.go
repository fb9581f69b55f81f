//go:build !linux

package endpoint

import "syscall"

// controlReusePort is a no-op outside Linux: SO_REUSEPORT's rebind
// semantics are Linux/BSD-specific and not worth the platform branching
// for this tunnel's target deployment.
func controlReusePort(_, _ string, _ syscall.RawConn) error {
	return nil
}
