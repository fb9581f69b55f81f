package endpoint

import (
	"context"
	"fmt"
	"net"
)

// Bind opens socket S on an OS-chosen ephemeral UDP port (spec.md §4.2),
// best-effort enabling SO_REUSEPORT via the platform-specific control
// hook so a restarted process can rebind without waiting out the OS's
// hold on the old port.
func Bind() (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: controlReusePort}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("endpoint: bind: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("endpoint: bind: unexpected packet conn type %T", pc)
	}
	return conn, nil
}
