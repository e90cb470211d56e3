package radio

import (
	"fmt"
	"net"
	"time"
)

// dialTCP connects to a simulator or a serial-over-TCP bridge. The stream
// carries raw API frames, with no extra framing.
func dialTCP(address string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}
