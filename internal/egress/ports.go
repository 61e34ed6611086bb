package egress

import (
	"fmt"
	"net"
)

// AllocateUDPPort binds a fresh UDP socket on (host, 0), reads the
// kernel-assigned port, and releases it. The port is advisory: a later
// consumer may still race and lose it, which the supervisor's retry loop
// absorbs.
func AllocateUDPPort(host string) (int, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host), Port: 0})
	if err != nil {
		return 0, fmt.Errorf("allocate udp port on %s: %w", host, err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	_ = conn.Close()
	return port, nil
}
